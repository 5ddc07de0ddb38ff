package settle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yesnolabs/marketd/internal/domain"
)

const (
	defaultGraceWindow  = 10 * time.Minute
	defaultScanInterval = 30 * time.Second
)

// ScannerConfig tunes the periodic settlement driver. The grace window keeps
// settlement from racing the still-converging external price snapshot right
// at market close.
type ScannerConfig struct {
	GraceWindow  time.Duration
	ScanInterval time.Duration
}

func (c *ScannerConfig) applyDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
}

// Scanner periodically settles auto-resolved markets past their closing time
// by the grace window. Markets are settled independently: one failure is
// recorded and the scan continues.
type Scanner struct {
	engine   *Engine
	store    domain.Store
	notifier Notifier
	cfg      ScannerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewScanner builds a Scanner. notifier may be nil.
func NewScanner(engine *Engine, store domain.Store, notifier Notifier, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	cfg.applyDefaults()
	return &Scanner{
		engine:   engine,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scanner")),
		now:      time.Now,
	}
}

// Run scans on the configured interval until ctx is cancelled. An immediate
// first scan runs before the ticker starts.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scanner started",
		slog.Duration("interval", s.cfg.ScanInterval),
		slog.Duration("grace_window", s.cfg.GraceWindow),
	)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scanner stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan settles every currently settleable market once and reports per-market
// results. Only the settleable query itself can fail the scan; individual
// settlement errors end up in the report's failure list.
func (s *Scanner) Scan(ctx context.Context) (domain.ScanReport, error) {
	cutoff := s.now().Add(-s.cfg.GraceWindow)
	markets, err := s.store.Markets().ListSettleable(ctx, cutoff)
	if err != nil {
		return domain.ScanReport{}, fmt.Errorf("settle: list settleable markets: %w", err)
	}

	report := domain.ScanReport{Scanned: len(markets)}
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := s.engine.Settle(ctx, m.ID, nil); err != nil {
			report.Failures = append(report.Failures, domain.ScanFailure{
				MarketID: m.ID,
				Kind:     domain.KindOf(err),
				Reason:   err.Error(),
			})
			s.logger.WarnContext(ctx, "market settlement failed",
				slog.String("market_id", m.ID),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Settled++
	}

	s.logger.InfoContext(ctx, "scan complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("settled", report.Settled),
		slog.Int("failed", len(report.Failures)),
	)

	if len(report.Failures) > 0 && s.notifier != nil {
		msg := fmt.Sprintf("%d of %d markets failed to settle; first: %s (%s)",
			len(report.Failures), report.Scanned, report.Failures[0].MarketID, report.Failures[0].Kind)
		if err := s.notifier.Notify(ctx, "scan_failed", "Settlement scan failures", msg); err != nil {
			s.logger.WarnContext(ctx, "scan alert failed", slog.String("error", err.Error()))
		}
	}

	return report, nil
}
