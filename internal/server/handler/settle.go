package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yesnolabs/marketd/internal/domain"
)

// SettleService defines the methods that the settlement handler requires.
type SettleService interface {
	Settle(ctx context.Context, marketID string, forced *domain.Outcome) (domain.SettleResult, error)
}

// ScanService triggers one sweep over settleable markets.
type ScanService interface {
	Scan(ctx context.Context) (domain.ScanReport, error)
}

// SettleHandler serves the admin settlement endpoints.
type SettleHandler struct {
	settler SettleService
	scanner ScanService
	logger  *slog.Logger
}

// NewSettleHandler creates a SettleHandler. scanner may be nil when the
// process runs in server-only mode; the scan endpoint then returns 503.
func NewSettleHandler(settler SettleService, scanner ScanService, logger *slog.Logger) *SettleHandler {
	return &SettleHandler{
		settler: settler,
		scanner: scanner,
		logger:  logger,
	}
}

// settleRequest optionally forces an outcome, overriding the snapshot.
type settleRequest struct {
	Outcome *string `json:"outcome,omitempty"`
}

// SettleMarket settles one market, paying out winners and recovering pool
// liquidity.
// POST /api/markets/{id}/settle (admin)
func (h *SettleHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req settleRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	var forced *domain.Outcome
	if req.Outcome != nil {
		o := domain.Outcome(*req.Outcome)
		if !o.Valid() {
			writeError(w, http.StatusBadRequest, "outcome must be YES or NO")
			return
		}
		forced = &o
	}

	result, err := h.settler.Settle(r.Context(), id, forced)
	if err != nil {
		kind := domain.KindOf(err)
		if kind != domain.KindValidation && kind != domain.KindAlreadySettled {
			h.logger.ErrorContext(r.Context(), "handler: settle market failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// TriggerScan runs one settlement sweep immediately instead of waiting for
// the next scheduled pass.
// POST /api/settle/scan (admin)
func (h *SettleHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not running in this mode")
		return
	}

	report, err := h.scanner.Scan(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: settlement scan failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}
