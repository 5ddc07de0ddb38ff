package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yesnolabs/marketd/internal/server"
	"github.com/yesnolabs/marketd/internal/server/handler"
	"github.com/yesnolabs/marketd/internal/server/ws"
)

// shutdownTimeout bounds how long in-flight requests may run after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// ServerMode runs the HTTP + WebSocket API without the settlement scanner.
// Settlement stays available through the admin endpoint.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, nil)
	return g.Wait()
}

// ScanMode runs only the settlement scanner loop, for deployments that split
// the API and the background worker.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Scanner.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the API server and the settlement scanner in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Scanner.Run(ctx)
	})
	a.startServer(ctx, g, deps, deps.Scanner)

	return g.Wait()
}

// startServer wires the handlers, the WebSocket hub, and the HTTP server onto
// the group, plus a watcher that shuts the server down when the context is
// cancelled. scanner may be nil; the scan trigger endpoint then reports
// unavailable.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, scanner handler.ScanService) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by configuration")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Orders:  handler.NewOrderHandler(deps.Trades, a.logger),
		Settle:  handler.NewSettleHandler(deps.SettleEngine, scanner, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		AdminToken:      a.cfg.Server.AdminToken,
		RateLimit:       a.cfg.Engine.OrderRateLimit * 10,
		RateLimitWindow: a.cfg.Engine.OrderRateWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}
