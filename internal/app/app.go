// Package app provides the top-level application lifecycle for allocbot. It
// wires together the stores, caches, blob storage, venue, feed and
// notifications and starts the goroutines of the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled or the mode finishes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Any("instruments", a.cfg.Instruments),
	)

	deps, err := a.wire(ctx)
	if err != nil {
		return err
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "paper", "live":
		return a.TradeMode(ctx, deps)
	case "replay":
		snaps, err := a.ReplayMode(ctx, deps)
		for _, s := range snaps {
			a.logger.InfoContext(ctx, "replay result",
				slog.String("instrument", s.Instrument),
				slog.Int64("cycles", s.Cycles),
				slog.Float64("equity", s.Equity),
				slog.Int("positions", len(s.Positions)),
				slog.Bool("halted", s.Halted),
			)
		}
		return err
	case "server":
		return a.ServerMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Replay runs the configured CSV feed through the paper venue and returns the
// final snapshot of every instrument.
func (a *App) Replay(ctx context.Context) ([]domain.Snapshot, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return nil, err
	}
	return a.ReplayMode(ctx, deps)
}

func (a *App) wire(ctx context.Context) (*Dependencies, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return deps, nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
