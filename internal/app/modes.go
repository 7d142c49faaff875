package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/allocbot/internal/controller"
	"github.com/alanyoungcy/allocbot/internal/crypto"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/executor"
	"github.com/alanyoungcy/allocbot/internal/feed"
	"github.com/alanyoungcy/allocbot/internal/pipeline"
	"github.com/alanyoungcy/allocbot/internal/server"
	"github.com/alanyoungcy/allocbot/internal/server/handler"
	"github.com/alanyoungcy/allocbot/internal/server/middleware"
	"github.com/alanyoungcy/allocbot/internal/server/ws"
	"github.com/alanyoungcy/allocbot/internal/strategy"
)

// TradeMode runs one controller per instrument against the configured feed
// and venue (paper or live), plus the API and the archiver when enabled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.String("venue", a.cfg.Venue.Kind))

	venue, err := a.newVenue(a.cfg.Venue.Kind)
	if err != nil {
		return err
	}
	defer venue.Close()

	src, err := a.newSource(deps)
	if err != nil {
		return err
	}
	_, err = a.runControllers(ctx, deps, venue, src, false)
	return err
}

// ReplayMode replays the configured CSV file through the paper venue and
// returns the final snapshots once the file is exhausted. Nothing is
// persisted, published or locked.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) ([]domain.Snapshot, error) {
	a.logger.InfoContext(ctx, "starting replay mode", slog.String("file", a.cfg.Feed.File))

	venue, err := a.newVenue("paper")
	if err != nil {
		return nil, err
	}
	defer venue.Close()

	replayDeps := &Dependencies{
		BlobReader: deps.BlobReader,
		Notifier:   deps.Notifier,
		Metrics:    deps.Metrics,
		Checks:     deps.Checks,
	}
	src := feed.NewCSVFeed(a.cfg.Feed.File, deps.BlobReader, a.cfg.Instruments, a.logger)
	set, err := a.runControllers(ctx, replayDeps, venue, src, true)
	if set == nil {
		return nil, err
	}
	return set.Snapshots(), err
}

// ServerMode serves the API from the snapshots other processes publish on
// Redis. Resume commands are forwarded to the owning process over the
// control channel.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	snaps := server.NewBusSnapshots(a.logger)
	g.Go(func() error {
		return snaps.Run(ctx, deps.SignalBus)
	})
	a.startHTTPServer(ctx, g, deps, snaps, server.NewBusResumer(deps.SignalBus, snaps))
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// runControllers builds, warms up and runs the instrument loops. With
// exitWhenDone the call returns once every loop has consumed its bars;
// otherwise it runs until ctx is cancelled.
func (a *App) runControllers(
	ctx context.Context,
	deps *Dependencies,
	venue executor.Venue,
	src feed.Source,
	exitWhenDone bool,
) (*Instruments, error) {
	placer := executor.NewGuardedPlacer(venue, guardConfig(a.cfg.Venue), a.logger)

	// A replay waits for every order to be answered before the next bar, so
	// the same input always gives the same trades.
	var settle time.Duration
	if exitWhenDone {
		settle = replaySettleTimeout
	}
	set, err := a.buildLoops(ctx, deps, placer, settle)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := set.Close(); err != nil {
			a.logger.Warn("close strategies", slog.String("error", err.Error()))
		}
	}()
	for _, name := range set.names {
		if err := set.loops[name].Warmup(ctx); err != nil {
			return set, err
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	router := executor.NewRouter(a.logger, venue.Reports(), placer.Rejects())
	reports := make(map[string]<-chan domain.ExecutionReport, len(set.names))
	bars := make(map[string]chan domain.Bar, len(set.names))
	for _, name := range set.names {
		reports[name] = router.Subscribe(name, a.cfg.Venue.ReportBuffer)
		bars[name] = make(chan domain.Bar, a.cfg.Feed.Buffer)
	}
	g.Go(func() error {
		return placer.Run(gctx)
	})
	g.Go(func() error {
		return router.Run(gctx)
	})

	raw := make(chan domain.Bar, a.cfg.Feed.Buffer)
	g.Go(func() error {
		defer close(raw)
		return src.Run(gctx, raw)
	})
	g.Go(func() error {
		feed.Fanout(gctx, raw, bars)
		return nil
	})

	loops, lctx := errgroup.WithContext(gctx)
	for _, name := range set.names {
		l := set.loops[name]
		loops.Go(func() error {
			return l.Run(lctx, bars[name], reports[name])
		})
	}
	g.Go(func() error {
		err := loops.Wait()
		if err == nil {
			a.logger.InfoContext(ctx, "all instrument loops finished")
			if exitWhenDone {
				stop()
			}
		}
		return err
	})

	if deps.SignalBus != nil {
		g.Go(func() error {
			return set.listenControl(gctx, deps.SignalBus, a.logger)
		})
	}
	if a.cfg.Server.Enabled && !exitWhenDone {
		a.startHTTPServer(gctx, g, deps, set, set)
	}
	if !exitWhenDone {
		a.startArchiver(gctx, g, deps)
	}

	err = g.Wait()
	if exitWhenDone && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	return set, err
}

// replaySettleTimeout bounds how long a replay waits for the venue to answer
// the orders of one bar.
const replaySettleTimeout = 5 * time.Second

// buildLoops constructs the controller of every configured instrument. A
// positive settle makes each loop wait for in-flight orders between bars.
func (a *App) buildLoops(ctx context.Context, deps *Dependencies, placer executor.OrderPlacer, settle time.Duration) (*Instruments, error) {
	reg := strategy.DefaultRegistry()

	opts := []controller.Option{
		controller.WithStores(controller.Stores{
			Strategies:  deps.StrategyStore,
			Outcomes:    deps.OutcomeStore,
			Positions:   deps.PositionStore,
			Allocations: deps.AllocationStore,
			Audit:       deps.AuditStore,
		}),
		controller.WithNotifier(deps.Notifier),
		controller.WithMetrics(deps.Metrics),
	}
	if deps.SignalBus != nil {
		opts = append(opts, controller.WithSignalBus(deps.SignalBus))
	}
	if deps.LockManager != nil {
		opts = append(opts, controller.WithLocks(deps.LockManager))
	}

	loops := make([]*controller.Loop, 0, len(a.cfg.Instruments))
	for _, inst := range a.cfg.Instruments {
		s := settingsFor(a.cfg, inst)
		s.Loop.SettleTimeout = settle
		l, err := controller.Build(ctx, s, specsFor(a.cfg, inst),
			reg, placer, deps.Notifier, deps.PriceCache, a.logger, opts...)
		if err != nil {
			_ = newInstruments(loops).Close()
			return nil, fmt.Errorf("app: build %s: %w", inst, err)
		}
		loops = append(loops, l)
	}
	return newInstruments(loops), nil
}

// newVenue creates the order venue of the given kind.
func (a *App) newVenue(kind string) (executor.Venue, error) {
	v := a.cfg.Venue
	switch kind {
	case "rest":
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           v.APISecret,
			EncryptedPath: v.SecretPath,
			Password:      v.SecretPass,
		})
		if err != nil {
			return nil, fmt.Errorf("app: venue secret: %w", err)
		}
		return executor.NewRESTVenue(executor.RESTConfig{
			BaseURL: v.BaseURL,
			Timeout: v.Timeout.Duration,
			Buffer:  v.ReportBuffer,
			Auth: crypto.HMACAuth{
				Key:        v.APIKey,
				Secret:     secret,
				Passphrase: v.APIPassphrase,
			},
		}, a.logger), nil
	case "paper":
		return executor.NewPaperVenue(executor.PaperConfig{
			SlippageBps: v.SlippageBps,
			RejectRate:  v.RejectRate,
			Buffer:      v.ReportBuffer,
		}, rand.NewPCG(v.Seed, v.Seed^0x9e3779b97f4a7c15), a.logger), nil
	default:
		return nil, fmt.Errorf("app: unknown venue kind %q", kind)
	}
}

// newSource creates the configured bar feed.
func (a *App) newSource(deps *Dependencies) (feed.Source, error) {
	f := a.cfg.Feed
	switch f.Kind {
	case "ws":
		return feed.NewWSFeed(f.URL, f.Channel, a.cfg.Instruments, f.Retry.Duration, a.logger), nil
	case "redis":
		if deps.SignalBus == nil {
			return nil, errors.New("app: redis feed requires redis")
		}
		return feed.NewBusFeed(deps.SignalBus, f.Channel, a.cfg.Instruments, a.logger), nil
	case "csv":
		if bucket, _, remote := feed.ParseLocation(f.File); remote && bucket != a.cfg.S3.Bucket {
			return nil, fmt.Errorf("app: feed bucket %q differs from s3.bucket %q", bucket, a.cfg.S3.Bucket)
		}
		return feed.NewCSVFeed(f.File, deps.BlobReader, a.cfg.Instruments, a.logger), nil
	default:
		return nil, fmt.Errorf("app: unknown feed kind %q", f.Kind)
	}
}

// startHTTPServer registers the API server and its shutdown on g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	source handler.SnapshotSource,
	resumer handler.Resumer,
) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, source, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Snapshots: handler.NewSnapshotHandler(source, a.logger),
		History:   handler.NewHistoryHandler(deps.PositionStore, deps.AllocationStore, deps.AuditStore, a.logger),
		Control:   handler.NewControlHandler(resumer, a.logger),
	}
	var recorder middleware.RequestRecorder
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
		recorder = deps.Metrics
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeys:     a.cfg.Server.APIKeys,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, recorder, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver schedules the closed-position archiver when it is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	var counter pipeline.ArchiveCounter
	if deps.Metrics != nil {
		counter = deps.Metrics
	}
	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.After.Duration, counter, a.logger)
	g.Go(func() error {
		return arch.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
	})
}
