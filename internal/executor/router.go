package executor

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Router fans shared venue report streams out to one channel per
// instrument, so each instrument loop only sees its own reports. Reports of
// one source keep their order.
type Router struct {
	srcs   []<-chan domain.ExecutionReport
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]chan domain.ExecutionReport
}

// NewRouter creates a Router reading from every source in srcs.
func NewRouter(logger *slog.Logger, srcs ...<-chan domain.ExecutionReport) *Router {
	return &Router{
		srcs:   srcs,
		logger: logger.With(slog.String("component", "report_router")),
		subs:   make(map[string]chan domain.ExecutionReport),
	}
}

// Subscribe returns the report channel of instrument. Must be called before Run.
func (r *Router) Subscribe(instrument string, buffer int) <-chan domain.ExecutionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[instrument]; ok {
		return ch
	}
	ch := make(chan domain.ExecutionReport, buffer)
	r.subs[instrument] = ch
	return ch
}

// Run forwards reports until ctx is cancelled or every source closes, then
// closes every subscriber channel.
func (r *Router) Run(ctx context.Context) error {
	defer r.closeAll()
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range r.srcs {
		g.Go(func() error {
			return r.forward(ctx, src)
		})
	}
	return g.Wait()
}

func (r *Router) forward(ctx context.Context, src <-chan domain.ExecutionReport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rep, ok := <-src:
			if !ok {
				return nil
			}
			r.mu.Lock()
			ch, found := r.subs[rep.Instrument]
			r.mu.Unlock()
			if !found {
				r.logger.WarnContext(ctx, "report for unrouted instrument",
					slog.String("instrument", rep.Instrument),
					slog.String("order_id", rep.OrderID),
				)
				continue
			}
			select {
			case ch <- rep:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Router) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ch := range r.subs {
		close(ch)
		delete(r.subs, k)
	}
}
