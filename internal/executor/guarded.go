package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// GuardConfig configures GuardedPlacer.
type GuardConfig struct {
	Name string
	// LotSize is the quantity increment accepted by the venue. Zero disables
	// quantization.
	LotSize float64
	// MinQuantity is the smallest order the venue accepts after quantization.
	MinQuantity float64
	// RatePerSecond and Burst bound the submission rate. Zero disables it.
	RatePerSecond float64
	Burst         int
	// MaxConsecutiveFailures trips the breaker.
	MaxConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// QueueSize bounds the orders waiting for the submit worker.
	QueueSize int
}

// DefaultGuardConfig returns conservative venue guards.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Name:                   "venue",
		LotSize:                0,
		RatePerSecond:          10,
		Burst:                  5,
		MaxConsecutiveFailures: 3,
		OpenTimeout:            30 * time.Second,
		QueueSize:              256,
	}
}

// GuardedPlacer wraps an OrderPlacer with lot quantization, a token-bucket
// rate limit and a circuit breaker. Submit only validates and queues the
// order; Run submits queued orders to the inner placer one at a time, so
// callers never wait on the venue. An order the inner placer fails to take
// comes back as a rejected report on Rejects.
type GuardedPlacer struct {
	inner   OrderPlacer
	breaker *cb.CircuitBreaker
	limiter *rate.Limiter
	lot     decimal.Decimal
	min     decimal.Decimal
	queue   chan domain.OrderRequest
	rejects chan domain.ExecutionReport
	logger  *slog.Logger
}

// NewGuardedPlacer wraps inner.
func NewGuardedPlacer(inner OrderPlacer, cfg GuardConfig, logger *slog.Logger) *GuardedPlacer {
	logger = logger.With(slog.String("component", "guarded_placer"), slog.String("venue", cfg.Name))

	st := cb.Settings{Name: cfg.Name}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.OpenTimeout
	maxFails := cfg.MaxConsecutiveFailures
	if maxFails == 0 {
		maxFails = 3
	}
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= maxFails
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		logger.Warn("circuit breaker state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 256
	}

	return &GuardedPlacer{
		inner:   inner,
		breaker: cb.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(limit, burst),
		lot:     decimal.NewFromFloat(cfg.LotSize),
		min:     decimal.NewFromFloat(cfg.MinQuantity),
		queue:   make(chan domain.OrderRequest, size),
		rejects: make(chan domain.ExecutionReport, size),
		logger:  logger,
	}
}

// Submit quantizes the order quantity and queues the order without blocking.
// A full queue yields domain.ErrVenueUnavailable. Cancel requests carry no
// quantity and are queued as they are.
func (g *GuardedPlacer) Submit(ctx context.Context, req domain.OrderRequest) error {
	if req.Purpose != domain.PurposeCancel {
		q := g.Quantize(req.Quantity)
		if q <= 0 {
			return fmt.Errorf("executor: quantity %.8f below lot minimum: %w", req.Quantity, domain.ErrInvalidOrder)
		}
		req.Quantity = q
	}

	select {
	case g.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("executor: submit %s: queue full: %w", req.ID, domain.ErrVenueUnavailable)
	}
}

// Rejects carries the rejected reports of orders the inner placer did not
// take. It is closed when Run returns.
func (g *GuardedPlacer) Rejects() <-chan domain.ExecutionReport {
	return g.rejects
}

// Run submits queued orders until ctx is cancelled.
func (g *GuardedPlacer) Run(ctx context.Context) error {
	defer close(g.rejects)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.queue:
			err := g.place(ctx, req)
			if err == nil {
				continue
			}
			if req.Purpose == domain.PurposeCancel {
				g.logger.WarnContext(ctx, "cancel request failed",
					slog.String("order_id", req.CancelOrderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			g.logger.WarnContext(ctx, "order submit failed",
				slog.String("order_id", req.ID),
				slog.String("purpose", string(req.Purpose)),
				slog.String("error", err.Error()),
			)
			rep := domain.ExecutionReport{
				OrderID:    req.ID,
				PositionID: req.PositionID,
				Instrument: req.Instrument,
				Purpose:    req.Purpose,
				Kind:       domain.ReportRejected,
				Message:    err.Error(),
				Time:       req.CreatedAt,
			}
			select {
			case g.rejects <- rep:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// place waits for the rate limiter and submits through the breaker. An open
// breaker yields domain.ErrVenueUnavailable.
func (g *GuardedPlacer) place(ctx context.Context, req domain.OrderRequest) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("executor: rate limit wait: %w", err)
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.inner.Submit(ctx, req)
	})
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return fmt.Errorf("executor: submit %s: %w: %v", req.ID, domain.ErrVenueUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("executor: submit %s: %w", req.ID, err)
	}
	return nil
}

// Quantize floors q to the lot size. Quantities below the minimum become 0.
func (g *GuardedPlacer) Quantize(q float64) float64 {
	if !(q > 0) || math.IsInf(q, 0) {
		return 0
	}
	d := decimal.NewFromFloat(q)
	if g.lot.IsPositive() {
		d = d.Div(g.lot).Floor().Mul(g.lot)
	}
	if d.LessThan(g.min) || !d.IsPositive() {
		return 0
	}
	return d.InexactFloat64()
}

// State returns the breaker state ("closed", "half-open" or "open").
func (g *GuardedPlacer) State() string {
	return g.breaker.State().String()
}
