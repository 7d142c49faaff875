package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// OrderPlacer submits orders to a venue.
type OrderPlacer interface {
	Submit(ctx context.Context, req domain.OrderRequest) error
}

// Venue is an OrderPlacer whose execution reports arrive asynchronously.
type Venue interface {
	OrderPlacer
	Reports() <-chan domain.ExecutionReport
	Close() error
}

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// SlippageBps moves every fill against the order by this many basis points.
	SlippageBps float64
	// RejectRate is the probability that an order is rejected.
	RejectRate float64
	// Buffer is the report channel capacity.
	Buffer int
}

// PaperVenue fills every order at its reference price adjusted for slippage.
// Rejections can be scripted per order or drawn at RejectRate. Orders are
// terminal as soon as they are reported, so a cancel request is answered
// with a cancelled report for its target that the risk executor ignores
// unless the target is still pending.
type PaperVenue struct {
	cfg     PaperConfig
	reports chan domain.ExecutionReport
	logger  *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	script []domain.ReportKind
	closed bool
}

// NewPaperVenue creates a PaperVenue. src seeds the reject draws.
func NewPaperVenue(cfg PaperConfig, src rand.Source, logger *slog.Logger) *PaperVenue {
	if cfg.Buffer < 1 {
		cfg.Buffer = 256
	}
	return &PaperVenue{
		cfg:     cfg,
		reports: make(chan domain.ExecutionReport, cfg.Buffer),
		rng:     rand.New(src),
		logger:  logger.With(slog.String("component", "paper_venue")),
	}
}

// Script queues report kinds for the next submissions, in order.
func (p *PaperVenue) Script(kinds ...domain.ReportKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, kinds...)
}

// Submit implements OrderPlacer.
func (p *PaperVenue) Submit(ctx context.Context, req domain.OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("paper: submit %s: %w", req.ID, domain.ErrVenueUnavailable)
	}

	if req.Purpose == domain.PurposeCancel {
		return p.emit(ctx, req, domain.ExecutionReport{
			OrderID:    req.CancelOrderID,
			PositionID: req.PositionID,
			Instrument: req.Instrument,
			Purpose:    req.Purpose,
			Kind:       domain.ReportCancelled,
			Message:    "paper venue cancel",
			Time:       req.CreatedAt,
		})
	}

	kind := domain.ReportFilled
	if len(p.script) > 0 {
		kind = p.script[0]
		p.script = p.script[1:]
	} else if p.cfg.RejectRate > 0 && p.rng.Float64() < p.cfg.RejectRate {
		kind = domain.ReportRejected
	}

	rep := domain.ExecutionReport{
		OrderID:    req.ID,
		PositionID: req.PositionID,
		Instrument: req.Instrument,
		Purpose:    req.Purpose,
		Kind:       kind,
		Time:       req.CreatedAt,
	}
	if kind == domain.ReportFilled {
		slip := p.cfg.SlippageBps / 10_000
		if req.Side == domain.OrderSideSell {
			slip = -slip
		}
		rep.Price = req.ReferencePrice * (1 + slip)
		rep.Quantity = req.Quantity
	} else {
		rep.Message = "paper venue " + string(kind)
	}
	return p.emit(ctx, req, rep)
}

func (p *PaperVenue) emit(ctx context.Context, req domain.OrderRequest, rep domain.ExecutionReport) error {
	select {
	case p.reports <- rep:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("paper: report buffer full: %w", domain.ErrVenueUnavailable)
	}
	p.logger.DebugContext(ctx, "order simulated",
		slog.String("order_id", req.ID),
		slog.String("purpose", string(req.Purpose)),
		slog.String("kind", string(rep.Kind)),
		slog.Float64("price", rep.Price),
	)
	return nil
}

// Reports implements Venue.
func (p *PaperVenue) Reports() <-chan domain.ExecutionReport {
	return p.reports
}

// Close stops the venue and closes the report channel.
func (p *PaperVenue) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.reports)
	}
	return nil
}
