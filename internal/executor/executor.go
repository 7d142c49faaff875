// Package executor turns sized trade intents into venue orders. It holds the
// per-instrument submission queue, the pre-trade limit checks, and the order
// venues (paper and REST) behind a guarded placer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Opener opens positions. It is implemented by risk.Executor.
type Opener interface {
	Open(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error)
}

// RiskChecker validates an intent before it is opened.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, intent domain.TradeIntent) error
}

// DrainResult summarizes one queue drain.
type DrainResult struct {
	Opened  []domain.Position
	Skipped int
}

// Executor owns an instrument's submission queue. Sizing goroutines Enqueue
// intents concurrently; the controller goroutine calls Drain once per cycle
// and intents are opened one at a time in priority order.
type Executor struct {
	queue  chan domain.TradeIntent
	opener Opener
	checks []RiskChecker
	dedup  *Dedup
	logger *slog.Logger
}

// NewExecutor creates an Executor with a queue of the given capacity.
func NewExecutor(capacity int, opener Opener, logger *slog.Logger, checks ...RiskChecker) *Executor {
	if capacity < 1 {
		capacity = 1
	}
	return &Executor{
		queue:  make(chan domain.TradeIntent, capacity),
		opener: opener,
		checks: checks,
		dedup:  NewDedup(2 * time.Minute),
		logger: logger.With(slog.String("component", "executor")),
	}
}

// SetDedupTTL replaces the dedup window. Must be called before the first Drain.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// Enqueue adds an intent without blocking. It is safe for concurrent use.
func (e *Executor) Enqueue(intent domain.TradeIntent) error {
	select {
	case e.queue <- intent:
		return nil
	default:
		return fmt.Errorf("executor: enqueue %s: %w", intent.StrategyID, domain.ErrQueueFull)
	}
}

// Pending returns the number of queued intents.
func (e *Executor) Pending() int {
	return len(e.queue)
}

// Drain empties the queue and opens intents in priority order: larger size
// first, then strategy id. now is the cycle time used for expiry and dedup.
func (e *Executor) Drain(ctx context.Context, now time.Time) DrainResult {
	var batch []domain.TradeIntent
collect:
	for {
		select {
		case in := <-e.queue:
			batch = append(batch, in)
		default:
			break collect
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Size != batch[j].Size {
			return batch[i].Size > batch[j].Size
		}
		return batch[i].StrategyID < batch[j].StrategyID
	})

	var res DrainResult
	for _, in := range batch {
		if pos, ok := e.process(ctx, in, now); ok {
			res.Opened = append(res.Opened, pos)
		} else {
			res.Skipped++
		}
	}
	e.dedup.Cleanup(now)
	return res
}

func (e *Executor) process(ctx context.Context, in domain.TradeIntent, now time.Time) (domain.Position, bool) {
	log := e.logger.With(
		slog.String("intent_id", in.ID),
		slog.String("strategy", in.StrategyID),
		slog.String("side", string(in.Side)),
	)

	if e.dedup.IsDuplicate(in.ID, now) {
		log.DebugContext(ctx, "intent deduplicated, skipping")
		return domain.Position{}, false
	}
	if !in.ExpiresAt.IsZero() && now.After(in.ExpiresAt) {
		log.WarnContext(ctx, "intent expired, skipping", slog.Time("expires_at", in.ExpiresAt))
		return domain.Position{}, false
	}
	for _, c := range e.checks {
		if err := c.PreTradeCheck(ctx, in); err != nil {
			log.InfoContext(ctx, "pre-trade check failed, skipping", slog.String("error", err.Error()))
			return domain.Position{}, false
		}
	}

	pos, err := e.opener.Open(ctx, in)
	switch {
	case err == nil:
		return *pos, true
	case errors.Is(err, domain.ErrEntryInFlight), errors.Is(err, domain.ErrPositionExists):
		log.DebugContext(ctx, "entry not admitted", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrInstrumentHalted):
		log.WarnContext(ctx, "instrument halted, entry dropped")
	default:
		log.ErrorContext(ctx, "open failed", slog.String("error", err.Error()))
	}
	return domain.Position{}, false
}
