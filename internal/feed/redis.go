package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// BusFeed consumes JSON bars published on a signal bus channel.
type BusFeed struct {
	bus         domain.SignalBus
	channel     string
	instruments []string
	logger      *slog.Logger
}

// NewBusFeed creates a feed on channel ("bars" when empty).
func NewBusFeed(bus domain.SignalBus, channel string, instruments []string, logger *slog.Logger) *BusFeed {
	if channel == "" {
		channel = domain.BarChannel
	}
	return &BusFeed{
		bus:         bus,
		channel:     channel,
		instruments: instruments,
		logger:      logger.With(slog.String("component", "bus_feed")),
	}
}

// Run subscribes and forwards bars until ctx is cancelled or the
// subscription closes.
func (f *BusFeed) Run(ctx context.Context, out chan<- domain.Bar) error {
	msgs, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.InfoContext(ctx, "bus feed started", slog.String("channel", f.channel))
	defer f.logger.Info("bus feed stopped")

	seq := newSequencer(f.instruments, f.logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			b, err := decodeBar(data)
			if err != nil {
				f.logger.DebugContext(ctx, "bus feed message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			if !seq.accept(b) {
				continue
			}
			if err := emit(ctx, out, b); err != nil {
				return err
			}
		}
	}
}
