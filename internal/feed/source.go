// Package feed delivers market bars to the instrument controllers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Source produces bars on out until ctx is cancelled or the source is
// exhausted. Run does not close out.
type Source interface {
	Run(ctx context.Context, out chan<- domain.Bar) error
}

// sequencer drops bars of instruments outside the wanted set and bars whose
// timestamp does not advance.
type sequencer struct {
	wanted map[string]bool
	last   map[string]time.Time
	logger *slog.Logger
}

func newSequencer(instruments []string, logger *slog.Logger) *sequencer {
	s := &sequencer{last: make(map[string]time.Time), logger: logger}
	if len(instruments) > 0 {
		s.wanted = make(map[string]bool, len(instruments))
		for _, inst := range instruments {
			s.wanted[inst] = true
		}
	}
	return s
}

func (s *sequencer) accept(b domain.Bar) bool {
	if s.wanted != nil && !s.wanted[b.Instrument] {
		return false
	}
	if last, ok := s.last[b.Instrument]; ok && !b.Time.After(last) {
		s.logger.Warn("out-of-order bar dropped",
			slog.String("instrument", b.Instrument),
			slog.Time("bar_time", b.Time),
			slog.Time("last_time", last),
		)
		return false
	}
	s.last[b.Instrument] = b.Time
	return true
}

// emit sends b on out unless ctx is done.
func emit(ctx context.Context, out chan<- domain.Bar, b domain.Bar) error {
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeBar parses a JSON bar message.
func decodeBar(data []byte) (domain.Bar, error) {
	var b domain.Bar
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.Bar{}, fmt.Errorf("feed: decode bar: %w", err)
	}
	if b.Instrument == "" {
		return domain.Bar{}, fmt.Errorf("feed: bar without instrument")
	}
	b.Time = b.Time.UTC()
	if !b.Valid() {
		return domain.Bar{}, fmt.Errorf("feed: invalid bar for %s", b.Instrument)
	}
	return b, nil
}

// Fanout routes bars from in to the channel of their instrument and closes
// every output once in is closed or ctx is done. Bars of unknown
// instruments are dropped.
func Fanout(ctx context.Context, in <-chan domain.Bar, outs map[string]chan domain.Bar) {
	defer func() {
		for _, ch := range outs {
			close(ch)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			ch, known := outs[b.Instrument]
			if !known {
				continue
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}
