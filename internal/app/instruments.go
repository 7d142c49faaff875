package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/allocbot/internal/controller"
	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Instruments is the set of controllers running in this process. It serves
// snapshots and operator commands to the API.
type Instruments struct {
	loops map[string]*controller.Loop
	names []string
}

func newInstruments(loops []*controller.Loop) *Instruments {
	s := &Instruments{loops: make(map[string]*controller.Loop, len(loops))}
	for _, l := range loops {
		s.loops[l.Instrument()] = l
		s.names = append(s.names, l.Instrument())
	}
	sort.Strings(s.names)
	return s
}

// Snapshots returns the latest snapshot of every instrument, by name.
func (s *Instruments) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.loops[name].Snapshot())
	}
	return out
}

// Snapshot returns the latest snapshot of instrument.
func (s *Instruments) Snapshot(instrument string) (domain.Snapshot, bool) {
	l, ok := s.loops[instrument]
	if !ok {
		return domain.Snapshot{}, false
	}
	return l.Snapshot(), true
}

// Resume lifts the entry halt of instrument.
func (s *Instruments) Resume(_ context.Context, instrument string) error {
	l, ok := s.loops[instrument]
	if !ok {
		return fmt.Errorf("app: instrument %s: %w", instrument, domain.ErrNotFound)
	}
	l.Resume()
	return nil
}

// Close releases the strategy providers of every loop.
func (s *Instruments) Close() error {
	var errs []error
	for _, name := range s.names {
		errs = append(errs, s.loops[name].Close())
	}
	return errors.Join(errs...)
}

// listenControl applies operator commands published on the control channel
// by API processes running in server mode.
func (s *Instruments) listenControl(ctx context.Context, bus domain.SignalBus, logger *slog.Logger) error {
	msgs, err := bus.Subscribe(ctx, domain.ControlChannel)
	if err != nil {
		return fmt.Errorf("app: subscribe control: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg domain.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.WarnContext(ctx, "control message dropped", slog.String("error", err.Error()))
				continue
			}
			switch msg.Action {
			case domain.ControlResume:
				if err := s.Resume(ctx, msg.Instrument); err != nil {
					// Another process owns the instrument.
					logger.DebugContext(ctx, "resume ignored", slog.String("instrument", msg.Instrument))
					continue
				}
				logger.InfoContext(ctx, "resume requested", slog.String("instrument", msg.Instrument))
			default:
				logger.WarnContext(ctx, "unknown control action", slog.String("action", string(msg.Action)))
			}
		}
	}
}
