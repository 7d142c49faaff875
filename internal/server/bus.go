package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// BusSnapshots caches the latest snapshot of every instrument as published
// on the signal bus. It backs the API when the controllers run in other
// processes.
type BusSnapshots struct {
	mu     sync.RWMutex
	latest map[string]domain.Snapshot
	logger *slog.Logger
}

// NewBusSnapshots creates an empty cache.
func NewBusSnapshots(logger *slog.Logger) *BusSnapshots {
	return &BusSnapshots{
		latest: make(map[string]domain.Snapshot),
		logger: logger.With(slog.String("component", "bus_snapshots")),
	}
}

// backfillPage is the stream read size used when warming the cache.
const backfillPage = 500

// Run warms the cache from the snapshot stream, then consumes the snapshot
// channel until ctx is cancelled. It subscribes first so no snapshot falls
// between the two.
func (b *BusSnapshots) Run(ctx context.Context, bus domain.SignalBus) error {
	msgs, err := bus.Subscribe(ctx, domain.SnapshotChannel)
	if err != nil {
		return fmt.Errorf("server: subscribe snapshots: %w", err)
	}
	if n, err := b.backfill(ctx, bus); err != nil {
		b.logger.WarnContext(ctx, "snapshot backfill incomplete",
			slog.Int("read", n),
			slog.String("error", err.Error()),
		)
	} else {
		b.logger.InfoContext(ctx, "snapshot cache warmed", slog.Int("read", n))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			b.ingest(data)
		}
	}
}

func (b *BusSnapshots) backfill(ctx context.Context, bus domain.SignalBus) (int, error) {
	var read int
	last := "0"
	for {
		page, err := bus.StreamRead(ctx, domain.SnapshotStream, last, backfillPage)
		if err != nil {
			return read, err
		}
		for _, m := range page {
			b.ingest(m.Payload)
		}
		read += len(page)
		if len(page) < backfillPage {
			return read, nil
		}
		last = page[len(page)-1].ID
	}
}

func (b *BusSnapshots) ingest(data []byte) {
	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil || s.Instrument == "" {
		b.logger.Warn("malformed snapshot dropped")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.latest[s.Instrument]; ok && s.Timestamp.Before(prev.Timestamp) {
		return
	}
	b.latest[s.Instrument] = s
}

// Snapshots returns the cached snapshots ordered by instrument.
func (b *BusSnapshots) Snapshots() []domain.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(b.latest))
	for _, s := range b.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Snapshot returns the cached snapshot of one instrument.
func (b *BusSnapshots) Snapshot(instrument string) (domain.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.latest[instrument]
	return s, ok
}

// BusResumer forwards resume commands over the control channel. Instruments
// never seen on the snapshot channel are rejected with domain.ErrNotFound.
type BusResumer struct {
	bus   domain.SignalBus
	known *BusSnapshots
}

// NewBusResumer creates a BusResumer.
func NewBusResumer(bus domain.SignalBus, known *BusSnapshots) *BusResumer {
	return &BusResumer{bus: bus, known: known}
}

// Resume publishes a resume command for instrument.
func (r *BusResumer) Resume(ctx context.Context, instrument string) error {
	if _, ok := r.known.Snapshot(instrument); !ok {
		return fmt.Errorf("server: instrument %s: %w", instrument, domain.ErrNotFound)
	}
	payload, err := json.Marshal(domain.ControlMessage{Action: domain.ControlResume, Instrument: instrument})
	if err != nil {
		return fmt.Errorf("server: marshal control: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.ControlChannel, payload); err != nil {
		return fmt.Errorf("server: publish resume: %w", err)
	}
	return nil
}
