package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Window is a read-only view of the most recent bars of one instrument,
// oldest first.
type Window struct {
	Instrument string
	Bars       []domain.Bar
}

// Len returns the number of bars.
func (w Window) Len() int { return len(w.Bars) }

// Last returns the newest bar. It panics on an empty window.
func (w Window) Last() domain.Bar { return w.Bars[len(w.Bars)-1] }

// Tail returns the newest n bars.
func (w Window) Tail(n int) Window {
	if n >= len(w.Bars) {
		return w
	}
	return Window{Instrument: w.Instrument, Bars: w.Bars[len(w.Bars)-n:]}
}

// Closes returns the close prices.
func (w Window) Closes() []float64 {
	out := make([]float64, len(w.Bars))
	for i, b := range w.Bars {
		out[i] = b.Close
	}
	return out
}

// LogReturns returns the close-to-close log returns.
func (w Window) LogReturns() []float64 {
	if len(w.Bars) < 2 {
		return nil
	}
	out := make([]float64, len(w.Bars)-1)
	for i := 1; i < len(w.Bars); i++ {
		out[i-1] = math.Log(w.Bars[i].Close / w.Bars[i-1].Close)
	}
	return out
}

// PriceTracker keeps a bounded bar history per instrument and writes the
// latest close through to a shared price cache. It is safe for concurrent use.
type PriceTracker struct {
	prices   domain.PriceCache
	history  map[string][]domain.Bar
	capacity int
	mu       sync.RWMutex
}

// NewPriceTracker creates a tracker holding up to capacity bars per
// instrument. prices may be nil.
func NewPriceTracker(prices domain.PriceCache, capacity int) *PriceTracker {
	if capacity < 2 {
		capacity = 2
	}
	return &PriceTracker{
		prices:   prices,
		history:  make(map[string][]domain.Bar),
		capacity: capacity,
	}
}

// Track appends bar to its instrument's history. Invalid bars are ignored.
func (pt *PriceTracker) Track(ctx context.Context, bar domain.Bar) error {
	if !bar.Valid() {
		return nil
	}
	pt.mu.Lock()
	h := append(pt.history[bar.Instrument], bar)
	if len(h) > pt.capacity {
		h = append(h[:0:0], h[len(h)-pt.capacity:]...)
	}
	pt.history[bar.Instrument] = h
	pt.mu.Unlock()

	if pt.prices != nil {
		if err := pt.prices.SetPrice(ctx, bar.Instrument, bar.Close, bar.Time); err != nil {
			return fmt.Errorf("strategy: cache price: %w", err)
		}
	}
	return nil
}

// Window returns a copy of the instrument's history.
func (pt *PriceTracker) Window(instrument string) Window {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	src := pt.history[instrument]
	out := make([]domain.Bar, len(src))
	copy(out, src)
	return Window{Instrument: instrument, Bars: out}
}
