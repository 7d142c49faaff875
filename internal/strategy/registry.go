package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Factory constructs an uninitialized provider.
type Factory func(logger *slog.Logger) Strategy

// Registry maps provider kinds to factories. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a Registry with the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindMeanReversion, func(l *slog.Logger) Strategy { return NewMeanReversion(l) })
	r.Register(KindMomentum, func(l *slog.Logger) Strategy { return NewMomentum(l) })
	r.Register(KindBreakout, func(l *slog.Logger) Strategy { return NewBreakout(l) })
	r.Register(KindVolatilityReversal, func(l *slog.Logger) Strategy { return NewVolatilityReversal(l) })
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build constructs and initializes a provider for cfg.
func (r *Registry) Build(ctx context.Context, cfg Config, logger *slog.Logger) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s: kind %q: %w", cfg.ID, cfg.Kind, domain.ErrUnknownStrategy)
	}
	s := f(logger.With(slog.String("strategy", cfg.ID)))
	if err := s.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("strategy %s: init: %w", cfg.ID, err)
	}
	return s, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
