// Package strategy defines the signal-provider contract and the built-in
// providers. A provider maps a window of bars to a raw directional signal:
// positive means long, negative short, magnitude is conviction. Signals are
// unbounded; the sizer squashes them.
package strategy

import (
	"context"
	"fmt"
	"time"
)

// Strategy is a signal provider.
type Strategy interface {
	Name() string
	Init(ctx context.Context, cfg Config) error
	Signal(ctx context.Context, w Window) (float64, error)
	Close() error
}

// Config holds one provider's configuration.
type Config struct {
	ID     string
	Kind   string
	Params map[string]any
}

// Float returns Params[key] as a float64, or def when absent.
func (c Config) Float(key string, def float64) (float64, error) {
	v, ok := c.Params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("strategy %s: param %q: expected number, got %T", c.ID, key, v)
}

// Int returns Params[key] as an int, or def when absent.
func (c Config) Int(key string, def int) (int, error) {
	v, ok := c.Params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("strategy %s: param %q: expected integer, got %v", c.ID, key, v)
}

// Duration returns Params[key] parsed as a Go duration, or def when absent.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("strategy %s: param %q: expected duration string, got %T", c.ID, key, v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("strategy %s: param %q: %w", c.ID, key, err)
	}
	return d, nil
}
