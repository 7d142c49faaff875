// Package notify delivers operator alerts (fatal errors, halts, demotions,
// closed positions) to chat channels. Notifications fan out to every
// registered sender and are filtered and throttled per event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards events in the allowed set; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger

	// Per-event throttle. Zero interval disables throttling.
	interval time.Duration
	burst    int
	mu       sync.Mutex
	limits   map[string]*rate.Limiter
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
		limits:  make(map[string]*rate.Limiter),
	}
}

// Throttle limits each event type to burst notifications, refilled one per
// interval. Excess notifications are dropped and logged.
func (n *Notifier) Throttle(interval time.Duration, burst int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interval = interval
	n.burst = max(burst, 1)
	clear(n.limits)
}

// Notify sends a notification to all senders if the event type is allowed
// and not throttled.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.allow(event) {
		n.logger.WarnContext(ctx, "event throttled",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allow(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.interval <= 0 {
		return true
	}
	lim, ok := n.limits[event]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.interval), n.burst)
		n.limits[event] = lim
	}
	return lim.Allow()
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
