package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

const (
	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// subscribeCmd is sent after every (re)connect.
type subscribeCmd struct {
	Type        string   `json:"type"`
	Channel     string   `json:"channel"`
	Instruments []string `json:"instruments"`
}

// WSFeed streams JSON bars from a WebSocket endpoint and reconnects with
// exponential backoff on disconnect.
type WSFeed struct {
	url         string
	channel     string
	instruments []string
	retry       time.Duration
	dialer      *websocket.Dialer
	logger      *slog.Logger
}

// NewWSFeed creates a feed subscribed to the bars of instruments.
func NewWSFeed(url, channel string, instruments []string, retry time.Duration, logger *slog.Logger) *WSFeed {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	if channel == "" {
		channel = domain.BarChannel
	}
	return &WSFeed{
		url:         url,
		channel:     channel,
		instruments: instruments,
		retry:       retry,
		dialer:      &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:      logger.With(slog.String("component", "ws_feed")),
	}
}

// Run connects and forwards bars until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context, out chan<- domain.Bar) error {
	seq := newSequencer(f.instruments, f.logger)
	delay := f.retry
	for {
		received, err := f.runConnection(ctx, out, seq)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			delay = f.retry
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runConnection serves one connection. It reports whether any bar arrived.
func (f *WSFeed) runConnection(ctx context.Context, out chan<- domain.Bar, seq *sequencer) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCmd{Type: "subscribe", Channel: f.channel, Instruments: f.instruments}); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "feed subscribed", slog.Int("instruments", len(f.instruments)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock ReadMessage on cancel and keep the connection alive.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("feed: server closed connection")
			}
			return received, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		b, err := decodeBar(data)
		if err != nil {
			f.logger.DebugContext(ctx, "non-bar message ignored", slog.String("error", err.Error()))
			continue
		}
		if !seq.accept(b) {
			continue
		}
		received = true
		if err := emit(ctx, out, b); err != nil {
			return received, err
		}
	}
}
