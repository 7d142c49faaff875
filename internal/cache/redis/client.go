// Package redis backs the shared runtime state of allocbot with go-redis/v9:
// the price cache, API rate limits, instrument ownership locks and the signal
// bus carrying bars, snapshots and control commands between processes.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

const clientName = "allocbot"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// StreamMaxLen caps snapshot streams (XADD MAXLEN ~). Zero uses 10,000.
	StreamMaxLen int64
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		ClientName: clientName,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	return opts
}

// Client is the connection shared by every Redis-backed component.
type Client struct {
	rdb          *redis.Client
	streamMaxLen int64
}

// New connects and pings the server; an unreachable server fails startup.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	c := Wrap(rdb)
	if cfg.StreamMaxLen > 0 {
		c.streamMaxLen = cfg.StreamMaxLen
	}
	return c, nil
}

// Wrap adopts an existing driver client without pinging it.
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, streamMaxLen: defaultStreamMaxLen}
}

// Ping is the health probe of the redis dependency.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
