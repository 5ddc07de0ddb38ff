package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Settlement acquires a per-market
// lock so two concurrent settle calls cannot both pass the idempotency guard.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for fill and settlement events plus durable
// streams for consumers that must not miss entries.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// HealthCache caches computed market health scores for the monitoring
// endpoint so repeated polls do not re-probe the kernel.
type HealthCache interface {
	Set(ctx context.Context, marketID string, h HealthScore) error
	Get(ctx context.Context, marketID string) (HealthScore, error)
}

// BlobWriter writes immutable objects, used for post-settlement ledger
// archival.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
