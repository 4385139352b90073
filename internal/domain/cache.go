package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// PriceCache shares the latest observed price between processes.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price numeric.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (numeric.Decimal, time.Time, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
