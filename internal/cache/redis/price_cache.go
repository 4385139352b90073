package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// PriceCache implements domain.PriceCache. Each symbol is a hash at
// "arena:price:{symbol}" with fields "price" (decimal string) and "ts"
// (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl when it is
// positive, so a dead writer cannot leave a price behind forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(symbol string) string {
	return KeyPrefix + "price:" + symbol
}

func encodePrice(price numeric.Decimal, ts time.Time) map[string]any {
	return map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func decodePrice(vals map[string]string) (numeric.Decimal, time.Time, error) {
	ps, ok := vals["price"]
	if !ok {
		return numeric.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := numeric.Parse(ps)
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	ts, ok := vals["ts"]
	if !ok {
		return numeric.Zero, time.Time{}, domain.ErrNotFound
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos).UTC(), nil
}

// SetPrice stores the price and its observation time.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price numeric.Decimal, ts time.Time) error {
	key := priceKey(symbol)
	_, err := pc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodePrice(price, ts))
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when nothing is cached for symbol.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (numeric.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return numeric.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, domain.ErrNotFound)
	}
	price, ts, err := decodePrice(vals)
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
