package price

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// CacheSource reads the price another process keeps in the shared cache.
type CacheSource struct {
	cache  domain.PriceCache
	symbol string
}

// NewCacheSource creates a CacheSource for symbol.
func NewCacheSource(cache domain.PriceCache, symbol string) *CacheSource {
	return &CacheSource{cache: cache, symbol: symbol}
}

// Fetch implements Source. The returned time is the original observation
// time, so a stalled writer makes the reference stale.
func (s *CacheSource) Fetch(ctx context.Context) (numeric.Decimal, time.Time, error) {
	p, at, err := s.cache.GetPrice(ctx, s.symbol)
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("price: cache %s: %w", s.symbol, err)
	}
	return p, at, nil
}
