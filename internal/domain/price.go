package domain

import (
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// PriceReference exposes the last known price of the market asset.
// Price reports ok=false when no price has been observed yet.
type PriceReference interface {
	Price() (price numeric.Decimal, ok bool)
	IsStale() bool
	UpdatedAt() time.Time
}

// UsablePrice returns the reference price only when it is present, positive
// and fresh.
func UsablePrice(ref PriceReference) (numeric.Decimal, error) {
	p, ok := ref.Price()
	if !ok || !p.IsPositive() || ref.IsStale() {
		return numeric.Zero, ErrOracleUnavailable
	}
	return p, nil
}
