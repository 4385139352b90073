package round

import (
	"fmt"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

var bpsDenominator = numeric.FromInt(10_000)

// Ladder builds bands contiguous ranges, each widthBps basis points of start
// wide, centred on start. With an odd band count the middle band contains
// start.
func Ladder(start numeric.Decimal, bands, widthBps int) ([]domain.PriceRange, error) {
	if bands <= 0 || widthBps <= 0 {
		return nil, fmt.Errorf("%w: ladder needs positive bands and width", domain.ErrInvalidRange)
	}
	width, err := start.MulDiv(numeric.FromInt(int64(widthBps)), bpsDenominator)
	if err != nil {
		return nil, err
	}
	if !width.IsPositive() {
		return nil, fmt.Errorf("%w: band width rounds to zero at %s", domain.ErrInvalidRange, start)
	}

	half, err := width.MulDiv(numeric.FromInt(int64(bands)), numeric.FromInt(2))
	if err != nil {
		return nil, err
	}
	lo := start.Sub(half)
	if lo.IsNegative() {
		return nil, fmt.Errorf("%w: ladder extends below zero", domain.ErrInvalidRange)
	}

	ranges := make([]domain.PriceRange, bands)
	for i := range ranges {
		hi := lo.Add(width)
		ranges[i] = domain.PriceRange{Min: lo, Max: hi}
		lo = hi
	}
	return ranges, nil
}
