package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Mode selects how a round is staked and settled.
type Mode string

const (
	ModeBinary Mode = "BINARY"
	ModeRange  Mode = "RANGE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBinary || m == ModeRange
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// RoundStatus tracks the round lifecycle.
type RoundStatus string

const (
	RoundStatusPending   RoundStatus = "PENDING"
	RoundStatusActive    RoundStatus = "ACTIVE"
	RoundStatusLocked    RoundStatus = "LOCKED"
	RoundStatusResolved  RoundStatus = "RESOLVED"
	RoundStatusCancelled RoundStatus = "CANCELLED"
)

// Open reports whether a round in this status still awaits settlement.
func (s RoundStatus) Open() bool {
	return s == RoundStatusActive || s == RoundStatusLocked
}

// Side is the direction picked on a BINARY round.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// ParseSide accepts a side name in any case.
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	if side != SideUp && side != SideDown {
		return "", fmt.Errorf("%w: unknown side %q", ErrMissingSideOrRange, s)
	}
	return side, nil
}

// PriceRange is the half-open interval [Min, Max).
type PriceRange struct {
	Min numeric.Decimal `json:"min"`
	Max numeric.Decimal `json:"max"`
}

// Contains reports Min <= price < Max.
func (r PriceRange) Contains(price numeric.Decimal) bool {
	return r.Min.Cmp(price) <= 0 && price.LessThan(r.Max)
}

// Equal compares both bounds exactly.
func (r PriceRange) Equal(o PriceRange) bool {
	return r.Min.Equal(o.Min) && r.Max.Equal(o.Max)
}

func (r PriceRange) String() string {
	return "[" + r.Min.String() + "," + r.Max.String() + ")"
}

// RangePool is one declared range of a RANGE round and the amount staked on it.
type RangePool struct {
	Index int `json:"index"`
	PriceRange
	Pool numeric.Decimal `json:"pool"`
}

// Outcome summarises how a round was settled.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeWin     Outcome = "WIN"
	OutcomeRefund  Outcome = "REFUND"
	OutcomeForfeit Outcome = "FORFEIT"
)

// Round is one timed betting period.
type Round struct {
	ID         string              `json:"id"`
	Mode       Mode                `json:"mode"`
	Status     RoundStatus         `json:"status"`
	StartPrice numeric.Decimal     `json:"start_price"`
	EndPrice   numeric.NullDecimal `json:"end_price"`
	StartTime  time.Time           `json:"start_time"`
	EndTime    time.Time           `json:"end_time"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`

	UpPool    numeric.Decimal `json:"up_pool"`
	DownPool  numeric.Decimal `json:"down_pool"`
	Ranges    []RangePool     `json:"ranges,omitempty"`
	TotalPool numeric.Decimal `json:"total_pool"`
	Forfeited numeric.Decimal `json:"forfeited"`

	Outcome      Outcome `json:"outcome,omitempty"`
	WinningSide  Side    `json:"winning_side,omitempty"`
	WinningRange *int    `json:"winning_range,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SidePool returns the pool staked on side.
func (r Round) SidePool(side Side) numeric.Decimal {
	if side == SideUp {
		return r.UpPool
	}
	return r.DownPool
}

// FindRange returns the index of the declared range equal to pr.
func (r Round) FindRange(pr PriceRange) (int, bool) {
	for _, rp := range r.Ranges {
		if rp.PriceRange.Equal(pr) {
			return rp.Index, true
		}
	}
	return 0, false
}

// RangeContaining returns the index of the declared range holding price.
func (r Round) RangeContaining(price numeric.Decimal) (int, bool) {
	for _, rp := range r.Ranges {
		if rp.Contains(price) {
			return rp.Index, true
		}
	}
	return 0, false
}

// AcceptsStakes reports whether a stake may be placed at now.
func (r Round) AcceptsStakes(now time.Time) bool {
	return r.Status == RoundStatusActive && now.Before(r.EndTime)
}

// ValidateRanges checks that ranges are non-empty, each Min < Max, and that
// they are sorted without overlap.
func ValidateRanges(ranges []PriceRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: no ranges declared", ErrInvalidRange)
	}
	for i, r := range ranges {
		if !r.Min.LessThan(r.Max) {
			return fmt.Errorf("%w: %s is empty", ErrInvalidRange, r)
		}
		if i > 0 && r.Min.LessThan(ranges[i-1].Max) {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidRange, r, ranges[i-1])
		}
	}
	return nil
}
