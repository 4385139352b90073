package domain

import (
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Stake is a participant's single wager on a round.
type Stake struct {
	ID            string          `json:"id"`
	RoundID       string          `json:"round_id"`
	ParticipantID string          `json:"participant_id"`
	Side          Side            `json:"side,omitempty"`
	RangeIndex    *int            `json:"range_index,omitempty"`
	Range         *PriceRange     `json:"range,omitempty"`
	Amount        numeric.Decimal `json:"amount"`

	// Won is nil for a refund or while unsettled.
	Won       *bool               `json:"won"`
	Payout    numeric.NullDecimal `json:"payout"`
	CreatedAt time.Time           `json:"created_at"`
	SettledAt *time.Time          `json:"settled_at,omitempty"`
}

// Settled reports whether the settlement engine has written this stake.
func (s Stake) Settled() bool {
	return s.Payout.Valid
}
