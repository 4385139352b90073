package domain

import (
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Participant owns a virtual balance. Address identifies the participant to
// the external settlement system.
type Participant struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	Balance   numeric.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
