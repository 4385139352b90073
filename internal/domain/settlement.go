package domain

import (
	"context"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// StakeInstruction describes a stake to the external settlement system.
type StakeInstruction struct {
	RoundID string
	StakeID string
	Address string
	Amount  numeric.Decimal
	Side    Side
	Range   *PriceRange
}

// ResolutionInstruction describes a round resolution to the external
// settlement system.
type ResolutionInstruction struct {
	RoundID    string
	Mode       Mode
	FinalPrice numeric.Decimal
	Outcome    Outcome
}

// SettlementGateway is the opaque remote ledger. A non-nil error means the
// remote side did not accept the instruction.
type SettlementGateway interface {
	RecordStake(ctx context.Context, in StakeInstruction) error
	RecordResolution(ctx context.Context, in ResolutionInstruction) error
}
