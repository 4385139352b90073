package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RoundFilter narrows a round listing. Zero fields do not filter.
type RoundFilter struct {
	Statuses  []RoundStatus
	Mode      Mode
	EndBefore *time.Time
	ListOpts
}

// RoundStore persists rounds outside of a settlement transaction.
type RoundStore interface {
	// Create inserts an ACTIVE round. A second ACTIVE round for the same mode
	// fails with ErrActiveRoundExists.
	Create(ctx context.Context, round Round) error
	GetByID(ctx context.Context, id string) (Round, error)
	List(ctx context.Context, filter RoundFilter) ([]Round, error)
	// TransitionStatus moves the round to `to` only when its current status is
	// one of `from`. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id string, from []RoundStatus, to RoundStatus) (bool, error)
}

// StakeStore reads stakes.
type StakeStore interface {
	ListByRound(ctx context.Context, roundID string) ([]Stake, error)
	ListByParticipant(ctx context.Context, participantID string, opts ListOpts) ([]Stake, error)
}

// ParticipantStore persists participants.
type ParticipantStore interface {
	Create(ctx context.Context, p Participant) error
	GetByID(ctx context.Context, id string) (Participant, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter narrows an audit listing. RoundID matches the round_id key of
// the entry detail.
type AuditFilter struct {
	ListOpts
	Event   string
	RoundID string
}

// ArchiveStore selects settled rounds for cold storage and removes them.
type ArchiveStore interface {
	ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]Round, error)
	Purge(ctx context.Context, roundIDs []string) (int64, error)
}

// RoundClose carries the terminal write for a round.
type RoundClose struct {
	RoundID      string
	Status       RoundStatus
	EndPrice     numeric.NullDecimal
	ClosedAt     time.Time
	Outcome      Outcome
	WinningSide  Side
	WinningRange *int
	Forfeited    numeric.Decimal
}

// Tx is the set of conditional writes available inside one unit of work.
// Every method either applies fully or returns an error; the enclosing
// WithinTx rolls back on any error.
type Tx interface {
	// GetRoundForUpdate reads the round and holds it against concurrent
	// writers until the transaction ends.
	GetRoundForUpdate(ctx context.Context, id string) (Round, error)
	GetParticipant(ctx context.Context, id string) (Participant, error)
	ListStakes(ctx context.Context, roundID string) ([]Stake, error)

	// InsertStake fails with ErrDuplicatePrediction when the participant has
	// already staked on the round.
	InsertStake(ctx context.Context, s Stake) error
	// AddToPool increments the side pool (BINARY) or the range pool (RANGE)
	// and the total pool, only while the round is ACTIVE. Otherwise it fails
	// with ErrRoundNotActive.
	AddToPool(ctx context.Context, roundID string, side Side, rangeIndex *int, amount numeric.Decimal) error
	// DebitBalance subtracts amount only if the balance covers it. Otherwise
	// it fails with ErrInsufficientBalance.
	DebitBalance(ctx context.Context, participantID string, amount numeric.Decimal) error
	CreditBalance(ctx context.Context, participantID string, amount numeric.Decimal) error
	// SettleStake writes the payout of an unsettled stake. A stake that
	// already has a payout fails with ErrStakeAlreadySettled.
	SettleStake(ctx context.Context, stakeID string, won *bool, payout numeric.Decimal, at time.Time) error
	// CloseRound moves an ACTIVE or LOCKED round into its terminal status.
	// A RESOLVED round fails with ErrRoundAlreadyResolved and any other
	// status with ErrInvalidRoundState.
	CloseRound(ctx context.Context, c RoundClose) error
	Log(ctx context.Context, event string, detail map[string]any) error
}

// TxRunner executes fn inside one transaction. fn's error rolls back every
// write and is returned unchanged.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store bundles every persistence concern of a storage driver.
type Store interface {
	TxRunner
	Rounds() RoundStore
	Stakes() StakeStore
	Participants() ParticipantStore
	Audit() AuditStore
	Archive() ArchiveStore
	Ping(ctx context.Context) error
	Close() error
}
