package domain

import "errors"

var (
	ErrRoundNotFound        = errors.New("round not found")
	ErrRoundNotActive       = errors.New("round not active")
	ErrInvalidRoundState    = errors.New("invalid round state")
	ErrRoundAlreadyResolved = errors.New("round already resolved")
	ErrActiveRoundExists    = errors.New("active round exists for mode")
	ErrDuplicatePrediction  = errors.New("participant already staked on round")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidMode          = errors.New("invalid mode")
	ErrMissingSideOrRange   = errors.New("exactly one of side or range is required")
	ErrInvalidRange         = errors.New("invalid range")
	ErrOracleUnavailable    = errors.New("price unavailable")
	ErrSettlementCallFailed = errors.New("settlement call failed")

	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidDuration     = errors.New("duration must be positive")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrStakeAlreadySettled = errors.New("stake already settled")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)
