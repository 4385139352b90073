package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// testDSNEnv names a disposable database. Tests that need a server skip
// when it is unset.
const testDSNEnv = "ARENA_TEST_POSTGRES_DSN"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStakeInsertErrorMapping(t *testing.T) {
	st := domain.Stake{ID: "s1", RoundID: "r1", ParticipantID: "p1"}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "stakes_round_participant_key"}, domain.ErrDuplicatePrediction},
		{"participant fk", &pgconn.PgError{Code: codeForeignKeyViolation, ConstraintName: "stakes_participant_id_fkey"}, domain.ErrParticipantNotFound},
		{"round fk", &pgconn.PgError{Code: codeForeignKeyViolation, ConstraintName: "stakes_round_id_fkey"}, domain.ErrRoundNotFound},
		{"wrapped unique", fmt.Errorf("exec: %w", &pgconn.PgError{Code: codeUniqueViolation}), domain.ErrDuplicatePrediction},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, stakeInsertError(tc.err, st), tc.want)
		})
	}

	other := errors.New("connection reset")
	err := stakeInsertError(other, st)
	require.ErrorIs(t, err, other)
	for _, sentinel := range []error{domain.ErrDuplicatePrediction, domain.ErrParticipantNotFound, domain.ErrRoundNotFound} {
		assert.NotErrorIs(t, err, sentinel)
	}
	assert.NotErrorIs(t, stakeInsertError(&pgconn.PgError{Code: "23514"}, st), domain.ErrDuplicatePrediction)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
	assert.False(t, isUniqueViolation(nil))
	assert.Nil(t, pgError(errors.New("plain")))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/arena?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "arena", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

// withSearchPath points dsn at schema for both URL and keyword/value forms.
func withSearchPath(t *testing.T, dsn, schema string) string {
	t.Helper()
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema
	}
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

// newTestStore migrates a fresh schema so each test sees empty tables and
// its own active-round index.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	admin, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 2})
	require.NoError(t, err)
	schema := "arena_test_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")
	_, err = admin.Pool().Exec(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: withSearchPath(t, dsn, schema), MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_, _ = admin.Pool().Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
		admin.Close()
	})
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations are recorded and skipped")
	return NewStore(c)
}

func newRound(mode domain.Mode) domain.Round {
	r := domain.Round{
		ID:         uuid.NewString(),
		Mode:       mode,
		Status:     domain.RoundStatusActive,
		StartPrice: numeric.FromInt(100),
		StartTime:  t0,
		EndTime:    t0.Add(5 * time.Minute),
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	if mode == domain.ModeRange {
		r.Ranges = []domain.RangePool{
			{Index: 0, PriceRange: domain.PriceRange{Min: numeric.MustParse("0.10"), Max: numeric.MustParse("0.12")}},
			{Index: 1, PriceRange: domain.PriceRange{Min: numeric.MustParse("0.12"), Max: numeric.MustParse("0.14")}},
		}
	}
	return r
}

func newParticipant(t *testing.T, s *Store, balance string) domain.Participant {
	t.Helper()
	p := domain.Participant{
		ID:        uuid.NewString(),
		Address:   "0x" + uuid.NewString()[:8],
		Balance:   numeric.MustParse(balance),
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, s.Participants().Create(context.Background(), p))
	return p
}

func TestRoundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRound(domain.ModeRange)
	require.NoError(t, s.Rounds().Create(ctx, r))

	got, err := s.Rounds().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusActive, got.Status)
	assert.True(t, got.StartPrice.Equal(numeric.FromInt(100)))
	assert.True(t, got.EndTime.Equal(r.EndTime))
	assert.False(t, got.EndPrice.Valid)
	assert.Nil(t, got.ResolvedAt)
	require.Len(t, got.Ranges, 2)
	assert.True(t, got.Ranges[1].Min.Equal(numeric.MustParse("0.12")))

	_, err = s.Rounds().GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrRoundNotFound)
}

func TestOneActiveRoundPerMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Rounds().Create(ctx, newRound(domain.ModeBinary))
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, domain.ErrActiveRoundExists):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	require.NoError(t, s.Rounds().Create(ctx, newRound(domain.ModeRange)))

	active, err := s.Rounds().List(ctx, domain.RoundFilter{Statuses: []domain.RoundStatus{domain.RoundStatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 2)

	binary := active[0]
	if binary.Mode != domain.ModeBinary {
		binary = active[1]
	}
	from := []domain.RoundStatus{domain.RoundStatusActive}
	changed, err := s.Rounds().TransitionStatus(ctx, binary.ID, from, domain.RoundStatusLocked)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.Rounds().TransitionStatus(ctx, binary.ID, from, domain.RoundStatusLocked)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.Rounds().Create(ctx, newRound(domain.ModeBinary)))
}

func TestConcurrentDuplicateStake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newRound(domain.ModeBinary)
	require.NoError(t, s.Rounds().Create(ctx, r))
	p := newParticipant(t, s, "100")
	amount := numeric.FromInt(5)

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				st := domain.Stake{ID: uuid.NewString(), RoundID: r.ID, ParticipantID: p.ID, Side: domain.SideUp, Amount: amount, CreatedAt: t0}
				if err := tx.InsertStake(ctx, st); err != nil {
					return err
				}
				if err := tx.AddToPool(ctx, r.ID, st.Side, nil, amount); err != nil {
					return err
				}
				return tx.DebitBalance(ctx, p.ID, amount)
			})
			if err == nil {
				ok.Add(1)
			} else if assert.ErrorIs(t, err, domain.ErrDuplicatePrediction) {
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(5), dup.Load())

	got, err := s.Rounds().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "5.00000000", got.UpPool.String())
	assert.Equal(t, "5.00000000", got.TotalPool.String())
	bal, err := s.Participants().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "95.00000000", bal.Balance.String())

	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertStake(ctx, domain.Stake{ID: uuid.NewString(), RoundID: r.ID, ParticipantID: "nobody", Side: domain.SideUp, Amount: amount, CreatedAt: t0})
	})
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestAddToPoolBySideAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	binary := newRound(domain.ModeBinary)
	ranged := newRound(domain.ModeRange)
	require.NoError(t, s.Rounds().Create(ctx, binary))
	require.NoError(t, s.Rounds().Create(ctx, ranged))

	one, missing := 1, 7
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.AddToPool(ctx, binary.ID, domain.SideUp, nil, numeric.MustParse("10.33")); err != nil {
			return err
		}
		if err := tx.AddToPool(ctx, binary.ID, domain.SideDown, nil, numeric.MustParse("10.34")); err != nil {
			return err
		}
		return tx.AddToPool(ctx, ranged.ID, "", &one, numeric.MustParse("2.5"))
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.AddToPool(ctx, ranged.ID, "", &missing, numeric.FromInt(1))
	})
	require.ErrorIs(t, err, domain.ErrInvalidRange)

	got, err := s.Rounds().GetByID(ctx, binary.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.33000000", got.UpPool.String())
	assert.Equal(t, "10.34000000", got.DownPool.String())
	assert.Equal(t, "20.67000000", got.TotalPool.String())

	got, err = s.Rounds().GetByID(ctx, ranged.ID)
	require.NoError(t, err)
	assert.True(t, got.UpPool.IsZero())
	assert.True(t, got.DownPool.IsZero())
	assert.True(t, got.Ranges[1].Pool.Equal(numeric.MustParse("2.5")))
	assert.True(t, got.TotalPool.Equal(numeric.MustParse("2.5")))

	_, err = s.Rounds().TransitionStatus(ctx, binary.ID, []domain.RoundStatus{domain.RoundStatusActive}, domain.RoundStatusLocked)
	require.NoError(t, err)
	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.AddToPool(ctx, binary.ID, domain.SideUp, nil, numeric.FromInt(1))
	})
	require.ErrorIs(t, err, domain.ErrRoundNotActive)

	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.AddToPool(ctx, "missing", domain.SideUp, nil, numeric.FromInt(1))
	})
	require.ErrorIs(t, err, domain.ErrRoundNotFound)
}

func TestDebitBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newParticipant(t, s, "10")

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.DebitBalance(ctx, p.ID, numeric.MustParse("10.00000001"))
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.DebitBalance(ctx, p.ID, numeric.FromInt(10))
	}))

	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.DebitBalance(ctx, "nobody", numeric.FromInt(1))
	})
	require.ErrorIs(t, err, domain.ErrParticipantNotFound)

	got, err := s.Participants().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestConcurrentDebitNeverOverdraws(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newParticipant(t, s, "100")
	amount := numeric.FromInt(30)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
				return tx.DebitBalance(ctx, p.ID, amount)
			})
			if err == nil {
				ok.Add(1)
			} else if assert.ErrorIs(t, err, domain.ErrInsufficientBalance) {
				short.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(7), short.Load())
	got, err := s.Participants().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00000000", got.Balance.String())
}

func TestSettleAndCloseRoundOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newRound(domain.ModeBinary)
	require.NoError(t, s.Rounds().Create(ctx, r))
	p := newParticipant(t, s, "20")
	st := domain.Stake{ID: uuid.NewString(), RoundID: r.ID, ParticipantID: p.ID, Side: domain.SideUp, Amount: numeric.FromInt(5), CreatedAt: t0}

	won := true
	closeReq := domain.RoundClose{
		RoundID:     r.ID,
		Status:      domain.RoundStatusResolved,
		EndPrice:    numeric.Some(numeric.FromInt(105)),
		ClosedAt:    t0.Add(6 * time.Minute),
		Outcome:     domain.OutcomeWin,
		WinningSide: domain.SideUp,
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.InsertStake(ctx, st); err != nil {
			return err
		}
		locked, err := tx.GetRoundForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.RoundStatusActive, locked.Status)
		if err := tx.SettleStake(ctx, st.ID, &won, numeric.FromInt(5), closeReq.ClosedAt); err != nil {
			return err
		}
		if err := tx.CreditBalance(ctx, p.ID, numeric.FromInt(5)); err != nil {
			return err
		}
		if err := tx.Log(ctx, "round.resolved", map[string]any{"round_id": r.ID}); err != nil {
			return err
		}
		return tx.CloseRound(ctx, closeReq)
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.SettleStake(ctx, st.ID, &won, numeric.FromInt(5), closeReq.ClosedAt)
	})
	require.ErrorIs(t, err, domain.ErrStakeAlreadySettled)

	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CloseRound(ctx, closeReq)
	})
	require.ErrorIs(t, err, domain.ErrRoundAlreadyResolved)

	got, err := s.Rounds().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusResolved, got.Status)
	assert.Equal(t, domain.OutcomeWin, got.Outcome)
	assert.Equal(t, domain.SideUp, got.WinningSide)
	require.True(t, got.EndPrice.Valid)
	assert.True(t, got.EndPrice.Decimal.Equal(numeric.FromInt(105)))
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(closeReq.ClosedAt))

	stakes, err := s.Stakes().ListByParticipant(ctx, p.ID, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, stakes, 1)
	require.NotNil(t, stakes[0].Won)
	assert.True(t, *stakes[0].Won)
	assert.True(t, stakes[0].Payout.Valid)

	bal, err := s.Participants().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(numeric.FromInt(25)))

	entries, err := s.Audit().List(ctx, domain.AuditFilter{RoundID: r.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "round.resolved", entries[0].Event)
}

func TestCancelledRoundHasNoResolvedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newRound(domain.ModeRange)
	require.NoError(t, s.Rounds().Create(ctx, r))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CloseRound(ctx, domain.RoundClose{RoundID: r.ID, Status: domain.RoundStatusCancelled, Outcome: domain.OutcomeRefund, ClosedAt: t0})
	}))
	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CloseRound(ctx, domain.RoundClose{RoundID: r.ID, Status: domain.RoundStatusResolved, ClosedAt: t0})
	})
	require.ErrorIs(t, err, domain.ErrInvalidRoundState)

	got, err := s.Rounds().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusCancelled, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.False(t, got.EndPrice.Valid)

	finished, err := s.Archive().ListFinishedBefore(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Len(t, finished[0].Ranges, 2)

	n, err := s.Archive().Purge(ctx, []string{r.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Rounds().GetByID(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrRoundNotFound)
}

func TestRollbackDiscardsAllWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := newRound(domain.ModeBinary)
	require.NoError(t, s.Rounds().Create(ctx, r))
	p := newParticipant(t, s, "20")

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		st := domain.Stake{ID: uuid.NewString(), RoundID: r.ID, ParticipantID: p.ID, Side: domain.SideDown, Amount: numeric.FromInt(5), CreatedAt: t0}
		require.NoError(t, tx.InsertStake(ctx, st))
		require.NoError(t, tx.AddToPool(ctx, r.ID, domain.SideDown, nil, st.Amount))
		require.NoError(t, tx.DebitBalance(ctx, p.ID, st.Amount))
		require.NoError(t, tx.Log(ctx, "stake.placed", map[string]any{"round_id": r.ID}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.Participants().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(numeric.FromInt(20)))
	round, err := s.Rounds().GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, round.TotalPool.IsZero())
	stakes, err := s.Stakes().ListByRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, stakes)
	entries, err := s.Audit().List(ctx, domain.AuditFilter{Event: "stake.placed"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParticipantAddressUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newParticipant(t, s, "1")

	dup := p
	dup.ID = uuid.NewString()
	require.ErrorIs(t, s.Participants().Create(ctx, dup), domain.ErrAlreadyExists)
}
