package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/round"
	"github.com/alanyoungcy/predictarena/internal/settlement"
	"github.com/alanyoungcy/predictarena/internal/store/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePrice struct {
	mu    sync.Mutex
	price numeric.Decimal
	ok    bool
	stale bool
}

func (p *fakePrice) set(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price, p.ok, p.stale = numeric.MustParse(v), true, false
}

func (p *fakePrice) Price() (numeric.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.ok
}

func (p *fakePrice) IsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

func (p *fakePrice) UpdatedAt() time.Time { return t0 }

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (a *fakeArchiver) ArchiveRounds(_ context.Context, before time.Time) (int64, error) {
	a.before = before
	return a.n, a.err
}

type fixture struct {
	store  *sqlite.Store
	rounds *round.Manager
	sched  *Scheduler
	price  *fakePrice
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, price: &fakePrice{}, now: t0}
	clock := func() time.Time { return f.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.rounds = round.NewManager(st.Rounds(), st.Stakes(), round.Config{}, logger, round.WithClock(clock))
	resolver := settlement.NewEngine(st, settlement.NewNoopGateway(logger), logger, settlement.WithClock(clock))
	cfg := Config{RoundDuration: time.Minute}
	f.sched = New(cfg, f.rounds, resolver, f.price, logger, append([]Option{WithClock(clock)}, opts...)...)
	return f
}

func (f *fixture) byStatus(t *testing.T, status domain.RoundStatus) []domain.Round {
	t.Helper()
	rs, err := f.rounds.ListRounds(context.Background(), domain.RoundFilter{Statuses: []domain.RoundStatus{status}})
	require.NoError(t, err)
	return rs
}

func TestCreateTickStartsOneRoundPerMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.price.set("100")

	require.NoError(t, f.sched.CreateTick(ctx))
	require.NoError(t, f.sched.CreateTick(ctx))

	active := f.byStatus(t, domain.RoundStatusActive)
	require.Len(t, active, 2)
	modes := map[domain.Mode]bool{}
	for _, r := range active {
		modes[r.Mode] = true
		assert.Equal(t, "100.00000000", r.StartPrice.String())
		assert.Equal(t, t0.Add(time.Minute), r.EndTime)
	}
	assert.True(t, modes[domain.ModeBinary])
	assert.True(t, modes[domain.ModeRange])
}

func TestCreateTickSkipsWithoutUsablePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.CreateTick(ctx))
	assert.Empty(t, f.byStatus(t, domain.RoundStatusActive))

	f.price.set("100")
	f.price.stale = true
	require.NoError(t, f.sched.CreateTick(ctx))
	assert.Empty(t, f.byStatus(t, domain.RoundStatusActive))
}

func TestLockTickLocksOnlyExpiredRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.price.set("100")
	require.NoError(t, f.sched.CreateTick(ctx))

	f.now = t0.Add(30 * time.Second)
	require.NoError(t, f.sched.LockTick(ctx))
	assert.Len(t, f.byStatus(t, domain.RoundStatusActive), 2)

	f.now = t0.Add(time.Minute)
	require.NoError(t, f.sched.LockTick(ctx))
	assert.Empty(t, f.byStatus(t, domain.RoundStatusActive))
	assert.Len(t, f.byStatus(t, domain.RoundStatusLocked), 2)

	// The next create tick starts fresh rounds now that the modes are free.
	require.NoError(t, f.sched.CreateTick(ctx))
	assert.Len(t, f.byStatus(t, domain.RoundStatusActive), 2)
}

func TestResolveTickWaitsForBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.price.set("100")
	require.NoError(t, f.sched.CreateTick(ctx))

	f.now = t0.Add(time.Minute)
	require.NoError(t, f.sched.LockTick(ctx))

	f.now = t0.Add(time.Minute + 14*time.Second)
	require.NoError(t, f.sched.ResolveTick(ctx))
	assert.Empty(t, f.byStatus(t, domain.RoundStatusResolved))

	f.price.set("101")
	f.now = t0.Add(time.Minute + 15*time.Second)
	require.NoError(t, f.sched.ResolveTick(ctx))

	resolved := f.byStatus(t, domain.RoundStatusResolved)
	require.Len(t, resolved, 2)
	for _, r := range resolved {
		require.True(t, r.EndPrice.Valid)
		assert.Equal(t, "101.00000000", r.EndPrice.Decimal.String())
	}

	require.NoError(t, f.sched.ResolveTick(ctx))
}

func TestResolveTickDefersOnStalePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.price.set("100")
	require.NoError(t, f.sched.CreateTick(ctx))

	f.now = t0.Add(2 * time.Minute)
	f.price.stale = true
	require.NoError(t, f.sched.ResolveTick(ctx))
	assert.Empty(t, f.byStatus(t, domain.RoundStatusResolved))

	f.price.set("99")
	require.NoError(t, f.sched.ResolveTick(ctx))
	assert.Len(t, f.byStatus(t, domain.RoundStatusResolved), 2)
}

type failingResolver struct{ calls int }

func (r *failingResolver) ResolveRound(context.Context, string, numeric.Decimal) (settlement.Resolution, error) {
	r.calls++
	if r.calls == 1 {
		return settlement.Resolution{}, domain.ErrRoundAlreadyResolved
	}
	return settlement.Resolution{}, domain.ErrSettlementCallFailed
}

func TestResolveTickJoinsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.price.set("100")
	require.NoError(t, f.sched.CreateTick(ctx))

	res := &failingResolver{}
	s := New(f.sched.cfg, f.rounds, res, f.price, f.sched.logger, WithClock(func() time.Time { return t0.Add(time.Hour) }))
	err := s.ResolveTick(ctx)
	require.ErrorIs(t, err, domain.ErrSettlementCallFailed)
	assert.NotErrorIs(t, err, domain.ErrRoundAlreadyResolved)
	assert.Equal(t, 2, res.calls)
}

func TestArchiveTickUsesRetention(t *testing.T) {
	arch := &fakeArchiver{n: 3}
	f := newFixture(t, WithArchiver(arch))

	require.NoError(t, f.sched.ArchiveTick(context.Background()))
	assert.Equal(t, t0.Add(-7*24*time.Hour), arch.before)

	arch.err = errors.New("bucket gone")
	assert.Error(t, f.sched.ArchiveTick(context.Background()))
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{"arena:tick:" + JobCreate: true}}
	f := newFixture(t, WithLockManager(locks))

	calls := 0
	tick := func(context.Context) error { calls++; return nil }

	f.sched.Run(context.Background(), JobCreate, tick)
	assert.Equal(t, 0, calls)

	f.sched.Run(context.Background(), JobLock, tick)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"arena:tick:" + JobLock}, locks.acquired)
	assert.False(t, locks.held["arena:tick:"+JobLock])
}

func TestRunAppliesTickTimeout(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.TickTimeout = 10 * time.Millisecond

	var deadline bool
	f.sched.Run(context.Background(), JobResolve, func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return errors.New("boom")
	})
	assert.True(t, deadline)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	h, err := f.sched.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
}

func TestStartRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.LockSpec = "not a spec"
	_, err := f.sched.Start(context.Background())
	assert.Error(t, err)
}
