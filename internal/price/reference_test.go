package price

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubSource struct {
	price numeric.Decimal
	at    time.Time
	err   error
	calls atomic.Int32
}

func (s *stubSource) Fetch(context.Context) (numeric.Decimal, time.Time, error) {
	s.calls.Add(1)
	return s.price, s.at, s.err
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]numeric.Decimal
	times  map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{prices: map[string]numeric.Decimal{}, times: map[string]time.Time{}}
}

func (c *memCache) SetPrice(_ context.Context, symbol string, p numeric.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol], c.times[symbol] = p, ts
	return nil
}

func (c *memCache) GetPrice(_ context.Context, symbol string) (numeric.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return numeric.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, c.times[symbol], nil
}

func TestReferenceEmptyIsUnavailable(t *testing.T) {
	ref := NewReference(&stubSource{}, Config{Symbol: "BTCUSDT"}, discard())

	_, ok := ref.Price()
	assert.False(t, ok)
	assert.True(t, ref.IsStale())

	_, err := domain.UsablePrice(ref)
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestReferenceStalenessFollowsClock(t *testing.T) {
	clk := &clock{now: t0}
	src := &stubSource{price: numeric.MustParse("100.5"), at: t0}
	ref := NewReference(src, Config{Symbol: "BTCUSDT", MaxAge: 10 * time.Second}, discard(), WithClock(clk.Now))

	require.NoError(t, ref.Refresh(context.Background()))
	p, err := domain.UsablePrice(ref)
	require.NoError(t, err)
	assert.Equal(t, "100.50000000", p.String())
	assert.Equal(t, t0, ref.UpdatedAt())

	clk.Advance(10 * time.Second)
	assert.False(t, ref.IsStale())
	clk.Advance(time.Millisecond)
	assert.True(t, ref.IsStale())

	_, err = domain.UsablePrice(ref)
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestRefreshKeepsLastPriceOnError(t *testing.T) {
	src := &stubSource{price: numeric.FromInt(42), at: t0}
	ref := NewReference(src, Config{}, discard(), WithClock(func() time.Time { return t0 }))
	require.NoError(t, ref.Refresh(context.Background()))

	src.err = errors.New("feed down")
	require.Error(t, ref.Refresh(context.Background()))

	p, ok := ref.Price()
	require.True(t, ok)
	assert.True(t, p.Equal(numeric.FromInt(42)))
}

func TestRefreshRejectsNonPositive(t *testing.T) {
	ref := NewReference(&stubSource{price: numeric.Zero, at: t0}, Config{}, discard())
	require.Error(t, ref.Refresh(context.Background()))
	_, ok := ref.Price()
	assert.False(t, ok)
}

func TestObserveIgnoresOlderObservation(t *testing.T) {
	ref := NewReference(&stubSource{}, Config{}, discard(), WithClock(func() time.Time { return t0 }))
	ref.Observe(numeric.FromInt(2), t0)
	ref.Observe(numeric.FromInt(1), t0.Add(-time.Second))

	p, _ := ref.Price()
	assert.True(t, p.Equal(numeric.FromInt(2)))
}

func TestRefreshWritesCache(t *testing.T) {
	cache := newMemCache()
	src := &stubSource{price: numeric.FromInt(7), at: t0}
	ref := NewReference(src, Config{Symbol: "ETHUSDT"}, discard(), WithCache(cache))
	require.NoError(t, ref.Refresh(context.Background()))

	p, at, err := NewCacheSource(cache, "ETHUSDT").Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Equal(numeric.FromInt(7)))
	assert.Equal(t, t0, at)

	_, _, err = NewCacheSource(cache, "SOLUSDT").Fetch(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartPollsUntilStop(t *testing.T) {
	src := &stubSource{price: numeric.FromInt(1), at: t0}
	ref := NewReference(src, Config{PollInterval: time.Millisecond}, discard())

	require.NoError(t, ref.Start(context.Background()))
	require.Error(t, ref.Start(context.Background()))
	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	ref.Stop()

	n := src.calls.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, src.calls.Load())
	ref.Stop()

	_, ok := ref.Price()
	assert.True(t, ok)
}

func TestHTTPSourceParsesTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"67012.34000000"}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{Endpoint: srv.URL, Symbol: "BTCUSDT", RequestsPerSecond: 100})
	p, at, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "67012.34000000", p.String())
	assert.False(t, at.IsZero())
}

func TestHTTPSourceRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"10"}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{
		Endpoint:          srv.URL,
		Symbol:            "BTCUSDT",
		RequestsPerSecond: 1000,
		Retry:             retry.Policy{Attempts: 3, Base: time.Millisecond},
	})
	p, _, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Equal(numeric.FromInt(10)))
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPSourceDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{
		Endpoint:          srv.URL,
		Symbol:            "NOPE",
		RequestsPerSecond: 1000,
		Retry:             retry.Policy{Attempts: 3, Base: time.Millisecond},
	})
	_, _, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
