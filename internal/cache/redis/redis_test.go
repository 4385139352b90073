package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "arena:price:BTCUSD", priceKey("BTCUSD"))
	assert.Equal(t, "arena:lock:arena:tick:resolve", lockKey("arena:tick:resolve"))
	assert.Equal(t, "arena:ratelimit:203.0.113.7", rateLimitKey("203.0.113.7"))
}

func TestPriceEncoding(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	fields := encodePrice(numeric.MustParse("64123.45"), ts)

	vals := make(map[string]string, len(fields))
	for k, v := range fields {
		vals[k] = v.(string)
	}
	assert.Equal(t, "64123.45000000", vals["price"])

	price, got, err := decodePrice(vals)
	require.NoError(t, err)
	assert.True(t, price.Equal(numeric.MustParse("64123.45")))
	assert.True(t, got.Equal(ts))
}

func TestDecodePriceErrors(t *testing.T) {
	_, _, err := decodePrice(map[string]string{"ts": "1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = decodePrice(map[string]string{"price": "1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = decodePrice(map[string]string{"price": "abc", "ts": "1"})
	assert.Error(t, err)

	_, _, err = decodePrice(map[string]string{"price": "1", "ts": "x"})
	assert.Error(t, err)
}

func TestIsPattern(t *testing.T) {
	assert.True(t, isPattern("arena:*"))
	assert.False(t, isPattern("arena:rounds"))
}

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{URL: "redis://:secret@cache:6380/2", PoolSize: 7}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)

	opts, err = ClientConfig{Addr: "localhost:6379", TLSEnabled: true}.options()
	require.NoError(t, err)
	assert.NotNil(t, opts.TLSConfig)

	_, err = ClientConfig{URL: "http://nope"}.options()
	assert.Error(t, err)
}

func TestNewFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, ClientConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
