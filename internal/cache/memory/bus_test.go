package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(4)
	ctx, cancel := context.WithCancel(context.Background())

	a, err := bus.Subscribe(ctx, "arena:rounds")
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, "arena:stakes")
	require.NoError(t, err)

	assert.Equal(t, 1, bus.Subscribers("arena:rounds"))
	require.NoError(t, bus.Publish(ctx, "arena:rounds", []byte(`{"type":"round.started"}`)))

	select {
	case msg := <-a:
		assert.JSONEq(t, `{"type":"round.started"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	assert.Empty(t, b)

	cancel()
	require.Eventually(t, func() bool {
		return bus.Subscribers("arena:rounds") == 0
	}, time.Second, 10*time.Millisecond)
	_, ok := <-a
	assert.False(t, ok)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "c", []byte("1")))
	require.NoError(t, bus.Publish(ctx, "c", []byte("2")))

	assert.Equal(t, "1", string(<-ch))
	assert.Empty(t, ch)
}
