// Package memory provides in-process stand-ins for the Redis backed cache
// interfaces, used when a single instance runs without Redis.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// Bus implements domain.SignalBus inside one process. Publish never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[chan []byte]struct{}
	buffer int
}

// NewBus creates a Bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	return &Bus{subs: make(map[string]map[chan []byte]struct{}), buffer: buffer}
}

// Publish delivers a copy of payload to every current subscriber of channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns messages for channel until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

var _ domain.SignalBus = (*Bus)(nil)
