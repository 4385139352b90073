package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Bus channels.
const (
	ChannelRounds = "arena:rounds"
	ChannelStakes = "arena:stakes"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRoundStarted   EventType = "round.started"
	EventRoundLocked    EventType = "round.locked"
	EventRoundResolved  EventType = "round.resolved"
	EventRoundCancelled EventType = "round.cancelled"
	EventStakePlaced    EventType = "stake.placed"
)

// Event is the payload published on the signal bus after a commit.
type Event struct {
	Type  EventType `json:"type"`
	At    time.Time `json:"at"`
	Round *Round    `json:"round,omitempty"`
	Stake *Stake    `json:"stake,omitempty"`
}

// PublishEvent marshals ev and publishes it on channel. A nil bus is a no-op.
func PublishEvent(ctx context.Context, bus SignalBus, channel string, ev Event) error {
	if bus == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return bus.Publish(ctx, channel, payload)
}
