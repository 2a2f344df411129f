package service

import (
	"context"

	"tradewire/internal/bus"
	"tradewire/internal/protocol"
)

// PushFunc delivers an encoded channel frame to every connection a user has,
// on any instance. Best-effort: offline users simply receive nothing.
type PushFunc func(ctx context.Context, userID string, payload []byte) error

// NewBusPusher routes pushes through the fanout bus. Every instance,
// including this one, observes the event and pushes to the user's local
// connections.
func NewBusPusher(fanout bus.Bus) PushFunc {
	return func(ctx context.Context, userID string, payload []byte) error {
		return fanout.Publish(ctx, &bus.Event{
			Type:    bus.EventDeliver,
			UserID:  userID,
			Payload: payload,
		})
	}
}

// pushEvent encodes and pushes one typed event to a user.
func pushEvent(ctx context.Context, push PushFunc, userID string, eventType protocol.EventType, payload interface{}) error {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return push(ctx, userID, frame)
}
