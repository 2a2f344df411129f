// Package bus is the cross-process fanout layer. Every server instance
// publishes presence transitions, targeted deliveries and call signals to the
// bus; every instance (including the publisher) observes them and acts on the
// ones addressed to users it holds connections for. Propagation is eventually
// consistent with bounded delay.
package bus

import (
	"context"
	"encoding/json"
)

// EventType tags a fanout event.
type EventType string

const (
	// EventPresenceConnected fires when a user's first connection opens
	// anywhere in the cluster.
	EventPresenceConnected EventType = "presence.connected"
	// EventPresenceDisconnected fires when a user's last connection closes.
	EventPresenceDisconnected EventType = "presence.disconnected"
	// EventDeliver carries a payload addressed to one user; whichever
	// instances hold connections for that user push it down.
	EventDeliver EventType = "deliver"
)

// Event is the wire format shared by all bus implementations.
type Event struct {
	Type       EventType       `json:"type"`
	UserID     string          `json:"userId,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes bus events. Handlers must not block; slow work belongs in
// the handler's own goroutines.
type Handler func(*Event)

// Bus is the fanout contract. Implementations: in-memory (single process),
// Redis pub/sub and Kafka.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(handler Handler)
	Close() error
}
