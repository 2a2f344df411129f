package models

import (
	"time"
)

// Connection describes one live client channel. Connections are ephemeral:
// they exist only in the registry of the instance that accepted them and are
// never persisted.
type Connection struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	InstanceID    string    `json:"instanceId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}
