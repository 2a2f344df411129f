package models

import (
	"time"
)

// CallType distinguishes voice-only from video calls. The coordinator treats
// both identically; the type only travels to the peers.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallState is the call session lifecycle. A session exists only while
// ringing or active; any terminal transition removes it from the store.
type CallState string

const (
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
	CallStateEnded   CallState = "ended"
)

// CallEndReason explains why a session reached its terminal state.
type CallEndReason string

const (
	CallEndHangup           CallEndReason = "HANGUP"
	CallEndRejected         CallEndReason = "REJECTED"
	CallEndTimeout          CallEndReason = "TIMEOUT"
	CallEndPeerDisconnected CallEndReason = "PEER_DISCONNECTED"
)

// CallSession tracks one call between exactly two peers. Offer and Answer are
// opaque SDP payloads relayed verbatim; the server never parses them.
type CallSession struct {
	CallID     string        `json:"callId"`
	CallerID   string        `json:"callerId"`
	CalleeID   string        `json:"calleeId"`
	Type       CallType      `json:"type"`
	State      CallState     `json:"state"`
	Offer      string        `json:"offer,omitempty"`
	Answer     string        `json:"answer,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	AnsweredAt *time.Time    `json:"answeredAt,omitempty"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	EndReason  CallEndReason `json:"endReason,omitempty"`
}

// OtherPeer returns the session participant that is not userID.
func (s *CallSession) OtherPeer(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// Involves reports whether userID is one of the two peers.
func (s *CallSession) Involves(userID string) bool {
	return userID == s.CallerID || userID == s.CalleeID
}
