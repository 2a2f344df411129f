// Package protocol defines the typed event taxonomy spoken over the client
// channel. Both directions use the same envelope: a type tag plus an opaque
// JSON payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType tags a channel event.
type EventType string

// Client-to-server events.
const (
	EventMessageNew           EventType = "message:new"
	EventMessageRead          EventType = "message:read"
	EventMessageDeleted       EventType = "message:deleted"
	EventTypingStart          EventType = "typing:start"
	EventTypingStop           EventType = "typing:stop"
	EventNotificationRead     EventType = "notification:read"
	EventNotificationsReadAll EventType = "notifications:read-all"
	EventCallInitiate         EventType = "call:initiate"
	EventCallAnswer           EventType = "call:answer"
	EventCallReject           EventType = "call:reject"
	EventCallEnd              EventType = "call:end"
	EventCallIceCandidate     EventType = "call:ice-candidate"
	EventCallGetActive        EventType = "call:get-active"
	EventPresenceSubscribe    EventType = "presence:subscribe"
	EventPresenceQuery        EventType = "presence:query"
)

// Server-to-client events.
const (
	EventNotificationNew EventType = "notification:new"
	EventCallIncoming    EventType = "call:incoming"
	EventCallAnswered    EventType = "call:answered"
	EventCallEnded       EventType = "call:ended"
	EventCallActive      EventType = "call:active"
	EventPresenceState   EventType = "presence:state"
	EventAck             EventType = "ack"
	EventError           EventType = "error"
)

// Envelope is the wire frame for every channel event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a wire frame from a type tag and payload value.
func Encode(eventType EventType, payload interface{}) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Decode parses a wire frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Inbound payloads.

type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	RecipientID string `json:"recipientId"`
}

type NotificationRefPayload struct {
	NotificationID string `json:"notificationId"`
}

type CallInitiatePayload struct {
	CalleeID string `json:"calleeId"`
	CallType string `json:"callType"`
	Offer    string `json:"offer"`
}

type CallAnswerPayload struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

type CallRefPayload struct {
	CallID string `json:"callId"`
}

type IceCandidatePayload struct {
	CallID string `json:"callId"`
	// Candidate is relayed verbatim to the other peer, never parsed.
	Candidate json.RawMessage `json:"candidate"`
}

type PresenceQueryPayload struct {
	UserID string `json:"userId"`
}

// Outbound payloads.

type TypingEventPayload struct {
	UserID string `json:"userId"`
	Active bool   `json:"active"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type CallIncomingPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"`
	Offer    string `json:"offer"`
}

type CallAnsweredPayload struct {
	CallID string `json:"callId"`
	Answer string `json:"answer"`
}

type CallEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type PresenceStatePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type AckPayload struct {
	Of   EventType   `json:"of"`
	ID   string      `json:"id,omitempty"`
	OK   bool        `json:"ok"`
	Data interface{} `json:"data,omitempty"`
}

type ErrorPayload struct {
	Of      EventType `json:"of,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}
