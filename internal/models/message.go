package models

import (
	"time"
)

// Message is a direct message between two marketplace users. Content is
// persisted (encrypted at rest when enabled); delivery state is tracked so the
// delivery monitor can spot messages stuck without a confirmation.
type Message struct {
	ID             string     `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversationId"`
	SenderID       string     `db:"sender_id" json:"senderId"`
	RecipientID    string     `db:"recipient_id" json:"recipientId"`
	Content        string     `db:"content" json:"content"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `db:"read_at" json:"readAt,omitempty"`
	Deleted        bool       `db:"deleted" json:"deleted,omitempty"`
}

// NotificationRecord is created when a message reaches an offline recipient.
// It is what the recipient sees in their inbox on next connect.
type NotificationRecord struct {
	ID              string     `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"userId"`
	SourceMessageID string     `db:"source_message_id" json:"sourceMessageId"`
	Kind            string     `db:"kind" json:"kind"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	ReadAt          *time.Time `db:"read_at" json:"readAt,omitempty"`
}

// NotificationPrefs holds a user's per-kind email opt-in flags.
type NotificationPrefs struct {
	UserID         string `db:"user_id" json:"userId"`
	EmailOnMessage bool   `db:"email_on_message" json:"emailOnMessage"`
	EmailOnOffer   bool   `db:"email_on_offer" json:"emailOnOffer"`
}

// EmailEnabled reports whether the user wants an email for the given
// notification kind. Unknown kinds default to off.
func (p *NotificationPrefs) EmailEnabled(kind string) bool {
	if p == nil {
		return false
	}
	switch kind {
	case NotificationKindMessage:
		return p.EmailOnMessage
	case NotificationKindOffer:
		return p.EmailOnOffer
	}
	return false
}

const (
	NotificationKindMessage = "message"
	NotificationKindOffer   = "offer"
)
