package service

import (
	"context"
	"strings"
	"time"

	"tradewire/internal/constants"
	apperrors "tradewire/internal/errors"
	"tradewire/internal/metrics"
	"tradewire/internal/models"
	"tradewire/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MessageStore is the persistence surface the orchestrator needs, implemented
// by the sqlite database.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, id string, at time.Time) error
	DeleteMessage(ctx context.Context, id string) error
	GetNotificationsForUser(ctx context.Context, userID string, limit int) ([]*models.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) error
}

// Enqueuer hands jobs to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload interface{}) (string, error)
}

// Orchestrator decides the delivery path for outgoing messages and relays
// read/typing/delete events. Sends are fire-and-forget: the sender gets an
// acknowledgment as soon as the message is persisted and queued, never
// blocking on recipient delivery.
type Orchestrator struct {
	store  MessageStore
	jobs   Enqueuer
	push   PushFunc
	logger *logrus.Logger
}

func NewOrchestrator(store MessageStore, jobs Enqueuer, push PushFunc, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		jobs:   jobs,
		push:   push,
		logger: logger,
	}
}

// SendMessage validates and persists the message, enqueues a delivery job
// and returns the stored message as the sender's acknowledgment. Delivery
// failures are never propagated back here; they surface through the
// metrics/admin surface only.
func (o *Orchestrator) SendMessage(ctx context.Context, senderID, recipientID, content string) (*models.Message, error) {
	if err := validateUserID(senderID); err != nil {
		return nil, err
	}
	if err := validateUserID(recipientID); err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "cannot message yourself")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "message content is empty")
	}
	if len(content) > constants.MaxMessageContentLength {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "message content too long")
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: ConversationID(senderID, recipientID),
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to persist message")
	}

	if _, err := o.jobs.Enqueue(ctx, models.JobKindMessage, models.MessageJobPayload{
		MessageID:   msg.ID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Kind:        models.NotificationKindMessage,
	}); err != nil {
		// The message is persisted; the recipient can still find it in the
		// conversation. Losing the push job is logged, not surfaced.
		apperrors.LogError(o.logger, err, "Failed to enqueue delivery job for message")
	}

	metrics.IncrementCounter("messages_sent", nil, "Messages accepted for delivery")
	o.logger.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"conversation": msg.ConversationID,
	}).Debug("Message persisted and queued")

	return msg, nil
}

// MarkRead stamps the message read and pushes the receipt to both parties'
// connections. Receipts are idempotent state refreshes: best-effort, not
// queued, not retried.
func (o *Orchestrator) MarkRead(ctx context.Context, userID, messageID string) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to load message")
	}
	if msg == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "no such message")
	}
	if msg.RecipientID != userID {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "only the recipient can mark a message read")
	}

	if err := o.store.MarkMessageRead(ctx, messageID, time.Now()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to mark message read")
	}

	payload := protocol.MessageReadPayload{MessageID: messageID, ReaderID: userID}
	o.bestEffortPush(ctx, msg.SenderID, protocol.EventMessageRead, payload)
	o.bestEffortPush(ctx, msg.RecipientID, protocol.EventMessageRead, payload)
	return nil
}

// DeleteMessage soft-deletes and pushes the deletion to both parties.
func (o *Orchestrator) DeleteMessage(ctx context.Context, userID, messageID string) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to load message")
	}
	if msg == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "no such message")
	}
	if msg.SenderID != userID {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "only the sender can delete a message")
	}

	if err := o.store.DeleteMessage(ctx, messageID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to delete message")
	}

	payload := protocol.MessageDeletedPayload{MessageID: messageID}
	o.bestEffortPush(ctx, msg.SenderID, protocol.EventMessageDeleted, payload)
	o.bestEffortPush(ctx, msg.RecipientID, protocol.EventMessageDeleted, payload)
	return nil
}

// Typing relays a typing indicator. Ephemeral by design: no persistence, no
// retry, losing one is acceptable.
func (o *Orchestrator) Typing(ctx context.Context, senderID, recipientID string, active bool) {
	eventType := protocol.EventTypingStart
	if !active {
		eventType = protocol.EventTypingStop
	}
	o.bestEffortPush(ctx, recipientID, eventType, protocol.TypingEventPayload{
		UserID: senderID,
		Active: active,
	})
}

// Notifications returns the user's notification inbox.
func (o *Orchestrator) Notifications(ctx context.Context, userID string, limit int) ([]*models.NotificationRecord, error) {
	return o.store.GetNotificationsForUser(ctx, userID, limit)
}

// MarkNotificationRead stamps one notification read.
func (o *Orchestrator) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if err := o.store.MarkNotificationRead(ctx, notificationID, time.Now()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to mark notification read")
	}
	return nil
}

// MarkAllNotificationsRead stamps the user's whole inbox read.
func (o *Orchestrator) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	if err := o.store.MarkAllNotificationsRead(ctx, userID, time.Now()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to mark notifications read")
	}
	return nil
}

func (o *Orchestrator) bestEffortPush(ctx context.Context, userID string, eventType protocol.EventType, payload interface{}) {
	if err := pushEvent(ctx, o.push, userID, eventType, payload); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"event":   eventType,
		}).Debug("Best-effort push failed")
	}
}

// ConversationID returns the canonical conversation key for a user pair,
// stable regardless of who sends.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func validateUserID(userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "user id is empty")
	}
	if len(userID) > constants.MaxUserIDLength {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "user id too long")
	}
	return nil
}
