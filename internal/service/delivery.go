package service

import (
	"context"
	"encoding/json"
	"time"

	apperrors "tradewire/internal/errors"
	"tradewire/internal/metrics"
	"tradewire/internal/models"
	"tradewire/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeliveryStore is the persistence surface the processor needs.
type DeliveryStore interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageDelivered(ctx context.Context, id string, at time.Time) error
	SaveNotification(ctx context.Context, rec *models.NotificationRecord) error
	GetNotificationPrefs(ctx context.Context, userID string) (*models.NotificationPrefs, error)
}

// PresenceChecker answers the online/offline question at processing time.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// EmailSender dispatches exactly one transactional email per call.
type EmailSender interface {
	SendNotificationEmail(ctx context.Context, userID, kind, sourceMessageID string) error
}

// DeliveryProcessor implements the queue handlers for the three job kinds.
// The online/offline decision happens here, at processing time, so a retried
// job always sees fresh presence data rather than the state at enqueue time.
type DeliveryProcessor struct {
	store    DeliveryStore
	presence PresenceChecker
	jobs     Enqueuer
	push     PushFunc
	email    EmailSender
	logger   *logrus.Logger
}

func NewDeliveryProcessor(store DeliveryStore, presence PresenceChecker, jobs Enqueuer, push PushFunc, email EmailSender, logger *logrus.Logger) *DeliveryProcessor {
	return &DeliveryProcessor{
		store:    store,
		presence: presence,
		jobs:     jobs,
		push:     push,
		email:    email,
		logger:   logger,
	}
}

// HandleMessageJob delivers one message: push when the recipient is online,
// otherwise write a notification record and, when the recipient opted in,
// queue a separate email job.
func (p *DeliveryProcessor) HandleMessageJob(ctx context.Context, job *models.DeliveryJob) error {
	var payload models.MessageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "malformed message job payload")
	}

	online, err := p.presence.IsOnline(ctx, payload.RecipientID)
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "presence lookup failed")
	}

	if online {
		return p.pushMessage(ctx, &payload)
	}
	return p.recordOffline(ctx, &payload)
}

// HandleNotificationJob delivers a non-message notification (e.g. an offer on
// a listing) the same way: push when online, persist plus optional email when
// offline.
func (p *DeliveryProcessor) HandleNotificationJob(ctx context.Context, job *models.DeliveryJob) error {
	var payload models.MessageJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "malformed notification job payload")
	}

	online, err := p.presence.IsOnline(ctx, payload.RecipientID)
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "presence lookup failed")
	}

	if online {
		rec := &models.NotificationRecord{
			ID:              uuid.NewString(),
			UserID:          payload.RecipientID,
			SourceMessageID: payload.MessageID,
			Kind:            payload.Kind,
			CreatedAt:       time.Now(),
		}
		if err := pushEvent(ctx, p.push, payload.RecipientID, protocol.EventNotificationNew, rec); err != nil {
			return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "notification push failed")
		}
		return nil
	}
	return p.recordOffline(ctx, &payload)
}

// HandleEmailJob sends exactly one email per successful attempt.
func (p *DeliveryProcessor) HandleEmailJob(ctx context.Context, job *models.DeliveryJob) error {
	var payload models.EmailJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "malformed email job payload")
	}

	if err := p.email.SendNotificationEmail(ctx, payload.UserID, payload.Kind, payload.SourceMessageID); err != nil {
		// The email client classifies its own failures; pass them through so
		// the queue can tell transient from permanent.
		return err
	}

	metrics.IncrementCounter("emails_sent", nil, "Notification emails dispatched")
	return nil
}

func (p *DeliveryProcessor) pushMessage(ctx context.Context, payload *models.MessageJobPayload) error {
	msg, err := p.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "failed to load message")
	}
	if msg == nil || msg.Deleted {
		// Deleted before delivery; nothing left to do.
		return nil
	}

	if err := pushEvent(ctx, p.push, payload.RecipientID, protocol.EventMessageNew, msg); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "message push failed")
	}

	if err := p.store.MarkMessageDelivered(ctx, payload.MessageID, time.Now()); err != nil {
		apperrors.LogError(p.logger, err, "Failed to stamp delivery time")
	}
	metrics.IncrementCounter("messages_delivered", nil, "Messages pushed to online recipients")
	metrics.RecordTimer("delivery_latency", time.Since(msg.CreatedAt), nil)
	return nil
}

func (p *DeliveryProcessor) recordOffline(ctx context.Context, payload *models.MessageJobPayload) error {
	rec := &models.NotificationRecord{
		ID:              uuid.NewString(),
		UserID:          payload.RecipientID,
		SourceMessageID: payload.MessageID,
		Kind:            payload.Kind,
		CreatedAt:       time.Now(),
	}
	if err := p.store.SaveNotification(ctx, rec); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "failed to save notification record")
	}
	metrics.IncrementCounter("notifications_created", nil, "Notification records for offline recipients")

	prefs, err := p.store.GetNotificationPrefs(ctx, payload.RecipientID)
	if err != nil {
		// The notification record exists; missing the optional email is
		// preferable to double-writing records on retry.
		apperrors.LogError(p.logger, err, "Failed to load notification prefs, skipping email")
		return nil
	}
	if !prefs.EmailEnabled(payload.Kind) {
		return nil
	}

	if _, err := p.jobs.Enqueue(ctx, models.JobKindEmail, models.EmailJobPayload{
		UserID:          payload.RecipientID,
		NotificationID:  rec.ID,
		SourceMessageID: payload.MessageID,
		Kind:            payload.Kind,
	}); err != nil {
		apperrors.LogError(p.logger, err, "Failed to enqueue email job")
	}

	p.logger.WithFields(logrus.Fields{
		"notification_id": rec.ID,
		"user_id":         payload.RecipientID,
		"kind":            payload.Kind,
	}).Debug("Offline recipient recorded")
	return nil
}
