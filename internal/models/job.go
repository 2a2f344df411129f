package models

import (
	"encoding/json"
	"time"
)

// JobKind identifies which worker pool handles a delivery job.
type JobKind string

const (
	JobKindMessage      JobKind = "message"
	JobKindNotification JobKind = "notification"
	JobKindEmail        JobKind = "email"
)

// JobStatus is the delivery job state machine:
// queued -> processing -> completed, or processing -> retrying -> queued
// (delayed) up to the attempt limit, after which the job is dead and kept
// for inspection.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDead       JobStatus = "dead"
)

// DeliveryJob is one unit of reliable, at-least-once work. Attempt only ever
// grows and is bounded by the configured maximum.
type DeliveryJob struct {
	ID        string          `db:"id" json:"id"`
	Kind      JobKind         `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Attempt   int             `db:"attempt" json:"attempt"`
	Status    JobStatus       `db:"status" json:"status"`
	NextRunAt time.Time       `db:"next_run_at" json:"nextRunAt"`
	LastError *string         `db:"last_error" json:"lastError,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// MessageJobPayload is the payload carried by message and notification jobs.
type MessageJobPayload struct {
	MessageID   string `json:"messageId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Kind        string `json:"kind"`
}

// EmailJobPayload is the payload carried by email jobs.
type EmailJobPayload struct {
	UserID          string `json:"userId"`
	NotificationID  string `json:"notificationId"`
	SourceMessageID string `json:"sourceMessageId"`
	Kind            string `json:"kind"`
}
