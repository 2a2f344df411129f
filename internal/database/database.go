package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"tradewire/internal/migrations"
	"tradewire/internal/models"
	"tradewire/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the sqlite-backed persistence collaborator: messages,
// notification records, notification preferences and the delivery job table.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: enc}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SaveMessage persists a new message. Content is encrypted at rest when
// encryption is enabled.
func (d *Database) SaveMessage(ctx context.Context, msg *models.Message) error {
	content, err := d.encryptor.EncryptIfEnabled(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt message content: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = d.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.RecipientID, content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage returns a message by ID, or nil when it does not exist.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, recipient_id, content,
		       created_at, delivered_at, read_at, deleted
		FROM messages WHERE id = ?
	`
	var msg models.Message
	var deleted int
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.RecipientID, &msg.Content,
		&msg.CreatedAt, &msg.DeliveredAt, &msg.ReadAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	msg.Deleted = deleted != 0

	msg.Content, err = d.encryptor.DecryptIfEnabled(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message content: %w", err)
	}
	return &msg, nil
}

// MarkMessageDelivered stamps the delivery time once; later confirmations for
// the same message are no-ops.
func (d *Database) MarkMessageDelivered(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`
	if _, err := d.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return nil
}

// MarkMessageRead stamps the read time once.
func (d *Database) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`
	if _, err := d.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

// DeleteMessage soft-deletes a message; the row stays for conversation
// continuity but the content is blanked.
func (d *Database) DeleteMessage(ctx context.Context, id string) error {
	query := `UPDATE messages SET deleted = 1, content = '' WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// GetStaleMessageCount counts messages that were sent but never confirmed
// delivered within the threshold. Consumed by the delivery monitor.
func (d *Database) GetStaleMessageCount(ctx context.Context, threshold time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE delivered_at IS NULL AND deleted = 0 AND created_at < ?
	`
	var count int
	err := d.db.QueryRowContext(ctx, query, time.Now().Add(-threshold)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale messages: %w", err)
	}
	return count, nil
}

// SaveNotification persists a notification record for an offline recipient.
func (d *Database) SaveNotification(ctx context.Context, rec *models.NotificationRecord) error {
	query := `
		INSERT INTO notification_records (id, user_id, source_message_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query, rec.ID, rec.UserID, rec.SourceMessageID, rec.Kind, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// GetNotificationsForUser returns a user's notifications, newest first.
func (d *Database) GetNotificationsForUser(ctx context.Context, userID string, limit int) ([]*models.NotificationRecord, error) {
	query := `
		SELECT id, user_id, source_message_id, kind, created_at, read_at
		FROM notification_records
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SourceMessageID, &rec.Kind, &rec.CreatedAt, &rec.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkNotificationRead stamps a single notification as read.
func (d *Database) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE notification_records SET read_at = ? WHERE id = ? AND read_at IS NULL`
	if _, err := d.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead stamps every unread notification for the user.
func (d *Database) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE notification_records SET read_at = ? WHERE user_id = ? AND read_at IS NULL`
	if _, err := d.db.ExecContext(ctx, query, at, userID); err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// GetNotificationPrefs returns the user's per-kind email opt-in flags. Users
// with no stored row get everything off.
func (d *Database) GetNotificationPrefs(ctx context.Context, userID string) (*models.NotificationPrefs, error) {
	query := `SELECT user_id, email_on_message, email_on_offer FROM notification_prefs WHERE user_id = ?`
	var prefs models.NotificationPrefs
	var onMessage, onOffer int
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&prefs.UserID, &onMessage, &onOffer)
	if err == sql.ErrNoRows {
		return &models.NotificationPrefs{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification prefs: %w", err)
	}
	prefs.EmailOnMessage = onMessage != 0
	prefs.EmailOnOffer = onOffer != 0
	return &prefs, nil
}

// SaveNotificationPrefs upserts the user's opt-in flags.
func (d *Database) SaveNotificationPrefs(ctx context.Context, prefs *models.NotificationPrefs) error {
	query := `
		INSERT INTO notification_prefs (user_id, email_on_message, email_on_offer)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email_on_message = excluded.email_on_message,
			email_on_offer = excluded.email_on_offer
	`
	_, err := d.db.ExecContext(ctx, query, prefs.UserID, boolToInt(prefs.EmailOnMessage), boolToInt(prefs.EmailOnOffer))
	if err != nil {
		return fmt.Errorf("failed to save notification prefs: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
