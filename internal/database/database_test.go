package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradewire/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMessage(id string) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: "dm:u1:u2",
		SenderID:       "u1",
		RecipientID:    "u2",
		Content:        "offer accepted, shipping tomorrow",
		CreatedAt:      time.Now().UTC(),
	}
}

func TestNewRejectsTraversalPath(t *testing.T) {
	_, err := New("../outside.db")
	assert.Error(t, err)
}

func TestSaveAndGetMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	msg := testMessage("m1")
	require.NoError(t, db.SaveMessage(ctx, msg))

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.ConversationID, got.ConversationID)
	assert.Equal(t, msg.Content, got.Content)
	assert.Nil(t, got.DeliveredAt)
	assert.Nil(t, got.ReadAt)
	assert.False(t, got.Deleted)
}

func TestGetMessageMissing(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMessage(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkMessageDeliveredOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveMessage(ctx, testMessage("m1")))

	first := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.MarkMessageDelivered(ctx, "m1", first))

	// A second confirmation must not move the stamp.
	require.NoError(t, db.MarkMessageDelivered(ctx, "m1", first.Add(time.Hour)))

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	assert.WithinDuration(t, first, *got.DeliveredAt, time.Second)
}

func TestMarkMessageRead(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveMessage(ctx, testMessage("m1")))

	require.NoError(t, db.MarkMessageRead(ctx, "m1", time.Now().UTC()))

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, got.ReadAt)
}

func TestDeleteMessageBlanksContent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveMessage(ctx, testMessage("m1")))

	require.NoError(t, db.DeleteMessage(ctx, "m1"))

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)
}

func TestGetStaleMessageCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := testMessage("old")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.SaveMessage(ctx, old))

	fresh := testMessage("fresh")
	require.NoError(t, db.SaveMessage(ctx, fresh))

	delivered := testMessage("delivered")
	delivered.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.SaveMessage(ctx, delivered))
	require.NoError(t, db.MarkMessageDelivered(ctx, "delivered", time.Now().UTC()))

	count, err := db.GetStaleMessageCount(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotificationLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, db.SaveNotification(ctx, &models.NotificationRecord{
			ID:              id,
			UserID:          "u2",
			SourceMessageID: "m1",
			Kind:            models.NotificationKindMessage,
			CreatedAt:       time.Now().UTC(),
		}))
	}

	records, err := db.GetNotificationsForUser(ctx, "u2", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, db.MarkNotificationRead(ctx, "n1", time.Now().UTC()))
	records, err = db.GetNotificationsForUser(ctx, "u2", 10)
	require.NoError(t, err)
	read := 0
	for _, rec := range records {
		if rec.ReadAt != nil {
			read++
		}
	}
	assert.Equal(t, 1, read)

	require.NoError(t, db.MarkAllNotificationsRead(ctx, "u2", time.Now().UTC()))
	records, err = db.GetNotificationsForUser(ctx, "u2", 10)
	require.NoError(t, err)
	for _, rec := range records {
		assert.NotNil(t, rec.ReadAt)
	}
}

func TestNotificationPrefsDefaultOff(t *testing.T) {
	db := newTestDB(t)

	prefs, err := db.GetNotificationPrefs(context.Background(), "no-row")
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.False(t, prefs.EmailOnMessage)
	assert.False(t, prefs.EmailOnOffer)
}

func TestNotificationPrefsUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveNotificationPrefs(ctx, &models.NotificationPrefs{
		UserID:         "u2",
		EmailOnMessage: true,
	}))

	prefs, err := db.GetNotificationPrefs(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, prefs.EmailOnMessage)
	assert.False(t, prefs.EmailOnOffer)

	require.NoError(t, db.SaveNotificationPrefs(ctx, &models.NotificationPrefs{
		UserID:       "u2",
		EmailOnOffer: true,
	}))

	prefs, err = db.GetNotificationPrefs(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, prefs.EmailOnMessage)
	assert.True(t, prefs.EmailOnOffer)
}

func TestEncryptionAtRestRoundTrip(t *testing.T) {
	t.Setenv("TRADEWIRE_ENABLE_ENCRYPTION", "true")
	t.Setenv("TRADEWIRE_ENCRYPTION_SECRET", "this-is-a-test-secret-with-32-chars!")

	db := newTestDB(t)
	ctx := context.Background()

	msg := testMessage("m1")
	require.NoError(t, db.SaveMessage(ctx, msg))

	got, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)

	// The raw row must not contain the plaintext.
	var stored string
	require.NoError(t, db.db.QueryRowContext(ctx, "SELECT content FROM messages WHERE id = ?", "m1").Scan(&stored))
	assert.NotEqual(t, msg.Content, stored)
}

func TestEncryptionRequiresStrongSecret(t *testing.T) {
	t.Setenv("TRADEWIRE_ENABLE_ENCRYPTION", "true")
	t.Setenv("TRADEWIRE_ENCRYPTION_SECRET", "short")

	_, err := New(filepath.Join(t.TempDir(), "test.db"))
	assert.Error(t, err)
}
