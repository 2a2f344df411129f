package service

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "tradewire/internal/errors"
	"tradewire/internal/models"

	"github.com/redis/go-redis/v9"
)

// SessionStore holds live call sessions. A session exists only while ringing
// or active, and each user can appear in at most one. CreateIfFree is the
// atomic check-and-set that makes two simultaneous initiates against the
// same user impossible.
type SessionStore interface {
	// CreateIfFree stores the session iff neither peer is already in a
	// session. Returns a SIGNALING_CONFLICT error naming the busy user
	// otherwise; the existing session is left untouched.
	CreateIfFree(ctx context.Context, session *models.CallSession) error
	// Get returns a session by call ID, or nil when absent.
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	// GetByUser returns the session a user is part of, or nil.
	GetByUser(ctx context.Context, userID string) (*models.CallSession, error)
	// Update replaces a stored session (ringing -> active transition).
	Update(ctx context.Context, session *models.CallSession) error
	// Delete removes a session and reports whether this call removed it.
	// Exactly one concurrent terminal transition wins.
	Delete(ctx context.Context, callID string) (bool, error)
}

func busyError(userID string) error {
	return apperrors.New(apperrors.ErrCodeSignalingConflict, "BUSY").WithContext("user_id", userID)
}

// MemorySessionStore is a single-process SessionStore guarded by one mutex,
// which collapses check and create into one indivisible step.
type MemorySessionStore struct {
	mu     sync.Mutex
	byCall map[string]*models.CallSession
	byUser map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		byCall: make(map[string]*models.CallSession),
		byUser: make(map[string]string),
	}
}

func (s *MemorySessionStore) CreateIfFree(_ context.Context, session *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.byUser[session.CalleeID]; busy {
		return busyError(session.CalleeID)
	}
	if _, busy := s.byUser[session.CallerID]; busy {
		return busyError(session.CallerID)
	}
	copied := *session
	s.byCall[session.CallID] = &copied
	s.byUser[session.CallerID] = session.CallID
	s.byUser[session.CalleeID] = session.CallID
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, callID string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byCall[callID]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) GetByUser(ctx context.Context, userID string) (*models.CallSession, error) {
	s.mu.Lock()
	callID, ok := s.byUser[userID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, callID)
}

func (s *MemorySessionStore) Update(_ context.Context, session *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCall[session.CallID]; !ok {
		return apperrors.New(apperrors.ErrCodeCallNotFound, "call session no longer exists")
	}
	copied := *session
	s.byCall[session.CallID] = &copied
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, callID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.byCall[callID]
	if !ok {
		return false, nil
	}
	delete(s.byCall, callID)
	delete(s.byUser, session.CallerID)
	delete(s.byUser, session.CalleeID)
	return true, nil
}

// createIfFreeScript sets both per-user keys and the call record in one
// atomic step, failing if either user already has a session.
var createIfFreeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 'busy:callee' end
if redis.call('EXISTS', KEYS[2]) == 1 then return 'busy:caller' end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2])
return 'ok'
`)

var deleteSessionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local session = cjson.decode(raw)
redis.call('DEL', KEYS[1])
redis.call('DEL', ARGV[1] .. session.callerId)
redis.call('DEL', ARGV[1] .. session.calleeId)
return 1
`)

// RedisSessionStore shares call sessions across instances. Keys:
// <prefix><userID> -> callID and <prefix>id:<callID> -> session JSON.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisSessionStore(client *redis.Client, keyPrefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSessionStore) userKey(userID string) string { return s.keyPrefix + userID }
func (s *RedisSessionStore) callKey(callID string) string { return s.keyPrefix + "id:" + callID }

func (s *RedisSessionStore) CreateIfFree(ctx context.Context, session *models.CallSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	result, err := createIfFreeScript.Run(ctx, s.client,
		[]string{s.userKey(session.CalleeID), s.userKey(session.CallerID), s.callKey(session.CallID)},
		session.CallID, string(raw)).Text()
	if err != nil {
		return err
	}
	switch result {
	case "ok":
		return nil
	case "busy:caller":
		return busyError(session.CallerID)
	default:
		return busyError(session.CalleeID)
	}
}

func (s *RedisSessionStore) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	raw, err := s.client.Get(ctx, s.callKey(callID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session models.CallSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *RedisSessionStore) GetByUser(ctx context.Context, userID string) (*models.CallSession, error) {
	callID, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, callID)
}

func (s *RedisSessionStore) Update(ctx context.Context, session *models.CallSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.callKey(session.CallID), string(raw), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.ErrCodeCallNotFound, "call session no longer exists")
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, callID string) (bool, error) {
	deleted, err := deleteSessionScript.Run(ctx, s.client,
		[]string{s.callKey(callID)}, s.keyPrefix).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}
