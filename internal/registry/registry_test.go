package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradewire/internal/bus"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	connID string
	userID string

	mu     sync.Mutex
	pushed [][]byte
	closed bool
}

func newFakePusher(connID, userID string) *fakePusher {
	return &fakePusher{connID: connID, userID: userID}
}

func (p *fakePusher) ConnID() string { return p.connID }
func (p *fakePusher) UserID() string { return p.userID }

func (p *fakePusher) Push(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, payload)
	return nil
}

func (p *fakePusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePusher) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestRegistry(t *testing.T, instanceID string, presence PresenceStore, fanout bus.Bus) *Registry {
	t.Helper()
	r := New(instanceID, presence, fanout, Options{}, testLogger())
	t.Cleanup(r.Close)
	return r
}

func TestRegisterDeregisterPresence(t *testing.T) {
	reg := newTestRegistry(t, "i1", NewMemoryPresenceStore(), bus.NewMemoryBus())
	ctx := context.Background()

	var transitions []bool
	reg.OnStatusChange(func(userID string, online bool) {
		transitions = append(transitions, online)
	})

	conn := newFakePusher("c1", "u1")
	require.NoError(t, reg.Register(ctx, conn))

	online, err := reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	reg.Deregister(ctx, "c1")

	online, err = reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestMultiDeviceStaysOnline(t *testing.T) {
	reg := newTestRegistry(t, "i1", NewMemoryPresenceStore(), bus.NewMemoryBus())
	ctx := context.Background()

	var transitions []bool
	reg.OnStatusChange(func(userID string, online bool) {
		transitions = append(transitions, online)
	})

	require.NoError(t, reg.Register(ctx, newFakePusher("phone", "u1")))
	require.NoError(t, reg.Register(ctx, newFakePusher("laptop", "u1")))

	// Closing one of two devices must not mark the user offline.
	reg.Deregister(ctx, "phone")
	online, err := reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, []bool{true}, transitions)

	reg.Deregister(ctx, "laptop")
	online, err = reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestDeregisterUnknownConnIsNoop(t *testing.T) {
	reg := newTestRegistry(t, "i1", NewMemoryPresenceStore(), bus.NewMemoryBus())
	reg.Deregister(context.Background(), "never-registered")
}

func TestPushLocalFanout(t *testing.T) {
	reg := newTestRegistry(t, "i1", NewMemoryPresenceStore(), bus.NewMemoryBus())
	ctx := context.Background()

	phone := newFakePusher("phone", "u1")
	laptop := newFakePusher("laptop", "u1")
	other := newFakePusher("other", "u2")
	require.NoError(t, reg.Register(ctx, phone))
	require.NoError(t, reg.Register(ctx, laptop))
	require.NoError(t, reg.Register(ctx, other))

	pushed := reg.PushLocal("u1", []byte("frame"))

	assert.Equal(t, 2, pushed)
	assert.Equal(t, 1, phone.pushCount())
	assert.Equal(t, 1, laptop.pushCount())
	assert.Equal(t, 0, other.pushCount())
}

func TestCrossInstanceDelivery(t *testing.T) {
	// Two registry instances share one presence store and one bus, the
	// single-process equivalent of two gateway instances behind a balancer.
	presence := NewMemoryPresenceStore()
	fanout := bus.NewMemoryBus()
	reg1 := newTestRegistry(t, "i1", presence, fanout)
	reg2 := newTestRegistry(t, "i2", presence, fanout)
	ctx := context.Background()

	connB := newFakePusher("cb", "userB")
	require.NoError(t, reg2.Register(ctx, connB))

	// Instance one sees B online through the shared counters.
	online, err := reg1.IsOnline(ctx, "userB")
	require.NoError(t, err)
	assert.True(t, online)

	// A deliver event published anywhere reaches B's channel on instance two.
	require.NoError(t, fanout.Publish(ctx, &bus.Event{
		Type:    bus.EventDeliver,
		UserID:  "userB",
		Payload: []byte("hello from the other side"),
	}))
	assert.Equal(t, 1, connB.pushCount())
}

func TestRemotePresenceEventReachesStatusHandlers(t *testing.T) {
	presence := NewMemoryPresenceStore()
	fanout := bus.NewMemoryBus()
	reg1 := newTestRegistry(t, "i1", presence, fanout)
	reg2 := newTestRegistry(t, "i2", presence, fanout)
	ctx := context.Background()

	type transition struct {
		userID string
		online bool
	}
	var seen []transition
	reg1.OnStatusChange(func(userID string, online bool) {
		seen = append(seen, transition{userID, online})
	})

	require.NoError(t, reg2.Register(ctx, newFakePusher("cb", "userB")))
	reg2.Deregister(ctx, "cb")

	assert.Equal(t, []transition{{"userB", true}, {"userB", false}}, seen)
}

func TestOwnPresenceEventNotDoubleNotified(t *testing.T) {
	// Local registration notifies synchronously; the bus echo of the same
	// event must be ignored.
	fanout := bus.NewMemoryBus()
	reg := newTestRegistry(t, "i1", NewMemoryPresenceStore(), fanout)

	notified := 0
	reg.OnStatusChange(func(string, bool) { notified++ })

	require.NoError(t, reg.Register(context.Background(), newFakePusher("c1", "u1")))
	assert.Equal(t, 1, notified)
}

func TestSweepReapsStaleConnections(t *testing.T) {
	presence := NewMemoryPresenceStore()
	reg := New("i1", presence, bus.NewMemoryBus(), Options{
		HeartbeatTimeout: 20 * time.Millisecond,
	}, testLogger())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	stale := newFakePusher("stale", "u1")
	fresh := newFakePusher("fresh", "u2")
	require.NoError(t, reg.Register(ctx, stale))
	require.NoError(t, reg.Register(ctx, fresh))

	time.Sleep(30 * time.Millisecond)
	reg.Heartbeat("fresh")
	reg.sweepOnce()

	assert.True(t, stale.closed)
	assert.False(t, fresh.closed)

	online, err := reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	online, err = reg.IsOnline(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	reg := New("i1", NewMemoryPresenceStore(), bus.NewMemoryBus(), Options{
		HeartbeatTimeout: 25 * time.Millisecond,
	}, testLogger())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	conn := newFakePusher("c1", "u1")
	require.NoError(t, reg.Register(ctx, conn))

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		reg.Heartbeat("c1")
		reg.sweepOnce()
	}

	assert.False(t, conn.closed)
	online, err := reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
}

type flakyPresenceStore struct {
	*MemoryPresenceStore
	failNext bool
}

func (s *flakyPresenceStore) Increment(ctx context.Context, userID string) (int64, error) {
	if s.failNext {
		s.failNext = false
		return 0, errors.New("presence store unavailable")
	}
	return s.MemoryPresenceStore.Increment(ctx, userID)
}

func TestRegisterRollsBackOnPresenceFailure(t *testing.T) {
	presence := &flakyPresenceStore{MemoryPresenceStore: NewMemoryPresenceStore(), failNext: true}
	reg := newTestRegistry(t, "i1", presence, bus.NewMemoryBus())
	ctx := context.Background()

	conn := newFakePusher("c1", "u1")
	require.Error(t, reg.Register(ctx, conn))

	// The uncounted channel must not be resolvable or pushable.
	assert.Empty(t, reg.Resolve("u1"))
	assert.Zero(t, reg.PushLocal("u1", []byte(`{}`)))

	// The store recovers and the same channel registers cleanly.
	require.NoError(t, reg.Register(ctx, conn))
	assert.Len(t, reg.Resolve("u1"), 1)

	online, err := reg.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)
}
