// Package registry tracks which users hold live channels on this instance
// and answers presence queries against the shared counters. It is the only
// component allowed to mutate presence.
package registry

import (
	"context"
	"sync"
	"time"

	"tradewire/internal/bus"
	"tradewire/internal/metrics"
	"tradewire/internal/models"

	"github.com/sirupsen/logrus"
)

// Pusher is one live client channel. Push must not block: implementations
// buffer writes and drop or disconnect slow consumers themselves.
type Pusher interface {
	ConnID() string
	UserID() string
	Push(payload []byte) error
	Close() error
}

// StatusHandler observes global online/offline transitions, both local and
// bus-propagated ones.
type StatusHandler func(userID string, online bool)

type entry struct {
	pusher Pusher
	conn   models.Connection
}

// Options tunes the heartbeat sweep. Both values are tunables, not
// guarantees: a silent channel is reaped within roughly
// HeartbeatTimeout + SweepInterval.
type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Registry implements the connection registry contract.
type Registry struct {
	instanceID string
	presence   PresenceStore
	fanout     bus.Bus
	logger     *logrus.Logger
	opts       Options

	mu       sync.RWMutex
	byConn   map[string]*entry
	byUser   map[string]map[string]*entry
	handlers []StatusHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(instanceID string, presence PresenceStore, fanout bus.Bus, opts Options, logger *logrus.Logger) *Registry {
	r := &Registry{
		instanceID: instanceID,
		presence:   presence,
		fanout:     fanout,
		logger:     logger,
		opts:       opts,
		byConn:     make(map[string]*entry),
		byUser:     make(map[string]map[string]*entry),
		stopCh:     make(chan struct{}),
	}

	fanout.Subscribe(r.onBusEvent)

	if opts.SweepInterval > 0 {
		go r.sweeper()
	}
	return r
}

// Register adds a live channel and increments the user's presence counter.
// The first connection anywhere publishes a connected event on the bus.
func (r *Registry) Register(ctx context.Context, p Pusher) error {
	now := time.Now()
	e := &entry{
		pusher: p,
		conn: models.Connection{
			ID:            p.ConnID(),
			UserID:        p.UserID(),
			InstanceID:    r.instanceID,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
	}

	r.mu.Lock()
	r.byConn[p.ConnID()] = e
	conns := r.byUser[p.UserID()]
	if conns == nil {
		conns = make(map[string]*entry)
		r.byUser[p.UserID()] = conns
	}
	conns[p.ConnID()] = e
	localConns := len(r.byConn)
	localUsers := len(r.byUser)
	r.mu.Unlock()

	count, err := r.presence.Increment(ctx, p.UserID())
	if err != nil {
		// Presence was never counted; a channel left in the maps would be
		// resolvable without being online anywhere.
		r.mu.Lock()
		delete(r.byConn, p.ConnID())
		if conns := r.byUser[p.UserID()]; conns != nil {
			delete(conns, p.ConnID())
			if len(conns) == 0 {
				delete(r.byUser, p.UserID())
			}
		}
		r.mu.Unlock()
		return err
	}

	metrics.IncrementCounter("connections_opened", nil, "Total channels opened")
	metrics.SetGauge("connections_active", float64(localConns), nil, "Live channels on this instance")
	metrics.SetGaugeMax("users_online_peak", float64(localUsers), nil, "Peak concurrent users on this instance")

	r.logger.WithFields(logrus.Fields{
		"conn_id": p.ConnID(),
		"user_id": p.UserID(),
		"count":   count,
	}).Debug("Channel registered")

	if count == 1 {
		r.notifyStatus(p.UserID(), true)
		if err := r.fanout.Publish(ctx, &bus.Event{
			Type:       bus.EventPresenceConnected,
			UserID:     p.UserID(),
			InstanceID: r.instanceID,
		}); err != nil {
			r.logger.WithError(err).Warn("Failed to publish connected event")
		}
	}
	return nil
}

// Deregister removes a channel and decrements presence. Publishing the
// disconnected event only at count zero keeps multi-device users online.
func (r *Registry) Deregister(ctx context.Context, connID string) {
	r.mu.Lock()
	e, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	userID := e.conn.UserID
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
	localConns := len(r.byConn)
	r.mu.Unlock()

	count, err := r.presence.Decrement(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Error("Failed to decrement presence")
	}

	metrics.IncrementCounter("connections_closed", nil, "Total channels closed")
	metrics.SetGauge("connections_active", float64(localConns), nil, "Live channels on this instance")

	r.logger.WithFields(logrus.Fields{
		"conn_id": connID,
		"user_id": userID,
		"count":   count,
	}).Debug("Channel deregistered")

	if err == nil && count == 0 {
		r.notifyStatus(userID, false)
		if err := r.fanout.Publish(ctx, &bus.Event{
			Type:       bus.EventPresenceDisconnected,
			UserID:     userID,
			InstanceID: r.instanceID,
		}); err != nil {
			r.logger.WithError(err).Warn("Failed to publish disconnected event")
		}
	}
}

// IsOnline reports whether the user has at least one open connection
// anywhere in the cluster.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := r.presence.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Resolve returns the user's channels on this instance.
func (r *Registry) Resolve(userID string) []Pusher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Pusher, 0, len(conns))
	for _, e := range conns {
		out = append(out, e.pusher)
	}
	return out
}

// OnStatusChange registers a handler for global online/offline transitions.
func (r *Registry) OnStatusChange(handler StatusHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Heartbeat records liveness for a channel. Called by the gateway on every
// pong.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byConn[connID]; ok {
		e.conn.LastHeartbeat = time.Now()
	}
}

// PushLocal delivers a payload to every channel the user has on this
// instance and returns how many pushes were attempted. Delivery to a single
// channel is FIFO; there is no ordering guarantee across channels.
func (r *Registry) PushLocal(userID string, payload []byte) int {
	pushed := 0
	for _, p := range r.Resolve(userID) {
		if err := p.Push(payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"conn_id": p.ConnID(),
				"user_id": userID,
			}).Warn("Failed to push to channel")
			continue
		}
		pushed++
	}
	return pushed
}

// InstanceID returns this instance's identifier.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Close stops the sweeper and closes every local channel.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byConn))
	for _, e := range r.byConn {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.pusher.Close()
		r.Deregister(context.Background(), e.conn.ID)
	}
}

func (r *Registry) notifyStatus(userID string, online bool) {
	r.mu.RLock()
	handlers := make([]StatusHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(userID, online)
	}
}

// onBusEvent merges remote presence transitions into the local status
// handlers and delivers targeted payloads to local channels.
func (r *Registry) onBusEvent(event *bus.Event) {
	switch event.Type {
	case bus.EventPresenceConnected, bus.EventPresenceDisconnected:
		// Local transitions already notified synchronously.
		if event.InstanceID == r.instanceID {
			return
		}
		r.notifyStatus(event.UserID, event.Type == bus.EventPresenceConnected)
	case bus.EventDeliver:
		if n := r.PushLocal(event.UserID, event.Payload); n > 0 {
			metrics.AddToCounter("fanout_deliveries", float64(n), nil, "Payloads delivered via fanout")
		}
	}
}

// sweeper force-deregisters channels that stopped responding to heartbeats,
// so abrupt network loss cannot leave a user stuck online.
func (r *Registry) sweeper() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := time.Now().Add(-r.opts.HeartbeatTimeout)

	r.mu.RLock()
	var stale []*entry
	for _, e := range r.byConn {
		if e.conn.LastHeartbeat.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range stale {
		r.logger.WithFields(logrus.Fields{
			"conn_id":        e.conn.ID,
			"user_id":        e.conn.UserID,
			"last_heartbeat": e.conn.LastHeartbeat,
		}).Warn("Sweeping unresponsive channel")
		metrics.IncrementCounter("connections_swept", nil, "Channels force-closed by the heartbeat sweep")
		_ = e.pusher.Close()
		r.Deregister(context.Background(), e.conn.ID)
	}
}
