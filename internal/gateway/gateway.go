// Package gateway terminates client websocket channels: bearer-token auth at
// upgrade time, the read/write pumps, and dispatch of the typed event
// taxonomy into the orchestrator, call coordinator and registry.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	apperrors "tradewire/internal/errors"
	"tradewire/internal/models"
	"tradewire/internal/protocol"
	"tradewire/internal/registry"
	"tradewire/pkg/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Orchestrator is the message-path surface the gateway dispatches into.
type Orchestrator interface {
	SendMessage(ctx context.Context, senderID, recipientID, content string) (*models.Message, error)
	MarkRead(ctx context.Context, userID, messageID string) error
	DeleteMessage(ctx context.Context, userID, messageID string) error
	Typing(ctx context.Context, senderID, recipientID string, active bool)
	MarkNotificationRead(ctx context.Context, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
}

// CallCoordinator is the signaling surface the gateway dispatches into.
type CallCoordinator interface {
	Initiate(ctx context.Context, callerID, calleeID string, callType models.CallType, offer string) (*models.CallSession, error)
	Answer(ctx context.Context, userID, callID, answer string) error
	Reject(ctx context.Context, userID, callID string) error
	End(ctx context.Context, userID, callID string) error
	IceCandidate(ctx context.Context, userID, callID string, candidate []byte) error
	GetActive(ctx context.Context, userID string) (*models.CallSession, error)
}

// Gateway upgrades and serves client channels.
type Gateway struct {
	registry     *registry.Registry
	orchestrator Orchestrator
	calls        CallCoordinator
	verifier     *auth.Verifier
	logger       *logrus.Logger
	upgrader     websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[string]*Client // watched userID -> connID -> client
}

func New(reg *registry.Registry, orchestrator Orchestrator, calls CallCoordinator, verifier *auth.Verifier, logger *logrus.Logger) *Gateway {
	gw := &Gateway{
		registry:     reg,
		orchestrator: orchestrator,
		calls:        calls,
		verifier:     verifier,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens at the edge proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[string]*Client),
	}
	reg.OnStatusChange(gw.onStatusChange)
	return gw
}

// HandleWS authenticates and upgrades one channel. Authentication failures
// refuse the connection before any resources are allocated.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearer(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := g.verifier.Validate(token)
	if err != nil {
		g.logger.WithError(err).Debug("Channel auth failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	client := newClient(g, conn, uuid.NewString(), claims.UserID)
	if err := g.registry.Register(r.Context(), client); err != nil {
		g.logger.WithError(err).Error("Failed to register channel")
		client.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) disconnect(c *Client) {
	g.mu.Lock()
	for watched, conns := range g.subs {
		delete(conns, c.connID)
		if len(conns) == 0 {
			delete(g.subs, watched)
		}
	}
	g.mu.Unlock()

	g.registry.Deregister(context.Background(), c.connID)
}

// dispatch routes one inbound frame. Handler errors go back to the client as
// typed error events; nothing here can take the process down.
func (g *Gateway) dispatch(c *Client, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		g.replyError(c, "", apperrors.New(apperrors.ErrCodeInvalidInput, "malformed event"))
		return
	}

	ctx := context.Background()
	switch env.Type {
	case protocol.EventMessageNew:
		var p protocol.SendMessagePayload
		if !g.bind(c, env, &p) {
			return
		}
		msg, err := g.orchestrator.SendMessage(ctx, c.userID, p.RecipientID, p.Content)
		if err != nil {
			g.replyError(c, env.Type, err)
			return
		}
		g.replyAck(c, env.Type, msg.ID, msg)

	case protocol.EventMessageRead:
		var p protocol.MessageRefPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.orchestrator.MarkRead(ctx, c.userID, p.MessageID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventMessageDeleted:
		var p protocol.MessageRefPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.orchestrator.DeleteMessage(ctx, c.userID, p.MessageID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var p protocol.TypingPayload
		if !g.bind(c, env, &p) {
			return
		}
		g.orchestrator.Typing(ctx, c.userID, p.RecipientID, env.Type == protocol.EventTypingStart)

	case protocol.EventNotificationRead:
		var p protocol.NotificationRefPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.orchestrator.MarkNotificationRead(ctx, p.NotificationID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventNotificationsReadAll:
		if err := g.orchestrator.MarkAllNotificationsRead(ctx, c.userID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventCallInitiate:
		var p protocol.CallInitiatePayload
		if !g.bind(c, env, &p) {
			return
		}
		session, err := g.calls.Initiate(ctx, c.userID, p.CalleeID, models.CallType(p.CallType), p.Offer)
		if err != nil {
			g.replyError(c, env.Type, err)
			return
		}
		g.replyAck(c, env.Type, session.CallID, session)

	case protocol.EventCallAnswer:
		var p protocol.CallAnswerPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.calls.Answer(ctx, c.userID, p.CallID, p.Answer); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventCallReject:
		var p protocol.CallRefPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.calls.Reject(ctx, c.userID, p.CallID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventCallEnd:
		var p protocol.CallRefPayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.calls.End(ctx, c.userID, p.CallID); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventCallIceCandidate:
		var p protocol.IceCandidatePayload
		if !g.bind(c, env, &p) {
			return
		}
		if err := g.calls.IceCandidate(ctx, c.userID, p.CallID, p.Candidate); err != nil {
			g.replyError(c, env.Type, err)
		}

	case protocol.EventCallGetActive:
		session, err := g.calls.GetActive(ctx, c.userID)
		if err != nil {
			g.replyError(c, env.Type, err)
			return
		}
		g.reply(c, protocol.EventCallActive, session)

	case protocol.EventPresenceQuery:
		var p protocol.PresenceQueryPayload
		if !g.bind(c, env, &p) {
			return
		}
		online, err := g.registry.IsOnline(ctx, p.UserID)
		if err != nil {
			g.replyError(c, env.Type, err)
			return
		}
		g.reply(c, protocol.EventPresenceState, protocol.PresenceStatePayload{UserID: p.UserID, Online: online})

	case protocol.EventPresenceSubscribe:
		var p protocol.PresenceQueryPayload
		if !g.bind(c, env, &p) {
			return
		}
		g.subscribe(c, p.UserID)

	default:
		g.replyError(c, env.Type, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown event type"))
	}
}

// subscribe registers interest in a user's presence transitions and replies
// with the current state immediately.
func (g *Gateway) subscribe(c *Client, watchedUserID string) {
	g.mu.Lock()
	conns := g.subs[watchedUserID]
	if conns == nil {
		conns = make(map[string]*Client)
		g.subs[watchedUserID] = conns
	}
	conns[c.connID] = c
	g.mu.Unlock()

	online, err := g.registry.IsOnline(context.Background(), watchedUserID)
	if err != nil {
		g.replyError(c, protocol.EventPresenceSubscribe, err)
		return
	}
	g.reply(c, protocol.EventPresenceState, protocol.PresenceStatePayload{UserID: watchedUserID, Online: online})
}

// onStatusChange fans presence transitions out to subscribed channels.
func (g *Gateway) onStatusChange(userID string, online bool) {
	g.mu.RLock()
	conns := make([]*Client, 0, len(g.subs[userID]))
	for _, c := range g.subs[userID] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	if len(conns) == 0 {
		return
	}
	frame, err := protocol.Encode(protocol.EventPresenceState, protocol.PresenceStatePayload{UserID: userID, Online: online})
	if err != nil {
		return
	}
	for _, c := range conns {
		if err := c.Push(frame); err != nil {
			g.logger.WithError(err).WithField("conn_id", c.connID).Debug("Dropped presence update")
		}
	}
}

func (g *Gateway) bind(c *Client, env *protocol.Envelope, out interface{}) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		g.replyError(c, env.Type, apperrors.New(apperrors.ErrCodeInvalidInput, "malformed payload"))
		return false
	}
	return true
}

func (g *Gateway) reply(c *Client, eventType protocol.EventType, payload interface{}) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode reply")
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.WithError(err).Debug("Failed to push reply")
	}
}

func (g *Gateway) replyAck(c *Client, of protocol.EventType, id string, data interface{}) {
	g.reply(c, protocol.EventAck, protocol.AckPayload{Of: of, ID: id, OK: true, Data: data})
}

func (g *Gateway) replyError(c *Client, of protocol.EventType, err error) {
	g.reply(c, protocol.EventError, protocol.ErrorPayload{
		Of:      of,
		Code:    string(apperrors.GetCode(err)),
		Message: err.Error(),
	})
}
