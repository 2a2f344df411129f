package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradewire/internal/bus"
	apperrors "tradewire/internal/errors"
	"tradewire/internal/models"
	"tradewire/internal/protocol"
	"tradewire/internal/registry"
	"tradewire/pkg/auth"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gwTestSecret = "gateway-test-secret"
	gwTestIssuer = "tradewire-test"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type stubOrchestrator struct {
	sendErr error
}

func (o *stubOrchestrator) SendMessage(_ context.Context, senderID, recipientID, content string) (*models.Message, error) {
	if o.sendErr != nil {
		return nil, o.sendErr
	}
	return &models.Message{
		ID:          "m1",
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now(),
	}, nil
}

func (o *stubOrchestrator) MarkRead(context.Context, string, string) error      { return nil }
func (o *stubOrchestrator) DeleteMessage(context.Context, string, string) error { return nil }
func (o *stubOrchestrator) Typing(context.Context, string, string, bool)        {}
func (o *stubOrchestrator) MarkNotificationRead(context.Context, string) error  { return nil }
func (o *stubOrchestrator) MarkAllNotificationsRead(context.Context, string) error {
	return nil
}

type stubCoordinator struct{}

func (c *stubCoordinator) Initiate(_ context.Context, callerID, calleeID string, callType models.CallType, offer string) (*models.CallSession, error) {
	return &models.CallSession{CallID: "c1", CallerID: callerID, CalleeID: calleeID, Type: callType, State: models.CallStateRinging, Offer: offer}, nil
}
func (c *stubCoordinator) Answer(context.Context, string, string, string) error { return nil }
func (c *stubCoordinator) Reject(context.Context, string, string) error         { return nil }
func (c *stubCoordinator) End(context.Context, string, string) error            { return nil }
func (c *stubCoordinator) IceCandidate(context.Context, string, string, []byte) error {
	return nil
}
func (c *stubCoordinator) GetActive(context.Context, string) (*models.CallSession, error) {
	return nil, nil
}

type gatewayFixture struct {
	server       *httptest.Server
	registry     *registry.Registry
	orchestrator *stubOrchestrator
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	logger := testLogger()
	reg := registry.New("test", registry.NewMemoryPresenceStore(), bus.NewMemoryBus(), registry.Options{}, logger)
	t.Cleanup(func() { reg.Close() })

	verifier, err := auth.NewVerifier(gwTestSecret, gwTestIssuer)
	require.NoError(t, err)

	orchestrator := &stubOrchestrator{}
	gw := New(reg, orchestrator, &stubCoordinator{}, verifier, logger)

	server := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(server.Close)

	return &gatewayFixture{server: server, registry: reg, orchestrator: orchestrator}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(gwTestSecret, gwTestIssuer, userID, time.Hour)
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType protocol.EventType, payload interface{}) {
	t.Helper()
	frame, err := protocol.Encode(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestHandleWSRejectsMissingToken(t *testing.T) {
	f := newGatewayFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWSRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectMarksUserOnline(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "alice")

	require.Eventually(t, func() bool {
		online, err := f.registry.IsOnline(context.Background(), "alice")
		return err == nil && online
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		online, err := f.registry.IsOnline(context.Background(), "alice")
		return err == nil && !online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendMessageAcked(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice")

	sendEvent(t, conn, protocol.EventMessageNew, protocol.SendMessagePayload{
		RecipientID: "bob",
		Content:     "is the holo still for sale?",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventAck, env.Type)

	var ack protocol.AckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(t, protocol.EventMessageNew, ack.Of)
	assert.Equal(t, "m1", ack.ID)
	assert.True(t, ack.OK)
}

func TestSendMessageErrorReturnsTypedError(t *testing.T) {
	f := newGatewayFixture(t)
	f.orchestrator.sendErr = apperrors.New(apperrors.ErrCodeInvalidInput, "message content is empty")

	conn := f.dial(t, "alice")
	sendEvent(t, conn, protocol.EventMessageNew, protocol.SendMessagePayload{RecipientID: "bob"})

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Type)

	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, protocol.EventMessageNew, errPayload.Of)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), errPayload.Code)
}

func TestMalformedFrameReturnsError(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Type)
}

func TestUnknownEventTypeReturnsError(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice")

	sendEvent(t, conn, protocol.EventType("market:crash"), nil)

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Type)

	var errPayload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), errPayload.Code)
}

func TestCallInitiateAcked(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice")

	sendEvent(t, conn, protocol.EventCallInitiate, protocol.CallInitiatePayload{
		CalleeID: "bob",
		CallType: string(models.CallTypeVideo),
		Offer:    "sdp-offer",
	})

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventAck, env.Type)

	var ack protocol.AckPayload
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(t, protocol.EventCallInitiate, ack.Of)
	assert.Equal(t, "c1", ack.ID)
}

func TestPresenceQuery(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	require.Eventually(t, func() bool {
		online, err := f.registry.IsOnline(context.Background(), "alice")
		return err == nil && online
	}, 2*time.Second, 10*time.Millisecond)

	sendEvent(t, alice, protocol.EventPresenceQuery, protocol.PresenceQueryPayload{UserID: "bob"})

	env := readEnvelope(t, alice)
	require.Equal(t, protocol.EventPresenceState, env.Type)

	var state protocol.PresenceStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	assert.Equal(t, "bob", state.UserID)
	assert.False(t, state.Online)
}

func TestPresenceSubscribeGetsTransitions(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	sendEvent(t, alice, protocol.EventPresenceSubscribe, protocol.PresenceQueryPayload{UserID: "bob"})

	// Immediate snapshot: bob is offline.
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.EventPresenceState, env.Type)
	var state protocol.PresenceStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	assert.False(t, state.Online)

	// Bob connects; the subscriber sees the transition.
	f.dial(t, "bob")

	env = readEnvelope(t, alice)
	require.Equal(t, protocol.EventPresenceState, env.Type)
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	assert.Equal(t, "bob", state.UserID)
	assert.True(t, state.Online)
}

func TestDeliveredFramesReachClient(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "bob")

	require.Eventually(t, func() bool {
		online, err := f.registry.IsOnline(context.Background(), "bob")
		return err == nil && online
	}, 2*time.Second, 10*time.Millisecond)

	frame, err := protocol.Encode(protocol.EventNotificationNew, &models.NotificationRecord{ID: "n1", UserID: "bob"})
	require.NoError(t, err)
	require.Equal(t, 1, f.registry.PushLocal("bob", frame))

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventNotificationNew, env.Type)
}
