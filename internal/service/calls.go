package service

import (
	"context"
	"sync"
	"time"

	apperrors "tradewire/internal/errors"
	"tradewire/internal/metrics"
	"tradewire/internal/models"
	"tradewire/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CallCoordinator owns the call-session state machine
// (IDLE -> RINGING -> ACTIVE -> ENDED) and relays opaque offer/answer/ICE
// payloads between exactly two peers. Media never touches the server; once
// signaling completes the peers talk directly.
type CallCoordinator struct {
	sessions    SessionStore
	push        PushFunc
	ringTimeout time.Duration
	logger      *logrus.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewCallCoordinator(sessions SessionStore, push PushFunc, ringTimeout time.Duration, logger *logrus.Logger) *CallCoordinator {
	return &CallCoordinator{
		sessions:    sessions,
		push:        push,
		ringTimeout: ringTimeout,
		logger:      logger,
		timers:      make(map[string]*time.Timer),
	}
}

// Initiate starts a call. The session-store create is an atomic
// check-and-set: if either peer already has a ringing or active session the
// initiate fails synchronously with BUSY and mutates nothing.
func (c *CallCoordinator) Initiate(ctx context.Context, callerID, calleeID string, callType models.CallType, offer string) (*models.CallSession, error) {
	if callerID == calleeID {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "cannot call yourself")
	}
	if callType != models.CallTypeVoice && callType != models.CallTypeVideo {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "unknown call type")
	}

	session := &models.CallSession{
		CallID:    uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      callType,
		State:     models.CallStateRinging,
		Offer:     offer,
		StartedAt: time.Now(),
	}

	if err := c.sessions.CreateIfFree(ctx, session); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeSignalingConflict) {
			metrics.IncrementCounter("calls_rejected_busy", nil, "Initiates rejected with BUSY")
		}
		return nil, err
	}

	c.scheduleRingTimeout(session.CallID)
	metrics.IncrementCounter("calls_initiated", nil, "Calls initiated")
	metrics.AddToGauge("calls_ringing", 1, nil, "Sessions currently ringing")

	c.logger.WithFields(logrus.Fields{
		"call_id":   session.CallID,
		"caller_id": callerID,
		"callee_id": calleeID,
		"type":      callType,
	}).Info("Call initiated")

	if err := pushEvent(ctx, c.push, calleeID, protocol.EventCallIncoming, protocol.CallIncomingPayload{
		CallID:   session.CallID,
		CallerID: callerID,
		CallType: string(callType),
		Offer:    offer,
	}); err != nil {
		c.logger.WithError(err).WithField("call_id", session.CallID).Warn("Failed to push incoming call")
	}

	return session, nil
}

// Answer moves a ringing session to active and forwards the answer to the
// caller.
func (c *CallCoordinator) Answer(ctx context.Context, userID, callID, answer string) error {
	session, err := c.ringingSessionFor(ctx, callID)
	if err != nil {
		return err
	}
	if session.CalleeID != userID {
		return apperrors.New(apperrors.ErrCodeInvalidCallState, "only the callee can answer")
	}

	c.cancelRingTimeout(callID)

	now := time.Now()
	session.State = models.CallStateActive
	session.Answer = answer
	session.AnsweredAt = &now
	if err := c.sessions.Update(ctx, session); err != nil {
		return err
	}

	metrics.AddToGauge("calls_ringing", -1, nil, "Sessions currently ringing")
	metrics.AddToGauge("calls_active", 1, nil, "Sessions currently active")
	metrics.IncrementCounter("calls_answered", nil, "Calls answered")

	return pushEvent(ctx, c.push, session.CallerID, protocol.EventCallAnswered, protocol.CallAnsweredPayload{
		CallID: callID,
		Answer: answer,
	})
}

// Reject terminates a ringing session; only the caller is notified.
func (c *CallCoordinator) Reject(ctx context.Context, userID, callID string) error {
	session, err := c.ringingSessionFor(ctx, callID)
	if err != nil {
		return err
	}
	if session.CalleeID != userID {
		return apperrors.New(apperrors.ErrCodeInvalidCallState, "only the callee can reject")
	}
	return c.terminate(ctx, session, models.CallEndRejected, []string{session.CallerID})
}

// IceCandidate relays an ICE candidate verbatim to the other peer. The
// payload is opaque: never parsed, never validated.
func (c *CallCoordinator) IceCandidate(ctx context.Context, userID, callID string, candidate []byte) error {
	session, err := c.liveSessionFor(ctx, callID)
	if err != nil {
		return err
	}
	if !session.Involves(userID) {
		return apperrors.New(apperrors.ErrCodeInvalidCallState, "not a participant of this call")
	}
	return pushEvent(ctx, c.push, session.OtherPeer(userID), protocol.EventCallIceCandidate, protocol.IceCandidatePayload{
		CallID:    callID,
		Candidate: candidate,
	})
}

// End hangs up a ringing or active session; both peers are notified.
func (c *CallCoordinator) End(ctx context.Context, userID, callID string) error {
	session, err := c.liveSessionFor(ctx, callID)
	if err != nil {
		return err
	}
	if !session.Involves(userID) {
		return apperrors.New(apperrors.ErrCodeInvalidCallState, "not a participant of this call")
	}
	return c.terminate(ctx, session, models.CallEndHangup, []string{session.CallerID, session.CalleeID})
}

// HandlePeerDisconnect ends any session the user is part of because their
// last connection dropped. The remaining peer gets the termination event.
// Wired to the registry's status-change feed.
func (c *CallCoordinator) HandlePeerDisconnect(userID string) {
	ctx := context.Background()
	session, err := c.sessions.GetByUser(ctx, userID)
	if err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Error("Failed to look up session on disconnect")
		return
	}
	if session == nil {
		return
	}
	if err := c.terminate(ctx, session, models.CallEndPeerDisconnected, []string{session.OtherPeer(userID)}); err != nil {
		c.logger.WithError(err).WithField("call_id", session.CallID).Error("Failed to end session on disconnect")
	}
}

// GetActive returns the session the user currently participates in, or nil.
func (c *CallCoordinator) GetActive(ctx context.Context, userID string) (*models.CallSession, error) {
	return c.sessions.GetByUser(ctx, userID)
}

// terminate performs a terminal transition exactly once: whichever caller
// wins the store delete cancels the ring timer and notifies the peers; the
// losers do nothing.
func (c *CallCoordinator) terminate(ctx context.Context, session *models.CallSession, reason models.CallEndReason, notify []string) error {
	deleted, err := c.sessions.Delete(ctx, session.CallID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	c.cancelRingTimeout(session.CallID)

	switch session.State {
	case models.CallStateRinging:
		metrics.AddToGauge("calls_ringing", -1, nil, "Sessions currently ringing")
	case models.CallStateActive:
		metrics.AddToGauge("calls_active", -1, nil, "Sessions currently active")
	}
	metrics.IncrementCounter("calls_ended", map[string]string{"reason": string(reason)}, "Calls ended")

	now := time.Now()
	session.State = models.CallStateEnded
	session.EndedAt = &now
	session.EndReason = reason

	c.logger.WithFields(logrus.Fields{
		"call_id": session.CallID,
		"reason":  reason,
	}).Info("Call ended")

	payload := protocol.CallEndedPayload{CallID: session.CallID, Reason: string(reason)}
	for _, userID := range notify {
		if err := pushEvent(ctx, c.push, userID, protocol.EventCallEnded, payload); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"call_id": session.CallID,
				"user_id": userID,
			}).Warn("Failed to push call ended")
		}
	}
	return nil
}

func (c *CallCoordinator) scheduleRingTimeout(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[callID] = time.AfterFunc(c.ringTimeout, func() {
		c.onRingTimeout(callID)
	})
}

// cancelRingTimeout must run on every terminal transition so a late timer
// cannot fire against an already-ended (or recycled) session.
func (c *CallCoordinator) cancelRingTimeout(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[callID]; ok {
		timer.Stop()
		delete(c.timers, callID)
	}
}

func (c *CallCoordinator) onRingTimeout(callID string) {
	ctx := context.Background()
	session, err := c.sessions.Get(ctx, callID)
	if err != nil {
		c.logger.WithError(err).WithField("call_id", callID).Error("Failed to load session for ring timeout")
		return
	}
	if session == nil || session.State != models.CallStateRinging {
		return
	}
	metrics.IncrementCounter("calls_timed_out", nil, "Calls that rang out")
	if err := c.terminate(ctx, session, models.CallEndTimeout, []string{session.CallerID, session.CalleeID}); err != nil {
		c.logger.WithError(err).WithField("call_id", callID).Error("Failed to time out session")
	}
}

func (c *CallCoordinator) ringingSessionFor(ctx context.Context, callID string) (*models.CallSession, error) {
	session, err := c.liveSessionFor(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session.State != models.CallStateRinging {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCallState, "call is not ringing")
	}
	return session, nil
}

func (c *CallCoordinator) liveSessionFor(ctx context.Context, callID string) (*models.CallSession, error) {
	session, err := c.sessions.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.New(apperrors.ErrCodeCallNotFound, "no such call")
	}
	return session, nil
}
