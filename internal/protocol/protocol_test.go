package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventMessageNew, SendMessagePayload{
		RecipientID: "u2",
		Content:     "is the holo charizard still available?",
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventMessageNew, env.Type)

	var payload SendMessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "u2", payload.RecipientID)
	assert.Equal(t, "is the holo charizard still available?", payload.Content)
}

func TestEncodeNilPayload(t *testing.T) {
	frame, err := Encode(EventNotificationsReadAll, nil)
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventNotificationsReadAll, env.Type)
	assert.Empty(t, env.Payload)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestIceCandidateOpaquePassthrough(t *testing.T) {
	// The candidate blob must survive encode/decode byte-for-byte; the server
	// never interprets it.
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host","sdpMid":"0"}`)

	frame, err := Encode(EventCallIceCandidate, IceCandidatePayload{
		CallID:    "c1",
		Candidate: candidate,
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)

	var payload IceCandidatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.JSONEq(t, string(candidate), string(payload.Candidate))
}
