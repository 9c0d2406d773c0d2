package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"agentbridge/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownFrames(t *testing.T) {
	cases := []struct {
		raw  string
		want protocol.Frame
	}{
		{
			raw: `{"type":"register","agent_id":"6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01","token":"tok","bridge_version":"0.1.0","agent_type":"claude","capabilities":["streaming"]}`,
			want: protocol.Register{
				Type:          protocol.TypeRegister,
				AgentID:       "6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01",
				Token:         "tok",
				BridgeVersion: "0.1.0",
				AgentType:     "claude",
				Capabilities:  []string{"streaming"},
			},
		},
		{
			raw:  `{"type":"chunk","session_id":"s1","request_id":"r1","delta":"Hel"}`,
			want: protocol.Chunk{Type: protocol.TypeChunk, SessionID: "s1", RequestID: "r1", Delta: "Hel"},
		},
		{
			raw:  `{"type":"error","session_id":"s1","request_id":"r1","code":"adapter_crash","message":"boom"}`,
			want: protocol.Error{Type: protocol.TypeError, SessionID: "s1", RequestID: "r1", Code: protocol.CodeAdapterCrash, Message: "boom"},
		},
		{
			raw:  `{"type":"heartbeat","active_sessions":2,"uptime_ms":1500}`,
			want: protocol.Heartbeat{Type: protocol.TypeHeartbeat, ActiveSessions: 2, UptimeMs: 1500},
		},
		{
			raw:  `{"type":"cancel","session_id":"s1","request_id":"r1"}`,
			want: protocol.Cancel{Type: protocol.TypeCancel, SessionID: "s1", RequestID: "r1"},
		},
	}
	for _, tc := range cases {
		got, err := protocol.Decode([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := protocol.Decode([]byte(`{"type":"telemetry","x":1}`))
	require.NoError(t, err)
	u, ok := f.(protocol.Unknown)
	require.True(t, ok)
	assert.Equal(t, "telemetry", u.FrameType())
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":""}`, `{"type":"chunk","delta":5}`} {
		_, err := protocol.Decode([]byte(raw))
		assert.True(t, errors.Is(err, protocol.ErrInvalidFrame), raw)
	}
}

func TestEncode_SetsTypeTag(t *testing.T) {
	data, err := protocol.Encode(protocol.Message{SessionID: "s1", RequestID: "r1", Content: "hello"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "message", m["type"])
	assert.Equal(t, []any{}, m["attachments"])

	data, err = protocol.Encode(protocol.Registered{Status: protocol.StatusOK})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"registered","status":"ok"}`, string(data))

	_, err = protocol.Encode(nil)
	assert.Error(t, err)
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "r1", protocol.RequestID(protocol.Done{RequestID: "r1"}))
	assert.Equal(t, "", protocol.RequestID(protocol.Heartbeat{}))
}

func TestRegisterValidate(t *testing.T) {
	ok := protocol.Register{AgentID: "6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01", Token: "t"}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.AgentID = "agent-1"
	assert.ErrorIs(t, bad.Validate(), protocol.ErrInvalidIdentity)

	bad = ok
	bad.Token = " "
	assert.ErrorIs(t, bad.Validate(), protocol.ErrInvalidFrame)
}

func TestCanonicalIdentity(t *testing.T) {
	const want = "6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01"
	for _, in := range []string{
		want,
		"6F1C2B1E-9A55-4C43-9C55-0E4D1D8F9A01",
		"{6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01}",
		"urn:uuid:6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01",
		"6f1c2b1e9a554c439c550e4d1d8f9a01",
		" " + want + " ",
	} {
		got, err := protocol.CanonicalIdentity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := protocol.CanonicalIdentity("")
	assert.ErrorIs(t, err, protocol.ErrInvalidIdentity)
	_, err = protocol.CanonicalIdentity("agent-1")
	assert.ErrorIs(t, err, protocol.ErrInvalidIdentity)
}

func TestCodeKnown(t *testing.T) {
	assert.True(t, protocol.CodeTimeout.Known())
	assert.False(t, protocol.Code("bogus").Known())
}
