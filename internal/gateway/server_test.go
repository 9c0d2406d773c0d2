package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentbridge/internal/auth"
	"agentbridge/internal/gateway"
	"agentbridge/internal/protocol"
	"agentbridge/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const (
	agentID        = "6f1c2b1e-9a55-4c43-9c55-0e4d1d8f9a01"
	agentToken     = "long-lived"
	platformSecret = "platform-secret"
)

type harness struct {
	srv   *gateway.Server
	ts    *httptest.Server
	store *registry.MemoryStore
}

func newHarness(t *testing.T, opts gateway.Options) *harness {
	t.Helper()
	if opts.PlatformSecret == "" {
		opts.PlatformSecret = platformSecret
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "gw-test"
	}
	store := registry.NewMemoryStore()
	validator := auth.NewStaticValidator(map[string]string{agentID: agentToken})
	srv := gateway.New(opts, store, validator, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, store: store}
}

func (h *harness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, h.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// connectAgent dials and completes the register handshake.
func (h *harness) connectAgent(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := h.dial(t, "")
	writeFrame(t, ws, protocol.Register{
		AgentID:       agentID,
		Token:         agentToken,
		BridgeVersion: protocol.Version,
		AgentType:     "claude",
		Capabilities:  []string{"chat"},
	})
	reply := readFrame(t, ws)
	require.Equal(t, protocol.Registered{Type: protocol.TypeRegistered, Status: protocol.StatusOK}, reply)
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func readCloseStatus(t *testing.T, ws *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := ws.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func (h *harness) post(t *testing.T, path, secret string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Platform-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Platform-Secret", platformSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func relayBody(requestID string) map[string]any {
	return map[string]any{
		"agent_id":   agentID,
		"session_id": "s1",
		"request_id": requestID,
		"content":    "hello",
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	resp, err := http.Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok", "connected_agents": float64(0)}, decodeBody(t, resp))

	h.connectAgent(t)
	assert.Equal(t, 1, h.srv.Connections().Len())
}

func TestRegister_RejectsNonRegisterFirstFrame(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.dial(t, "")

	writeFrame(t, ws, protocol.Heartbeat{ActiveSessions: 1})
	reply, ok := readFrame(t, ws).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, websocket.StatusPolicyViolation, readCloseStatus(t, ws))
	assert.Equal(t, 0, h.srv.Connections().Len())
}

func TestRegister_RejectsBadCredentials(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.dial(t, "")

	writeFrame(t, ws, protocol.Register{AgentID: agentID, Token: "wrong", AgentType: "claude"})
	reply, ok := readFrame(t, ws).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, websocket.StatusPolicyViolation, readCloseStatus(t, ws))

	_, found, err := h.store.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegister_RejectsNonUUIDIdentity(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.dial(t, "")

	writeFrame(t, ws, protocol.Register{AgentID: "not-a-uuid", Token: agentToken})
	reply, ok := readFrame(t, ws).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, websocket.StatusPolicyViolation, readCloseStatus(t, ws))
}

func TestRegister_RejectsQueryMismatch(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.dial(t, "agent_id=7a1c2b1e-9a55-4c43-9c55-0e4d1d8f9a02")

	writeFrame(t, ws, protocol.Register{AgentID: agentID, Token: agentToken})
	reply, ok := readFrame(t, ws).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, websocket.StatusPolicyViolation, readCloseStatus(t, ws))
}

func TestRegister_IdentitySpellingsShareOneKey(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.dial(t, "agent_id=urn:uuid:"+agentID)

	writeFrame(t, ws, protocol.Register{
		AgentID:   "{" + strings.ToUpper(agentID) + "}",
		Token:     agentToken,
		AgentType: "claude",
	})
	require.Equal(t, protocol.Registered{Type: protocol.TypeRegistered, Status: protocol.StatusOK}, readFrame(t, ws))

	_, found, err := h.store.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.True(t, found)
	_, ok := h.srv.Connections().Get(agentID)
	assert.True(t, ok)

	resp := h.get(t, "/api/agents/"+strings.ToUpper(agentID)+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["online"])

	relayed := make(chan int, 1)
	go func() {
		b, _ := json.Marshal(map[string]any{
			"agent_id":   strings.ToUpper(agentID),
			"session_id": "s1",
			"request_id": "r1",
			"content":    "hello",
		})
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/api/relay", bytes.NewReader(b))
		req.Header.Set("X-Platform-Secret", platformSecret)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			relayed <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		relayed <- resp.StatusCode
	}()
	msg, ok := readFrame(t, ws).(protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "r1", msg.RequestID)
	writeFrame(t, ws, protocol.Done{SessionID: msg.SessionID, RequestID: msg.RequestID})
	assert.Equal(t, http.StatusOK, <-relayed)
}

func TestRegister_Timeout(t *testing.T) {
	h := newHarness(t, gateway.Options{RegisterTimeout: 50 * time.Millisecond})
	ws := h.dial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.srv.Connections().Len())
}

func TestRegister_WritesRegistryRecord(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	h.connectAgent(t)

	rec, found, err := h.store.Get(context.Background(), agentID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "claude", rec.AgentType)
	assert.Equal(t, []string{"chat"}, rec.Capabilities)
	assert.Equal(t, "gw-test", rec.GatewayID)
	assert.Equal(t, 0, rec.ActiveSessions)
}

func TestReplacement_NewConnectionWins(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	first := h.connectAgent(t)
	second := h.connectAgent(t)

	assert.Equal(t, websocket.StatusNormalClosure, readCloseStatus(t, first))

	cur, ok := h.srv.Connections().Get(agentID)
	require.True(t, ok)
	assert.Equal(t, 1, h.srv.Connections().Len())

	// The replaced connection's teardown must not evict its successor.
	require.Never(t, func() bool {
		_, found, _ := h.store.Get(context.Background(), agentID)
		_, live := h.srv.Connections().Get(agentID)
		return !found || !live
	}, 200*time.Millisecond, 20*time.Millisecond)

	rec, found, err := h.store.Get(context.Background(), agentID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cur.ID(), rec.ConnID)

	// The surviving connection still works.
	writeFrame(t, second, protocol.Heartbeat{ActiveSessions: 2})
	require.Eventually(t, func() bool {
		rec, _, _ := h.store.Get(context.Background(), agentID)
		return rec.ActiveSessions == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnect_RemovesRegistration(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.connectAgent(t)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		_, found, _ := h.store.Get(context.Background(), agentID)
		return !found && h.srv.Connections().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat_RecreatesExpiredRecord(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.connectAgent(t)

	require.NoError(t, h.store.Delete(context.Background(), agentID))
	writeFrame(t, ws, protocol.Heartbeat{ActiveSessions: 3, UptimeMs: 1000})

	require.Eventually(t, func() bool {
		rec, found, _ := h.store.Get(context.Background(), agentID)
		return found && rec.ActiveSessions == 3 && rec.AgentType == "claude"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.connectAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, websocket.StatusPolicyViolation, readCloseStatus(t, ws))
}

func TestAgentStatus(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	resp := h.get(t, "/api/agents/"+agentID+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"online": false}, decodeBody(t, resp))

	h.connectAgent(t)
	resp = h.get(t, "/api/agents/"+agentID+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, "claude", body["agent_type"])
	assert.Equal(t, []any{"chat"}, body["capabilities"])
	assert.Equal(t, float64(0), body["active_sessions"])
	assert.NotEmpty(t, body["connected_at"])
}

func TestRelay_RequiresPlatformSecret(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	resp := h.post(t, "/api/relay", "", relayBody("r1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_failed", decodeBody(t, resp)["error"])
}

func TestRelay_InvalidBody(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	resp := h.post(t, "/api/relay", platformSecret, map[string]any{"agent_id": agentID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_message", decodeBody(t, resp)["error"])
}

func TestRelay_Offline(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	resp := h.post(t, "/api/relay", platformSecret, relayBody("r1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "agent_offline", decodeBody(t, resp)["error"])
	assert.Equal(t, 0, h.srv.Correlator().Pending())
}

func TestRelay_AgentOnOtherInstance(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	require.NoError(t, h.store.Set(context.Background(), agentID, registry.Record{
		AgentID:   agentID,
		GatewayID: "gw-other",
	}, time.Minute))

	resp := h.post(t, "/api/relay", platformSecret, relayBody("r1"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "agent_busy", decodeBody(t, resp)["error"])
}

func TestRelay_EndToEnd(t *testing.T) {
	h := newHarness(t, gateway.Options{})
	ws := h.connectAgent(t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			return
		}
		msg, ok := f.(protocol.Message)
		if !ok {
			return
		}
		for _, out := range []protocol.Frame{
			protocol.Chunk{SessionID: msg.SessionID, RequestID: msg.RequestID, Delta: "Hel"},
			protocol.Chunk{SessionID: msg.SessionID, RequestID: msg.RequestID, Delta: "lo!"},
			protocol.Done{SessionID: msg.SessionID, RequestID: msg.RequestID},
		} {
			b, _ := protocol.Encode(out)
			_ = ws.Write(ctx, websocket.MessageText, b)
		}
	}()

	resp := h.post(t, "/api/relay", platformSecret, relayBody("r1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		"data: {\"type\":\"chunk\",\"delta\":\"Hel\"}\n\n"+
			"data: {\"type\":\"chunk\",\"delta\":\"lo!\"}\n\n"+
			"data: {\"type\":\"done\"}\n\n",
		string(body))
	assert.Equal(t, 0, h.srv.Correlator().Pending())
}

func TestRelay_DeadlineEmitsTimeout(t *testing.T) {
	h := newHarness(t, gateway.Options{RelayDeadline: 100 * time.Millisecond})
	h.connectAgent(t)

	resp := h.post(t, "/api/relay", platformSecret, relayBody("r1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "data: {\"type\":\"error\",\"code\":\"timeout\""), string(body))
	assert.Equal(t, 1, strings.Count(string(body), "data: "))
	assert.Equal(t, 0, h.srv.Correlator().Pending())
}

func TestPreflight(t *testing.T) {
	h := newHarness(t, gateway.Options{})

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/relay", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Platform-Secret")
}
