package bridgeclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbridge/internal/adapter"
	"agentbridge/internal/auth"
	"agentbridge/internal/bridgeclient"
	"agentbridge/internal/gateway"
	"agentbridge/internal/protocol"
	"agentbridge/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	agentID        = "0d6f7a52-31c4-4d0b-8f3e-2f4a8f9e6b11"
	agentToken     = "agent-token"
	platformSecret = "platform-secret"
)

// scriptedHandle answers each turn with reply; a nil reply leaves the turn
// running until it is interrupted. Send for "slow" does not return until
// hold is closed.
type scriptedHandle struct {
	events chan adapter.Event
	done   chan struct{}
	once   sync.Once

	reply      func(text string) []adapter.Event
	interrupts *atomic.Int32
	hold       chan struct{}
}

func (h *scriptedHandle) Send(_ context.Context, requestID, text string, _ []protocol.Attachment) error {
	if text == "slow" {
		select {
		case <-h.hold:
		case <-h.done:
			return adapter.ErrTerminated
		}
	}
	evs := h.reply(text)
	go func() {
		for _, ev := range evs {
			ev.RequestID = requestID
			select {
			case h.events <- ev:
			case <-h.done:
				return
			}
		}
	}()
	return nil
}

func (h *scriptedHandle) Events() <-chan adapter.Event { return h.events }
func (h *scriptedHandle) Done() <-chan struct{}        { return h.done }
func (h *scriptedHandle) Terminate()                   { h.once.Do(func() { close(h.done) }) }
func (h *scriptedHandle) Interrupt()                   { h.interrupts.Add(1) }

func echoReply(text string) []adapter.Event {
	if text == "hang" {
		return nil
	}
	return []adapter.Event{
		{Kind: adapter.EventChunk, Delta: "echo: "},
		{Kind: adapter.EventChunk, Delta: text},
		{Kind: adapter.EventDone},
	}
}

type env struct {
	gw         *gateway.Server
	ts         *httptest.Server
	pool       *session.Pool
	client     *bridgeclient.Client
	interrupts atomic.Int32
	hold       chan struct{}
}

func newEnv(t *testing.T, token string) *env {
	t.Helper()
	e := &env{hold: make(chan struct{})}
	e.gw = gateway.New(gateway.Options{
		PlatformSecret: platformSecret,
		InstanceID:     "gw-test",
		RelayDeadline:  time.Second,
	}, nil, auth.NewStaticValidator(map[string]string{agentID: agentToken}), nil)
	e.ts = httptest.NewServer(e.gw.Handler())
	t.Cleanup(e.ts.Close)

	e.pool = session.NewPool(func(string) (adapter.Handle, error) {
		return &scriptedHandle{
			events:     make(chan adapter.Event, 16),
			done:       make(chan struct{}),
			reply:      echoReply,
			interrupts: &e.interrupts,
			hold:       e.hold,
		}, nil
	})
	t.Cleanup(e.pool.Clear)

	e.client = bridgeclient.New(bridgeclient.Options{
		GatewayURL:       "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws",
		AgentID:          agentID,
		Token:            token,
		AgentType:        adapter.TypeClaude,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, e.pool)
	return e
}

func (e *env) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return e.client.Connected() && e.gw.Connections().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func (e *env) relay(t *testing.T, ctx context.Context, sessionID, requestID, content string) (string, error) {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"agent_id":   agentID,
		"session_id": sessionID,
		"request_id": requestID,
		"content":    content,
	})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ts.URL+"/api/relay", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("X-Platform-Secret", platformSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestClient_RelayEndToEnd(t *testing.T) {
	e := newEnv(t, agentToken)
	e.run(t)

	body, err := e.relay(t, context.Background(), "s1", "r1", "hi")
	require.NoError(t, err)
	assert.Equal(t,
		"data: {\"type\":\"chunk\",\"delta\":\"echo: \"}\n\n"+
			"data: {\"type\":\"chunk\",\"delta\":\"hi\"}\n\n"+
			"data: {\"type\":\"done\"}\n\n",
		body)

	// The session survives the turn and serves the next one.
	body, err = e.relay(t, context.Background(), "s1", "r2", "again")
	require.NoError(t, err)
	assert.Contains(t, body, "\"delta\":\"again\"")
	assert.Equal(t, []string{"s1"}, e.pool.IDs())
}

func TestClient_BusySessionAnswersAgentBusy(t *testing.T) {
	e := newEnv(t, agentToken)
	e.run(t)

	go func() { _, _ = e.relay(t, context.Background(), "s1", "r1", "hang") }()
	require.Eventually(t, func() bool {
		s, ok := e.pool.Get("s1")
		return ok && s.Active() == "r1"
	}, 5*time.Second, 10*time.Millisecond)

	body, err := e.relay(t, context.Background(), "s1", "r2", "hi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body, "data: {\"type\":\"error\",\"code\":\"agent_busy\""), body)
}

func TestClient_SlowSendDoesNotBlockOtherSessions(t *testing.T) {
	e := newEnv(t, agentToken)
	e.run(t)

	slowCtx, cancelSlow := context.WithCancel(context.Background())
	defer cancelSlow()
	go func() { _, _ = e.relay(t, slowCtx, "s-slow", "r1", "slow") }()
	require.Eventually(t, func() bool {
		s, ok := e.pool.Get("s-slow")
		return ok && s.Active() == "r1"
	}, 5*time.Second, 10*time.Millisecond)

	// s-slow is still inside Send; s-fast must complete within the relay
	// deadline regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	body, err := e.relay(t, ctx, "s-fast", "r2", "hi")
	require.NoError(t, err)
	assert.Contains(t, body, "\"delta\":\"hi\"")
	assert.True(t, strings.HasSuffix(body, "data: {\"type\":\"done\"}\n\n"), body)
	close(e.hold)
}

func TestClient_CallerDisconnectInterruptsTurn(t *testing.T) {
	e := newEnv(t, agentToken)
	e.run(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.relay(t, ctx, "s1", "r1", "hang")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		s, ok := e.pool.Get("s1")
		return ok && s.Active() == "r1"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-errc
	require.Eventually(t, func() bool { return e.interrupts.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	s, ok := e.pool.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "", s.Active())
}

func TestClient_RejectedRegistrationStops(t *testing.T) {
	e := newEnv(t, "wrong-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.client.Run(ctx)
	require.ErrorIs(t, err, bridgeclient.ErrRejected)
	assert.False(t, e.client.Connected())
}

func TestClient_ReconnectsAndHeartbeats(t *testing.T) {
	var registrations atomic.Int32
	heartbeats := make(chan protocol.Heartbeat, 16)
	queries := make(chan string, 4)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		var reg protocol.Register
		if err := wsjson.Read(ctx, ws, &reg); err != nil {
			return
		}
		queries <- r.URL.Query().Get("agent_id")
		n := registrations.Add(1)
		_ = wsjson.Write(ctx, ws, map[string]any{"type": "registered", "status": "ok"})
		if n == 1 {
			_ = ws.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		for {
			var hb protocol.Heartbeat
			if err := wsjson.Read(ctx, ws, &hb); err != nil {
				return
			}
			if hb.Type == protocol.TypeHeartbeat {
				heartbeats <- hb
			}
		}
	}))
	defer ts.Close()

	pool := session.NewPool(func(string) (adapter.Handle, error) { return nil, nil })
	client := bridgeclient.New(bridgeclient.Options{
		GatewayURL:        "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		AgentID:           agentID,
		Token:             agentToken,
		AgentType:         adapter.TypeClaude,
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectInitial:  10 * time.Millisecond,
	}, pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case hb := <-heartbeats:
		assert.Equal(t, 0, hb.ActiveSessions)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat after reconnect")
	}
	assert.EqualValues(t, 2, registrations.Load())
	assert.Equal(t, agentID, <-queries)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
