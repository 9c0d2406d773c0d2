package gateway

import (
	"context"
	"sync"
	"time"

	"agentbridge/internal/protocol"
	"agentbridge/internal/registry"
	"agentbridge/internal/relay"

	"nhooyr.io/websocket"
)

const writeTimeout = 10 * time.Second

// Conn is one authenticated agent connection.
type Conn struct {
	id           string
	agentID      string
	agentType    string
	capabilities []string
	connectedAt  time.Time
	ws           *websocket.Conn

	writeMu sync.Mutex
}

func (c *Conn) ID() string      { return c.id }
func (c *Conn) AgentID() string { return c.agentID }

// Send writes one frame. Writes are serialized per connection and bounded by
// their own timeout, so an abandoned caller context never tears down the
// agent's socket.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

func (c *Conn) record(gatewayID string, now time.Time, activeSessions int) registry.Record {
	return registry.Record{
		AgentID:        c.agentID,
		AgentType:      c.agentType,
		Capabilities:   c.capabilities,
		ConnectedAt:    c.connectedAt,
		LastHeartbeat:  now,
		ActiveSessions: activeSessions,
		GatewayID:      gatewayID,
		ConnID:         c.id,
	}
}

// Connections holds the live connection for each agent identity on this
// gateway instance.
type Connections struct {
	mu      sync.RWMutex
	byAgent map[string]*Conn
}

func NewConnections() *Connections {
	return &Connections{byAgent: make(map[string]*Conn)}
}

// Put makes c the live connection for its agent and returns the connection it
// replaced, if any.
func (cs *Connections) Put(c *Conn) *Conn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	prev := cs.byAgent[c.agentID]
	cs.byAgent[c.agentID] = c
	if prev == c {
		return nil
	}
	return prev
}

func (cs *Connections) Get(agentID string) (*Conn, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byAgent[agentID]
	return c, ok
}

// RemoveIf deletes the entry for c's agent only while c is still current.
func (cs *Connections) RemoveIf(c *Conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cur, ok := cs.byAgent[c.agentID]; ok && cur == c {
		delete(cs.byAgent, c.agentID)
		return true
	}
	return false
}

func (cs *Connections) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byAgent)
}

// Lookup implements relay.Lookup.
func (cs *Connections) Lookup(agentID string) (relay.Sender, bool) {
	c, ok := cs.Get(agentID)
	if !ok {
		return nil, false
	}
	return c, true
}

// CloseAll closes every live connection.
func (cs *Connections) CloseAll(code websocket.StatusCode, reason string) {
	cs.mu.RLock()
	all := make([]*Conn, 0, len(cs.byAgent))
	for _, c := range cs.byAgent {
		all = append(all, c)
	}
	cs.mu.RUnlock()
	for _, c := range all {
		c.close(code, reason)
	}
}
