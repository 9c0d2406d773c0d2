package registry

import (
	"context"
	"time"
)

// DefaultTTL is how long a registration survives without a refresh.
const DefaultTTL = 300 * time.Second

// DefaultKeyPrefix namespaces registry keys in shared stores.
const DefaultKeyPrefix = "agent:"

// Record is the liveness entry written for a connected agent.
type Record struct {
	AgentID        string    `json:"agent_id"`
	AgentType      string    `json:"agent_type"`
	Capabilities   []string  `json:"capabilities"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ActiveSessions int       `json:"active_sessions"`

	// GatewayID and ConnID identify the gateway instance and connection
	// that wrote the record.
	GatewayID string `json:"gateway_id,omitempty"`
	ConnID    string `json:"conn_id,omitempty"`
}

// Store is a key/value liveness store with per-key TTL. It backs the
// "is this agent online" read path; the gateway's own connection map stays
// authoritative for routing.
type Store interface {
	Set(ctx context.Context, agentID string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, agentID string) (Record, bool, error)
	Delete(ctx context.Context, agentID string) error
}
