package registry_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleRecord(id string) registry.Record {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return registry.Record{
		AgentID:       id,
		AgentType:     "claude",
		Capabilities:  []string{"streaming"},
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := registry.NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := sampleRecord("agent-1")
	require.NoError(t, s.Set(ctx, "agent-1", rec, registry.DefaultTTL))

	got, ok, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Delete(ctx, "agent-1"))
	_, ok, _ = s.Get(ctx, "agent-1")
	assert.False(t, ok)
}

func TestMemoryStore_ExpiresWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := registry.NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, s.Set(ctx, "agent-1", sampleRecord("agent-1"), registry.DefaultTTL))

	clock.Advance(299 * time.Second)
	_, ok, _ := s.Get(ctx, "agent-1")
	assert.True(t, ok, "record must survive just under the TTL")

	// a heartbeat refresh pushes expiry out again
	require.NoError(t, s.Set(ctx, "agent-1", sampleRecord("agent-1"), registry.DefaultTTL))
	clock.Advance(299 * time.Second)
	_, ok, _ = s.Get(ctx, "agent-1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = s.Get(ctx, "agent-1")
	assert.False(t, ok, "record must be gone once the TTL lapses")
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("AGENT_BRIDGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AGENT_BRIDGE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := registry.NewRedisClient(url)
	require.NoError(t, err)
	s := registry.NewRedisStore(client, "agent-bridge-test:"+uuid.NewString()+":")
	defer s.Close()

	rec := sampleRecord("agent-1")
	require.NoError(t, s.Set(ctx, "agent-1", rec, 2*time.Second))

	got, ok, err := s.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.AgentType, got.AgentType)
	assert.True(t, rec.ConnectedAt.Equal(got.ConnectedAt))

	require.NoError(t, s.Delete(ctx, "agent-1"))
	_, ok, err = s.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
