package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(60 * time.Second)
	m.now = clock.now
	return m, clock
}

func TestLifecycle(t *testing.T) {
	m, _ := newTestManager()
	before := m.Counts()["X"]

	id := m.Start("X")
	require.NotEmpty(t, id)
	assert.Equal(t, before+1, m.Counts()["X"])

	m.Heartbeat(id)
	m.End(id)
	assert.Equal(t, before, m.Counts()["X"])

	m.End(id)
	assert.Zero(t, m.Total(), "ending twice is harmless")
}

func TestSweepPurgesStaleSessions(t *testing.T) {
	m, clock := newTestManager()
	idle := m.Start("X")
	busy := m.Start("Y")

	clock.advance(45 * time.Second)
	m.Heartbeat(busy)
	clock.advance(30 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, map[string]int{"Y": 1}, m.Counts())

	m.End(idle)
	assert.Equal(t, 1, m.Total(), "ending a swept session does not touch others")
}

func TestSweepKeepsSessionRevivedAfterScan(t *testing.T) {
	m, clock := newTestManager()
	id := m.Start("Z")

	clock.advance(90 * time.Second)
	cutoff := clock.now().Add(-60 * time.Second)
	m.Heartbeat(id)

	assert.False(t, m.purgeIfStale(id, cutoff), "heartbeat after the scan wins")
	assert.Equal(t, 1, m.Total())

	clock.advance(90 * time.Second)
	assert.True(t, m.purgeIfStale(id, clock.now().Add(-60*time.Second)))
	assert.Zero(t, m.Total())
	assert.False(t, m.purgeIfStale(id, clock.now()), "already gone")
}

func TestHeartbeatUnknownSessionDoesNotCreate(t *testing.T) {
	m, _ := newTestManager()
	m.Heartbeat("missing")
	assert.Zero(t, m.Total())
}

func TestListOrder(t *testing.T) {
	m, clock := newTestManager()
	first := m.Start("A")
	clock.advance(time.Second)
	m.Start("B")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, "B", list[1].ChannelID)
}
