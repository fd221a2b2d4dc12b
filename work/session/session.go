// Package session tracks the content streams currently being relayed to clients.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"freesky-proxy/work/logger"
	"freesky-proxy/work/metrics"
)

// Session is one content stream in progress.
type Session struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel"`
	StartedAt time.Time `json:"started_at"`

	mu           sync.Mutex
	lastActivity time.Time
}

// LastActivity returns the time of the most recent heartbeat.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Manager owns the session table. Sessions are registered when streaming begins,
// heartbeated while bytes flow and removed when the stream ends or goes stale.
type Manager struct {
	sessions   *xsync.MapOf[string, *Session]
	staleAfter time.Duration
	now        func() time.Time
}

// NewManager creates a Manager that treats sessions without a heartbeat for staleAfter
// as abandoned.
func NewManager(staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	return &Manager{
		sessions:   xsync.NewMapOf[string, *Session](),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start registers a session for channelID and returns its id.
func (m *Manager) Start(channelID string) string {
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		ChannelID:    channelID,
		StartedAt:    now,
		lastActivity: now,
	}
	m.sessions.Store(s.ID, s)
	metrics.ActiveSessions.WithLabelValues(channelID).Inc()
	logger.Debug("{session/session - Start} session %s started for channel %s", s.ID, channelID)
	return s.ID
}

// Heartbeat marks the session as active. Unknown ids are ignored.
func (m *Manager) Heartbeat(id string) {
	m.sessions.Compute(id, func(s *Session, loaded bool) (*Session, bool) {
		if !loaded {
			return s, true
		}
		s.mu.Lock()
		s.lastActivity = m.now()
		s.mu.Unlock()
		return s, false
	})
}

// End removes the session. Ending an unknown or already swept session is a no-op, so
// every exit path of a stream may call it.
func (m *Manager) End(id string) {
	s, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	metrics.ActiveSessions.WithLabelValues(s.ChannelID).Dec()
	logger.Debug("{session/session - End} session %s for channel %s ended after %s",
		id, s.ChannelID, m.now().Sub(s.StartedAt).Round(time.Millisecond))
}

// Sweep removes sessions whose last heartbeat is older than the stale window and
// returns how many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.staleAfter)
	removed := 0
	m.sessions.Range(func(id string, _ *Session) bool {
		if m.purgeIfStale(id, cutoff) {
			removed++
		}
		return true
	})
	if removed > 0 {
		logger.Info("{session/session - Sweep} purged %d stale sessions", removed)
	}
	return removed
}

// purgeIfStale deletes id only if its last activity is still before cutoff at the
// moment of deletion. A heartbeat that lands after the scan keeps the session.
func (m *Manager) purgeIfStale(id string, cutoff time.Time) bool {
	var purged *Session
	m.sessions.Compute(id, func(s *Session, loaded bool) (*Session, bool) {
		if !loaded {
			return s, true
		}
		if s.LastActivity().Before(cutoff) {
			purged = s
			return s, true
		}
		return s, false
	})
	if purged == nil {
		return false
	}
	metrics.ActiveSessions.WithLabelValues(purged.ChannelID).Dec()
	return true
}

// Counts returns the number of active sessions per channel.
func (m *Manager) Counts() map[string]int {
	counts := make(map[string]int)
	m.sessions.Range(func(_ string, s *Session) bool {
		counts[s.ChannelID]++
		return true
	})
	return counts
}

// Total returns the number of active sessions.
func (m *Manager) Total() int {
	return m.sessions.Size()
}

// List returns the active sessions ordered by start time.
func (m *Manager) List() []*Session {
	var out []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Run sweeps stale sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("{session/session - Run} sweep loop stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
