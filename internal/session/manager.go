package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the live sessions of a server process.
type Manager struct {
	deps        Deps
	opts        Options
	idleTimeout time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions untouched for idleTimeout are
// closed by Reap; zero disables reaping.
func NewManager(deps Deps, opts Options, idleTimeout time.Duration) *Manager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		deps:        deps,
		opts:        opts.withDefaults(),
		idleTimeout: idleTimeout,
		log:         log,
		sessions:    make(map[string]*Session),
	}
}

// Create starts a new idle session.
func (m *Manager) Create() *Session {
	id := uuid.NewString()
	s := New(id, m.deps, m.opts)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("session created", "session", id)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots of all sessions, most recently touched first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(all))
	for i, s := range all {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close closes and forgets the session with id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close()
	m.log.Info("session closed", "session", id)
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Reap closes sessions idle since before now minus the idle timeout.
// Sessions with an outstanding request are never reaped. It returns the
// number of sessions closed.
func (m *Manager) Reap(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		touched, busy := s.IdleSince()
		if busy || touched.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		stale = append(stale, s)
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		m.log.Info("reaped idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Run reaps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Reap(m.opts.Now())
		}
	}
}
