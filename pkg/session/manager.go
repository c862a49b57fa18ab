package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the arena of live sessions keyed by session id.
// Manager is safe for concurrent use.
type Manager struct {
	backend  StorageBackend
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager over the given storage backend.
func NewManager(backend StorageBackend) *Manager {
	return &Manager{
		backend:  backend,
		sessions: make(map[string]*Session),
	}
}

// Create creates a new session owned by entryAgent and returns it.
func (m *Manager) Create(ctx context.Context, entryAgent string) (*Session, error) {
	now := time.Now().UTC()

	meta := &Metadata{
		ID:           uuid.New().String(),
		ActiveAgent:  entryAgent,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	if err := m.backend.SaveSession(ctx, meta); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	sess := newSession(meta, nil, m.backend)

	m.mu.Lock()
	m.sessions[meta.ID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get retrieves a session by id, loading it from storage if it is not in
// the arena. Returns ErrUnknownSession if the id does not exist.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	meta, err := m.backend.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns, err := m.backend.LoadTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	if err := validateSequence(turns); err != nil {
		// Corrupt history indicates a bug in the storage layer.
		// Close the affected session rather than propagate bad state.
		meta.Expired = true
		_ = m.backend.SaveSession(ctx, meta)
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	sess := newSession(meta, turns, m.backend)

	m.mu.Lock()
	// Another goroutine may have loaded the session concurrently.
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	return sess, nil
}

// Expire closes a session. Expire is idempotent.
// Returns ErrUnknownSession if the id does not exist.
func (m *Manager) Expire(ctx context.Context, sessionID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return err
		}
		// A corrupt session was already closed by Get.
		return nil
	}
	return sess.Expire(ctx)
}

// Sessions returns a snapshot of all sessions currently in the arena.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove drops an expired session from the arena. The backing store keeps
// the metadata so later lookups report ErrSessionExpired, not unknown.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// List returns session metadata from the backing store.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	return m.backend.ListSessions(ctx, opts)
}

// Close releases resources held by the manager and its backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	return m.backend.Close()
}

// validateSequence checks that turn sequence numbers are strictly increasing.
func validateSequence(turns []*Turn) error {
	var last uint64
	for _, t := range turns {
		if t.Seq <= last {
			return fmt.Errorf("turn history corrupt: seq %d after %d", t.Seq, last)
		}
		last = t.Seq
	}
	return nil
}
