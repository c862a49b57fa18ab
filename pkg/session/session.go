package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Session represents one active conversation.
// Sessions are safe for concurrent use; each method takes the session
// lock. Callers that need multi-step atomicity (the router) serialize
// through their own per-session critical section.
type Session struct {
	meta    *Metadata
	backend StorageBackend
	mu      sync.RWMutex

	turns   []*Turn
	lastSeq uint64
}

// newSession creates a session instance around loaded state.
func newSession(meta *Metadata, turns []*Turn, backend StorageBackend) *Session {
	s := &Session{
		meta:    meta,
		backend: backend,
		turns:   turns,
	}
	if n := len(turns); n > 0 {
		s.lastSeq = turns[n-1].Seq
	}
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.meta.ID
}

// ActiveAgent returns the id of the agent currently owning the session.
func (s *Session) ActiveAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.ActiveAgent
}

// Expired reports whether the session has been closed.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Expired
}

// Counters returns a snapshot of the session's analytics counters.
func (s *Session) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Counters
}

// Meta returns a snapshot copy of the session metadata.
func (s *Session) Meta() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.meta
}

// Append adds a turn to the session history and returns it with its
// assigned sequence number. Returns ErrSessionExpired on a closed session.
func (s *Session) Append(ctx context.Context, agent string, kind TurnKind, payload []byte, annotation string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Expired {
		return nil, ErrSessionExpired
	}

	turn := &Turn{
		Seq:        s.lastSeq + 1,
		Agent:      agent,
		Kind:       kind,
		Payload:    payload,
		Annotation: annotation,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.backend.AppendTurn(ctx, s.meta.ID, turn); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}

	s.turns = append(s.turns, turn)
	s.lastSeq = turn.Seq
	s.meta.Counters.Messages++
	s.meta.LastActiveAt = turn.Timestamp

	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		return nil, fmt.Errorf("save session metadata: %w", err)
	}

	return turn, nil
}

// History returns a read-only snapshot of the session's turns.
func (s *Session) History() []*Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastSeq returns the sequence number of the most recent turn.
func (s *Session) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// SetActiveAgent changes the agent that owns the session.
func (s *Session) SetActiveAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Expired {
		return ErrSessionExpired
	}

	s.meta.ActiveAgent = agentID
	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	return nil
}

// AddTransfer increments the accepted-transfer counter.
func (s *Session) AddTransfer(ctx context.Context) error {
	return s.bump(ctx, func(c *Counters) { c.Transfers++ })
}

// AddConfirmed increments the confirmed-action counter.
func (s *Session) AddConfirmed(ctx context.Context) error {
	return s.bump(ctx, func(c *Counters) { c.ConfirmedActions++ })
}

// AddAborted increments the aborted-action counter.
// Expired actions count as aborted.
func (s *Session) AddAborted(ctx context.Context) error {
	return s.bump(ctx, func(c *Counters) { c.AbortedActions++ })
}

func (s *Session) bump(ctx context.Context, fn func(*Counters)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.meta.Counters)
	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	return nil
}

// Expire closes the session. Expire is idempotent; a second call is a no-op.
func (s *Session) Expire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Expired {
		return nil
	}

	s.meta.Expired = true
	if err := s.backend.SaveSession(ctx, s.meta); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	return nil
}

// IdleSince returns the time the session last appended a turn.
func (s *Session) IdleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta.LastActiveAt.IsZero() {
		return s.meta.CreatedAt
	}
	return s.meta.LastActiveAt
}
