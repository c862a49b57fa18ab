// Package gate implements the confirmation gate: a two-phase commit for
// state-mutating actions. Every proposed action must be explicitly
// confirmed by the user before execution is authorized; anything that is
// not an unambiguous affirmative resolves to abort. The fail-safe bias is
// deliberate: the system errs toward not trading.
package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors for gate operations.
var (
	// ErrActionAlreadyPending is returned when a proposal arrives while
	// another action is outstanding for the session.
	ErrActionAlreadyPending = errors.New("action already pending")
	// ErrNotAwaitingConfirmation is returned when confirming or aborting
	// an action that is not awaiting confirmation.
	ErrNotAwaitingConfirmation = errors.New("action not awaiting confirmation")
	// ErrActionExpired is returned when a confirmation or abort arrives
	// after the action's deadline.
	ErrActionExpired = errors.New("action expired")
)

// DefaultTTL is the default confirmation window for a pending action.
const DefaultTTL = 3 * time.Minute

// State is the lifecycle state of a pending action.
type State string

const (
	StateProposed             State = "proposed"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateAborted              State = "aborted"
	StateExpired              State = "expired"
)

// Terminal reports whether the state is a terminal one.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateAborted || s == StateExpired
}

// Descriptor describes the action being gated. The payload is opaque to
// the core; Reversible is a hint surfaced to the caller, it does not
// bypass the gate.
type Descriptor struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reversible bool            `json:"reversible"`
}

// Action is a pending state-mutating action. At most one exists per
// session at any time.
type Action struct {
	// ID is unique per proposal.
	ID string `json:"id"`
	// SessionID is the owning session.
	SessionID string `json:"sessionId"`
	// Agent is the proposing agent id.
	Agent string `json:"agent"`
	// Descriptor describes the action.
	Descriptor Descriptor `json:"descriptor"`
	// State is the current lifecycle state.
	State State `json:"state"`
	// ProposedAt is when the action was proposed.
	ProposedAt time.Time `json:"proposedAt"`
	// Deadline is when the confirmation window closes.
	Deadline time.Time `json:"deadline"`
}

// Gate tracks pending actions per session.
// Gate is safe for concurrent use; all transitions for one action are
// linearized under the gate lock, so racing confirm/abort calls resolve
// to exactly one terminal state.
type Gate struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]*Action
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTTL sets the confirmation window for proposed actions.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for testing expiry).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// New creates a confirmation gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		ttl:     DefaultTTL,
		pending: make(map[string]*Action),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Propose creates a pending action in Proposed state.
// Returns ErrActionAlreadyPending if the session already has an
// outstanding action whose deadline has not passed. An outstanding action
// past its deadline is transitioned to Expired and replaced; the expired
// action comes back as the second return value so the caller can account
// for it like any other expiry.
func (g *Gate) Propose(sessionID, agent string, desc Descriptor) (Action, *Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var displaced *Action
	if existing, ok := g.pending[sessionID]; ok {
		if now.Before(existing.Deadline) {
			return Action{}, nil, fmt.Errorf("action %s outstanding: %w", existing.ID, ErrActionAlreadyPending)
		}
		existing.State = StateExpired
		delete(g.pending, sessionID)
		snap := *existing
		displaced = &snap
	}

	action := &Action{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Agent:      agent,
		Descriptor: desc,
		State:      StateProposed,
		ProposedAt: now,
		Deadline:   now.Add(g.ttl),
	}
	g.pending[sessionID] = action

	return *action, displaced, nil
}

// Present advances a proposed action to AwaitingConfirmation.
// Confirmed and Aborted are only reachable from AwaitingConfirmation.
func (g *Gate) Present(sessionID, actionID string) (Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.pending[sessionID]
	if !ok || action.ID != actionID {
		return Action{}, ErrNotAwaitingConfirmation
	}
	if action.State != StateProposed {
		return Action{}, fmt.Errorf("action %s in state %s: %w", actionID, action.State, ErrNotAwaitingConfirmation)
	}

	action.State = StateAwaitingConfirmation
	return *action, nil
}

// Confirm resolves a pending action affirmatively.
// Fails with ErrNotAwaitingConfirmation unless the action exists and is
// exactly in AwaitingConfirmation, and with ErrActionExpired when the
// deadline has passed (the action then transitions to Expired).
func (g *Gate) Confirm(sessionID, actionID string) (Action, error) {
	return g.resolve(sessionID, actionID, StateConfirmed)
}

// Abort resolves a pending action negatively.
func (g *Gate) Abort(sessionID, actionID string) (Action, error) {
	return g.resolve(sessionID, actionID, StateAborted)
}

func (g *Gate) resolve(sessionID, actionID string, terminal State) (Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.pending[sessionID]
	if !ok || action.ID != actionID {
		return Action{}, ErrNotAwaitingConfirmation
	}
	if action.State != StateAwaitingConfirmation {
		return Action{}, fmt.Errorf("action %s in state %s: %w", actionID, action.State, ErrNotAwaitingConfirmation)
	}

	if !g.now().Before(action.Deadline) {
		action.State = StateExpired
		delete(g.pending, sessionID)
		return *action, fmt.Errorf("action %s deadline passed: %w", actionID, ErrActionExpired)
	}

	action.State = terminal
	delete(g.pending, sessionID)
	return *action, nil
}

// AbortPending aborts whatever action is outstanding for the session.
// Used when a new unrelated message arrives while a confirmation is
// pending. Returns the aborted action and true if one existed.
func (g *Gate) AbortPending(sessionID string) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.pending[sessionID]
	if !ok {
		return Action{}, false
	}

	if !g.now().Before(action.Deadline) {
		action.State = StateExpired
	} else {
		action.State = StateAborted
	}
	delete(g.pending, sessionID)
	return *action, true
}

// Expire transitions any outstanding action for the session to Expired.
// Idempotent; used on session close.
func (g *Gate) Expire(sessionID string) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.pending[sessionID]
	if !ok {
		return Action{}, false
	}

	action.State = StateExpired
	delete(g.pending, sessionID)
	return *action, true
}

// Pending returns a snapshot of the session's outstanding action.
func (g *Gate) Pending(sessionID string) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.pending[sessionID]
	if !ok {
		return Action{}, false
	}
	return *action, true
}

// Sweep expires every outstanding action whose deadline has passed and
// returns the expired actions. Called by the housekeeping job.
func (g *Gate) Sweep() []Action {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var expired []Action
	for sessionID, action := range g.pending {
		if !now.Before(action.Deadline) {
			action.State = StateExpired
			delete(g.pending, sessionID)
			expired = append(expired, *action)
		}
	}
	return expired
}
