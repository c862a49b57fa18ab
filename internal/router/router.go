// Package router implements the top-level coordinator of the AutoYou
// core. The router receives an agent's proposed next step, consults the
// sub-agent registry, the loop guard, and the confirmation gate, commits
// the outcome to the session store, and emits an executable decision.
// It never talks to the brokerage or model layers itself.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/autoyou-dev/autoyou/internal/gate"
	"github.com/autoyou-dev/autoyou/internal/guard"
	"github.com/autoyou-dev/autoyou/internal/observability"
	obs "github.com/autoyou-dev/autoyou/pkg/observability"
	"github.com/autoyou-dev/autoyou/pkg/registry"
	"github.com/autoyou-dev/autoyou/pkg/session"
)

// ErrUnauthorizedTransfer is returned when a handoff targets an agent
// outside the proposer's allow-list.
var ErrUnauthorizedTransfer = errors.New("transfer target not in allow-list")

// ErrRateLimited is returned when a session exceeds its message rate.
var ErrRateLimited = errors.New("session rate limit exceeded")

// ExecuteFunc is the execution callback supplied by the execution layer.
// It is invoked only after an action reaches Confirmed, never otherwise.
type ExecuteFunc func(ctx context.Context, action gate.Action) error

// Config holds router tunables.
type Config struct {
	// MessagesPerSecond caps per-session inbound rate (0 = disabled).
	MessagesPerSecond float64
	// Burst is the rate limiter burst size (default 5 when limiting).
	Burst int
}

// Router arbitrates control state for all sessions.
// Mutations within one session run under a per-session critical section;
// distinct sessions proceed fully in parallel.
type Router struct {
	sessions *session.Manager
	registry *registry.Registry
	guard    *guard.Guard
	gate     *gate.Gate
	exec     ExecuteFunc

	cfg Config

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a router over the given collaborators.
func New(sessions *session.Manager, reg *registry.Registry, g *guard.Guard, cg *gate.Gate, cfg Config) *Router {
	if cfg.MessagesPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Router{
		sessions: sessions,
		registry: reg,
		guard:    g,
		gate:     cg,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetExecutor installs the execution callback. Must be called before
// traffic; the callback runs inside the session critical section.
func (r *Router) SetExecutor(fn ExecuteFunc) {
	r.exec = fn
}

// sessionLock returns the mutex serializing one session's mutations.
func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

func (r *Router) allow(sessionID string) bool {
	if r.cfg.MessagesPerSecond <= 0 {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
		r.limiters[sessionID] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}

// Handle dispatches a proposal for the session and returns the decision.
// Recoverable rejections come back as decisions with Err set and the
// session alive; only unknown/expired sessions and storage failures
// surface as a bare error.
func (r *Router) Handle(ctx context.Context, sessionID string, p Proposal) (*Decision, error) {
	ctx, span := observability.StartSpan(ctx, "router.handle",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("proposal.kind", string(p.Kind)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		obs.RecordHandleDuration(string(p.Kind), time.Since(start))
	}()

	if !r.allow(sessionID) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrRateLimited)
	}

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if sess.Expired() {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrSessionExpired)
	}

	var decision *Decision
	switch p.Kind {
	case KindReply:
		decision, err = r.handleReply(ctx, sess, p)
	case KindTransfer:
		decision, err = r.handleTransfer(ctx, sess, p)
	case KindAction:
		decision, err = r.handleAction(ctx, sess, p)
	case KindConfirmation:
		decision, err = r.handleConfirmation(ctx, sess, p)
	case KindAbort:
		decision, err = r.handleAbort(ctx, sess, p)
	default:
		err = fmt.Errorf("unknown proposal kind: %s", p.Kind)
	}

	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("decision.kind", string(decision.Kind)),
		attribute.String("decision.next_agent", decision.NextAgent),
	)
	obs.RecordTurn(string(p.Kind))
	return decision, nil
}

// abortStale aborts an outstanding pending action when a new unrelated
// message arrives. Anything that is not an unambiguous affirmative is
// treated as abort.
func (r *Router) abortStale(ctx context.Context, sess *session.Session) {
	if action, ok := r.gate.AbortPending(sess.ID()); ok {
		_ = sess.AddAborted(ctx)
		obs.RecordAction(string(action.State))
	}
}

func (r *Router) handleReply(ctx context.Context, sess *session.Session, p Proposal) (*Decision, error) {
	r.abortStale(ctx, sess)

	agent := sess.ActiveAgent()
	turn, err := sess.Append(ctx, agent, session.KindReply, p.Payload, "")
	if err != nil {
		return nil, err
	}

	// A genuine reply is progress; the loop tail starts over.
	r.guard.Reset(sess.ID())

	return &Decision{
		Kind:      DecisionReply,
		NextAgent: agent,
		Seq:       turn.Seq,
	}, nil
}

func (r *Router) handleTransfer(ctx context.Context, sess *session.Session, p Proposal) (*Decision, error) {
	r.abortStale(ctx, sess)

	from := sess.ActiveAgent()
	to := p.Target

	if !r.registry.CanTransfer(from, to) {
		obs.RecordTransfer("unauthorized")
		rejectErr := fmt.Errorf("%s -> %s: %w", from, to, ErrUnauthorizedTransfer)
		return r.rejectTransfer(ctx, sess, from, p, session.AnnotationUnauthorized, rejectErr)
	}

	verdict, err := r.guard.Check(sess.ID(), from, to)
	if err != nil {
		switch {
		case errors.Is(err, guard.ErrLoopDetected):
			obs.RecordTransfer("loop_detected")
			return r.rejectTransfer(ctx, sess, from, p, session.AnnotationLoopDetected, err)
		case errors.Is(err, guard.ErrTransferBudgetExceeded):
			obs.RecordTransfer("budget_exceeded")
			return r.rejectTransfer(ctx, sess, from, p, session.AnnotationBudgetExceeded, err)
		default:
			return nil, err
		}
	}

	annotation := ""
	if verdict.Warn {
		annotation = session.AnnotationLoopWarning
	}

	turn, err := sess.Append(ctx, from, session.KindTransferRequest, p.Payload, annotation)
	if err != nil {
		return nil, err
	}

	if _, err := r.guard.Commit(sess.ID(), from, to, turn.Seq, verdict); err != nil {
		// Ledger corruption is a bug; close the affected session only.
		_ = sess.Expire(ctx)
		r.guard.Drop(sess.ID())
		return nil, err
	}

	if err := sess.SetActiveAgent(ctx, to); err != nil {
		return nil, err
	}
	if err := sess.AddTransfer(ctx); err != nil {
		return nil, err
	}

	if verdict.Warn {
		obs.RecordTransfer("warned")
	} else {
		obs.RecordTransfer("accepted")
	}

	return &Decision{
		Kind:      DecisionTransfer,
		NextAgent: to,
		Warning:   verdict.Warn,
		Seq:       turn.Seq,
	}, nil
}

// rejectTransfer commits the in-band rejection: an annotated turn and a
// forced handoff to the fallback agent.
func (r *Router) rejectTransfer(ctx context.Context, sess *session.Session, from string, p Proposal, annotation string, cause error) (*Decision, error) {
	turn, err := sess.Append(ctx, from, session.KindTransferRequest, p.Payload, annotation)
	if err != nil {
		return nil, err
	}

	fallback := r.registry.Fallback()
	if err := sess.SetActiveAgent(ctx, fallback); err != nil {
		return nil, err
	}

	return &Decision{
		Kind:      DecisionTransferRejected,
		NextAgent: fallback,
		Err:       cause,
		Seq:       turn.Seq,
	}, nil
}

func (r *Router) handleAction(ctx context.Context, sess *session.Session, p Proposal) (*Decision, error) {
	agent := sess.ActiveAgent()

	var desc gate.Descriptor
	if p.Action != nil {
		desc = *p.Action
	}

	action, displaced, err := r.gate.Propose(sess.ID(), agent, desc)
	if err != nil {
		if !errors.Is(err, gate.ErrActionAlreadyPending) {
			return nil, err
		}
		obs.RecordAction("rejected")
		turn, appendErr := sess.Append(ctx, agent, session.KindActionRequest, p.Payload, session.AnnotationActionPending)
		if appendErr != nil {
			return nil, appendErr
		}
		return &Decision{
			Kind:      DecisionActionClosed,
			NextAgent: agent,
			Err:       err,
			Seq:       turn.Seq,
		}, nil
	}

	// A stale pending action displaced by this proposal expired; expired
	// counts as aborted downstream.
	if displaced != nil {
		if err := sess.AddAborted(ctx); err != nil {
			return nil, err
		}
		obs.RecordAction(string(displaced.State))
	}

	presented, err := r.gate.Present(sess.ID(), action.ID)
	if err != nil {
		return nil, err
	}

	turn, err := sess.Append(ctx, agent, session.KindActionRequest, p.Payload, "")
	if err != nil {
		return nil, err
	}

	obs.RecordAction("proposed")
	return &Decision{
		Kind:      DecisionAwaitConfirmation,
		NextAgent: agent,
		Action:    &presented,
		Seq:       turn.Seq,
	}, nil
}

func (r *Router) handleConfirmation(ctx context.Context, sess *session.Session, p Proposal) (*Decision, error) {
	agent := sess.ActiveAgent()

	action, err := r.gate.Confirm(sess.ID(), p.ActionID)
	if err != nil {
		return r.closeAction(ctx, sess, agent, session.KindConfirmation, p, action, err)
	}

	turn, appendErr := sess.Append(ctx, agent, session.KindConfirmation, p.Payload, "")
	if appendErr != nil {
		return nil, appendErr
	}
	if err := sess.AddConfirmed(ctx); err != nil {
		return nil, err
	}

	obs.RecordAction("confirmed")

	// Execution authorization is issued exactly once, here.
	if r.exec != nil {
		if err := r.exec(ctx, action); err != nil {
			return nil, fmt.Errorf("execute action %s: %w", action.ID, err)
		}
	}

	return &Decision{
		Kind:      DecisionExecute,
		NextAgent: agent,
		Action:    &action,
		Seq:       turn.Seq,
	}, nil
}

func (r *Router) handleAbort(ctx context.Context, sess *session.Session, p Proposal) (*Decision, error) {
	agent := sess.ActiveAgent()

	action, err := r.gate.Abort(sess.ID(), p.ActionID)
	if err != nil {
		return r.closeAction(ctx, sess, agent, session.KindAbort, p, action, err)
	}

	turn, appendErr := sess.Append(ctx, agent, session.KindAbort, p.Payload, "")
	if appendErr != nil {
		return nil, appendErr
	}
	if err := sess.AddAborted(ctx); err != nil {
		return nil, err
	}

	obs.RecordAction("aborted")
	return &Decision{
		Kind:      DecisionActionClosed,
		NextAgent: agent,
		Action:    &action,
		Seq:       turn.Seq,
	}, nil
}

// closeAction records the in-band outcome of a failed confirm/abort:
// expired actions count as aborted, and no execution authorization is
// ever issued.
func (r *Router) closeAction(ctx context.Context, sess *session.Session, agent string, kind session.TurnKind, p Proposal, action gate.Action, cause error) (*Decision, error) {
	annotation := ""
	var actionSnap *gate.Action

	switch {
	case errors.Is(cause, gate.ErrActionExpired):
		annotation = session.AnnotationActionExpired
		actionSnap = &action
		if err := sess.AddAborted(ctx); err != nil {
			return nil, err
		}
		obs.RecordAction("expired")
	case errors.Is(cause, gate.ErrNotAwaitingConfirmation):
		annotation = session.AnnotationNotAwaiting
	}

	turn, err := sess.Append(ctx, agent, kind, p.Payload, annotation)
	if err != nil {
		return nil, err
	}

	return &Decision{
		Kind:      DecisionActionClosed,
		NextAgent: agent,
		Err:       cause,
		Action:    actionSnap,
		Seq:       turn.Seq,
	}, nil
}

// Expire closes a session: any outstanding pending action transitions to
// Expired, loop state is dropped, and the session rejects further
// appends. Idempotent.
func (r *Router) Expire(ctx context.Context, sessionID string) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if action, ok := r.gate.Expire(sessionID); ok {
		if sess, err := r.sessions.Get(ctx, sessionID); err == nil && !sess.Expired() {
			_ = sess.AddAborted(ctx)
		}
		obs.RecordAction(string(action.State))
	}

	r.guard.Drop(sessionID)

	if err := r.sessions.Expire(ctx, sessionID); err != nil {
		return err
	}

	obs.RecordSessionExpired()

	// The backend keeps the expired metadata, so later lookups report
	// ErrSessionExpired; the arena entry and router state are gone.
	r.sessions.Remove(sessionID)

	r.mu.Lock()
	delete(r.limiters, sessionID)
	delete(r.locks, sessionID)
	r.mu.Unlock()

	return nil
}
