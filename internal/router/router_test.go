package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoyou-dev/autoyou/internal/gate"
	"github.com/autoyou-dev/autoyou/internal/guard"
	"github.com/autoyou-dev/autoyou/pkg/registry"
	"github.com/autoyou-dev/autoyou/pkg/session"
)

// testClock is a settable time source for gate expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	router   *Router
	sessions *session.Manager
	guard    *guard.Guard
	gate     *gate.Gate
	clock    *testClock

	mu       sync.Mutex
	executed []gate.Action
}

type fixtureOpts struct {
	budget  int
	rate    Config
	gateTTL time.Duration
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	backend, err := session.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	reg, err := registry.New(&registry.Config{
		Fallback: "autoyou",
		Agents: []registry.Descriptor{
			{ID: "autoyou", TransferTo: []string{"robinhood_orders", "robinhood_login", "robinhood_portfolio"}},
			{ID: "robinhood_orders", Tags: []string{"trading"}, TransferTo: []string{"autoyou", "robinhood_login"}},
			{ID: "robinhood_login", TransferTo: []string{"autoyou", "robinhood_orders"}},
			{ID: "robinhood_portfolio"},
		},
	})
	require.NoError(t, err)

	f := &fixture{
		sessions: session.NewManager(backend),
		guard:    guard.New(opts.budget),
		clock:    newTestClock(),
	}

	ttl := opts.gateTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	f.gate = gate.New(gate.WithTTL(ttl), gate.WithClock(f.clock.Now))

	f.router = New(f.sessions, reg, f.guard, f.gate, opts.rate)
	f.router.SetExecutor(func(ctx context.Context, action gate.Action) error {
		f.mu.Lock()
		f.executed = append(f.executed, action)
		f.mu.Unlock()
		return nil
	})

	t.Cleanup(func() { _ = f.sessions.Close() })
	return f
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), "autoyou")
	require.NoError(t, err)
	return sess.ID()
}

func (f *fixture) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func (f *fixture) counters(t *testing.T, sessionID string) session.Counters {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return sess.Counters()
}

func (f *fixture) lastTurn(t *testing.T, sessionID string) *session.Turn {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	turns := sess.History()
	require.NotEmpty(t, turns)
	return turns[len(turns)-1]
}

func transfer(target string) Proposal {
	return Proposal{Kind: KindTransfer, Target: target}
}

func actionProposal() Proposal {
	return Proposal{Kind: KindAction, Action: &gate.Descriptor{Payload: []byte(`{"symbol":"AAPL","qty":1}`)}}
}

func TestHandleReply(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, Proposal{Kind: KindReply, Payload: []byte(`{"text":"hi"}`)})
	require.NoError(t, err)

	assert.Equal(t, DecisionReply, d.Kind)
	assert.Equal(t, "autoyou", d.NextAgent)
	assert.Equal(t, uint64(1), d.Seq)
	assert.Equal(t, int64(1), f.counters(t, id).Messages)
}

func TestHandleUnknownSession(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.router.Handle(context.Background(), "no-such-session", Proposal{Kind: KindReply})
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestHandleUnknownProposalKind(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.newSession(t)

	_, err := f.router.Handle(context.Background(), id, Proposal{Kind: "nonsense"})
	assert.Error(t, err)
}

func TestTransferAccepted(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)

	assert.Equal(t, DecisionTransfer, d.Kind)
	assert.Equal(t, "robinhood_orders", d.NextAgent)
	assert.False(t, d.Warning)
	assert.Equal(t, int64(1), f.counters(t, id).Transfers)

	sess, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "robinhood_orders", sess.ActiveAgent())

	records := f.guard.Ledger(id)
	require.Len(t, records, 1)
	assert.Equal(t, "autoyou", records[0].From)
	assert.Equal(t, "robinhood_orders", records[0].To)
	assert.Equal(t, d.Seq, records[0].Seq)
}

func TestUnauthorizedTransferFallsBack(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	// portfolio has an empty allow-list.
	_, err := f.router.Handle(ctx, id, transfer("robinhood_portfolio"))
	require.NoError(t, err)

	d, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)

	assert.Equal(t, DecisionTransferRejected, d.Kind)
	assert.ErrorIs(t, d.Err, ErrUnauthorizedTransfer)
	assert.Equal(t, "autoyou", d.NextAgent)
	assert.Equal(t, session.AnnotationUnauthorized, f.lastTurn(t, id).Annotation)

	// The rejection is in-band; the session stays usable.
	_, err = f.router.Handle(ctx, id, Proposal{Kind: KindReply})
	assert.NoError(t, err)
	// Rejected transfers are not counted as accepted ones.
	assert.Equal(t, int64(1), f.counters(t, id).Transfers)
}

func TestTransferToUnknownAgentRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	id := f.newSession(t)

	d, err := f.router.Handle(context.Background(), id, transfer("ghost"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTransferRejected, d.Kind)
	assert.ErrorIs(t, d.Err, ErrUnauthorizedTransfer)
}

func TestOscillationWarnsThenRejects(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)
	assert.False(t, d.Warning)

	d, err = f.router.Handle(ctx, id, transfer("robinhood_login"))
	require.NoError(t, err)
	assert.False(t, d.Warning)

	// Back to orders: first revisit, tolerated with a warning.
	d, err = f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTransfer, d.Kind)
	assert.True(t, d.Warning)
	assert.Equal(t, session.AnnotationLoopWarning, f.lastTurn(t, id).Annotation)

	// Back to login again: the loop is real.
	d, err = f.router.Handle(ctx, id, transfer("robinhood_login"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTransferRejected, d.Kind)
	assert.ErrorIs(t, d.Err, guard.ErrLoopDetected)
	assert.Equal(t, "autoyou", d.NextAgent)
	assert.Equal(t, session.AnnotationLoopDetected, f.lastTurn(t, id).Annotation)
}

func TestReplyResetsLoopTail(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	_, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)
	_, err = f.router.Handle(ctx, id, transfer("robinhood_login"))
	require.NoError(t, err)

	// A reply to the user is progress.
	_, err = f.router.Handle(ctx, id, Proposal{Kind: KindReply})
	require.NoError(t, err)

	// Revisiting orders is no longer a revisit; the tail is fresh.
	d, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTransfer, d.Kind)
	assert.False(t, d.Warning)
}

func TestTransferBudgetExceeded(t *testing.T) {
	f := newFixture(t, fixtureOpts{budget: 2})
	ctx := context.Background()
	id := f.newSession(t)

	_, err := f.router.Handle(ctx, id, transfer("robinhood_orders"))
	require.NoError(t, err)
	_, err = f.router.Handle(ctx, id, transfer("robinhood_login"))
	require.NoError(t, err)

	d, err := f.router.Handle(ctx, id, transfer("autoyou"))
	require.NoError(t, err)
	assert.Equal(t, DecisionTransferRejected, d.Kind)
	assert.ErrorIs(t, d.Err, guard.ErrTransferBudgetExceeded)
	assert.Equal(t, session.AnnotationBudgetExceeded, f.lastTurn(t, id).Annotation)
}

func TestActionConfirmFlow(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	assert.Equal(t, DecisionAwaitConfirmation, d.Kind)
	require.NotNil(t, d.Action)
	assert.Equal(t, gate.StateAwaitingConfirmation, d.Action.State)
	assert.Zero(t, f.executedCount())

	d, err = f.router.Handle(ctx, id, Proposal{Kind: KindConfirmation, ActionID: d.Action.ID})
	require.NoError(t, err)
	assert.Equal(t, DecisionExecute, d.Kind)
	require.NotNil(t, d.Action)
	assert.Equal(t, gate.StateConfirmed, d.Action.State)

	assert.Equal(t, 1, f.executedCount())
	assert.Equal(t, int64(1), f.counters(t, id).ConfirmedActions)

	// The slot is free again.
	d, err = f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	assert.Equal(t, DecisionAwaitConfirmation, d.Kind)
}

func TestActionAbortFlow(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)

	d, err = f.router.Handle(ctx, id, Proposal{Kind: KindAbort, ActionID: d.Action.ID})
	require.NoError(t, err)
	assert.Equal(t, DecisionActionClosed, d.Kind)
	require.NotNil(t, d.Action)
	assert.Equal(t, gate.StateAborted, d.Action.State)

	// Abort never authorizes execution.
	assert.Zero(t, f.executedCount())
	assert.Equal(t, int64(1), f.counters(t, id).AbortedActions)
}

func TestActionAlreadyPending(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	first, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	assert.Equal(t, DecisionActionClosed, d.Kind)
	assert.ErrorIs(t, d.Err, gate.ErrActionAlreadyPending)
	assert.Equal(t, session.AnnotationActionPending, f.lastTurn(t, id).Annotation)

	// The original action is untouched and still confirmable.
	pending, ok := f.gate.Pending(id)
	require.True(t, ok)
	assert.Equal(t, first.Action.ID, pending.ID)
}

func TestNewMessageAbortsPendingAction(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	actionID := d.Action.ID

	// An unrelated message is not an affirmative; the action dies.
	_, err = f.router.Handle(ctx, id, Proposal{Kind: KindReply, Payload: []byte(`{"text":"what is AAPL at?"}`)})
	require.NoError(t, err)

	_, ok := f.gate.Pending(id)
	assert.False(t, ok)
	assert.Equal(t, int64(1), f.counters(t, id).AbortedActions)

	// A late confirm of the dead action cannot execute anything.
	d, err = f.router.Handle(ctx, id, Proposal{Kind: KindConfirmation, ActionID: actionID})
	require.NoError(t, err)
	assert.Equal(t, DecisionActionClosed, d.Kind)
	assert.ErrorIs(t, d.Err, gate.ErrNotAwaitingConfirmation)
	assert.Equal(t, session.AnnotationNotAwaiting, f.lastTurn(t, id).Annotation)
	assert.Zero(t, f.executedCount())
}

func TestStaleActionReplacedOnNewProposal(t *testing.T) {
	f := newFixture(t, fixtureOpts{gateTTL: time.Minute})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	staleID := d.Action.ID

	f.clock.Advance(2 * time.Minute)

	// The lapsed action is swept aside and accounted as aborted.
	d, err = f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	assert.Equal(t, DecisionAwaitConfirmation, d.Kind)
	require.NotNil(t, d.Action)
	assert.NotEqual(t, staleID, d.Action.ID)

	assert.Equal(t, int64(1), f.counters(t, id).AbortedActions)
	assert.Zero(t, f.executedCount())
}

func TestConfirmAfterDeadline(t *testing.T) {
	f := newFixture(t, fixtureOpts{gateTTL: time.Minute})
	ctx := context.Background()
	id := f.newSession(t)

	d, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	actionID := d.Action.ID

	f.clock.Advance(2 * time.Minute)

	d, err = f.router.Handle(ctx, id, Proposal{Kind: KindConfirmation, ActionID: actionID})
	require.NoError(t, err)
	assert.Equal(t, DecisionActionClosed, d.Kind)
	assert.ErrorIs(t, d.Err, gate.ErrActionExpired)
	require.NotNil(t, d.Action)
	assert.Equal(t, gate.StateExpired, d.Action.State)
	assert.Equal(t, session.AnnotationActionExpired, f.lastTurn(t, id).Annotation)

	// Expired counts as aborted and never executes.
	assert.Zero(t, f.executedCount())
	assert.Equal(t, int64(1), f.counters(t, id).AbortedActions)

	// A new proposal is accepted afterwards.
	d, err = f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)
	assert.Equal(t, DecisionAwaitConfirmation, d.Kind)
}

func TestExpireSession(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	id := f.newSession(t)

	_, err := f.router.Handle(ctx, id, actionProposal())
	require.NoError(t, err)

	require.NoError(t, f.router.Expire(ctx, id))

	// Idempotent.
	require.NoError(t, f.router.Expire(ctx, id))

	// The arena entry is released; only backend metadata survives.
	for _, sess := range f.sessions.Sessions() {
		assert.NotEqual(t, id, sess.ID())
	}

	// The pending action was closed, not left dangling.
	_, ok := f.gate.Pending(id)
	assert.False(t, ok)
	assert.Equal(t, int64(1), f.counters(t, id).AbortedActions)
	assert.Empty(t, f.guard.Ledger(id))

	_, err = f.router.Handle(ctx, id, Proposal{Kind: KindReply})
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	assert.Zero(t, f.executedCount())
}

func TestExpireUnknownSession(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	err := f.router.Expire(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{rate: Config{MessagesPerSecond: 0.001, Burst: 1}})
	ctx := context.Background()
	id := f.newSession(t)
	other := f.newSession(t)

	_, err := f.router.Handle(ctx, id, Proposal{Kind: KindReply})
	require.NoError(t, err)

	_, err = f.router.Handle(ctx, id, Proposal{Kind: KindReply})
	assert.ErrorIs(t, err, ErrRateLimited)

	// Limits are per session.
	_, err = f.router.Handle(ctx, other, Proposal{Kind: KindReply})
	assert.NoError(t, err)
}

func TestSessionsProgressIndependently(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = f.newSession(t)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := f.router.Handle(ctx, id, Proposal{Kind: KindReply}); err != nil {
					t.Errorf("Handle failed for %s: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, int64(5), f.counters(t, id).Messages)
		sess, err := f.sessions.Get(ctx, id)
		require.NoError(t, err)
		turns := sess.History()
		for i, turn := range turns {
			assert.Equal(t, uint64(i+1), turn.Seq)
		}
	}
}
