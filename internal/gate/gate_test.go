package gate

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// testClock is a settable time source.
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

func propose(t *testing.T, g *Gate, sessionID string) Action {
	t.Helper()
	action, _, err := g.Propose(sessionID, "robinhood_orders", Descriptor{Payload: []byte(`{"symbol":"AAPL"}`)})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	return action
}

func present(t *testing.T, g *Gate, sessionID string) Action {
	t.Helper()
	action := propose(t, g, sessionID)
	if _, err := g.Present(sessionID, action.ID); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	return action
}

func TestProposeAndConfirm(t *testing.T) {
	g := New()
	action := present(t, g, "s1")

	resolved, err := g.Confirm("s1", action.ID)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if resolved.State != StateConfirmed {
		t.Errorf("Expected state %s, got %s", StateConfirmed, resolved.State)
	}
	if _, ok := g.Pending("s1"); ok {
		t.Error("Expected no pending action after confirm")
	}
}

func TestAbort(t *testing.T) {
	g := New()
	action := present(t, g, "s1")

	resolved, err := g.Abort("s1", action.ID)
	if err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if resolved.State != StateAborted {
		t.Errorf("Expected state %s, got %s", StateAborted, resolved.State)
	}
}

func TestSecondProposalRejected(t *testing.T) {
	g := New()
	propose(t, g, "s1")

	_, _, err := g.Propose("s1", "robinhood_orders", Descriptor{})
	if !errors.Is(err, ErrActionAlreadyPending) {
		t.Errorf("Expected ErrActionAlreadyPending, got %v", err)
	}

	// Other sessions are unaffected.
	if _, _, err := g.Propose("s2", "robinhood_orders", Descriptor{}); err != nil {
		t.Errorf("Expected proposal on another session to succeed, got %v", err)
	}
}

func TestConfirmRequiresPresentation(t *testing.T) {
	g := New()
	action := propose(t, g, "s1")

	// Still in Proposed; confirmation must fail.
	if _, err := g.Confirm("s1", action.ID); !errors.Is(err, ErrNotAwaitingConfirmation) {
		t.Errorf("Expected ErrNotAwaitingConfirmation, got %v", err)
	}
}

func TestConfirmUnknownAction(t *testing.T) {
	g := New()
	present(t, g, "s1")

	if _, err := g.Confirm("s1", "no-such-id"); !errors.Is(err, ErrNotAwaitingConfirmation) {
		t.Errorf("Expected ErrNotAwaitingConfirmation for wrong id, got %v", err)
	}
	if _, err := g.Confirm("s2", "no-such-id"); !errors.Is(err, ErrNotAwaitingConfirmation) {
		t.Errorf("Expected ErrNotAwaitingConfirmation for unknown session, got %v", err)
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	g := New()
	action := present(t, g, "s1")

	if _, err := g.Abort("s1", action.ID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	// A resolved action cannot be confirmed afterwards.
	if _, err := g.Confirm("s1", action.ID); !errors.Is(err, ErrNotAwaitingConfirmation) {
		t.Errorf("Expected ErrNotAwaitingConfirmation after abort, got %v", err)
	}
}

func TestConfirmAfterDeadline(t *testing.T) {
	clock := newTestClock()
	g := New(WithTTL(time.Minute), WithClock(clock.Now))
	action := present(t, g, "s1")

	clock.Advance(2 * time.Minute)

	resolved, err := g.Confirm("s1", action.ID)
	if !errors.Is(err, ErrActionExpired) {
		t.Fatalf("Expected ErrActionExpired, got %v", err)
	}
	if resolved.State != StateExpired {
		t.Errorf("Expected state %s, got %s", StateExpired, resolved.State)
	}

	// The expired slot is free for a new proposal.
	propose(t, g, "s1")
}

func TestStalePendingReplacedOnPropose(t *testing.T) {
	clock := newTestClock()
	g := New(WithTTL(time.Minute), WithClock(clock.Now))
	first := present(t, g, "s1")

	clock.Advance(2 * time.Minute)

	second, displaced, err := g.Propose("s1", "robinhood_orders", Descriptor{})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("Expected a fresh action id after replacing a stale one")
	}
	if second.State != StateProposed {
		t.Errorf("Expected state %s, got %s", StateProposed, second.State)
	}

	// The stale action is handed back as Expired so callers can account
	// for it.
	if displaced == nil {
		t.Fatal("Expected the replaced action to be returned")
	}
	if displaced.ID != first.ID {
		t.Errorf("Expected displaced action %s, got %s", first.ID, displaced.ID)
	}
	if displaced.State != StateExpired {
		t.Errorf("Expected displaced state %s, got %s", StateExpired, displaced.State)
	}
}

func TestProposeWithoutStalePendingDisplacesNothing(t *testing.T) {
	g := New()

	_, displaced, err := g.Propose("s1", "robinhood_orders", Descriptor{})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if displaced != nil {
		t.Errorf("Expected no displaced action, got %v", displaced)
	}
}

func TestAbortPending(t *testing.T) {
	g := New()
	present(t, g, "s1")

	aborted, ok := g.AbortPending("s1")
	if !ok {
		t.Fatal("Expected a pending action to abort")
	}
	if aborted.State != StateAborted {
		t.Errorf("Expected state %s, got %s", StateAborted, aborted.State)
	}

	if _, ok := g.AbortPending("s1"); ok {
		t.Error("Expected AbortPending to be a no-op on an empty session")
	}
}

func TestAbortPendingPastDeadline(t *testing.T) {
	clock := newTestClock()
	g := New(WithTTL(time.Minute), WithClock(clock.Now))
	present(t, g, "s1")

	clock.Advance(2 * time.Minute)

	action, ok := g.AbortPending("s1")
	if !ok {
		t.Fatal("Expected a pending action")
	}
	if action.State != StateExpired {
		t.Errorf("Expected overdue action to expire, got %s", action.State)
	}
}

func TestExpireIdempotent(t *testing.T) {
	g := New()
	present(t, g, "s1")

	if action, ok := g.Expire("s1"); !ok || action.State != StateExpired {
		t.Errorf("Expected an expired action, got ok=%v state=%s", ok, action.State)
	}
	if _, ok := g.Expire("s1"); ok {
		t.Error("Expected second expire to find nothing")
	}
}

func TestSweep(t *testing.T) {
	clock := newTestClock()
	g := New(WithTTL(time.Minute), WithClock(clock.Now))

	present(t, g, "s1")
	clock.Advance(30 * time.Second)
	fresh := present(t, g, "s2")
	clock.Advance(45 * time.Second)

	expired := g.Sweep()
	if len(expired) != 1 {
		t.Fatalf("Expected 1 expired action, got %d", len(expired))
	}
	if expired[0].SessionID != "s1" {
		t.Errorf("Expected session s1 to expire, got %s", expired[0].SessionID)
	}

	if pending, ok := g.Pending("s2"); !ok || pending.ID != fresh.ID {
		t.Error("Expected the fresh action to survive the sweep")
	}
}

func TestConcurrentConfirmAbort(t *testing.T) {
	for i := 0; i < 50; i++ {
		g := New()
		action := present(t, g, "s1")

		var wg sync.WaitGroup
		results := make([]Action, 2)
		errs := make([]error, 2)

		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = g.Confirm("s1", action.ID)
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = g.Abort("s1", action.ID)
		}()
		wg.Wait()

		// Exactly one call wins, the other sees the terminal state.
		if (errs[0] == nil) == (errs[1] == nil) {
			t.Fatalf("Expected exactly one winner, got errs %v / %v", errs[0], errs[1])
		}
		if errs[0] == nil && results[0].State != StateConfirmed {
			t.Errorf("Confirm won but state is %s", results[0].State)
		}
		if errs[1] == nil && results[1].State != StateAborted {
			t.Errorf("Abort won but state is %s", results[1].State)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{StateProposed, false},
		{StateAwaitingConfirmation, false},
		{StateConfirmed, true},
		{StateAborted, true},
		{StateExpired, true},
	}
	for _, tc := range tests {
		if got := tc.state.Terminal(); got != tc.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tc.state, got, tc.terminal)
		}
	}
}
