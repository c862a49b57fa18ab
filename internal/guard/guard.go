// Package guard implements the transfer ledger and loop guard for the
// AutoYou router. The ledger is an append-only log of agent handoffs per
// session; the guard evaluates each proposed handoff against the current
// tail of transfers and rejects cycle patterns and runaway chains.
package guard

import (
	"errors"
	"fmt"
	"sync"
)

// Common errors for transfer evaluation.
var (
	// ErrLoopDetected is returned when a handoff would repeat a cycle
	// beyond the tolerated single oscillation.
	ErrLoopDetected = errors.New("transfer loop detected")
	// ErrTransferBudgetExceeded is returned when the unbroken transfer
	// tail would exceed the configured budget.
	ErrTransferBudgetExceeded = errors.New("transfer budget exceeded")
)

// DefaultMaxTailTransfers bounds the unbroken transfer tail.
const DefaultMaxTailTransfers = 8

// Record is one entry in a session's transfer ledger.
type Record struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
	// Seq is the sequence number of the turn that carried the transfer.
	Seq uint64 `json:"seq"`
}

// Verdict is the guard's decision on a proposed handoff.
type Verdict struct {
	// Warn marks a tolerated single oscillation. The router attaches a
	// warning annotation to the turn instead of rejecting.
	Warn bool
}

// tail tracks loop state for the unbroken run of transfers since the
// last user-facing reply.
type tail struct {
	// visited holds the agent occupying the session when the tail began,
	// followed by the destination of every transfer since.
	visited []string
	// transfers counts handoffs in the tail.
	transfers int
	// warned is set once the single tolerated oscillation is spent.
	warned bool
	// pairs counts occurrences of each from->to edge in the tail.
	pairs map[string]int
}

func (t *tail) contains(agent string) bool {
	for _, v := range t.visited {
		if v == agent {
			return true
		}
	}
	return false
}

func pairKey(from, to string) string {
	return from + "\x00" + to
}

// Guard owns per-session transfer ledgers and loop state.
// Guard is safe for concurrent use; the router additionally serializes
// all mutations for one session.
type Guard struct {
	mu      sync.RWMutex
	budget  int
	tails   map[string]*tail
	ledgers map[string][]Record
	lastSeq map[string]uint64
}

// New creates a guard. A non-positive budget falls back to the default.
func New(maxTailTransfers int) *Guard {
	if maxTailTransfers <= 0 {
		maxTailTransfers = DefaultMaxTailTransfers
	}
	return &Guard{
		budget:  maxTailTransfers,
		tails:   make(map[string]*tail),
		ledgers: make(map[string][]Record),
		lastSeq: make(map[string]uint64),
	}
}

// Check evaluates a proposed handoff without recording it.
// The policy over the current tail:
//   - transfers beyond the budget: ErrTransferBudgetExceeded
//   - a (from,to) edge already seen twice: ErrLoopDetected
//   - first revisit of any agent: allowed, Verdict.Warn set
//   - any further revisit: ErrLoopDetected
func (g *Guard) Check(sessionID, from, to string) (Verdict, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t := g.tails[sessionID]
	if t == nil {
		// Fresh tail: the only possible cycle is an agent handing off
		// to itself.
		if from == to {
			return Verdict{Warn: true}, nil
		}
		return Verdict{}, nil
	}

	if t.transfers+1 > g.budget {
		return Verdict{}, fmt.Errorf("tail has %d transfers (budget %d): %w",
			t.transfers, g.budget, ErrTransferBudgetExceeded)
	}

	if t.pairs[pairKey(from, to)] >= 2 {
		return Verdict{}, fmt.Errorf("handoff %s->%s repeated twice already: %w",
			from, to, ErrLoopDetected)
	}

	if t.contains(to) {
		if t.warned {
			return Verdict{}, fmt.Errorf("agent %s already revisited in tail: %w",
				to, ErrLoopDetected)
		}
		return Verdict{Warn: true}, nil
	}

	return Verdict{}, nil
}

// Commit records an admitted handoff in the ledger and extends the tail.
// seq must be strictly greater than every previously committed sequence
// number for the session; a violation means the ledger invariant is broken
// and the error is fatal for the session.
func (g *Guard) Commit(sessionID, from, to string, seq uint64, v Verdict) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last := g.lastSeq[sessionID]; seq <= last {
		return Record{}, fmt.Errorf("transfer ledger corrupt for session %s: seq %d after %d",
			sessionID, seq, last)
	}

	t := g.tails[sessionID]
	if t == nil {
		t = &tail{
			visited: []string{from},
			pairs:   make(map[string]int),
		}
		g.tails[sessionID] = t
	}

	t.visited = append(t.visited, to)
	t.transfers++
	t.pairs[pairKey(from, to)]++
	if v.Warn {
		t.warned = true
	}

	rec := Record{SessionID: sessionID, From: from, To: to, Seq: seq}
	g.ledgers[sessionID] = append(g.ledgers[sessionID], rec)
	g.lastSeq[sessionID] = seq

	return rec, nil
}

// Reset clears the session's tail. Called when the user receives a
// genuine reply; progress clears loop state. The ledger itself is kept.
func (g *Guard) Reset(sessionID string) {
	g.mu.Lock()
	delete(g.tails, sessionID)
	g.mu.Unlock()
}

// Drop discards all state for a session. Called on session expiry.
func (g *Guard) Drop(sessionID string) {
	g.mu.Lock()
	delete(g.tails, sessionID)
	delete(g.ledgers, sessionID)
	delete(g.lastSeq, sessionID)
	g.mu.Unlock()
}

// Ledger returns a snapshot of the session's transfer records.
func (g *Guard) Ledger(sessionID string) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	recs := g.ledgers[sessionID]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// TailLen returns the number of transfers in the session's current tail.
func (g *Guard) TailLen(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if t := g.tails[sessionID]; t != nil {
		return t.transfers
	}
	return 0
}
