// Package session provides session state for the AutoYou control core.
// A session holds the write-once turn history of one conversation, the
// currently active agent, and analytics counters. Turn storage is
// append-only and pluggable (file, Redis, Firestore).
package session

import (
	"encoding/json"
	"time"
)

// TurnKind identifies what a turn represents.
type TurnKind string

const (
	// KindReply is a direct agent reply to the user.
	KindReply TurnKind = "reply"
	// KindTransferRequest is an agent-to-agent handoff request.
	KindTransferRequest TurnKind = "transfer_request"
	// KindActionRequest is a proposed state-mutating action.
	KindActionRequest TurnKind = "action_request"
	// KindConfirmation is a user confirmation of a pending action.
	KindConfirmation TurnKind = "confirmation"
	// KindAbort is a user rejection of a pending action.
	KindAbort TurnKind = "abort"
)

// Turn annotations attached by the router. A turn carries at most one.
const (
	// AnnotationLoopWarning marks a tolerated single oscillation.
	AnnotationLoopWarning = "loop_warning"
	// AnnotationLoopDetected marks a transfer rejected as a cycle.
	AnnotationLoopDetected = "loop_detected"
	// AnnotationBudgetExceeded marks a transfer rejected for tail length.
	AnnotationBudgetExceeded = "transfer_budget_exceeded"
	// AnnotationUnauthorized marks a transfer outside the allow-list.
	AnnotationUnauthorized = "unauthorized_transfer"
	// AnnotationActionPending marks an action rejected because one is outstanding.
	AnnotationActionPending = "action_already_pending"
	// AnnotationActionExpired marks a confirmation that arrived too late.
	AnnotationActionExpired = "action_expired"
	// AnnotationNotAwaiting marks a confirm or abort of an action that is
	// not awaiting confirmation.
	AnnotationNotAwaiting = "not_awaiting_confirmation"
)

// Turn is a single entry in a session's history.
// Turns are append-only and immutable once written.
type Turn struct {
	// Seq is the monotonic sequence number within the session.
	Seq uint64 `json:"seq"`
	// Agent is the id of the agent that originated the turn.
	Agent string `json:"agent"`
	// Kind indicates what this turn represents.
	Kind TurnKind `json:"kind"`
	// Payload is opaque to the core; owned by the calling agent layer.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Annotation carries a router-attached warning or rejection reason.
	Annotation string `json:"annotation,omitempty"`
	// Timestamp is when the turn was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Counters holds per-session analytics.
type Counters struct {
	// Messages is the total number of turns appended.
	Messages int64 `json:"messages"`
	// Transfers is the number of accepted agent handoffs.
	Transfers int64 `json:"transfers"`
	// ConfirmedActions is the number of actions that reached Confirmed.
	ConfirmedActions int64 `json:"confirmedActions"`
	// AbortedActions is the number of actions aborted or expired.
	AbortedActions int64 `json:"abortedActions"`
}

// Metadata holds session summary information.
// It is stored separately from turns for quick listing.
type Metadata struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// ActiveAgent is the id of the agent currently owning the session.
	ActiveAgent string `json:"activeAgent"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// LastActiveAt is when the session last appended a turn.
	LastActiveAt time.Time `json:"lastActiveAt"`
	// Expired marks a closed session. Expired sessions reject appends.
	Expired bool `json:"expired"`
	// Counters holds the session's analytics counters.
	Counters Counters `json:"counters"`
}
