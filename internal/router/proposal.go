package router

import (
	"encoding/json"

	"github.com/autoyou-dev/autoyou/internal/gate"
)

// ProposalKind tags the variant of an inbound proposal.
type ProposalKind string

const (
	// KindReply is a direct agent reply to the user.
	KindReply ProposalKind = "reply"
	// KindTransfer requests a handoff to another agent.
	KindTransfer ProposalKind = "transfer_request"
	// KindAction proposes a state-mutating action.
	KindAction ProposalKind = "action_request"
	// KindConfirmation is an unambiguous user affirmation of a pending action.
	KindConfirmation ProposalKind = "confirmation"
	// KindAbort is a user rejection of a pending action.
	KindAbort ProposalKind = "abort"
)

// Proposal is the current agent's proposed next step. Agent reasoning is
// an untrusted external signal; the router enforces safety invariants
// independently of it.
type Proposal struct {
	// Kind selects the variant.
	Kind ProposalKind `json:"kind"`
	// Target is the destination agent id (transfer_request only).
	Target string `json:"target,omitempty"`
	// Action describes the proposed action (action_request only).
	Action *gate.Descriptor `json:"action,omitempty"`
	// ActionID identifies the pending action (confirmation/abort only).
	ActionID string `json:"actionId,omitempty"`
	// Payload is opaque conversational content carried on the turn.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecisionKind tags the router's verdict.
type DecisionKind string

const (
	// DecisionReply acknowledges an appended reply.
	DecisionReply DecisionKind = "reply"
	// DecisionTransfer authorizes the handoff; NextAgent is the target.
	DecisionTransfer DecisionKind = "transfer"
	// DecisionTransferRejected rejects the handoff; NextAgent is the fallback.
	DecisionTransferRejected DecisionKind = "transfer_rejected"
	// DecisionAwaitConfirmation instructs the caller to surface the
	// pending action to the user for confirmation.
	DecisionAwaitConfirmation DecisionKind = "await_confirmation"
	// DecisionExecute authorizes execution of a confirmed action.
	DecisionExecute DecisionKind = "execute"
	// DecisionActionClosed reports a terminal non-executable action
	// state (aborted, expired) or a rejected action proposal.
	DecisionActionClosed DecisionKind = "action_closed"
)

// Decision is the router's executable verdict on a proposal.
// Rejections are in-band: the session stays alive, the rejection reason
// rides on the appended turn, and Err carries the taxonomy error for
// programmatic handling.
type Decision struct {
	// Kind is the verdict.
	Kind DecisionKind
	// NextAgent is the agent owning the session after this decision.
	NextAgent string
	// Warning is set when a transfer was tolerated as a single oscillation.
	Warning bool
	// Err is the taxonomy error behind a rejection verdict, nil otherwise.
	Err error
	// Action is a snapshot of the affected pending action, if any.
	Action *gate.Action
	// Seq is the sequence number of the turn this decision appended.
	Seq uint64
}
