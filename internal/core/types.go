package core

import (
	"context"
	"errors"
	"time"

	"support_agent/pkg"
)

// NodeName identifies a state in the workflow state machine.
type NodeName string

const (
	NodeIntentRoute       NodeName = "intent_route"
	NodeRetrieveAnswer    NodeName = "retrieve_and_answer"
	NodeOrderQuery        NodeName = "order_query"
	NodeRefundEligibility NodeName = "refund_eligibility"
	NodeRefundSubmit      NodeName = "refund_submit"
	NodeAuditGate         NodeName = "audit_gate"
	NodeResumeDecision    NodeName = "resume_after_decision"
	NodeReply             NodeName = "reply"
	NodeDone              NodeName = "done"
)

// SessionState is the durable snapshot of one conversation's workflow state.
// It is exclusively owned by the engine: all mutation goes through the
// load-mutate-store cycle of one turn.
type SessionState struct {
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	Status        pkg.SessionStatus `json:"status"`
	Messages      []pkg.Message     `json:"messages"`
	CurrentNode   NodeName          `json:"current_node"`
	Intent        pkg.Intent        `json:"intent,omitempty"`
	Context       []string          `json:"context,omitempty"` // retrieved knowledge snippets
	Order         *pkg.Order        `json:"order,omitempty"`
	Draft         *pkg.RefundDraft  `json:"draft,omitempty"`
	PendingTaskID string            `json:"pending_task_id,omitempty"`
	LastReplyAt   time.Time         `json:"last_reply_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Decision carries a terminal human-review verdict into the resume path.
type Decision struct {
	TaskID     string
	SessionID  string
	Verdict    pkg.ReviewVerdict
	ReviewerID string
	Note       string
	DecidedAt  time.Time
}

// Turn is the scratch space for one engine invocation. Mutation during a turn
// is local; nothing is visible to other callers until the single store commit.
type Turn struct {
	State       *SessionState
	UserMessage string
	Decision    *Decision // set only on the resume path

	ReplyText string
	Cards     []pkg.ReplyCard
	Events    []pkg.Event // published after the store commit succeeds
	Suspend   bool        // turn ends awaiting human review

	// Effects are external side effects (refund writes, task enqueue,
	// background dispatch) queued by nodes and run exactly once, only after
	// the turn's store commit succeeds. A retried turn rebuilds its effects
	// from fresh state, so an abandoned attempt leaves no trace.
	Effects []func(ctx context.Context)
}

// AddEffect queues a side effect for execution after a successful commit.
func (t *Turn) AddEffect(fn func(ctx context.Context)) {
	t.Effects = append(t.Effects, fn)
}

// AddEvent queues an event for best-effort publication after commit.
func (t *Turn) AddEvent(identity string, ev pkg.Event) {
	ev.SessionID = t.State.SessionID
	ev.Timestamp = time.Now()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Payload["identity"] = identity
	t.Events = append(t.Events, ev)
}

// Node is one state of the machine: performs one unit of work and names the
// next node.
type Node interface {
	Name() NodeName
	Execute(ctx context.Context, turn *Turn) (NodeName, error)
}

// SessionStore is the durable, versioned session state contract. Load creates
// a fresh state at version 0 when the session is unknown. Store succeeds only
// when expectedVersion matches the stored version, and bumps it by exactly 1.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*SessionState, uint64, error)
	Store(ctx context.Context, sessionID string, expectedVersion uint64, state *SessionState) (uint64, error)
}

// Notifier fans an event out to all live connections of an identity.
// Delivery is best-effort; absence of a connection is not an error.
type Notifier interface {
	Publish(identity string, ev pkg.Event) int
}

// RefundLedger is the slice of the business query interface the engine needs
// for background-task completion reporting.
type RefundLedger interface {
	SetDeliveryStatus(refundID string, outcome pkg.TaskOutcome) (*pkg.RefundRecord, error)
}

// ErrVersionConflict is returned by SessionStore.Store when the expected
// version is stale. The caller reloads and retries once; a second conflict is
// fatal for the turn.
var ErrVersionConflict = errors.New("session version conflict")

// ErrExternal marks recoverable external-dependency failures (knowledge
// search, eligibility tool). The turn is abandoned without committing state.
var ErrExternal = errors.New("external dependency failure")

// ErrStaleDecision is returned by the resume path when the session is not
// awaiting the decided task.
var ErrStaleDecision = errors.New("decision does not match session state")

// Fixed replies for the short-circuit and failure paths.
const (
	ReviewPendingReply = "Your refund request is still under review. We will notify you as soon as a decision is made."
	TransientReply     = "Sorry, we were unable to complete your request just now. Please try again in a moment."
	NoKnowledgeReply   = "Sorry, no relevant policy information was found for your question."
	OrderNotFoundReply = "Sorry, we could not find a matching order. Please check the order number and try again."
)
