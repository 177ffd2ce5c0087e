package nodes

import (
	"context"
	"time"

	"support_agent/internal/core"
	"support_agent/pkg"
)

// ReplyNode is the terminal node of every turn: it appends the assistant
// message to history, fixes the session status, and queues the reply event.
type ReplyNode struct{}

// NewReplyNode creates the reply node.
func NewReplyNode() *ReplyNode { return &ReplyNode{} }

func (n *ReplyNode) Name() core.NodeName { return core.NodeReply }

// Execute finalizes the turn. A suspended turn parks the session awaiting
// review at the audit gate; every other turn returns it to active routing.
func (n *ReplyNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	now := time.Now()
	turn.State.Messages = append(turn.State.Messages, pkg.Message{
		Role:      "assistant",
		Content:   turn.ReplyText,
		Timestamp: now,
	})
	turn.State.LastReplyAt = now

	if turn.Suspend {
		turn.State.Status = pkg.StatusAwaitingReview
		turn.State.CurrentNode = core.NodeAuditGate
	} else {
		turn.State.Status = pkg.StatusActive
		turn.State.CurrentNode = core.NodeIntentRoute
	}

	turn.AddEvent(turn.State.UserID, pkg.Event{
		Type: pkg.EventReply,
		Payload: map[string]any{
			"text":   turn.ReplyText,
			"status": string(turn.State.Status),
		},
	})
	return core.NodeDone, nil
}
