package nodes

import (
	"context"

	"support_agent/internal/core"
	"support_agent/internal/llm"
	"support_agent/internal/logger"
	"support_agent/pkg"
)

// IntentNode classifies the user's message and routes the turn to the branch
// that handles it.
type IntentNode struct {
	classifier llm.Classifier
}

// NewIntentNode creates the routing node over the given classifier.
func NewIntentNode(classifier llm.Classifier) *IntentNode {
	return &IntentNode{classifier: classifier}
}

func (n *IntentNode) Name() core.NodeName { return core.NodeIntentRoute }

// Execute classifies the message. Classification failures fall through to the
// OTHER branch rather than failing the turn.
func (n *IntentNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	intent, err := n.classifier.Classify(ctx, turn.UserMessage, turn.State.Messages)
	if err != nil {
		logger.Warn().Str("session_id", turn.State.SessionID).Err(err).Msg("intent classification failed")
		intent = pkg.IntentOther
	}
	turn.State.Intent = intent
	logger.Debug().Str("session_id", turn.State.SessionID).Str("intent", string(intent)).Msg("intent classified")

	switch intent {
	case pkg.IntentPolicyQuestion:
		return core.NodeRetrieveAnswer, nil
	case pkg.IntentOrderQuery:
		return core.NodeOrderQuery, nil
	case pkg.IntentRefundRequest:
		return core.NodeRefundEligibility, nil
	default:
		turn.ReplyText = "I can help with policy questions, order status, and refunds. What would you like to do?"
		return core.NodeReply, nil
	}
}
