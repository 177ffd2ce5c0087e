package nodes

import (
	"context"
	"fmt"
	"time"

	"support_agent/internal/core"
	"support_agent/internal/llm"
	"support_agent/internal/logger"
	"support_agent/internal/services"
)

// KnowledgeNode answers policy questions from the knowledge base. Answers are
// grounded in retrieved chunks; below the relevance floor it says so instead
// of inventing policy.
type KnowledgeNode struct {
	kb             *services.KnowledgeBase
	composer       llm.AnswerComposer
	topK           int
	relevanceFloor float64
	timeout        time.Duration
}

// NewKnowledgeNode creates the retrieval node.
func NewKnowledgeNode(kb *services.KnowledgeBase, composer llm.AnswerComposer, topK int, relevanceFloor float64, timeout time.Duration) *KnowledgeNode {
	if topK <= 0 {
		topK = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KnowledgeNode{
		kb:             kb,
		composer:       composer,
		topK:           topK,
		relevanceFloor: relevanceFloor,
		timeout:        timeout,
	}
}

func (n *KnowledgeNode) Name() core.NodeName { return core.NodeRetrieveAnswer }

// Execute retrieves, filters by relevance, and composes the answer. A search
// failure is an external failure: the whole turn is abandoned.
func (n *KnowledgeNode) Execute(ctx context.Context, turn *core.Turn) (core.NodeName, error) {
	searchCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	scored, err := n.kb.Search(searchCtx, turn.UserMessage, n.topK)
	if err != nil {
		return "", fmt.Errorf("knowledge search: %w: %v", core.ErrExternal, err)
	}

	var snippets []string
	for _, sc := range scored {
		if sc.Score >= n.relevanceFloor {
			snippets = append(snippets, sc.Chunk.Content)
		}
	}
	turn.State.Context = snippets

	if len(snippets) == 0 {
		logger.Debug().
			Str("session_id", turn.State.SessionID).
			Int("retrieved", len(scored)).
			Msg("no chunks above relevance floor")
		turn.ReplyText = core.NoKnowledgeReply
		return core.NodeReply, nil
	}

	answer, err := n.composer.Compose(ctx, turn.UserMessage, snippets)
	if err != nil {
		logger.Warn().Str("session_id", turn.State.SessionID).Err(err).Msg("answer composition failed")
		turn.ReplyText = core.NoKnowledgeReply
		return core.NodeReply, nil
	}
	turn.ReplyText = answer
	return core.NodeReply, nil
}
