package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"support_agent/internal/config"
	"support_agent/internal/logger"
	"support_agent/pkg"
)

// Classifier determines the intent of a single user turn.
type Classifier interface {
	Classify(ctx context.Context, text string, history []pkg.Message) (pkg.Intent, error)
}

// RuleClassifier is the deterministic keyword classifier. It backs the chat
// classifier as a fallback and runs standalone in offline mode.
type RuleClassifier struct{}

// Classify maps keyword hits to intents; refund keywords win over order
// keywords because a refund mention is the more specific signal.
func (RuleClassifier) Classify(_ context.Context, text string, _ []pkg.Message) (pkg.Intent, error) {
	lower := strings.ToLower(text)

	refundWords := []string{"refund", "return", "money back", "退款", "退货", "退钱"}
	for _, w := range refundWords {
		if strings.Contains(lower, w) {
			return pkg.IntentRefundRequest, nil
		}
	}

	orderWords := []string{"order", "tracking", "shipped", "delivery", "package", "物流", "订单", "快递", "发货"}
	for _, w := range orderWords {
		if strings.Contains(lower, w) {
			return pkg.IntentOrderQuery, nil
		}
	}

	policyWords := []string{"policy", "how long", "can i", "warranty", "shipping fee", "政策", "规则", "运费", "保修"}
	for _, w := range policyWords {
		if strings.Contains(lower, w) {
			return pkg.IntentPolicyQuestion, nil
		}
	}
	return pkg.IntentOther, nil
}

func classifierSystemTemplate() string {
	return `You are an intent classifier for an e-commerce customer support agent.

Classify the user's message into exactly ONE of these intents:
- POLICY: questions about store policies (shipping, returns, warranty, fees)
- ORDER: questions about the status or details of the user's own orders
- REFUND: requests to return goods or get money back
- OTHER: greetings, chit-chat, or anything that fits none of the above

STRICT RULES:
1. Answer with the single intent label only, no punctuation, no explanation
2. A message that mentions both an order and a refund is REFUND
3. When in doubt between POLICY and OTHER, prefer POLICY only if the message asks a question`
}

func classifierUserTemplate() string {
	return `{history}message: {input_text}

Intent:`
}

// labelIntent maps a model output label to the internal intent value.
func labelIntent(label string) (pkg.Intent, bool) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "POLICY":
		return pkg.IntentPolicyQuestion, true
	case "ORDER":
		return pkg.IntentOrderQuery, true
	case "REFUND":
		return pkg.IntentRefundRequest, true
	case "OTHER":
		return pkg.IntentOther, true
	}
	return pkg.IntentOther, false
}

// ChatClassifier classifies intents through an LLM chain with the rule
// classifier as fallback when the model fails or answers off-format.
type ChatClassifier struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback RuleClassifier
}

// NewChatClassifier builds the classification chain: template into chat model.
func NewChatClassifier(ctx context.Context, cfg config.ModelConfig) (*ChatClassifier, error) {
	maxTokens := cfg.MaxTokens
	temperature := float32(cfg.Temperature)

	model, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.ChatModel,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}

	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage(classifierSystemTemplate()),
		schema.UserMessage(classifierUserTemplate()),
	)

	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(template).
		AppendChatModel(model).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error building classifier chain: %w", err)
	}

	return &ChatClassifier{chain: chain}, nil
}

// Classify invokes the chain and falls back to rules on any failure.
func (c *ChatClassifier) Classify(ctx context.Context, text string, history []pkg.Message) (pkg.Intent, error) {
	out, err := c.chain.Invoke(ctx, map[string]any{
		"input_text": text,
		"history":    renderHistory(history),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("classifier chain failed, using rule fallback")
		return c.fallback.Classify(ctx, text, history)
	}

	intent, ok := labelIntent(out.Content)
	if !ok {
		logger.Warn().Str("label", out.Content).Msg("unrecognized intent label, using rule fallback")
		return c.fallback.Classify(ctx, text, history)
	}
	return intent, nil
}

// renderHistory formats recent turns as context for the prompt. Only the last
// few messages matter for disambiguation.
func renderHistory(history []pkg.Message) string {
	const maxHistory = 6
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	var b strings.Builder
	b.WriteString("<recent_conversation>\n")
	for i, msg := range history {
		fmt.Fprintf(&b, "%d. [%s]: %s\n", i+1, strings.ToUpper(msg.Role), msg.Content)
	}
	b.WriteString("</recent_conversation>\n\n")
	return b.String()
}
