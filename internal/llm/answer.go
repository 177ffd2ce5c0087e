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
)

// AnswerComposer turns retrieved policy snippets into a grounded reply.
// Snippets are the only permitted source of facts.
type AnswerComposer interface {
	Compose(ctx context.Context, question string, snippets []string) (string, error)
}

// TemplateComposer is the deterministic composer: it quotes the retrieved
// snippets verbatim. Used offline and as the chat composer's fallback.
type TemplateComposer struct{}

// Compose concatenates the snippets under a short lead-in.
func (TemplateComposer) Compose(_ context.Context, _ string, snippets []string) (string, error) {
	if len(snippets) == 0 {
		return "", fmt.Errorf("no snippets to compose from")
	}
	var b strings.Builder
	b.WriteString("Here is what our policy says:\n")
	for _, s := range snippets {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func composerSystemTemplate() string {
	return `You are a customer support agent answering policy questions.

STRICT RULES:
1. Answer ONLY from the provided policy excerpts
2. If the excerpts do not cover the question, say that no relevant policy information was found
3. Never invent policy details, numbers, or timeframes
4. Keep the answer short and direct, two to four sentences`
}

func composerUserTemplate() string {
	return `<policy_excerpts>
{snippets}
</policy_excerpts>

question: {question}

Answer:`
}

// ChatComposer writes answers through an LLM chain, constrained to the
// retrieved snippets, with the template composer as fallback.
type ChatComposer struct {
	chain    compose.Runnable[map[string]any, *schema.Message]
	fallback TemplateComposer
}

// NewChatComposer builds the answer chain: template into chat model.
func NewChatComposer(ctx context.Context, cfg config.ModelConfig) (*ChatComposer, error) {
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
		schema.SystemMessage(composerSystemTemplate()),
		schema.UserMessage(composerUserTemplate()),
	)

	chain, err := compose.NewChain[map[string]any, *schema.Message]().
		AppendChatTemplate(template).
		AppendChatModel(model).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error building composer chain: %w", err)
	}

	return &ChatComposer{chain: chain}, nil
}

// Compose invokes the chain and falls back to the template composer on
// failure or an empty answer.
func (c *ChatComposer) Compose(ctx context.Context, question string, snippets []string) (string, error) {
	var b strings.Builder
	for i, s := range snippets {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}

	out, err := c.chain.Invoke(ctx, map[string]any{
		"question": question,
		"snippets": strings.TrimRight(b.String(), "\n"),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("composer chain failed, using template fallback")
		return c.fallback.Compose(ctx, question, snippets)
	}
	answer := strings.TrimSpace(out.Content)
	if answer == "" {
		return c.fallback.Compose(ctx, question, snippets)
	}
	return answer, nil
}
