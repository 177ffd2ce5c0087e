package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support_agent/pkg"
)

func TestRuleClassifierIntents(t *testing.T) {
	c := RuleClassifier{}
	ctx := context.Background()

	cases := []struct {
		text string
		want pkg.Intent
	}{
		{"I want a refund for my keyboard", pkg.IntentRefundRequest},
		{"where is my order SN20240002", pkg.IntentOrderQuery},
		{"what is your shipping policy", pkg.IntentPolicyQuestion},
		{"hello there", pkg.IntentOther},
		{"my order arrived broken, I want my money back", pkg.IntentRefundRequest},
		{"我想退款", pkg.IntentRefundRequest},
		{"订单到哪了", pkg.IntentOrderQuery},
	}
	for _, tc := range cases {
		got, err := c.Classify(ctx, tc.text, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "text: %s", tc.text)
	}
}

func TestLabelIntentMapping(t *testing.T) {
	for label, want := range map[string]pkg.Intent{
		"POLICY":   pkg.IntentPolicyQuestion,
		"order":    pkg.IntentOrderQuery,
		" REFUND ": pkg.IntentRefundRequest,
		"OTHER":    pkg.IntentOther,
	} {
		got, ok := labelIntent(label)
		assert.True(t, ok, "label: %q", label)
		assert.Equal(t, want, got)
	}

	_, ok := labelIntent("I think this is a REFUND request")
	assert.False(t, ok)
}

func TestTemplateComposerQuotesSnippets(t *testing.T) {
	c := TemplateComposer{}

	answer, err := c.Compose(context.Background(), "how long do refunds take", []string{
		"Refunds are returned within 5 business days.",
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "Refunds are returned within 5 business days.")
}

func TestTemplateComposerRequiresSnippets(t *testing.T) {
	_, err := TemplateComposer{}.Compose(context.Background(), "anything", nil)
	assert.Error(t, err)
}

func TestRenderHistoryTruncates(t *testing.T) {
	var history []pkg.Message
	for i := 0; i < 10; i++ {
		history = append(history, pkg.Message{Role: "user", Content: "msg"})
	}
	rendered := renderHistory(history)
	assert.Contains(t, rendered, "<recent_conversation>")
	assert.NotContains(t, rendered, "7. ")

	assert.Empty(t, renderHistory(nil))
}
