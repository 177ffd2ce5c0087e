package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := HashEmbedder{}
	ctx := context.Background()

	a, err := e.Embed(ctx, "refund policy window")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "refund policy window")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "shipping cost")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSearchRanksOverlappingChunksFirst(t *testing.T) {
	kb := NewKnowledgeBase(HashEmbedder{})
	ctx := context.Background()

	require.NoError(t, kb.AddDocument(ctx, "refund",
		"Refunds can be requested within 7 days of placing the order.\n\nUnderwear and food cannot be returned."))
	require.NoError(t, kb.AddDocument(ctx, "shipping",
		"Standard shipping takes 3 to 5 business days."))

	results, err := kb.Search(ctx, "refunds requested within how many days", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "refund", results[0].Chunk.DocumentID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchEmptyBaseReturnsNothing(t *testing.T) {
	kb := NewKnowledgeBase(HashEmbedder{})

	results, err := kb.Search(context.Background(), "anything", 4)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddDocumentSplitsParagraphs(t *testing.T) {
	kb := NewKnowledgeBase(HashEmbedder{})
	ctx := context.Background()

	require.NoError(t, kb.AddDocument(ctx, "doc", "first paragraph\n\nsecond paragraph\n\n\n"))

	results, err := kb.Search(ctx, "paragraph", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
