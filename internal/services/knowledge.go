package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/ollama/ollama/api"

	"support_agent/internal/logger"
	"support_agent/pkg"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder embeds text through a local Ollama server.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder creates an embedder against the given Ollama base URL.
func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	return &OllamaEmbedder{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}, nil
}

// Embed returns the embedding vector for the text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{
		Model: o.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed response contained no vectors")
	}
	return resp.Embeddings[0], nil
}

const hashDims = 256

// HashEmbedder is a deterministic offline embedder: tokens hash into a fixed
// bag-of-words vector. Quality is crude but search behaves consistently,
// which is what development and tests need.
type HashEmbedder struct{}

// Embed hashes alphanumeric tokens of the lowercased text into vector buckets.
func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	vec := make([]float32, hashDims)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%hashDims]++
	}
	return vec, nil
}

// KnowledgeBase is an in-memory vector index over policy document chunks.
type KnowledgeBase struct {
	mu       sync.RWMutex
	embedder Embedder
	chunks   []pkg.KnowledgeChunk
}

// NewKnowledgeBase creates an empty knowledge base over the embedder.
func NewKnowledgeBase(embedder Embedder) *KnowledgeBase {
	return &KnowledgeBase{embedder: embedder}
}

// AddDocument splits the document into paragraph chunks, embeds each, and
// indexes them under the document id.
func (kb *KnowledgeBase) AddDocument(ctx context.Context, documentID, content string) error {
	paragraphs := strings.Split(content, "\n\n")
	var added int
	for i, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		vec, err := kb.embedder.Embed(ctx, para)
		if err != nil {
			return fmt.Errorf("embed document %s chunk %d: %w", documentID, i, err)
		}
		kb.mu.Lock()
		kb.chunks = append(kb.chunks, pkg.KnowledgeChunk{
			ID:         fmt.Sprintf("%s#%d", documentID, i),
			DocumentID: documentID,
			Content:    para,
			Embedding:  vec,
		})
		kb.mu.Unlock()
		added++
	}
	logger.Debug().Str("document_id", documentID).Int("chunks", added).Msg("document indexed")
	return nil
}

// Search returns the top-k chunks by cosine similarity to the query,
// highest score first.
func (kb *KnowledgeBase) Search(ctx context.Context, query string, k int) ([]pkg.ScoredChunk, error) {
	qvec, err := kb.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	kb.mu.RLock()
	scored := make([]pkg.ScoredChunk, 0, len(kb.chunks))
	for _, chunk := range kb.chunks {
		scored = append(scored, pkg.ScoredChunk{
			Chunk: chunk,
			Score: cosine(qvec, chunk.Embedding),
		})
	}
	kb.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
