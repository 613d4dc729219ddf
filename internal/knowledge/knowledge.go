// Package knowledge coordinates embedding generation and vector search so
// agents can index facts and retrieve relevant context for prompts.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/embedding"
	"github.com/farlabs/agentmesh/internal/vectorstore"
)

// CollKnowledge is the collection holding agent-indexed facts.
const CollKnowledge = "agent_knowledge"

// VectorIndex is the subset of the vector store the knowledge base needs.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, filter map[string]string) ([]*vectorstore.SearchResult, error)
}

// Base stores and retrieves text snippets over an embedding provider and a
// vector index.
type Base struct {
	embedder embedding.Provider
	index    VectorIndex
	logger   *zap.Logger
}

// New creates a knowledge base.
func New(embedder embedding.Provider, index VectorIndex, logger *zap.Logger) *Base {
	return &Base{embedder: embedder, index: index, logger: logger}
}

// Init ensures the knowledge collection exists.
func (b *Base) Init(ctx context.Context) error {
	dim := uint64(b.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := b.index.EnsureCollection(ctx, CollKnowledge, dim); err != nil {
		return fmt.Errorf("init knowledge collection: %w", err)
	}
	return nil
}

// Result holds a single retrieval hit.
type Result struct {
	Content string
	Source  string
	Score   float32
}

// Add embeds the content and indexes it under the owning agent.
func (b *Base) Add(ctx context.Context, agentID, content string, metadata map[string]string) error {
	vectors, err := b.embedder.Embed(ctx, []string{content})
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("empty embedding result")
	}

	payload := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["content"] = content
	payload["agent_id"] = agentID
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	return b.index.Upsert(ctx, CollKnowledge, uuid.New().String(), vectors[0], payload)
}

// Search embeds the query and returns the top-K hits for the given agent,
// sorted by descending score. An empty agentID searches across all agents.
func (b *Base) Search(ctx context.Context, agentID, query string, topK int) ([]Result, error) {
	vectors, err := b.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var filter map[string]string
	if agentID != "" {
		filter = map[string]string{"agent_id": agentID}
	}
	hits, err := b.index.Search(ctx, CollKnowledge, vectors[0], uint64(topK), filter)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Content: h.Payload["content"],
			Source:  CollKnowledge + ":" + h.ID,
			Score:   h.Score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// FormatContext renders results into a prompt-friendly block.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b []byte
	b = append(b, "## Retrieved Context\n\n"...)
	for i, r := range results {
		b = append(b, fmt.Sprintf("%d. [%s] (score: %.2f)\n%s\n\n", i+1, r.Source, r.Score, r.Content)...)
	}
	return string(b)
}
