package knowledge

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/farlabs/agentmesh/internal/vectorstore"
)

type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 2}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeIndex struct {
	collections map[string]uint64
	upserts     []map[string]string
	hits        []*vectorstore.SearchResult
	lastFilter  map[string]string
}

func (f *fakeIndex) EnsureCollection(_ context.Context, name string, dim uint64) error {
	if f.collections == nil {
		f.collections = map[string]uint64{}
	}
	f.collections[name] = dim
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, _ string, _ string, _ []float32, payload map[string]string) error {
	f.upserts = append(f.upserts, payload)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ []float32, _ uint64, filter map[string]string) ([]*vectorstore.SearchResult, error) {
	f.lastFilter = filter
	return f.hits, nil
}

func TestInitUsesEmbedderDimension(t *testing.T) {
	idx := &fakeIndex{}
	kb := New(&fakeEmbedder{dim: 768}, idx, zap.NewNop())
	if err := kb.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if idx.collections[CollKnowledge] != 768 {
		t.Errorf("dimension = %d, want 768", idx.collections[CollKnowledge])
	}
}

func TestAddTagsPayload(t *testing.T) {
	idx := &fakeIndex{}
	kb := New(&fakeEmbedder{dim: 3}, idx, zap.NewNop())
	if err := kb.Add(context.Background(), "llm", "the sky is blue", map[string]string{"topic": "colors"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(idx.upserts) != 1 {
		t.Fatalf("upserts = %d", len(idx.upserts))
	}
	p := idx.upserts[0]
	if p["content"] != "the sky is blue" || p["agent_id"] != "llm" || p["topic"] != "colors" {
		t.Errorf("payload = %v", p)
	}
	if p["indexed_at"] == "" {
		t.Error("missing indexed_at")
	}
}

func TestSearchFiltersByAgentAndSortsByScore(t *testing.T) {
	idx := &fakeIndex{hits: []*vectorstore.SearchResult{
		{ID: "a", Score: 0.4, Payload: map[string]string{"content": "low"}},
		{ID: "b", Score: 0.9, Payload: map[string]string{"content": "high"}},
	}}
	kb := New(&fakeEmbedder{dim: 3}, idx, zap.NewNop())

	results, err := kb.Search(context.Background(), "llm", "sky", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if idx.lastFilter["agent_id"] != "llm" {
		t.Errorf("filter = %v", idx.lastFilter)
	}
	if len(results) != 2 || results[0].Content != "high" {
		t.Errorf("results = %+v", results)
	}

	if _, err := kb.Search(context.Background(), "", "sky", 5); err != nil {
		t.Fatalf("Search all: %v", err)
	}
	if idx.lastFilter != nil {
		t.Errorf("expected no filter for empty agent, got %v", idx.lastFilter)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("empty results gave %q", got)
	}
	out := FormatContext([]Result{{Content: "fact", Source: "agent_knowledge:x", Score: 0.8}})
	if !strings.Contains(out, "fact") || !strings.Contains(out, "agent_knowledge:x") {
		t.Errorf("formatted = %q", out)
	}
}
