//go:build cgo

package localsearch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubEmbedder returns a fixed vector for any query it doesn't recognize by
// name, and a distinct vector per named entity so VectorSearch can
// distinguish them deterministically.
type stubEmbedder struct {
	vectors map[string][]float32
	failOn  string
}

func (e *stubEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == e.failOn {
			return nil, errors.New("embed failed")
		}
		v, ok := e.vectors[t]
		if !ok {
			v = []float32{0, 0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func seedEntity(t *testing.T, s *store.Store, name string, vec []float32) store.Entity {
	t.Helper()
	id, err := s.UpsertEntity(context.Background(), store.Entity{Name: name, EntityType: "concept"})
	if err != nil {
		t.Fatalf("upsert entity %s: %v", name, err)
	}
	if err := s.InsertEntityEmbedding(context.Background(), id, vec); err != nil {
		t.Fatalf("embed entity %s: %v", name, err)
	}
	return store.Entity{ID: id, Name: name, EntityType: "concept"}
}

func TestSearchNoEmbedderReturnsEmptyResult(t *testing.T) {
	s := newTestStore(t)
	eng := New(s, nil, Config{})

	res, err := eng.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(res.Entities) != 0 || len(res.TextUnits) != 0 {
		t.Errorf("expected empty result with no embedder, got %+v", res)
	}
}

func TestSearchSeedsEntitiesFromVectorIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	widget := seedEntity(t, s, "Widget", []float32{1, 0, 0, 0})
	seedEntity(t, s, "Unrelated", []float32{0, 0, 1, 0})

	embedder := &stubEmbedder{vectors: map[string][]float32{"how do widgets work?": {1, 0, 0, 0}}}
	eng := New(s, embedder, Config{EntityTopK: 1, MaxHops: 0})

	res, err := eng.Search(ctx, "how do widgets work?")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("expected 1 seed entity, got %d", len(res.Entities))
	}
	if res.Entities[0].Name != widget.Name {
		t.Errorf("expected nearest entity %q, got %q", widget.Name, res.Entities[0].Name)
	}
	if res.Entities[0].Hop != 0 {
		t.Errorf("seed entity hop = %d, want 0", res.Entities[0].Hop)
	}
}

func TestExpandFollowsRelationshipsAndSuppressesCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedEntity(t, s, "A", []float32{1, 0, 0, 0})
	b := seedEntity(t, s, "B", []float32{0, 1, 0, 0})
	// A 2-cycle: A -> B -> A. A valid BFS must not revisit A at hop 2.
	if _, err := s.InsertRelationship(ctx, store.Relationship{SourceEntityID: a.ID, TargetEntityID: b.ID, RelationType: "relates_to"}); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}
	if _, err := s.InsertRelationship(ctx, store.Relationship{SourceEntityID: b.ID, TargetEntityID: a.ID, RelationType: "relates_to"}); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{"query": {1, 0, 0, 0}}}
	eng := New(s, embedder, Config{EntityTopK: 1, MaxHops: 2})

	entities := eng.expand(ctx, []store.Entity{a})
	if len(entities) != 2 {
		t.Fatalf("expected A and B only (cycle suppressed), got %d: %+v", len(entities), entities)
	}
	if entities[0].Name != "A" || entities[0].Hop != 0 {
		t.Errorf("expected A at hop 0, got %+v", entities[0])
	}
	if entities[1].Name != "B" || entities[1].Hop != 1 {
		t.Errorf("expected B at hop 1, got %+v", entities[1])
	}
}

func TestSearchDedupesTextUnitsAcrossEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, store.Document{Path: "/doc.txt", Filename: "doc.txt", Format: "txt", ContentHash: "h", Status: "ready"})
	if err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	chunkIDs, err := s.InsertChunks(ctx, []store.Chunk{
		{DocumentID: docID, Content: "shared chunk", ChunkType: "paragraph", Heading: "H", PositionInDoc: 0, TokenCount: 2},
	})
	if err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := s.InsertEmbedding(ctx, chunkIDs[0], []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("insert chunk embedding: %v", err)
	}

	a := seedEntity(t, s, "Alpha", []float32{1, 0, 0, 0})
	b := seedEntity(t, s, "Beta", []float32{1, 0, 0, 0})

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0, 0},
		"Alpha": {1, 0, 0, 0},
		"Beta":  {1, 0, 0, 0},
	}}
	eng := New(s, embedder, Config{EntityTopK: 2, MaxHops: 0, TopM: 2, TextUnitTopK: 5})

	units, err := eng.textUnitsFor(ctx, []HopEntity{{Entity: a, Hop: 0}, {Entity: b, Hop: 0}})
	if err != nil {
		t.Fatalf("textUnitsFor error: %v", err)
	}
	if len(units) != 1 {
		t.Errorf("expected text unit deduped to 1, got %d", len(units))
	}
}

func TestSearchEmbedFailureFailsOpenToEmptyResult(t *testing.T) {
	s := newTestStore(t)
	embedder := &stubEmbedder{failOn: "bad query"}
	eng := New(s, embedder, Config{})

	res, err := eng.Search(context.Background(), "bad query")
	if err != nil {
		t.Fatalf("Search should fail open, got error: %v", err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("expected empty entities when embedding fails, got %+v", res.Entities)
	}
}
