// Package localsearch implements the Local Search entity-anchored retrieval
// mode (§4.7): seed Entities from the entity vector index, expand outward by
// relationship hops, then pull supporting text units for the Entities found.
// Unlike the engine's default hybrid-retrieval pipeline, it never invokes an
// LLM — it is a pure retrieval primitive that the Router dispatches to for
// explicit or auto-selected LOCAL mode.
package localsearch

import (
	"context"
	"fmt"

	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/store"
)

// Config controls entity-anchored retrieval.
type Config struct {
	EntityTopK   int // K: seed entities from the entity vector index, default 10
	MaxHops      int // BFS relationship expansion depth, default 2
	TopM         int // M: hop-ordered entities queried against the main index, default 5
	TextUnitTopK int // text units retrieved per entity name query, default 10
}

// HopEntity pairs an Entity with the BFS hop at which it was first reached.
// Seed entities (from the vector search) are hop 0.
type HopEntity struct {
	store.Entity
	Hop int `json:"hop"`
}

// Result is the outcome of a Local Search query.
type Result struct {
	Entities  []HopEntity             `json:"entities"`
	TextUnits []store.RetrievalResult `json:"text_units"`
}

// Engine runs Local Search against a Store's entity and chunk vector indexes.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a Local Search engine. embedder drives both the entity seed
// step and the per-entity-name text-unit lookup; it may be nil, in which
// case Search returns an empty Result rather than erroring (§4.7's "missing
// entity index returns empty results" failure mode applies equally to a
// missing embedder).
func New(s *store.Store, embedder llm.Provider, cfg Config) *Engine {
	if cfg.EntityTopK <= 0 {
		cfg.EntityTopK = 10
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if cfg.TopM <= 0 {
		cfg.TopM = 5
	}
	if cfg.TextUnitTopK <= 0 {
		cfg.TextUnitTopK = 10
	}
	return &Engine{store: s, embedder: embedder, cfg: cfg}
}

// Search runs the four-step Local Search algorithm:
//  1. embed the query, retrieve top-K Entities from the entity vector index
//  2. expand by relationships up to MaxHops in BFS order, cycle-suppressed
//  3. query the main index by name for the top-M hop-ordered Entities
//  4. dedupe the returned text units by chunk id
func (e *Engine) Search(ctx context.Context, query string) (*Result, error) {
	seeds, err := e.seedEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("seeding entities: %w", err)
	}
	if len(seeds) == 0 {
		return &Result{}, nil
	}

	entities := e.expand(ctx, seeds)

	textUnits, err := e.textUnitsFor(ctx, entities)
	if err != nil {
		return nil, fmt.Errorf("retrieving text units: %w", err)
	}

	return &Result{Entities: entities, TextUnits: textUnits}, nil
}

// seedEntities runs step 1: embed the query and retrieve the top-K Entities
// from the entity vector index. A missing embedder, a failed embed call, or
// a missing entity index all resolve to an empty seed set rather than an
// error — VectorSearchEntities already tolerates the no-such-table case.
func (e *Engine) seedEntities(ctx context.Context, query string) ([]store.Entity, error) {
	if e.embedder == nil {
		return nil, nil
	}
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, nil
	}
	return e.store.VectorSearchEntities(ctx, vecs[0], e.cfg.EntityTopK)
}

// expand runs step 2: BFS relationship expansion from seeds out to MaxHops,
// tracking visited entity ids to suppress cycles. Newly discovered entities
// are appended in hop order; within a hop, order follows GetRelatedEntities'
// (stable) return order.
func (e *Engine) expand(ctx context.Context, seeds []store.Entity) []HopEntity {
	visited := make(map[int64]bool, len(seeds))
	out := make([]HopEntity, 0, len(seeds))
	frontier := make([]int64, 0, len(seeds))
	for _, s := range seeds {
		if visited[s.ID] {
			continue
		}
		visited[s.ID] = true
		out = append(out, HopEntity{Entity: s, Hop: 0})
		frontier = append(frontier, s.ID)
	}

	for hop := 1; hop <= e.cfg.MaxHops && len(frontier) > 0; hop++ {
		related, err := e.store.GetRelatedEntities(ctx, frontier, 0)
		if err != nil {
			return out
		}
		var next []int64
		for _, r := range related {
			if visited[r.ID] {
				continue
			}
			visited[r.ID] = true
			out = append(out, HopEntity{Entity: r, Hop: hop})
			next = append(next, r.ID)
		}
		frontier = next
	}
	return out
}

// textUnitsFor runs step 3-4: for the top-M hop-ordered entities, embed the
// entity name and query the main chunk index, deduplicating text units by
// chunk id as results come in.
func (e *Engine) textUnitsFor(ctx context.Context, entities []HopEntity) ([]store.RetrievalResult, error) {
	if e.embedder == nil || len(entities) == 0 {
		return nil, nil
	}
	m := e.cfg.TopM
	if m > len(entities) {
		m = len(entities)
	}

	seen := make(map[int64]bool)
	var out []store.RetrievalResult
	for _, ent := range entities[:m] {
		vecs, err := e.embedder.Embed(ctx, []string{ent.Name})
		if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
			continue
		}
		results, err := e.store.VectorSearch(ctx, vecs[0], e.cfg.TextUnitTopK)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if seen[r.ChunkID] {
				continue
			}
			seen[r.ChunkID] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// Backend adapts Engine to the router package's uniform search interface.
// Its metadata carries the hop-ordered entity list alongside the text units
// returned as nodes — Local Search returns ranked Entities and supporting
// text units, not a synthesized answer.
type Backend struct {
	Engine *Engine
}

func (b Backend) Search(ctx context.Context, query string) ([]any, map[string]any, error) {
	result, err := b.Engine.Search(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]any, len(result.TextUnits))
	for i, t := range result.TextUnits {
		nodes[i] = t
	}
	meta := map[string]any{
		"entities":   result.Entities,
		"text_units": result.TextUnits,
	}
	return nodes, meta, nil
}
