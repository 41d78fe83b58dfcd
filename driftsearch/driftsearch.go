// Package driftsearch implements the DRIFT (Dynamic Reasoning and Inference
// with Flexible Traversal) query mode: local and global context are built in
// parallel, merged and trimmed to a token budget, then used to generate and
// validate an answer. Grounded on the distilled system's original DRIFT
// search module, which combines a local community-aware search with a
// global community-report search before generation.
package driftsearch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cortexgraph/graphrag/globalsearch"
	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/retrieval"
	"github.com/cortexgraph/graphrag/store"
)

// Config controls context sizing and response validation.
type Config struct {
	MaxContextTokens int
	Stream           bool
	MinResponseChars int
	MinTermOverlap   float64
}

// SearchContext is the merged local+global evidence DRIFT reasons over.
type SearchContext struct {
	Query       string
	Entities    []store.Entity
	Communities []store.WeightedCommunityReport
	TextUnits   []store.RetrievalResult
	Metadata    map[string]any
}

// Result is the outcome of a DRIFT Search query.
type Result struct {
	Answer    string
	Context   *SearchContext
	Validated bool
}

// Engine runs the DRIFT Search pipeline.
type Engine struct {
	store   *store.Store
	gateway *llm.Gateway
	local   *retrieval.Engine
	global  *globalsearch.Engine
	cfg     Config

	mu          sync.Mutex
	lastContext *SearchContext
}

// New creates a DRIFT Search engine. local and global provide the two
// context sources merged on each query.
func New(s *store.Store, gateway *llm.Gateway, local *retrieval.Engine, global *globalsearch.Engine, cfg Config) *Engine {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.MinResponseChars <= 0 {
		cfg.MinResponseChars = 50
	}
	if cfg.MinTermOverlap <= 0 {
		cfg.MinTermOverlap = 0.3
	}
	return &Engine{store: s, gateway: gateway, local: local, global: global, cfg: cfg}
}

// GetLastContext returns the SearchContext built by the most recent Search
// call, or nil if Search has not run yet. Useful for diagnostics and tests.
func (e *Engine) GetLastContext() *SearchContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastContext
}

// Search builds a merged local+global context, trims it to the configured
// token budget, generates a response, and validates it before returning.
func (e *Engine) Search(ctx context.Context, query string) (*Result, error) {
	sctx, err := e.buildContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("building drift context: %w", err)
	}

	trimContext(sctx, e.cfg.MaxContextTokens)

	e.mu.Lock()
	e.lastContext = sctx
	e.mu.Unlock()

	answer, err := e.generate(ctx, sctx)
	if err != nil && answer == "" {
		return nil, fmt.Errorf("generating drift response: %w", err)
	}

	validated := e.validate(query, answer)
	if !validated {
		slog.Warn("driftsearch: response failed validation", "query", query, "response_len", len(answer))
	}

	return &Result{Answer: answer, Context: sctx, Validated: validated}, nil
}

// buildContext runs the local and global context lookups concurrently via
// errgroup, merging their results into a single SearchContext.
func (e *Engine) buildContext(ctx context.Context, query string) (*SearchContext, error) {
	sctx := &SearchContext{Query: query, Metadata: map[string]any{}}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		results, trace, err := e.local.Search(gctx, query, retrieval.SearchOptions{MaxResults: 20})
		if err != nil {
			return fmt.Errorf("local context: %w", err)
		}
		sctx.TextUnits = results
		if trace != nil {
			sctx.Metadata["local_trace"] = trace
		}
		return nil
	})

	g.Go(func() error {
		reports, err := e.store.AllCommunityReports(gctx, 0)
		if err != nil {
			return fmt.Errorf("global context: %w", err)
		}
		sctx.Communities = reports
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	entities, err := e.entitiesFromTextUnits(ctx, sctx.TextUnits)
	if err != nil {
		slog.Warn("driftsearch: entity lookup failed", "error", err)
	}
	sctx.Entities = entities
	sctx.Metadata["text_unit_count"] = len(sctx.TextUnits)
	sctx.Metadata["community_count"] = len(sctx.Communities)
	return sctx, nil
}

// entitiesFromTextUnits resolves the entities linked to the chunks backing
// units, so DRIFT's merged context (§4.9) carries entities as the first-class
// piece of SearchContext the schema names, not a permanently empty slot.
func (e *Engine) entitiesFromTextUnits(ctx context.Context, units []store.RetrievalResult) ([]store.Entity, error) {
	if len(units) == 0 {
		return nil, nil
	}
	chunkIDs := make([]int64, len(units))
	for i, u := range units {
		chunkIDs[i] = u.ChunkID
	}
	return e.store.EntitiesForChunks(ctx, chunkIDs)
}

// trimContext drops context pieces until the estimated token count fits
// within maxTokens, in the order text_units -> entities -> communities —
// text units are cheapest to lose since community reports carry more
// synthesized signal per token.
func trimContext(sctx *SearchContext, maxTokens int) {
	for estimateContextTokens(sctx) > maxTokens {
		switch {
		case len(sctx.TextUnits) > 0:
			sctx.TextUnits = sctx.TextUnits[:len(sctx.TextUnits)-1]
		case len(sctx.Entities) > 0:
			sctx.Entities = sctx.Entities[:len(sctx.Entities)-1]
		case len(sctx.Communities) > 0:
			sctx.Communities = sctx.Communities[:len(sctx.Communities)-1]
		default:
			return
		}
	}
}

func estimateContextTokens(sctx *SearchContext) int {
	total := 0
	for _, t := range sctx.TextUnits {
		total += (len(t.Content) + 3) / 4
	}
	for _, e := range sctx.Entities {
		total += (len(e.Description) + 3) / 4
	}
	for _, c := range sctx.Communities {
		total += (len(c.Summary) + 3) / 4
	}
	return total
}

const generatePrompt = `Answer the question using the local text excerpts and community reports below.

Question: %s

Local text excerpts:
%s

Community reports:
%s

Provide a direct, well-supported answer. If the context is insufficient, say so explicitly.`

func (e *Engine) generate(ctx context.Context, sctx *SearchContext) (string, error) {
	var text strings.Builder
	for _, t := range sctx.TextUnits {
		fmt.Fprintf(&text, "- %s\n", t.Content)
	}
	var comm strings.Builder
	for _, c := range sctx.Communities {
		fmt.Fprintf(&comm, "- %s: %s\n", c.Title, c.Summary)
	}

	prompt := fmt.Sprintf(generatePrompt, sctx.Query, text.String(), comm.String())

	if e.cfg.Stream {
		return e.generateStreaming(ctx, prompt)
	}
	return e.gateway.Complete(ctx, prompt)
}

// generateStreaming is the path taken when Config.Stream is set. It makes the
// same single gateway.Complete call as the non-streaming path and returns the
// whole response at once; no chunks are delivered incrementally.
func (e *Engine) generateStreaming(ctx context.Context, prompt string) (string, error) {
	return e.gateway.Complete(ctx, prompt)
}

// validate checks the generated response meets the minimum length and query
// term overlap thresholds, rejecting degenerate or off-topic completions.
func (e *Engine) validate(query, response string) bool {
	if len(response) < e.cfg.MinResponseChars {
		return false
	}
	return termOverlap(query, response) >= e.cfg.MinTermOverlap
}

func termOverlap(query, response string) float64 {
	queryTerms := uniqueTerms(query)
	if len(queryTerms) == 0 {
		return 1.0
	}
	responseLower := strings.ToLower(response)
	matched := 0
	for term := range queryTerms {
		if strings.Contains(responseLower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func uniqueTerms(text string) map[string]struct{} {
	terms := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,?!:;\"'()")
		if len(w) > 2 {
			terms[w] = struct{}{}
		}
	}
	return terms
}

// Backend adapts Engine to the router package's uniform search interface.
type Backend struct {
	Engine *Engine
}

func (b Backend) Search(ctx context.Context, query string) ([]any, map[string]any, error) {
	res, err := b.Engine.Search(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]any, len(res.Context.TextUnits))
	for i, t := range res.Context.TextUnits {
		nodes[i] = t
	}
	meta := map[string]any{
		"answer":      res.Answer,
		"validated":   res.Validated,
		"text_units":  len(res.Context.TextUnits),
		"communities": len(res.Context.Communities),
	}
	return nodes, meta, nil
}
