// Package globalsearch implements the Global Search map-reduce query mode:
// select weighted community reports, batch them to a token budget, map each
// batch to key points in bounded-concurrency parallel LLM calls, then reduce
// the pooled key points into a single synthesized answer. Grounded on the
// distilled system's original map_processor.py (asyncio.Semaphore-bounded
// process_batch, fenced/bare key-point extraction with a text-fallback).
package globalsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/store"
)

// Config controls the map-reduce pipeline.
type Config struct {
	MaxContextTokens int
	MaxConcurrent    int
	MinCommunityRank int
	ShuffleContext   bool
	ResponseType     string
	Seed             int64
}

// maxContextReports bounds Phase 1's context selection (§4.8 Phase 1: "up
// to 50 CommunitySummaries").
const maxContextReports = 50

// KeyPoint is a single claim extracted from one batch of community reports,
// carrying provenance back to the reports it was drawn from.
type KeyPoint struct {
	Text      string  `json:"text"`
	Score     int     `json:"score"`
	ReportIDs []int64 `json:"report_ids"`
}

// Result is the outcome of a Global Search query.
type Result struct {
	Answer       string
	KeyPoints    []KeyPoint
	BatchCount   int
	ReportCount  int
	UsedFallback bool
}

// Engine runs the Global Search pipeline against a Store's community index.
type Engine struct {
	store    *store.Store
	gateway  *llm.Gateway
	embedder llm.Provider
	cfg      Config
}

// New creates a Global Search engine. embedder drives Phase 1's community
// vector query; it may be nil, in which case context selection falls back
// to a full table scan (e.g. before any community embeddings exist).
func New(s *store.Store, gateway *llm.Gateway, embedder llm.Provider, cfg Config) *Engine {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ResponseType == "" {
		cfg.ResponseType = "multiple paragraphs"
	}
	return &Engine{store: s, gateway: gateway, embedder: embedder, cfg: cfg}
}

// estimateTokens approximates token count using the conventional chars/4
// heuristic — the fallback estimator used when no tokenizer is wired up.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// contextKey namespaces per-call override values carried through ctx, so a
// single query (e.g. the CLI's --response-type/--min-community-rank flags,
// or the server's /query JSON body) can override engine-level Config
// without mutating the shared Engine.
type contextKey int

const (
	responseTypeKey contextKey = iota
	minCommunityRankKey
)

// WithResponseType overrides Config.ResponseType for calls made with ctx.
func WithResponseType(ctx context.Context, responseType string) context.Context {
	if responseType == "" {
		return ctx
	}
	return context.WithValue(ctx, responseTypeKey, responseType)
}

// WithMinCommunityRank overrides Config.MinCommunityRank for calls made
// with ctx.
func WithMinCommunityRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, minCommunityRankKey, rank)
}

func responseTypeFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(responseTypeKey).(string); ok && v != "" {
		return v
	}
	return fallback
}

func minCommunityRankFrom(ctx context.Context, fallback int) int {
	if v, ok := ctx.Value(minCommunityRankKey).(int); ok {
		return v
	}
	return fallback
}

// Search runs the four-phase Global Search pipeline:
//  1. context selection — weighted community reports at or above MinCommunityRank
//  2. batching — greedy token-budget packing into LLM-sized batches
//  3. map — bounded-concurrency key-point extraction per batch
//  4. reduce — pool, sort, cap at top 20, and synthesize a final answer
func (e *Engine) Search(ctx context.Context, query string) (*Result, error) {
	reports, err := e.selectContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("selecting community context: %w", err)
	}
	if len(reports) == 0 {
		return &Result{Answer: "No community reports are available to answer this query."}, nil
	}

	if e.cfg.ShuffleContext {
		rng := rand.New(rand.NewSource(e.cfg.Seed))
		rng.Shuffle(len(reports), func(i, j int) { reports[i], reports[j] = reports[j], reports[i] })
	} else {
		weights := normalizedWeights(reports)
		sort.SliceStable(reports, func(i, j int) bool {
			return weights[reports[i].CommunityID] > weights[reports[j].CommunityID]
		})
	}

	batches := batchReports(reports, e.cfg.MaxContextTokens)
	slog.Info("globalsearch: batched reports", "reports", len(reports), "batches", len(batches))

	keyPoints := e.mapBatches(ctx, query, batches)

	sort.SliceStable(keyPoints, func(i, j int) bool { return keyPoints[i].Score > keyPoints[j].Score })
	const topN = 20
	if len(keyPoints) > topN {
		keyPoints = keyPoints[:topN]
	}

	answer, usedFallback := e.reduce(ctx, query, keyPoints)

	return &Result{
		Answer:       answer,
		KeyPoints:    keyPoints,
		BatchCount:   len(batches),
		ReportCount:  len(reports),
		UsedFallback: usedFallback,
	}, nil
}

// selectContext runs Phase 1: query the community vector index for up to
// maxContextReports reports, then filter by MinCommunityRank. Falls back to
// a full table scan (still rank-filtered, still capped) when no embedder is
// configured or the query can't be embedded — e.g. before any community
// embeddings exist yet, mirroring the "missing index returns empty results"
// tolerance §4.7 specifies for the entity index.
func (e *Engine) selectContext(ctx context.Context, query string) ([]store.WeightedCommunityReport, error) {
	minRank := minCommunityRankFrom(ctx, e.cfg.MinCommunityRank)
	var found []store.WeightedCommunityReport

	if e.embedder != nil {
		if vecs, err := e.embedder.Embed(ctx, []string{query}); err == nil && len(vecs) > 0 && len(vecs[0]) > 0 {
			reports, verr := e.store.VectorSearchCommunities(ctx, vecs[0], maxContextReports)
			if verr != nil {
				return nil, fmt.Errorf("vector search communities: %w", verr)
			}
			found = reports
		}
	}

	if found == nil {
		all, err := e.store.AllCommunityReports(ctx, minRank)
		if err != nil {
			return nil, fmt.Errorf("loading community reports: %w", err)
		}
		if len(all) > maxContextReports {
			all = all[:maxContextReports]
		}
		return all, nil
	}

	filtered := found[:0]
	for _, r := range found {
		if r.Rank >= minRank {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// normalizedWeights scores each report by occurrence (how many entities the
// community covers), normalized so the maximum weight is 1.0 (§4.8 Phase 1).
// Rank is not part of the weight — it is solely the Phase 1 filter threshold.
func normalizedWeights(reports []store.WeightedCommunityReport) map[int64]float64 {
	var max float64
	for _, r := range reports {
		if r.Occurrence > max {
			max = r.Occurrence
		}
	}
	weights := make(map[int64]float64, len(reports))
	for _, r := range reports {
		if max > 0 {
			weights[r.CommunityID] = r.Occurrence / max
		}
	}
	return weights
}

// batchReports greedily packs reports into batches bounded by maxTokens,
// estimated via estimateTokens over each report's summary and title.
func batchReports(reports []store.WeightedCommunityReport, maxTokens int) [][]store.WeightedCommunityReport {
	var batches [][]store.WeightedCommunityReport
	var current []store.WeightedCommunityReport
	currentTokens := 0

	for _, r := range reports {
		t := estimateTokens(r.Title + r.Summary)
		if currentTokens+t > maxTokens && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, r)
		currentTokens += t
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// mapBatches runs the Map phase: one LLM call per batch, bounded by
// MaxConcurrent, collecting key points from every batch that succeeds.
// A batch that errors contributes no key points rather than aborting the
// whole search — mirroring process_batch's asyncio.gather(return_exceptions=True).
func (e *Engine) mapBatches(ctx context.Context, query string, batches [][]store.WeightedCommunityReport) []KeyPoint {
	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []KeyPoint

	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, batch []store.WeightedCommunityReport) {
			defer wg.Done()
			defer func() { <-sem }()

			points, err := e.mapBatch(ctx, query, batch)
			if err != nil {
				slog.Warn("globalsearch: map batch failed", "batch", idx, "error", err)
				return
			}
			mu.Lock()
			all = append(all, points...)
			mu.Unlock()
		}(i, batch)
	}
	wg.Wait()
	return all
}

const mapPrompt = `You are analyzing a batch of community reports to answer a user question.

Question: %s

Community reports:
%s

Extract the key points from these reports that help answer the question. Return JSON:
  {"key_points": [{"text": string, "score": integer 0-100, "report_ids": [up to 3 integers]}]}

Rate each point's relevance to the question from 0 (irrelevant) to 100 (directly answers it).
Return only the JSON object.`

func (e *Engine) mapBatch(ctx context.Context, query string, batch []store.WeightedCommunityReport) ([]KeyPoint, error) {
	var b strings.Builder
	for _, r := range batch {
		fmt.Fprintf(&b, "[community %d] %s: %s\n", r.CommunityID, r.Title, r.Summary)
	}

	prompt := fmt.Sprintf(mapPrompt, query, b.String())

	var result struct {
		KeyPoints []KeyPoint `json:"key_points"`
	}
	if err := e.gateway.CompleteJSON(ctx, prompt, &result); err != nil {
		// Fall back to treating each report as its own key point, ranked by
		// its position in the batch — mirrors _extract_from_text's
		// paragraph-splitting fallback when the model doesn't return JSON.
		return fallbackKeyPoints(batch), nil
	}

	for i := range result.KeyPoints {
		if len(result.KeyPoints[i].ReportIDs) > 3 {
			result.KeyPoints[i].ReportIDs = result.KeyPoints[i].ReportIDs[:3]
		}
	}
	return result.KeyPoints, nil
}

func fallbackKeyPoints(batch []store.WeightedCommunityReport) []KeyPoint {
	points := make([]KeyPoint, 0, len(batch))
	for i, r := range batch {
		score := 100 - i*10
		if score < 50 {
			score = 50
		}
		points = append(points, KeyPoint{
			Text:      r.Title + ": " + r.Summary,
			Score:     score,
			ReportIDs: []int64{r.CommunityID},
		})
	}
	return points
}

const reducePrompt = `You are answering a user question using key points extracted from community reports.

Question: %s

Key points (most relevant first):
%s

Write a %s answer that synthesizes these key points into a coherent response. Cite community reports
by their bracketed IDs where relevant. If the key points are insufficient, say so explicitly.`

// reduce synthesizes keyPoints into a final answer. On LLM failure it falls
// back to a plain enumeration of the key points (§4.8 Phase 4 fallback).
func (e *Engine) reduce(ctx context.Context, query string, keyPoints []KeyPoint) (string, bool) {
	if len(keyPoints) == 0 {
		return "No relevant information was found in the community reports.", true
	}

	var b strings.Builder
	for _, kp := range keyPoints {
		fmt.Fprintf(&b, "- [score %d, reports %v] %s\n", kp.Score, kp.ReportIDs, kp.Text)
	}

	prompt := fmt.Sprintf(reducePrompt, query, b.String(), responseTypeFrom(ctx, e.cfg.ResponseType))

	text, err := e.gateway.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return fallbackEnumeration(keyPoints), true
	}
	return text, false
}

func fallbackEnumeration(keyPoints []KeyPoint) string {
	var b strings.Builder
	b.WriteString("Based on the available community reports:\n")
	for _, kp := range keyPoints {
		fmt.Fprintf(&b, "- %s\n", kp.Text)
	}
	return b.String()
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
	nodes := make([]any, len(res.KeyPoints))
	for i, kp := range res.KeyPoints {
		nodes[i] = kp
	}
	meta := map[string]any{
		"answer":        res.Answer,
		"batch_count":   res.BatchCount,
		"report_count":  res.ReportCount,
		"used_fallback": res.UsedFallback,
	}
	return nodes, meta, nil
}

// This blank reference only keeps the encoding/json import in use; it does
// not check how KeyPoint encodes.
var _ = json.Marshal
