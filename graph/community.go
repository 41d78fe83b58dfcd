package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/cortexgraph/graphrag/llm"
	"github.com/cortexgraph/graphrag/store"
)

// edge represents a weighted edge in the in-memory adjacency list.
type edge struct {
	to     int
	weight float64
}

// CommunityConfig controls hierarchical community detection.
type CommunityConfig struct {
	// MaxClusterSize: a cluster with more members than this is split again
	// at the next level, recursively, until every leaf cluster is at or
	// below the threshold or no further split improves modularity.
	MaxClusterSize int
	// Resolution scales the modularity gain comparison; values above 1
	// favor more, smaller communities.
	Resolution float64
	// Randomness perturbs tie-breaking in the greedy pass so that plateaus
	// in the modularity landscape don't always resolve the same way —
	// still fully determined by Seed (P5).
	Randomness float64
	// Seed seeds the local RNG. The same seed and graph always produce the
	// same partition; the package-level rand is never used.
	Seed int64
	// UseLCC restricts detection to the largest connected component,
	// discarding isolated or small components as noise.
	UseLCC bool
}

// DefaultCommunityConfig returns reasonable defaults matching DefaultConfig.
func DefaultCommunityConfig() CommunityConfig {
	return CommunityConfig{
		MaxClusterSize: 10,
		Resolution:     1.0,
		Randomness:     0.01,
		Seed:           42,
		UseLCC:         false,
	}
}

// DetectCommunities runs hierarchical community detection on the entity
// graph. Level 0 is the set of connected components. Each level-L cluster
// larger than MaxClusterSize is split by greedy modularity optimisation into
// level-(L+1) child clusters; the recursion continues until clusters are
// small enough or a split fails to improve modularity. Every cluster's
// ParentID points at its level-(L-1) ancestor, or -1 for a level-0 root
// (P3: member_names partition the node set at each level; P4: child members
// are a subset of the parent's).
func DetectCommunities(ctx context.Context, s *store.Store, cfg CommunityConfig) ([]store.Community, error) {
	if cfg.MaxClusterSize <= 0 {
		cfg = DefaultCommunityConfig()
	}

	entities, err := s.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	rels, err := s.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading relationships: %w", err)
	}

	if len(entities) == 0 {
		return nil, nil
	}

	slog.Info("community: starting hierarchical detection",
		"entities", len(entities), "relationships", len(rels), "max_cluster_size", cfg.MaxClusterSize)

	idIndex := make(map[int64]int, len(entities))
	for i, e := range entities {
		idIndex[e.ID] = i
	}

	adj := make([][]edge, len(entities))
	totalWeight := 0.0
	for _, r := range rels {
		si, okS := idIndex[r.SourceEntityID]
		ti, okT := idIndex[r.TargetEntityID]
		if !okS || !okT {
			continue
		}
		adj[si] = append(adj[si], edge{to: ti, weight: r.Weight})
		adj[ti] = append(adj[ti], edge{to: si, weight: r.Weight})
		totalWeight += r.Weight
	}

	components := connectedComponents(adj, len(entities))
	if cfg.UseLCC && len(components) > 1 {
		components = [][]int{largestComponent(components)}
	}

	slog.Info("community: connected components found",
		"components", len(components), "largest", largestComponentSize(components))

	if err := s.ClearCommunities(ctx); err != nil {
		return nil, fmt.Errorf("clearing communities: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	var communities []store.Community
	nextClusterID := 0
	for _, comp := range components {
		clusterID := nextClusterID
		nextClusterID++
		if _, err := insertHierarchy(ctx, s, comp, entities, adj, totalWeight, 0, clusterID, -1, cfg, rng, &communities); err != nil {
			return nil, err
		}
	}

	slog.Info("community: detection complete", "communities", len(communities))
	return communities, nil
}

// insertHierarchy inserts the community rooted at comp, then recursively
// splits and inserts children if comp exceeds MaxClusterSize.
func insertHierarchy(
	ctx context.Context, s *store.Store,
	comp []int, entities []store.Entity, adj [][]edge, totalWeight float64,
	level, clusterID int, parentID int64,
	cfg CommunityConfig, rng *rand.Rand,
	out *[]store.Community,
) (int64, error) {
	ids := componentEntityIDs(comp, entities)
	idsJSON, _ := json.Marshal(ids)

	c := store.Community{
		Level:     level,
		ClusterID: clusterID,
		ParentID:  parentID,
		EntityIDs: string(idsJSON),
	}
	id, err := s.InsertCommunity(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("inserting level-%d community: %w", level, err)
	}
	c.ID = id
	*out = append(*out, c)

	if len(comp) <= cfg.MaxClusterSize || totalWeight == 0 {
		return id, nil
	}

	children := modularitySplit(comp, adj, totalWeight, cfg, rng)
	if len(children) <= 1 {
		return id, nil
	}

	for i, child := range children {
		childClusterID := clusterID*1000 + i
		if _, err := insertHierarchy(ctx, s, child, entities, adj, totalWeight, level+1, childClusterID, id, cfg, rng, out); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func connectedComponents(adj [][]edge, n int) [][]int {
	visited := make([]bool, n)
	var components [][]int
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

func largestComponent(comps [][]int) []int {
	best := comps[0]
	for _, c := range comps {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

func largestComponentSize(comps [][]int) int {
	max := 0
	for _, c := range comps {
		if len(c) > max {
			max = len(c)
		}
	}
	return max
}

// componentEntityIDs maps component node indices back to entity IDs.
func componentEntityIDs(comp []int, entities []store.Entity) []int64 {
	ids := make([]int64, len(comp))
	for i, idx := range comp {
		ids[i] = entities[idx].ID
	}
	return ids
}

// modularitySplit applies a greedy modularity optimisation (simplified
// Leiden/Louvain) to split a connected component into two or more
// sub-communities. rng drives tie-breaking perturbation so the same seed
// always reaches the same partition (P5); if the split does not improve
// modularity the original component is returned as its sole element.
func modularitySplit(comp []int, adj [][]edge, totalWeight float64, cfg CommunityConfig, rng *rand.Rand) [][]int {
	n := len(comp)
	if n < 2 {
		return [][]int{comp}
	}

	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	if m2 == 0 {
		return [][]int{comp}
	}

	commStrength := make(map[int]float64, n)
	for i := range comp {
		commStrength[community[i]] += strength[i]
	}

	resolution := cfg.Resolution
	if resolution <= 0 {
		resolution = 1.0
	}

	// Deterministic node visitation order, perturbed by the seeded RNG so
	// ties between equal-gain moves break consistently for a given seed
	// without depending on map iteration order.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })

	maxPasses := 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for _, i := range order {
			node := comp[i]
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok {
					continue
				}
				commWeights[community[li]] += e.weight
			}

			currentComm := community[i]
			kiIn := commWeights[currentComm]
			ki := strength[i]
			sigmaCurrent := commStrength[currentComm]
			removeDelta := resolution*(kiIn/m2) - (sigmaCurrent*ki)/(m2*m2)

			bestComm := currentComm
			bestGain := cfg.Randomness * (rng.Float64() - 0.5)

			// Visit candidate communities in ascending id order so the RNG
			// draws and tie-breaks never depend on map iteration order.
			cands := make([]int, 0, len(commWeights))
			for c := range commWeights {
				cands = append(cands, c)
			}
			for a := 1; a < len(cands); a++ {
				for b := a; b > 0 && cands[b-1] > cands[b]; b-- {
					cands[b-1], cands[b] = cands[b], cands[b-1]
				}
			}
			for _, c := range cands {
				wic := commWeights[c]
				if c == currentComm {
					continue
				}
				sigmaC := commStrength[c]
				gain := (resolution*(wic/m2) - (sigmaC*ki)/(m2*m2)) - removeDelta
				gain += cfg.Randomness * (rng.Float64() - 0.5)
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			if bestComm != currentComm {
				commStrength[currentComm] -= ki
				commStrength[bestComm] += ki
				community[i] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]int)
	for i, node := range comp {
		groups[community[i]] = append(groups[community[i]], node)
	}

	// Deterministic output order: sort group keys rather than rely on map
	// iteration, so callers always see children in the same order (P5).
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}

	result := make([][]int, 0, len(keys))
	for _, k := range keys {
		result = append(result, groups[k])
	}

	if len(result) <= 1 {
		return [][]int{comp}
	}
	return result
}

// communityReportResult is the JSON shape requested from the LLM for a
// single community report: a short title, a prose summary, and the names
// of the entities most central to the community.
type communityReportResult struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	KeyEntities []string `json:"key_entities"`
}

const communityReportPrompt = `You are summarizing a cluster of related entities extracted from a document collection.

Write a community report as JSON with exactly these keys:
  "title"        : a short (<10 word) name for this cluster
  "summary"      : 2-4 sentences explaining what connects these entities and why the cluster matters
  "key_entities" : array of up to 5 entity names (from the list below) most central to the cluster

Entities in this cluster:
%s

Return only the JSON object, no other text.`

// SummarizeCommunities generates a CommunitySummary for each community via
// gateway (a JSON-contract call, §4.3) and embeds the resulting summary text
// via embed for the community vector index, so Global Search and DRIFT can
// retrieve communities by similarity as well as by rank (§4.8 Phase 1).
// Summaries are generated concurrently (bounded) and individual failures are
// logged but do not abort the whole run.
func SummarizeCommunities(ctx context.Context, s *store.Store, gateway *llm.Gateway, embed llm.Provider, communities []store.Community) error {
	allEntities, err := s.AllEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities for summarisation: %w", err)
	}
	entityByID := make(map[int64]store.Entity, len(allEntities))
	for _, e := range allEntities {
		entityByID[e.ID] = e
	}

	const concurrency = 8
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int

	for i := range communities {
		c := &communities[i]

		var entityIDs []int64
		if err := json.Unmarshal([]byte(c.EntityIDs), &entityIDs); err != nil {
			slog.Warn("community: failed to parse entity_ids", "community_id", c.ID, "error", err)
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		if len(entityIDs) == 0 {
			continue
		}

		var descriptions []string
		var names []string
		for _, eid := range entityIDs {
			e, ok := entityByID[eid]
			if !ok {
				continue
			}
			names = append(names, e.Name)
			if e.Description != "" {
				descriptions = append(descriptions, fmt.Sprintf("- %s (%s): %s", e.Name, e.EntityType, e.Description))
			} else {
				descriptions = append(descriptions, fmt.Sprintf("- %s (%s)", e.Name, e.EntityType))
			}
		}
		if len(descriptions) == 0 {
			continue
		}

		prompt := fmt.Sprintf(communityReportPrompt, strings.Join(descriptions, "\n"))

		wg.Add(1)
		sem <- struct{}{}
		go func(c *store.Community, prompt string, names []string, idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			var report communityReportResult
			if err := gateway.CompleteJSON(ctx, prompt, &report); err != nil {
				slog.Warn("community: report generation failed", "community_id", c.ID, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			if report.Title == "" {
				report.Title = fmt.Sprintf("Community %d", c.ID)
			}
			if len(report.KeyEntities) == 0 {
				report.KeyEntities = names
				if len(report.KeyEntities) > 5 {
					report.KeyEntities = report.KeyEntities[:5]
				}
			}

			cs := store.CommunitySummary{
				CommunityID: c.ID,
				Title:       report.Title,
				Summary:     report.Summary,
				KeyEntities: report.KeyEntities,
				Occurrence:  float64(len(names)),
				Rank:        rankFor(c, len(names)),
			}
			if err := s.UpsertCommunitySummary(ctx, cs); err != nil {
				slog.Warn("community: failed to store report", "community_id", c.ID, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}

			if embed != nil {
				embedText := report.Title + ": " + report.Summary
				vecs, err := embed.Embed(ctx, []string{embedText})
				if err == nil && len(vecs) > 0 && len(vecs[0]) > 0 {
					if err := s.InsertCommunityEmbedding(ctx, c.ID, vecs[0]); err != nil {
						slog.Warn("community: failed to store embedding", "community_id", c.ID, "error", err)
					}
				}
			}

			mu.Lock()
			c.Summary = report.Summary
			mu.Unlock()
			slog.Info("community: summarized", "community_id", c.ID, "progress", fmt.Sprintf("%d/%d", idx+1, len(communities)))
		}(c, prompt, names, i)
	}

	wg.Wait()

	if failed > 0 {
		slog.Warn("community: some reports failed", "failed", failed, "total", len(communities))
	}
	slog.Info("community: summarization complete", "succeeded", len(communities)-failed, "failed", failed)
	return nil
}

// rankFor derives a coarse importance rank from a community's level and
// member count: shallower, larger communities surface earlier in Global
// Search's context-selection phase (§4.8 Phase 1).
func rankFor(c *store.Community, memberCount int) int {
	rank := memberCount - c.Level*2
	if rank < 0 {
		rank = 0
	}
	return rank
}
