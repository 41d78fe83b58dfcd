//go:build cgo

package globalsearch

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
	s, err := store.New(dbPath, 8)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubProvider is a minimal llm.Provider for exercising the Gateway without
// a real LLM backend.
type stubProvider struct {
	response string
	err      error
}

func (s *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.response, FinishReason: "stop"}, nil
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func report(id int64, title, summary string, rank int, occurrence float64) store.WeightedCommunityReport {
	return store.WeightedCommunityReport{
		CommunitySummary: store.CommunitySummary{
			CommunityID: id,
			Title:       title,
			Summary:     summary,
			Rank:        rank,
			Occurrence:  occurrence,
		},
	}
}

func TestBatchReportsRespectsTokenBudget(t *testing.T) {
	reports := []store.WeightedCommunityReport{
		report(1, "A", "short summary", 5, 1),
		report(2, "B", "another short one", 5, 1),
		report(3, "C", "a third short summary here", 5, 1),
	}

	batches := batchReports(reports, 10) // tiny budget forces multiple batches
	if len(batches) < 2 {
		t.Fatalf("expected multiple batches under a tight token budget, got %d", len(batches))
	}
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != len(reports) {
		t.Errorf("batches lost reports: total = %d, want %d", total, len(reports))
	}
}

func TestBatchReportsSingleBatchWhenBudgetIsLarge(t *testing.T) {
	reports := []store.WeightedCommunityReport{
		report(1, "A", "summary one", 5, 1),
		report(2, "B", "summary two", 5, 1),
	}
	batches := batchReports(reports, 100000)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
}

func TestNormalizedWeightsScoresByOccurrence(t *testing.T) {
	moreOccurrence := report(1, "A", "s", 10, 50)
	lessOccurrence := report(2, "B", "s", 10, 0)
	weights := normalizedWeights([]store.WeightedCommunityReport{moreOccurrence, lessOccurrence})
	if weights[moreOccurrence.CommunityID] <= weights[lessOccurrence.CommunityID] {
		t.Errorf("higher occurrence should score higher: %v", weights)
	}
}

func TestNormalizedWeightsMaxIsOne(t *testing.T) {
	reports := []store.WeightedCommunityReport{
		report(1, "A", "s", 5, 20),
		report(2, "B", "s", 5, 10),
	}
	weights := normalizedWeights(reports)
	if weights[1] != 1.0 {
		t.Errorf("max-occurrence report should normalize to weight 1.0, got %v", weights[1])
	}
	if weights[2] != 0.5 {
		t.Errorf("half-occurrence report should normalize to weight 0.5, got %v", weights[2])
	}
}

func TestFallbackKeyPointsDecreasingScore(t *testing.T) {
	batch := []store.WeightedCommunityReport{
		report(1, "A", "first", 5, 1),
		report(2, "B", "second", 5, 1),
		report(3, "C", "third", 5, 1),
	}
	points := fallbackKeyPoints(batch)
	if len(points) != 3 {
		t.Fatalf("expected 3 fallback points, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Score > points[i-1].Score {
			t.Errorf("fallback scores must be non-increasing, got %v", points)
		}
	}
	for _, p := range points {
		if p.Score < 50 {
			t.Errorf("fallback score floor is 50, got %d", p.Score)
		}
	}
}

func TestSearchNoReportsReturnsPlainAnswer(t *testing.T) {
	s := newTestStore(t)

	gw := llm.NewGateway(&stubProvider{response: "irrelevant"}, llm.GatewayConfig{})
	eng := New(s, gw, nil, Config{})

	res, err := eng.Search(context.Background(), "what happened?")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if res.ReportCount != 0 {
		t.Errorf("expected 0 reports, got %d", res.ReportCount)
	}
	if res.Answer == "" {
		t.Errorf("expected a non-empty fallback answer")
	}
}

func TestSearchWithReportsSynthesizesAnswer(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.InsertCommunity(context.Background(), store.Community{Level: 0, ClusterID: 0, ParentID: -1, EntityIDs: "[1,2]"}); err != nil {
		t.Fatalf("inserting community: %v", err)
	}
	if err := s.UpsertCommunitySummary(context.Background(), store.CommunitySummary{
		CommunityID: 1, Title: "Widget Cluster", Summary: "Widgets interact with gadgets.",
		KeyEntities: []string{"Widget", "Gadget"}, Occurrence: 2, Rank: 3,
	}); err != nil {
		t.Fatalf("upserting summary: %v", err)
	}

	gw := llm.NewGateway(&stubProvider{response: "Widgets are central to this system."}, llm.GatewayConfig{})
	eng := New(s, gw, nil, Config{MaxConcurrent: 2})

	res, err := eng.Search(context.Background(), "how do widgets work?")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if res.ReportCount != 1 {
		t.Errorf("ReportCount = %d, want 1", res.ReportCount)
	}
	if res.Answer == "" {
		t.Errorf("expected a synthesized answer")
	}
}
