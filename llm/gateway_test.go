package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStitchNoOverlap(t *testing.T) {
	got := Stitch("hello ", "world")
	if got != "hello world" {
		t.Errorf("Stitch = %q, want %q", got, "hello world")
	}
}

func TestStitchWithOverlap(t *testing.T) {
	got := Stitch("the quick brown", " brown fox")
	if got != "the quick brown fox" {
		t.Errorf("Stitch = %q, want %q", got, "the quick brown fox")
	}
}

func TestStitchEmptyOperands(t *testing.T) {
	if got := Stitch("", "abc"); got != "abc" {
		t.Errorf("Stitch(\"\", abc) = %q, want abc", got)
	}
	if got := Stitch("abc", ""); got != "abc" {
		t.Errorf("Stitch(abc, \"\") = %q, want abc", got)
	}
}

// P6: stitch(stitch(a,b),b) == stitch(a,b) — re-stitching the same tail is idempotent.
func TestStitchIdempotent(t *testing.T) {
	a, b := "partial respo", "response continues here"
	once := Stitch(a, b)
	twice := Stitch(once, b)
	if once != twice {
		t.Errorf("Stitch not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestStitchFullSuffixOverlap(t *testing.T) {
	a := "the cat sat"
	b := "the cat sat on the mat"
	got := Stitch(a, b)
	if got != b {
		t.Errorf("Stitch = %q, want %q (b fully contains a's suffix as its prefix)", got, b)
	}
}

func TestStitchOverlapAtEndOfLongPrefix(t *testing.T) {
	a := strings.Repeat("x", 300) + "TAIL"
	b := "TAIL" + strings.Repeat("y", 10)
	got := Stitch(a, b)
	// a is longer than the 200-char search window, but "TAIL" ends a, so the
	// 4-char overlap is found and the result ends with b exactly once.
	if !strings.HasSuffix(got, b) {
		t.Errorf("Stitch = %q, want suffix %q", got, b)
	}
}

func TestExtractJSONTagged(t *testing.T) {
	text := `some preamble [START_JSON]{"a": 1}[END_JSON] trailing notes`
	got, ok := ExtractJSON(text)
	if !ok {
		t.Fatal("expected ok=true for tagged JSON")
	}
	if got != `{"a": 1}` {
		t.Errorf("ExtractJSON = %q, want %q", got, `{"a": 1}`)
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is the result:\n```json\n{\"a\": 1}\n```\n"
	got, ok := ExtractJSON(text)
	if !ok {
		t.Fatal("expected ok=true for fenced JSON")
	}
	if got != `{"a": 1}` {
		t.Errorf("ExtractJSON = %q, want %q", got, `{"a": 1}`)
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	_, ok := ExtractJSON("no json anywhere in here")
	if ok {
		t.Error("expected ok=false when no JSON payload is present")
	}
}

func TestExtractJSONInvalidJSONRejected(t *testing.T) {
	text := "[START_JSON]{not valid json[END_JSON]"
	_, ok := ExtractJSON(text)
	if ok {
		t.Error("expected ok=false for malformed JSON between tags")
	}
}

// stubProvider is a minimal Provider for Gateway tests.
type stubProvider struct {
	responses []ChatResponse
	calls     int
	err       error
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.responses) {
		s.calls++
		return &s.responses[len(s.responses)-1], nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return &resp, nil
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func TestGatewayCompleteSingleShot(t *testing.T) {
	p := &stubProvider{responses: []ChatResponse{
		{Content: `[START_JSON]{"ok": true}[END_JSON]`, FinishReason: "stop"},
	}}
	g := NewGateway(p, GatewayConfig{})

	text, err := g.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if !strings.Contains(text, `"ok": true`) {
		t.Errorf("Complete text = %q, missing expected payload", text)
	}
	if p.calls != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", p.calls)
	}
}

func TestGatewayCompleteContinuesOnTruncation(t *testing.T) {
	p := &stubProvider{responses: []ChatResponse{
		{Content: `[START_JSON]{"a": 1,`, FinishReason: "max_tokens"},
		{Content: ` "b": 2}[END_JSON]`, FinishReason: "stop"},
	}}
	g := NewGateway(p, GatewayConfig{})

	text, err := g.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("expected 2 provider calls (1 continuation), got %d", p.calls)
	}
	payload, ok := ExtractJSON(text)
	if !ok {
		t.Fatalf("expected the stitched text to contain valid JSON, got %q", text)
	}
	if !strings.Contains(payload, `"a": 1`) || !strings.Contains(payload, `"b": 2`) {
		t.Errorf("stitched payload missing expected fields: %q", payload)
	}
}

func TestGatewayCompleteGivesUpAfterMaxAttempts(t *testing.T) {
	p := &stubProvider{responses: []ChatResponse{
		{Content: "never valid json", FinishReason: "stop"},
	}}
	g := NewGateway(p, GatewayConfig{MaxContinuationAttempts: 3})

	_, err := g.Complete(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected an error when JSON never parses")
	}
	if !errors.Is(err, ErrParseJSON) {
		t.Errorf("expected ErrParseJSON, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("expected exactly MaxContinuationAttempts=3 calls, got %d", p.calls)
	}
}

func TestGatewayCompleteJSONUnmarshals(t *testing.T) {
	p := &stubProvider{responses: []ChatResponse{
		{Content: `[START_JSON]{"name": "widget", "count": 3}[END_JSON]`, FinishReason: "stop"},
	}}
	g := NewGateway(p, GatewayConfig{})

	var result struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := g.CompleteJSON(context.Background(), "prompt", &result); err != nil {
		t.Fatalf("CompleteJSON returned error: %v", err)
	}
	if result.Name != "widget" || result.Count != 3 {
		t.Errorf("CompleteJSON result = %+v, want {widget 3}", result)
	}
}

func TestGatewayCompleteJSONPropagatesProviderError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	p := &stubProvider{err: wantErr}
	g := NewGateway(p, GatewayConfig{})

	var result map[string]any
	err := g.CompleteJSON(context.Background(), "prompt", &result)
	if !errors.Is(err, wantErr) {
		t.Errorf("CompleteJSON err = %v, want wrapping %v", err, wantErr)
	}
}
