package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// MaxContinuationAttempts bounds the number of continuation calls per
	// logical completion. Defaults to 5.
	MaxContinuationAttempts int
}

// Gateway is the single chokepoint for LLM calls (§4.3). It wraps a
// Provider's Chat method with truncation-aware continuation, longest-suffix
// stitching, and strict [START_JSON]/[END_JSON] extraction with fallbacks.
// No other component is expected to call a Provider directly for prompts
// that expect a JSON-shaped result.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
}

// NewGateway wraps provider in a Gateway. provider is typically the
// "anthropic" or "bedrock" chat provider selected through Config.Provider,
// but any Provider works — the continuation contract is provider-agnostic.
func NewGateway(provider Provider, cfg GatewayConfig) *Gateway {
	if cfg.MaxContinuationAttempts <= 0 {
		cfg.MaxContinuationAttempts = 5
	}
	return &Gateway{provider: provider, cfg: cfg}
}

// truncatedStopReason is the provider-reported stop reason that indicates
// the response was cut off by the token limit, distinguishable from
// natural completion per §6's LLM Provider interface contract.
const truncatedStopReason = "max_tokens"

// Complete issues prompt to the wrapped provider, transparently continuing
// the response when the provider reports truncation or the accumulated
// text does not yet parse as the expected [START_JSON]/[END_JSON] object,
// up to MaxContinuationAttempts times (§4.3.1, §4.3.2). It returns the full
// stitched text; if JSON parsing never succeeds, the raw text is returned
// alongside a non-nil error so the caller can decide (§4.3.4, ParseError).
func (g *Gateway) Complete(ctx context.Context, prompt string) (string, error) {
	var full string
	var lastResp *ChatResponse
	attempts := 0
	jsonOK := false

	for attempts < g.cfg.MaxContinuationAttempts && !jsonOK {
		attempts++
		current := prompt
		if attempts > 1 {
			current = continuationPrompt(prompt, full)
		}

		resp, err := g.provider.Chat(ctx, ChatRequest{
			Messages:    []Message{{Role: "user", Content: current}},
			Temperature: 0,
		})
		if err != nil {
			if full != "" {
				// Partial progress exists; surface it rather than discard it.
				return full, fmt.Errorf("llm gateway: provider call failed on attempt %d: %w", attempts, err)
			}
			return "", fmt.Errorf("llm gateway: provider call failed: %w", err)
		}
		lastResp = resp

		full = Stitch(full, resp.Content)

		_, jsonOK = ExtractJSON(full)

		truncated := resp.FinishReason == truncatedStopReason
		if !jsonOK && !truncated {
			// Not explicitly truncated and not parseable yet: the loop's
			// attempt counter is the only safeguard against looping forever
			// on consistently malformed output.
			slog.Debug("llm gateway: response not parseable and not truncated, retrying",
				"attempt", attempts)
		}
	}

	if !jsonOK {
		slog.Warn("llm gateway: JSON parsing did not succeed within continuation budget",
			"attempts", attempts, "max_attempts", g.cfg.MaxContinuationAttempts)
		return full, fmt.Errorf("%w: response did not contain valid tagged JSON after %d attempts", ErrParseJSON, attempts)
	}

	if lastResp != nil && attempts >= g.cfg.MaxContinuationAttempts && lastResp.FinishReason == truncatedStopReason {
		slog.Warn("llm gateway: max continuation attempts reached", "attempts", attempts)
	}

	return full, nil
}

// CompleteJSON is a convenience wrapper around Complete that also extracts
// and unmarshals the JSON payload into v.
func (g *Gateway) CompleteJSON(ctx context.Context, prompt string, v any) error {
	text, err := g.Complete(ctx, prompt)
	if err != nil && text == "" {
		return err
	}
	payload, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("%w: no JSON payload found in response", ErrParseJSON)
	}
	if unmarshalErr := json.Unmarshal([]byte(payload), v); unmarshalErr != nil {
		return fmt.Errorf("%w: %v", ErrParseJSON, unmarshalErr)
	}
	return nil
}

func continuationPrompt(originalPrompt, partial string) string {
	var b strings.Builder
	b.WriteString(originalPrompt)
	b.WriteString("\n\nThe previous response was cut off before completion. Continue exactly where it left off.\n")
	b.WriteString("Response so far:\n```\n")
	b.WriteString(partial)
	b.WriteString("\n```\nContinue the response.")
	return b.String()
}

// Stitch appends the non-overlapping tail of b onto a, matching up to a
// 200-character suffix of a against a prefix of b (§4.3.1). It satisfies
// P6: stitch(stitch(a,b),b) == stitch(a,b), and if b starts with a suffix
// of a, that suffix appears exactly once in the result.
func Stitch(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	const searchWindow = 200
	maxOverlap := 0
	limit := min3(len(a), len(b), searchWindow)
	for k := limit; k > 0; k-- {
		if strings.HasSuffix(a, b[:k]) {
			maxOverlap = k
			break
		}
	}
	return a + b[maxOverlap:]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

const (
	startJSONTag = "[START_JSON]"
	endJSONTag   = "[END_JSON]"
)

// ExtractJSON implements the JSON extraction contract of §4.3.3 / P7:
// a [START_JSON]...[END_JSON] block wins if present; otherwise fenced
// ```json or ``` code blocks are tried; otherwise the text between the
// first '{' and the last '}' is tried. Returns the extracted (but not yet
// unmarshaled) JSON text and whether it parses as valid JSON.
func ExtractJSON(text string) (string, bool) {
	candidate, found := extractTagged(text)
	if !found {
		candidate = extractFenced(text)
	}
	if candidate == "" {
		return "", false
	}
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

func extractTagged(text string) (string, bool) {
	start := strings.Index(text, startJSONTag)
	end := strings.LastIndex(text, endJSONTag)
	if start == -1 || end == -1 || start >= end {
		return "", false
	}
	return strings.TrimSpace(text[start+len(startJSONTag) : end]), true
}

func extractFenced(text string) string {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "```json") && strings.HasSuffix(trimmed, "```"):
		trimmed = strings.TrimSpace(trimmed[len("```json") : len(trimmed)-3])
	case strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```"):
		trimmed = strings.TrimSpace(trimmed[3 : len(trimmed)-3])
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || start >= end {
		return ""
	}
	return trimmed[start : end+1]
}
