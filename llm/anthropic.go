package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = anthropic.ModelClaude3_7SonnetLatest
const defaultAnthropicMaxTokens = 4096

// anthropicProvider implements Provider for Anthropic's Messages API.
// It is selected by Provider "anthropic" in Config and is normally used
// only behind a Gateway, never called directly for JSON-contract prompts.
//
// API key: config.APIKey, falling back to ANTHROPIC_API_KEY as §6 requires.
type anthropicProvider struct {
	sdk   anthropic.Client
	model string
}

// NewAnthropic creates a provider for the Anthropic Messages API.
func NewAnthropic(cfg Config) Provider {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}

	model := cfg.Model
	if model == "" {
		model = string(defaultAnthropicModel)
	}

	return &anthropicProvider{
		sdk:   anthropic.NewClient(opts...),
		model: model,
	}
}

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: anthropic messages.new: %v", ErrProviderUnavailable, err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(tb.Text)
		}
	}

	// Anthropic's stop_reason for truncation is "max_tokens" — this is the
	// distinguishable truncation signal the LLM Gateway's continuation
	// logic keys off of (§4.3.1, §6).
	finishReason := string(resp.StopReason)

	promptTokens := int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens)
	completionTokens := int(resp.Usage.OutputTokens)

	return &ChatResponse{
		Content:          content.String(),
		Model:            string(resp.Model),
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}, nil
}

// Embed is unsupported: Anthropic has no embeddings endpoint. Embeddings
// are configured via a separate provider (§6's embedding_model is
// independent of llm_provider).
func (p *anthropicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: anthropic provider does not support embeddings", ErrUnsupportedOperation)
}
