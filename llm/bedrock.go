package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const defaultBedrockModel = "anthropic.claude-3-sonnet-20240229-v1:0"
const defaultBedrockMaxTokens = 4096

// bedrockProvider implements Provider for Anthropic Claude models served
// through Amazon Bedrock. Selected by Provider "bedrock" in Config.
//
// Credentials come from the default AWS credential chain (environment,
// shared config, instance role); §6 explicitly says the Bedrock provider
// "uses its own credential chain" and ignores any configured API key.
type bedrockProvider struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrock creates a provider for Amazon Bedrock from cfg.Model and
// region. Neither is required: an empty model falls back to
// defaultBedrockModel, and an empty region leaves region resolution to the
// AWS SDK's default config chain.
func NewBedrock(ctx context.Context, cfg Config, region string) (Provider, error) {
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", ErrProviderUnavailable, err)
	}

	return &bedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
	}, nil
}

// bedrockAnthropicRequest is the Anthropic-on-Bedrock "messages" wire
// format, distinct from the native Anthropic API (no top-level "model").
type bedrockAnthropicRequest struct {
	AnthropicVersion string                    `json:"anthropic_version"`
	MaxTokens        int                       `json:"max_tokens"`
	Temperature      float64                   `json:"temperature,omitempty"`
	System           string                    `json:"system,omitempty"`
	Messages         []bedrockAnthropicMessage `json:"messages"`
}

type bedrockAnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *bedrockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system string
	var messages []bedrockAnthropicMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, bedrockAnthropicMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}

	body := bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		System:           system,
		Messages:         messages,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling bedrock request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bedrock InvokeModel: %v", ErrProviderUnavailable, err)
	}

	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decoding bedrock response: %w", err)
	}

	var content bytes.Buffer
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	// Bedrock's Claude models report "max_tokens" as stop_reason on
	// truncation, same signal as the native Anthropic API (§6).
	return &ChatResponse{
		Content:          content.String(),
		Model:            model,
		FinishReason:     resp.StopReason,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// Embed is unsupported: embeddings are configured via a separate provider.
func (p *bedrockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: bedrock provider does not support embeddings", ErrUnsupportedOperation)
}
