package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAIConfig holds configuration for the OpenAI-backed client.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // Default model when requests leave Model empty
	Timeout time.Duration // HTTP timeout
	BaseURL string        // Optional (tests, compatible gateways)
	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// OpenAIClient implements Client over the official OpenAI SDK's chat
// completions surface. Cost is left zero; pricing belongs to the caller.
type OpenAIClient struct {
	model  string
	client openai.Client
}

// NewOpenAIClient creates an OpenAI chat completion client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIClient{
		model:  cfg.Model,
		client: openai.NewClient(opts...),
	}
}

func (c *OpenAIClient) Name() string { return OpenAIName }

// Complete sends one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.Opt(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.Opt(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Opt(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Opt(req.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	out := &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: string(resp.Model),
	}
	out.Usage.PromptTokens = resp.Usage.PromptTokens
	out.Usage.CompletionTokens = resp.Usage.CompletionTokens
	out.Usage.TotalTokens = resp.Usage.TotalTokens
	out.Usage.Model = string(resp.Model)
	return out, nil
}
