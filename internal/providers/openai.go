package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o"
)

// OpenAIConfig holds configuration for the OpenAI completion client.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // Default model (per-request override wins)
	RateLimit  int           // Requests per minute (default: 150)
	Timeout    time.Duration // HTTP timeout (default: 120s)
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIClient implements Completer and BatchRunner using the official SDK.
// Per-request retries are left to the caller; the SDK's own transport retry
// is disabled so the pipeline's backoff policy is the only one in play.
type OpenAIClient struct {
	model   string
	limiter *RateLimiter
	client  openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 150
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:   cfg.Model,
		limiter: NewRateLimiter(cfg.RateLimit),
		client:  openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Complete sends one completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params, err := c.chatParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		c.limiter.Record429(err)
		return nil, classifyOpenAIError("completion", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.KindTransient, "completion returned no choices")
	}

	return &CompletionResult{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		ExecutionTime:    time.Since(start),
	}, nil
}

// chatParams builds the chat completion parameters for one item.
// Vision tasks attach the page image; text tasks inline the source text.
func (c *OpenAIClient) chatParams(req *CompletionRequest) (openai.ChatCompletionNewParams, error) {
	if req.Prompt == "" {
		return openai.ChatCompletionNewParams{}, fault.New(fault.KindValidation, "empty prompt")
	}
	if req.Text == "" && req.ImageURL == "" {
		return openai.ChatCompletionNewParams{}, fault.New(fault.KindValidation, "request has neither text nor image")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var userMsg openai.ChatCompletionMessageParamUnion
	if req.ImageURL != "" {
		userMsg = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.Prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: req.ImageURL,
			}),
		})
	} else {
		userMsg = openai.UserMessage(fmt.Sprintf("%s\n\n%s", req.Prompt, req.Text))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{userMsg},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	return params, nil
}
