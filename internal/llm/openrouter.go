package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/toque/internal/httpkit"
)

// DefaultOpenRouterURL is the OpenRouter OpenAI-compatible endpoint.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures an OpenRouterClient. Temperature is sent
// as given; zero means deterministic sampling.
type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string
	SiteURL     string
	SiteName    string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// OpenRouterClient is a Client for OpenRouter (or any OpenAI-compatible
// endpoint) built on go-openai.
type OpenRouterClient struct {
	client      *openai.Client
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenRouterClient creates a client. SiteURL and SiteName are sent
// as the HTTP-Referer and X-Title attribution headers.
func NewOpenRouterClient(cfg OpenRouterConfig, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}

	hc := httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout), httpkit.WithLogger(logger))
	headers := map[string]string{}
	if cfg.SiteURL != "" {
		headers["HTTP-Referer"] = cfg.SiteURL
	}
	if cfg.SiteName != "" {
		headers["X-Title"] = cfg.SiteName
	}
	if len(headers) > 0 {
		hc.Transport = &headerTransport{base: hc.Transport, headers: headers}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = hc

	return &OpenRouterClient{
		client:      openai.NewClientWithConfig(oc),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

// requestTemperature maps zero to the smallest positive float32, since
// go-openai drops a zero temperature from the request and the provider
// would then apply its own default.
func requestTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// Chat sends one chat completion request with tool_choice auto.
func (c *OpenRouterClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Temperature: requestTemperature(c.temperature),
		MaxTokens:   c.maxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	c.logger.Log(ctx, LevelTrace, "openrouter request", "model", model, "messages", len(messages), "tools", len(req.Tools))

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openrouter %s: status %d: %s", model, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("openrouter %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter %s: %w", model, ErrNoChoices)
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0).UTC(),
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}
	c.logger.Log(ctx, LevelTrace, "openrouter response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.Message.ToolCalls),
		"content", out.Message.Content,
	)
	return out, nil
}

// Ping lists models to confirm the endpoint and key work.
func (c *OpenRouterClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openrouter ping: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []map[string]any) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		name, desc, params, ok := functionSpec(t)
		if !ok {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, NewToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return msg
}
