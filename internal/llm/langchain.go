package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/nugget/toque/internal/httpkit"
)

// generator is the slice of llms.Model the adapter uses.
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LangChainConfig configures a LangChainClient.
type LangChainConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// LangChainClient adapts a langchaingo model to the Client and
// Completer interfaces. It is used as an alternate tool-capable backend
// and as the plain completer in the enrichment pipeline.
type LangChainClient struct {
	model       generator
	defaultName string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewLangChainClient builds a client over langchaingo's OpenAI
// provider pointed at cfg.BaseURL.
func NewLangChainClient(cfg LangChainConfig, logger *slog.Logger) (*LangChainClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain client: %w", err)
	}
	return newLangChainClient(m, cfg, logger), nil
}

func newLangChainClient(m generator, cfg LangChainConfig, logger *slog.Logger) *LangChainClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	return &LangChainClient{
		model:       m,
		defaultName: cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

// Chat implements Client.
func (c *LangChainClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if model == "" {
		model = c.defaultName
	}
	opts := []llms.CallOption{
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if lt := toLangChainTools(tools); len(lt) > 0 {
		opts = append(opts, llms.WithTools(lt))
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, toLangChainMessages(messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain %s: %w", model, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("langchain %s: %w", model, ErrNoChoices)
	}

	choice := resp.Choices[0]
	msg := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, NewToolCall(tc.ID, tc.FunctionCall.Name, tc.FunctionCall.Arguments))
	}

	return &ChatResponse{
		Model:        model,
		CreatedAt:    time.Now().UTC(),
		Message:      msg,
		FinishReason: choice.StopReason,
		InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
		Duration:     time.Since(start),
	}, nil
}

// Complete implements Completer with the client's default model.
func (c *LangChainClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(prompt))
	resp, err := c.Chat(ctx, "", msgs, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// Ping issues a one-token completion.
func (c *LangChainClient) Ping(ctx context.Context) error {
	_, err := c.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "ping")},
		llms.WithMaxTokens(1),
	)
	if err != nil {
		return fmt.Errorf("langchain ping: %w", err)
	}
	return nil
}

func toLangChainMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, mc)
		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.Name,
					Content:    m.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

func toLangChainTools(tools []map[string]any) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		name, desc, params, ok := functionSpec(t)
		if !ok {
			continue
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
