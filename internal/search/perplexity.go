package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/toque/internal/httpkit"
)

// DefaultPerplexityURL is Perplexity's OpenAI-compatible endpoint.
const DefaultPerplexityURL = "https://api.perplexity.ai"

// searchSystemPrompt frames tool-path queries.
const searchSystemPrompt = "You are an AI assistant specialized in finding specific, factual information about Top Chef France candidates. " +
	"Provide only the requested information, concisely and directly. If you cannot find the exact information, state that clearly."

// PerplexityConfig configures the Perplexity provider.
type PerplexityConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens bounds tool-path answers. Ask is unbounded.
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Configured reports whether an API key is set.
func (c PerplexityConfig) Configured() bool {
	return c.APIKey != ""
}

// Perplexity answers questions with live web grounding. It speaks the
// OpenAI chat completion protocol, so it shares the go-openai client.
type Perplexity struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewPerplexity creates a Perplexity provider.
func NewPerplexity(cfg PerplexityConfig) *Perplexity {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPerplexityURL
	}
	if cfg.Model == "" {
		cfg.Model = "sonar"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))

	return &Perplexity{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *Perplexity) Name() string { return "perplexity" }

// Search answers query and returns the answer as a single result.
func (p *Perplexity) Search(ctx context.Context, query string, _ Options) ([]Result, error) {
	answer, err := p.complete(ctx, searchSystemPrompt, query, p.maxTokens)
	if err != nil {
		return nil, err
	}
	return []Result{{Title: "Perplexity answer", Snippet: answer}}, nil
}

// Ask implements Answerer without a token bound.
func (p *Perplexity) Ask(ctx context.Context, system, prompt string) (string, error) {
	return p.complete(ctx, system, prompt, 0)
}

func (p *Perplexity) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("perplexity: HTTP %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("perplexity: request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("perplexity: response contained no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("perplexity: empty answer")
	}
	return answer, nil
}
