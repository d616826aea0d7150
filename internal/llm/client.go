package llm

import (
	"context"
	"errors"
)

// ErrNoChoices is returned by a backend whose response carried no
// choices. The chain treats it like a transport error.
var ErrNoChoices = errors.New("response contained no choices")

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools use the OpenAI function schema shape produced by the tool
	// registry.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Completer produces a plain text completion. The enrichment pipeline
// uses it to draft search prompts and parse search answers.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// functionSpec pulls name, description and parameters out of one
// registry tool definition.
func functionSpec(tool map[string]any) (name, description string, parameters any, ok bool) {
	fn, _ := tool["function"].(map[string]any)
	if fn == nil {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	description, _ = fn["description"].(string)
	return name, description, fn["parameters"], name != ""
}
