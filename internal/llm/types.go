// Package llm talks to chat-completion endpoints. A Chain tries a
// ranked list of backends and returns the first valid response.
package llm

import (
	"encoding/json"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`
}

// ToolCall represents a tool call from the model. Arguments stay as the
// raw JSON text the model produced so malformed arguments can be
// reported back to it instead of failing the whole response.
type ToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall, marshaling args when it is not
// already a string.
func NewToolCall(id, name string, args any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	switch a := args.(type) {
	case string:
		tc.Function.Arguments = a
	case nil:
		tc.Function.Arguments = "{}"
	default:
		b, err := json.Marshal(a)
		if err != nil {
			tc.Function.Arguments = "{}"
		} else {
			tc.Function.Arguments = string(b)
		}
	}
	return tc
}

// ChatResponse is the unified response from any backend. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model        string
	Backend      string
	CreatedAt    time.Time
	Message      Message
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// ToolResult returns a tool message answering the call with id.
func ToolResult(id, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: id, Name: name, Content: content}
}
