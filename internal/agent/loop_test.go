package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/llm"
	"github.com/nugget/toque/internal/tools"
)

type mockLLMCall struct {
	Messages []llm.Message
	Tools    []map[string]any
}

// mockLLM returns canned responses in order.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	callIndex int
	calls     []mockLLMCall
}

func (m *mockLLM) Chat(_ context.Context, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]llm.Message, len(msgs))
	copy(snapshot, msgs)
	m.calls = append(m.calls, mockLLMCall{Messages: snapshot, Tools: td})

	i := m.callIndex
	m.callIndex++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}
	return m.responses[i], nil
}

// mockClient is a single backend for chain tests.
type mockClient struct {
	resp  *llm.ChatResponse
	err   error
	calls int
}

func (c *mockClient) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	c.calls++
	return c.resp, c.err
}

func (c *mockClient) Ping(context.Context) error { return nil }

type staticRecords []chefs.Record

func (s staticRecords) All(context.Context) ([]chefs.Record, error) { return s, nil }

type failingRecords struct{}

func (failingRecords) All(context.Context) ([]chefs.Record, error) {
	return nil, errors.New("database is locked")
}

func text(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Backend: "mock", Message: llm.Message{Role: llm.RoleAssistant, Content: content}}
}

func toolTurn(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Backend: "mock", Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}
}

type toolLog struct {
	mu    sync.Mutex
	calls []string
}

func (t *toolLog) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, name)
}

func testRegistry(log *toolLog) *tools.Registry {
	reg := tools.NewRegistry(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.Register(&tools.Tool{
		Name:       "list_chefs",
		Parameters: map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (string, error) {
			log.add("list_chefs")
			return `{"result":{"count":1}}`, nil
		},
	})
	reg.Register(&tools.Tool{
		Name:       "update_chef_record",
		Parameters: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			log.add("update_chef_record")
			if _, ok := args["chef_id"].(float64); !ok {
				return "", errors.New("chef_id must be a number")
			}
			return `{"status":"updated"}`, nil
		},
	})
	return reg
}

func buildTestLoop(model ChatModel, log *toolLog, bus *events.Bus, cfg Config) *Loop {
	return NewLoop(Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Model:   model,
		Tools:   testRegistry(log),
		Records: staticRecords{{"id": int64(7), "name": "Jean Dupont"}},
		Bus:     bus,
	}, cfg)
}

func TestRunCompletesOnPhrase(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolTurn(llm.NewToolCall("call-1", "list_chefs", nil)),
		text("All records checked. The database appears UP-TO-DATE."),
	}}
	log := &toolLog{}
	loop := buildTestLoop(mock, log, nil, Config{})

	res, err := loop.Run(context.Background(), Request{Prompt: "check"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.Iterations != 2 || res.ToolCalls != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Reply, "UP-TO-DATE") {
		t.Errorf("reply = %q", res.Reply)
	}

	// The second call sees the assistant turn and the tool result.
	second := mock.calls[1].Messages
	if len(second) != 4 {
		t.Fatalf("second call messages = %d, want 4", len(second))
	}
	if second[0].Role != llm.RoleSystem || !strings.Contains(second[0].Content, "Jean Dupont") {
		t.Errorf("system message = %+v", second[0])
	}
	if second[2].Role != llm.RoleAssistant || len(second[2].ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", second[2])
	}
	if second[3].Role != llm.RoleTool || second[3].ToolCallID != "call-1" {
		t.Errorf("tool result = %+v", second[3])
	}
	if len(mock.calls[0].Tools) != 2 {
		t.Errorf("tool definitions = %d", len(mock.calls[0].Tools))
	}
}

func TestRunUnknownToolDoesNotAbortTurn(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolTurn(
			llm.NewToolCall("a", "drop_database", nil),
			llm.NewToolCall("b", "update_chef_record", `{"chef_id": "x"`),
			llm.NewToolCall("c", "update_chef_record", map[string]any{"chef_id": 7}),
		),
		text("Task complete."),
	}}
	log := &toolLog{}
	loop := buildTestLoop(mock, log, nil, Config{})

	res, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.ToolCalls != 3 {
		t.Errorf("result = %+v", res)
	}
	if len(log.calls) != 1 {
		t.Errorf("tool handler calls = %v, want only the valid one", log.calls)
	}

	results := mock.calls[1].Messages[3:]
	if len(results) != 3 {
		t.Fatalf("tool results = %d, want 3", len(results))
	}
	for i, want := range []string{"error", "error", "status"} {
		var payload map[string]any
		if err := json.Unmarshal([]byte(results[i].Content), &payload); err != nil {
			t.Fatalf("result %d not JSON: %s", i, results[i].Content)
		}
		if _, ok := payload[want]; !ok {
			t.Errorf("result %d = %s, want key %q", i, results[i].Content, want)
		}
	}
	if results[0].ToolCallID != "a" || results[2].ToolCallID != "c" {
		t.Error("tool results must keep call order and ids")
	}
}

func TestRunIdleGuard(t *testing.T) {
	var responses []*llm.ChatResponse
	for range 10 {
		responses = append(responses, text("Let me think about this some more."))
	}
	mock := &mockLLM{responses: responses}
	loop := buildTestLoop(mock, &toolLog{}, nil, Config{MaxIterations: 6})

	res, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// More than half of 6 is 4.
	if res.Status != StatusIdle || res.Iterations != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunMaxIterations(t *testing.T) {
	var responses []*llm.ChatResponse
	for i := range 5 {
		responses = append(responses, toolTurn(llm.NewToolCall(fmt.Sprint(i), "list_chefs", nil)))
	}
	mock := &mockLLM{responses: responses}
	loop := buildTestLoop(mock, &toolLog{}, nil, Config{MaxIterations: 3})

	res, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusMaxIterations || res.Iterations != 3 || len(mock.calls) != 3 {
		t.Errorf("result = %+v, calls = %d", res, len(mock.calls))
	}
}

func TestRunFallbackUsesLastBackend(t *testing.T) {
	first := &mockClient{err: errors.New("timeout")}
	second := &mockClient{resp: nil}
	third := &mockClient{resp: text("No further actions needed.")}
	chain := llm.NewChain(slog.New(slog.NewTextHandler(io.Discard, nil)),
		llm.Backend{Name: "a", Client: first, Model: "m1"},
		llm.Backend{Name: "b", Client: second, Model: "m2"},
		llm.Backend{Name: "c", Client: third, Model: "m3"},
	)
	loop := buildTestLoop(chain, &toolLog{}, nil, Config{})

	res, err := loop.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.Backend != "c" {
		t.Errorf("result = %+v", res)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 1 {
		t.Errorf("calls = %d/%d/%d, want one each", first.calls, second.calls, third.calls)
	}
}

func TestRunAllBackendsFailedIsFatal(t *testing.T) {
	a := &mockClient{err: errors.New("502")}
	b := &mockClient{err: errors.New("timeout")}
	chain := llm.NewChain(slog.New(slog.NewTextHandler(io.Discard, nil)),
		llm.Backend{Name: "a", Client: a},
		llm.Backend{Name: "b", Client: b},
	)
	loop := buildTestLoop(chain, &toolLog{}, nil, Config{})

	res, err := loop.Run(context.Background(), Request{})
	if !errors.Is(err, llm.ErrAllBackendsFailed) {
		t.Fatalf("err = %v", err)
	}
	if res.Status != StatusFatal || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("no further iterations expected; calls = %d/%d", a.calls, b.calls)
	}
}

func TestRunPanicInResponseIsFatal(t *testing.T) {
	// A nil response from a misbehaving model panics while processing.
	mock := &mockLLM{responses: []*llm.ChatResponse{nil}}
	loop := buildTestLoop(mock, &toolLog{}, nil, Config{})

	res, err := loop.Run(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v", err)
	}
	if res.Status != StatusFatal {
		t.Errorf("status = %s", res.Status)
	}
}

func TestRunRecordLoadFailure(t *testing.T) {
	loop := NewLoop(Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Model:   &mockLLM{},
		Tools:   testRegistry(&toolLog{}),
		Records: failingRecords{},
	}, Config{})

	res, err := loop.Run(context.Background(), Request{})
	if err == nil || res.Status != StatusFatal || res.Iterations != 0 {
		t.Errorf("result = %+v, err = %v", res, err)
	}
}

func TestRunWithHistoryAndSystemOverride(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Bonjour! Marie cooks in Lyon.")}}
	loop := buildTestLoop(mock, &toolLog{}, nil, Config{MaxIterations: 1})

	history := []llm.Message{llm.User("hi"), {Role: llm.RoleAssistant, Content: "Salut!"}}
	res, err := loop.Run(context.Background(), Request{
		Prompt:       "Where does Marie cook?",
		History:      history,
		SystemPrompt: "chat persona",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "Bonjour! Marie cooks in Lyon." {
		t.Errorf("reply = %q", res.Reply)
	}
	msgs := mock.calls[0].Messages
	if msgs[0].Content != "chat persona" || len(msgs) != 4 || msgs[3].Content != "Where does Marie cook?" {
		t.Errorf("messages = %+v", msgs)
	}
	if len(res.Messages) != 5 {
		t.Errorf("result messages = %d, want 5", len(res.Messages))
	}
}

func TestRunInteractiveStopsAtFirstReply(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolTurn(llm.NewToolCall("call-1", "list_chefs", nil)),
		text("Jean Dupont cooks at Le Petit Bistro."),
		text("unused"),
	}}
	log := &toolLog{}
	loop := buildTestLoop(mock, log, nil, Config{})

	res, err := loop.Run(context.Background(), Request{Prompt: "Where does Jean cook?", SystemPrompt: "chat", Interactive: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.Iterations != 2 || res.Reply != "Jean Dupont cooks at Le Petit Bistro." {
		t.Errorf("result = %+v", res)
	}
	if len(mock.calls) != 2 {
		t.Errorf("model calls = %d, want 2", len(mock.calls))
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolTurn(llm.NewToolCall("1", "list_chefs", nil)),
		text("Cycle complete."),
	}}
	loop := buildTestLoop(mock, &toolLog{}, bus, Config{})
	if _, err := loop.Run(context.Background(), Request{ConversationID: "s-1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var kinds []string
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			if e.Data["conversation_id"] != "s-1" {
				t.Errorf("%s event missing conversation id", e.Kind)
			}
			if e.Kind != events.KindCycleEnd {
				continue
			}
		case <-timeout:
			t.Fatalf("timed out; got %v", kinds)
		}
		break
	}

	want := []string{
		events.KindCycleStart, events.KindUserMessage,
		events.KindLLMRequest, events.KindLLMResponse, events.KindLLMToolRequest, events.KindToolStart, events.KindToolResult,
		events.KindLLMRequest, events.KindLLMResponse,
		events.KindCycleEnd,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events =\n%v\nwant\n%v", kinds, want)
	}
}

func TestRunHonorsIterationDelay(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolTurn(llm.NewToolCall("1", "list_chefs", nil)),
		text("task complete"),
	}}
	loop := buildTestLoop(mock, &toolLog{}, nil, Config{IterationDelay: time.Second})
	var slept []time.Duration
	loop.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := loop.Run(context.Background(), Request{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("slept = %v, want one 1s pause between iterations", slept)
	}
}

func TestMatchCompletion(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"The database appears up-to-date based on the current check.", true},
		{"NO MISSING INFORMATION FOUND", true},
		{"I will now search for Jean Dupont.", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, got := matchCompletion(tt.content, DefaultCompletionPhrases); got != tt.want {
			t.Errorf("matchCompletion(%q) = %v", tt.content, got)
		}
	}
}
