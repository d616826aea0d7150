// Package agent implements the curation loop: send the conversation to
// the backend chain, run any tools the model asks for, feed the results
// back, and stop on a completion phrase, a quiet model, the iteration
// budget, or a fatal failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/llm"
	"github.com/nugget/toque/internal/metrics"
	"github.com/nugget/toque/internal/prompts"
	"github.com/nugget/toque/internal/tools"
)

// Run statuses.
const (
	StatusCompleted     = "completed"
	StatusMaxIterations = "max_iterations"
	StatusIdle          = "idle"
	StatusFatal         = "fatal"
)

// DefaultCompletionPhrases end a run when they appear in a text reply.
var DefaultCompletionPhrases = []string{
	"database appears up-to-date",
	"no missing information found",
	"cycle complete",
	"no further actions needed",
	"task complete",
	"appears up-to-date",
}

// ChatModel is the ranked backend chain.
type ChatModel interface {
	Chat(ctx context.Context, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error)
}

// ToolRunner executes tool calls. Execute always returns a JSON payload.
type ToolRunner interface {
	Names() []string
	Definitions() []map[string]any
	Execute(ctx context.Context, name, argsJSON string) (string, error)
}

// RecordSource supplies the records embedded in the system prompt.
type RecordSource interface {
	All(ctx context.Context) ([]chefs.Record, error)
}

// Config bounds a run.
type Config struct {
	MaxIterations     int
	IterationDelay    time.Duration
	CompletionPhrases []string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 12
	}
	if c.IterationDelay < 0 {
		c.IterationDelay = 0
	}
	if len(c.CompletionPhrases) == 0 {
		c.CompletionPhrases = DefaultCompletionPhrases
	}
	return c
}

// Request starts a run.
type Request struct {
	// Prompt is the user message that opens (or continues) the run.
	Prompt string

	// History is prior conversation for interactive sessions, without
	// the system message.
	History []llm.Message

	// SystemPrompt overrides the default curation system prompt.
	SystemPrompt string

	ConversationID string

	// Source tags published events; defaults to events.SourceAgent.
	Source string

	// Interactive runs end at the first text reply without tool calls.
	Interactive bool
}

// Result describes a finished run.
type Result struct {
	Status     string        `json:"status"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Model      string        `json:"model,omitempty"`
	Backend    string        `json:"backend,omitempty"`
	Reply      string        `json:"reply,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`

	// Messages is the full conversation, system message first.
	Messages []llm.Message `json:"-"`
}

// Loop is the agent execution loop. It holds no per-run state, so one
// Loop serves the scheduler and every chat session.
type Loop struct {
	logger  *slog.Logger
	model   ChatModel
	tools   ToolRunner
	records RecordSource
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config

	sleep func(ctx context.Context, d time.Duration) error
}

// Deps are a Loop's collaborators. Bus and Metrics may be nil.
type Deps struct {
	Logger  *slog.Logger
	Model   ChatModel
	Tools   ToolRunner
	Records RecordSource
	Bus     *events.Bus
	Metrics *metrics.Metrics
}

// NewLoop creates a loop.
func NewLoop(d Deps, cfg Config) *Loop {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Loop{
		logger:  d.Logger,
		model:   d.Model,
		tools:   d.Tools,
		records: d.Records,
		bus:     d.Bus,
		metrics: d.Metrics,
		cfg:     cfg.withDefaults(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run carries one execution's mutable state.
type run struct {
	req       Request
	source    string
	messages  []llm.Message
	result    *Result
	toolCalls int
}

func (l *Loop) emit(r *run, kind string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	if r.req.ConversationID != "" {
		data["conversation_id"] = r.req.ConversationID
	}
	l.bus.Emit(r.source, kind, data)
}

// Run executes the loop until it terminates. The returned Result is
// never nil; the error is non-nil only for fatal runs.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	r := &run{req: req, source: req.Source, result: &Result{}}
	if r.source == "" {
		r.source = events.SourceAgent
	}
	ctx = tools.WithCaller(ctx, tools.Caller{Conversation: req.ConversationID, Source: r.source})

	log := l.logger.With("conversation", req.ConversationID)
	log.Info("agent run started", "max_iterations", l.cfg.MaxIterations)
	l.emit(r, events.KindCycleStart, map[string]any{"message": "Agent cycle started"})

	err := l.execute(ctx, r, log)

	res := r.result
	res.ToolCalls = r.toolCalls
	res.Messages = r.messages
	res.Duration = time.Since(start)
	if err != nil {
		res.Status = StatusFatal
		res.Error = err.Error()
		log.Error("agent run failed", "iterations", res.Iterations, "error", err)
		l.emit(r, events.KindCycleError, map[string]any{"error": err.Error()})
	}

	l.metrics.AgentRun(res.Status, res.Iterations, res.Duration)
	log.Info("agent run finished",
		"status", res.Status,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"model", res.Model,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	l.emit(r, events.KindCycleEnd, map[string]any{
		"status":     res.Status,
		"iterations": res.Iterations,
		"tool_calls": res.ToolCalls,
	})
	return res, err
}

func (l *Loop) execute(ctx context.Context, r *run, log *slog.Logger) error {
	system := r.req.SystemPrompt
	if system == "" {
		records, err := l.records.All(ctx)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		if len(records) == 0 {
			l.emit(r, events.KindCycleInfo, map[string]any{"message": "Database is empty"})
		}
		system = prompts.SystemPrompt(records, l.tools.Names())
	}

	prompt := r.req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = prompts.DefaultUserMessage
	}
	r.messages = make([]llm.Message, 0, len(r.req.History)+2+l.cfg.MaxIterations*2)
	r.messages = append(r.messages, llm.System(system))
	r.messages = append(r.messages, r.req.History...)
	r.messages = append(r.messages, llm.User(prompt))
	l.emit(r, events.KindUserMessage, map[string]any{"content": prompt})

	defs := l.tools.Definitions()

	for i := 1; i <= l.cfg.MaxIterations; i++ {
		r.result.Iterations = i
		l.emit(r, events.KindLLMRequest, map[string]any{
			"iteration": i,
			"messages":  len(r.messages),
		})

		resp, err := l.model.Chat(ctx, r.messages, defs)
		if err != nil {
			if errors.Is(err, llm.ErrAllBackendsFailed) {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			return fmt.Errorf("iteration %d: model call: %w", i, err)
		}

		done, err := l.handleResponse(ctx, r, i, resp, log)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if i < l.cfg.MaxIterations {
			if err := l.sleep(ctx, l.cfg.IterationDelay); err != nil {
				return err
			}
		}
	}

	r.result.Status = StatusMaxIterations
	log.Warn("agent run hit iteration limit", "max_iterations", l.cfg.MaxIterations)
	return nil
}

// handleResponse appends the assistant turn and runs its tool calls.
// It reports whether the run is over. A panic while processing is
// converted to a fatal error.
func (l *Loop) handleResponse(ctx context.Context, r *run, iter int, resp *llm.ChatResponse, log *slog.Logger) (done bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while processing model response",
				"iteration", iter,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			done, err = true, fmt.Errorf("iteration %d: panic while processing response: %v", iter, p)
		}
	}()

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	r.messages = append(r.messages, msg)
	r.result.Model = resp.Model
	r.result.Backend = resp.Backend
	l.metrics.Tokens(resp.Backend, resp.InputTokens, resp.OutputTokens)

	l.emit(r, events.KindLLMResponse, map[string]any{
		"iteration":  iter,
		"model":      resp.Model,
		"backend":    resp.Backend,
		"content":    msg.Content,
		"tool_calls": len(msg.ToolCalls),
	})

	if len(msg.ToolCalls) > 0 {
		if strings.TrimSpace(msg.Content) != "" {
			r.result.Reply = msg.Content
		}
		for _, tc := range msg.ToolCalls {
			l.runTool(ctx, r, tc, log)
		}
		return false, nil
	}

	content := strings.TrimSpace(msg.Content)
	if content != "" {
		r.result.Reply = content
	}
	if r.req.Interactive && content != "" {
		r.result.Status = StatusCompleted
		return true, nil
	}
	if phrase, ok := matchCompletion(content, l.cfg.CompletionPhrases); ok {
		log.Info("completion phrase detected", "phrase", phrase, "iteration", iter)
		r.result.Status = StatusCompleted
		return true, nil
	}

	if iter > l.cfg.MaxIterations/2 && r.toolCalls == 0 {
		log.Warn("stopping idle agent run", "iteration", iter)
		l.emit(r, events.KindCycleInfo, map[string]any{
			"message": fmt.Sprintf("No tool calls after %d iterations, stopping", iter),
		})
		r.result.Status = StatusIdle
		return true, nil
	}
	return false, nil
}

func (l *Loop) runTool(ctx context.Context, r *run, tc llm.ToolCall, log *slog.Logger) {
	name := tc.Function.Name
	r.toolCalls++

	l.emit(r, events.KindLLMToolRequest, map[string]any{
		"tool":      name,
		"arguments": tc.Function.Arguments,
		"id":        tc.ID,
	})
	l.emit(r, events.KindToolStart, map[string]any{"tool": name})

	start := time.Now()
	payload, err := l.tools.Execute(ctx, name, tc.Function.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		l.metrics.ToolCall(name, "error", elapsed)
		log.Warn("tool call failed", "tool", name, "error", err)
		l.emit(r, events.KindToolError, map[string]any{"tool": name, "error": err.Error()})
	} else {
		l.metrics.ToolCall(name, "ok", elapsed)
		log.Debug("tool call succeeded", "tool", name, "elapsed", elapsed.Round(time.Millisecond))
		l.emit(r, events.KindToolResult, map[string]any{"tool": name, "result": payload})
	}

	r.messages = append(r.messages, llm.ToolResult(tc.ID, name, payload))
}

// matchCompletion reports the first phrase contained in content,
// ignoring case.
func matchCompletion(content string, phrases []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}
