// Package tools defines the closed set of operations the curation
// agent may request. Every call, successful or not, is answered with a
// JSON object so a bad call never aborts the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
)

// Handler runs a tool. A non-nil error becomes an {"error": ...} payload.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Mutates marks tools whose success changes chef data.
	Mutates bool `json:"-"`
}

// Notifier receives fire-and-forget data change signals.
type Notifier interface {
	DataChanged(ctx context.Context, source string, detail map[string]any)
}

// Registry holds available tools.
type Registry struct {
	tools    map[string]*Tool
	notifier Notifier
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. notifier may be nil.
func NewRegistry(notifier Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		notifier: notifier,
		logger:   logger,
	}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas in OpenAI function format, in
// name order so the prompt is stable across runs.
func (r *Registry) Definitions() []map[string]any {
	defs := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs a tool by name. The returned payload is always a JSON
// object. The error reports what went wrong for logging and metrics;
// callers hand the payload to the model either way.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (payload string, err error) {
	tool := r.tools[name]
	if tool == nil {
		err = &ErrToolUnavailable{ToolName: name}
		return errorPayload(err), err
	}

	var args map[string]any
	if s := strings.TrimSpace(argsJSON); s != "" && s != "null" {
		if jerr := json.Unmarshal([]byte(s), &args); jerr != nil {
			err = argError("arguments are not a JSON object: %v", jerr)
			return errorPayload(err), err
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("tool %s panicked: %v", name, p)
			payload = errorPayload(err)
		}
	}()

	out, herr := tool.Handler(ctx, args)
	if herr != nil {
		return errorPayload(herr), herr
	}

	if tool.Mutates && r.notifier != nil {
		r.notify(ctx, name, args)
	}
	return asObject(out), nil
}

// notify must not let a broken notifier affect the tool outcome.
func (r *Registry) notify(ctx context.Context, name string, args map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("data change notification failed", "tool", name, "panic", p)
		}
	}()
	caller := CallerFrom(ctx)
	detail := map[string]any{
		"tool":         name,
		"conversation": caller.Conversation,
	}
	if caller.Source != "" {
		detail["source"] = caller.Source
	}
	if id, ok := args["chef_id"]; ok {
		detail["chef_id"] = id
	}
	r.notifier.DataChanged(ctx, "tools", detail)
}

// asObject passes JSON objects through and wraps anything else as
// {"result": out}.
func asObject(out string) string {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	return marshal(map[string]any{"result": out})
}

func errorPayload(err error) string {
	return marshal(map[string]any{"error": err.Error()})
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"error": "encode result: " + err.Error()})
	}
	return string(b)
}

// Argument helpers. Model-supplied JSON numbers arrive as float64, but
// models also send numbers as strings; both are accepted.

func stringArg(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", argError("%s is required", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", argError("%s must be a string, got %T", key, raw)
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", argError("%s must not be empty", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string, required bool) (int64, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return 0, false, argError("%s is required", key)
		}
		return 0, false, nil
	}
	n, err := toInt(raw)
	if err != nil {
		return 0, false, argError("%s: %v", key, err)
	}
	return n, true, nil
}

func toInt(v any) (int64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, fmt.Errorf("%v is not an integer", v)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}
