package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrAllBackendsFailed means every backend in the chain failed for one
// request. The agent loop treats it as fatal.
var ErrAllBackendsFailed = errors.New("all LLM backends failed")

// Backend is one ranked entry in a Chain.
type Backend struct {
	Name   string
	Client Client
	Model  string
}

// String returns "name/model".
func (b Backend) String() string {
	return b.Name + "/" + b.Model
}

// BackendError records why one backend was skipped.
type BackendError struct {
	Backend string
	Model   string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Backend, e.Model, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// FallbackFunc observes a backend failure before the chain moves on.
type FallbackFunc func(failed Backend, err error)

// Chain tries backends in rank order and returns the first valid
// response. It holds no state between calls.
type Chain struct {
	backends   []Backend
	logger     *slog.Logger
	onFallback FallbackFunc
}

// NewChain creates a chain over backends in priority order.
func NewChain(logger *slog.Logger, backends ...Backend) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{backends: backends, logger: logger}
}

// OnFallback registers an observer for backend failures.
func (c *Chain) OnFallback(fn FallbackFunc) {
	c.onFallback = fn
}

// Backends returns the ranked backend list.
func (c *Chain) Backends() []Backend {
	out := make([]Backend, len(c.backends))
	copy(out, c.backends)
	return out
}

// Chat sends messages to each backend in turn. A transport error or an
// empty response moves on to the next backend; the first valid
// response wins. When every backend fails the returned error wraps
// ErrAllBackendsFailed and each BackendError.
func (c *Chain) Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if len(c.backends) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrAllBackendsFailed)
	}

	var failures []error
	for i, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.logger.Debug("trying LLM backend",
			"backend", b.Name,
			"model", b.Model,
			"rank", i+1,
			"messages", len(messages),
			"tools", len(tools),
		)

		start := time.Now()
		resp, err := b.Client.Chat(ctx, b.Model, messages, tools)
		if err == nil && resp == nil {
			err = ErrNoChoices
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("LLM backend failed",
				"backend", b.Name,
				"model", b.Model,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"error", err,
			)
			failures = append(failures, &BackendError{Backend: b.Name, Model: b.Model, Err: err})
			if c.onFallback != nil {
				c.onFallback(b, err)
			}
			continue
		}

		resp.Backend = b.Name
		if resp.Model == "" {
			resp.Model = b.Model
		}
		if resp.Duration == 0 {
			resp.Duration = time.Since(start)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllBackendsFailed, errors.Join(failures...))
}

// Complete runs a tool-free chat through the chain and returns the
// assistant text.
func (c *Chain) Complete(ctx context.Context, system, prompt string) (string, error) {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, System(system))
	}
	msgs = append(msgs, User(prompt))
	resp, err := c.Chat(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// Ping checks the first backend that answers.
func (c *Chain) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range c.backends {
		if err := b.Client.Ping(ctx); err != nil {
			errs = append(errs, &BackendError{Backend: b.Name, Model: b.Model, Err: err})
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no backends configured", ErrAllBackendsFailed)
	}
	return errors.Join(errs...)
}
