package session

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nugget/toque/internal/llm"
)

// DefaultMaxMessages bounds the history kept per session.
const DefaultMaxMessages = 40

// HistoryStore keeps per-session conversation history, excluding the
// system message.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, msgs ...llm.Message) error
	Load(ctx context.Context, sessionID string) ([]llm.Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// MemoryHistory holds history in process memory. Idle sessions expire
// after the TTL.
type MemoryHistory struct {
	mu    sync.Mutex
	cache *cache.Cache
	ttl   time.Duration
	max   int
}

// NewMemoryHistory creates an in-memory store. A non-positive ttl keeps
// sessions until Clear.
func NewMemoryHistory(ttl time.Duration, maxMessages int) *MemoryHistory {
	exp := ttl
	if exp <= 0 {
		exp = cache.NoExpiration
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemoryHistory{
		cache: cache.New(exp, 10*time.Minute),
		ttl:   exp,
		max:   maxMessages,
	}
}

// Append adds messages and refreshes the session TTL.
func (h *MemoryHistory) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cur []llm.Message
	if v, ok := h.cache.Get(sessionID); ok {
		cur = v.([]llm.Message)
	}
	next := make([]llm.Message, 0, len(cur)+len(msgs))
	next = append(next, cur...)
	next = append(next, msgs...)
	h.cache.Set(sessionID, trim(next, h.max), h.ttl)
	return nil
}

// Load returns a copy of the session history.
func (h *MemoryHistory) Load(_ context.Context, sessionID string) ([]llm.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.cache.Get(sessionID)
	if !ok {
		return nil, nil
	}
	cur := v.([]llm.Message)
	out := make([]llm.Message, len(cur))
	copy(out, cur)
	return out, nil
}

// Clear drops the session history.
func (h *MemoryHistory) Clear(_ context.Context, sessionID string) error {
	h.cache.Delete(sessionID)
	return nil
}

// trim keeps the newest max messages without starting on an assistant
// or tool message, so the history always opens with a user turn.
func trim(msgs []llm.Message, max int) []llm.Message {
	if len(msgs) <= max {
		return msgs
	}
	msgs = msgs[len(msgs)-max:]
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}
