// Package events carries the narrated transcript of agent activity from
// the components that produce it (agent loop, tools, scheduler,
// enrichment pipeline, chat sessions) to the browser log stream and any
// configured broker bridges. The bus is nil-safe: Publish on a nil *Bus
// is a no-op, so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent     = "agent"
	SourceTools     = "tools"
	SourceScheduler = "scheduler"
	SourceSession   = "session"
	SourceEnrich    = "enrich"
	SourceAPI       = "api"
)

// Kinds describe what happened. The names double as the "type" field of
// log-stream messages consumed by the UI.
const (
	KindCycleStart     = "cycle_start"
	KindCycleInfo      = "cycle_info"
	KindCycleError     = "cycle_error"
	KindCycleEnd       = "cycle_end"
	KindLLMRequest     = "llm_request"
	KindLLMResponse    = "llm_response"
	KindLLMToolRequest = "llm_tool_request"
	KindLLMFallback    = "llm_fallback"
	KindToolStart      = "tool_start"
	KindToolResult     = "tool_result"
	KindToolError      = "tool_error"
	KindUserMessage    = "user_message"
	KindJobStart       = "autonomous_job_start"
	KindJobComplete    = "autonomous_job_complete"
	KindJobError       = "autonomous_job_error"
	KindEnrichAttempt  = "enrich_attempt"
	KindEnrichResult   = "enrich_result"
	KindLogLine        = "log"
	KindServiceStatus  = "service_status"

	// KindDataChanged tells the UI to reload the record table.
	KindDataChanged = "data_changed"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer. A
// zero Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing a source/kind/data triple.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a buffered channel of future events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recvToSend, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
