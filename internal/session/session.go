// Package session runs interactive chat requests against the curation
// agent. A session has at most one request in flight; a second message
// while busy is rejected, never queued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toque/internal/agent"
	"github.com/nugget/toque/internal/chefs"
	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/llm"
	"github.com/nugget/toque/internal/metrics"
	"github.com/nugget/toque/internal/prompts"
)

// ErrBusy is returned when a session already has a request in flight.
var ErrBusy = errors.New("session is busy")

// States reported to the chat UI.
const (
	StateIdle       = "idle"
	StateBusy       = "busy"
	StateProcessing = "processing"
	StateDone       = "done"
	StateError      = "error"
)

// BusyMessage is shown when a request is rejected.
var BusyMessage = prompts.Persona + " is currently processing another request. Please wait."

// Status is the outcome of a Submit.
type Status struct {
	SessionID string `json:"session_id"`
	State     string `json:"status"`
	Message   string `json:"message,omitempty"`
	Reply     string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`

	// Run is set once a request has finished.
	Run *agent.Result `json:"run,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Runner executes one agent run.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// RecordSource supplies records for the chat system prompt.
type RecordSource interface {
	All(ctx context.Context) ([]chefs.Record, error)
}

type session struct {
	sem  chan struct{}
	seen time.Time // guarded by Manager.mu
	mu   sync.Mutex
	last Status
}

// Manager owns all sessions.
type Manager struct {
	logger  *slog.Logger
	runner  Runner
	records RecordSource
	history HistoryStore
	bus     *events.Bus
	metrics *metrics.Metrics
	timeout time.Duration
	idle    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*session
	lastSweep time.Time
}

// Deps are a Manager's collaborators. Bus and Metrics may be nil; a nil
// History keeps history in memory for an hour.
type Deps struct {
	Logger  *slog.Logger
	Runner  Runner
	Records RecordSource
	History HistoryStore
	Bus     *events.Bus
	Metrics *metrics.Metrics

	// Timeout bounds one request. Zero means five minutes.
	Timeout time.Duration

	// IdleTTL is how long an untouched session keeps its status entry.
	// Zero means one hour, matching the default history TTL.
	IdleTTL time.Duration
}

// NewManager creates a manager. Close cancels in-flight requests.
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.History == nil {
		d.History = NewMemoryHistory(time.Hour, DefaultMaxMessages)
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Minute
	}
	if d.IdleTTL <= 0 {
		d.IdleTTL = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:   d.Logger,
		runner:   d.Runner,
		records:  d.Records,
		history:  d.History,
		bus:      d.Bus,
		metrics:  d.Metrics,
		timeout:  d.Timeout,
		idle:     d.IdleTTL,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) get(id string) *session {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= m.idle/2 {
		m.sweepLocked(now)
	}
	s, ok := m.sessions[id]
	if !ok {
		s = &session{
			sem:  make(chan struct{}, 1),
			last: Status{SessionID: id, State: StateIdle, UpdatedAt: now},
		}
		m.sessions[id] = s
	}
	s.seen = now
	return s
}

// sweepLocked drops sessions untouched for longer than the idle TTL.
// A session with a request in flight is kept. Caller holds m.mu.
func (m *Manager) sweepLocked(now time.Time) int {
	m.lastSweep = now
	n := 0
	for id, s := range m.sessions {
		if len(s.sem) > 0 || now.Sub(s.seen) < m.idle {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	if n > 0 {
		m.logger.Debug("evicted idle chat sessions", "count", n, "remaining", len(m.sessions))
	}
	return n
}

// Submit starts processing message for sessionID and returns at once
// with state "processing". An empty sessionID starts a new session. An
// empty message polls: it returns the last status, or "processing"
// while a request is in flight. A message sent while busy returns
// ErrBusy along with a "busy" status.
func (m *Manager) Submit(_ context.Context, sessionID, message string) (Status, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := m.get(sessionID)

	if message == "" {
		m.metrics.SessionRequest("poll")
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.last, nil
	}

	select {
	case s.sem <- struct{}{}:
	default:
		m.metrics.SessionRequest("busy")
		m.logger.Info("chat request rejected, session busy", "session", sessionID)
		return Status{
			SessionID: sessionID,
			State:     StateBusy,
			Message:   BusyMessage,
			UpdatedAt: time.Now(),
		}, ErrBusy
	}

	m.metrics.SessionRequest("accepted")
	st := Status{SessionID: sessionID, State: StateProcessing, UpdatedAt: time.Now()}
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	m.bus.Emit(events.SourceSession, events.KindUserMessage, map[string]any{
		"conversation_id": sessionID,
		"content":         message,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-s.sem }()
		m.process(sessionID, s, message)
	}()
	return st, nil
}

// process runs one request. The session stays busy until it returns.
func (m *Manager) process(id string, s *session, message string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	log := m.logger.With("session", id)
	st := Status{SessionID: id, UpdatedAt: time.Now()}

	defer func() {
		if p := recover(); p != nil {
			log.Error("chat request panicked", "panic", p)
			st.State = StateError
			st.Error = fmt.Sprintf("internal error: %v", p)
			st.Reply = "Something went wrong on my side while answering. Please try again."
		}
		st.UpdatedAt = time.Now()
		s.mu.Lock()
		s.last = st
		s.mu.Unlock()
	}()

	res, err := m.run(ctx, id, message)
	if res != nil {
		st.Run = res
	}
	if err != nil {
		log.Error("chat request failed", "error", err)
		st.State = StateError
		st.Error = err.Error()
		st.Reply = failureReply(err)
		return
	}

	st.State = StateDone
	st.Reply = res.Reply
	if st.Reply == "" {
		st.Reply = "I looked into it but have nothing to add right now."
	}
	if err := m.history.Append(ctx, id, llm.User(message), llm.Message{Role: llm.RoleAssistant, Content: st.Reply}); err != nil {
		log.Warn("failed to save chat history", "error", err)
	}
}

func (m *Manager) run(ctx context.Context, id, message string) (*agent.Result, error) {
	history, err := m.history.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	records, err := m.records.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return m.runner.Run(ctx, agent.Request{
		Prompt:         message,
		History:        history,
		SystemPrompt:   prompts.ChatSystemPrompt(records),
		ConversationID: id,
		Source:         events.SourceSession,
		Interactive:    true,
	})
}

// failureReply turns a run failure into a plain-language chat message.
func failureReply(err error) string {
	switch {
	case errors.Is(err, llm.ErrAllBackendsFailed):
		return "I couldn't reach any of my language models just now. Please try again in a few minutes."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long and I had to stop. Try asking something narrower."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled before I could finish."
	default:
		return "Something went wrong while I was working on that: " + err.Error()
	}
}

// Busy reports whether sessionID has a request in flight.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	return ok && len(s.sem) > 0
}

// Reset clears a session's history. It fails with ErrBusy while a
// request is in flight.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	if m.Busy(sessionID) {
		return ErrBusy
	}
	return m.history.Clear(ctx, sessionID)
}

// Close cancels in-flight requests and waits for their workers.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
