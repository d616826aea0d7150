package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toque/internal/events"
	"github.com/nugget/toque/internal/metrics"
)

type entry struct {
	task       Task
	timer      *time.Timer
	nextRun    time.Time
	count      int
	inFlight   int
	lastRun    time.Time
	lastStatus ExecutionStatus
}

// Scheduler manages task timers and execution.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	bus     *events.Bus
	metrics *metrics.Metrics
	retain  int
	now     func() time.Time

	mu      sync.Mutex
	tasks   map[string]*entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps are a Scheduler's collaborators. Store, Bus and Metrics may be
// nil; without a store executions are not persisted.
type Deps struct {
	Logger  *slog.Logger
	Store   *Store
	Bus     *events.Bus
	Metrics *metrics.Metrics

	// Retain is how many executions per task the store keeps; zero
	// means 500.
	Retain int
}

// New creates a new scheduler.
func New(d Deps) *Scheduler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Retain <= 0 {
		d.Retain = 500
	}
	return &Scheduler{
		logger:  d.Logger,
		store:   d.Store,
		bus:     d.Bus,
		metrics: d.Metrics,
		retain:  d.Retain,
		now:     time.Now,
		tasks:   make(map[string]*entry),
	}
}

// Add registers a task. Tasks added after Start are armed immediately.
func (s *Scheduler) Add(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}

	count := 0
	if s.store != nil {
		n, err := s.store.LastCount(t.Name)
		if err != nil {
			s.logger.Warn("failed to restore task counter", "task", t.Name, "error", err)
		} else {
			count = n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	e := &entry{task: t, count: count}
	s.tasks[t.Name] = e
	if s.running {
		s.armLocked(e)
	}

	s.logger.Info("task registered", "task", t.Name, "every", t.Every, "count", count)
	return nil
}

// Start arms every interval task. Jobs run under a context derived from
// ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, e := range s.tasks {
		s.armLocked(e)
	}
	n := len(s.tasks)
	s.mu.Unlock()

	if s.store != nil {
		if stale, err := s.store.MarkInterrupted(s.now()); err != nil {
			s.logger.Error("failed to close out interrupted executions", "error", err)
		} else if stale > 0 {
			s.logger.Info("closed out interrupted executions", "count", stale)
		}
	}

	s.logger.Info("scheduler started", "tasks", n)
	return nil
}

// Stop cancels all timers and running jobs and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, e := range s.tasks {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.nextRun = time.Time{}
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger runs a task now on the caller's goroutine and returns the
// finished execution. The interval timer is not affected.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Execution, error) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, e, s.now())
}

// Dispatch starts a task on its own goroutine and returns immediately.
func (s *Scheduler) Dispatch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	s.goLocked(e, s.now())
	return nil
}

// armLocked sets the timer for the next interval. Callers hold s.mu.
func (s *Scheduler) armLocked(e *entry) {
	if e.task.Every <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.nextRun = s.now().Add(e.task.Every)
	name := e.task.Name
	e.timer = time.AfterFunc(e.task.Every, func() { s.onFire(name) })

	s.logger.Debug("task scheduled", "task", name, "next", e.nextRun)
}

// onFire re-arms the timer first, then hands the job to a goroutine.
func (s *Scheduler) onFire(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	e, ok := s.tasks[name]
	if !ok {
		return
	}
	scheduledAt := e.nextRun
	s.armLocked(e)
	s.goLocked(e, scheduledAt)
}

// goLocked runs e on a new goroutine under the scheduler context.
// Callers hold s.mu.
func (s *Scheduler) goLocked(e *entry, scheduledAt time.Time) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(ctx, e, scheduledAt); err != nil {
			s.logger.Debug("task execution returned error", "task", e.task.Name, "error", err)
		}
	}()
}

// execute runs one firing and records it. Panics in the job become a
// failed execution.
func (s *Scheduler) execute(ctx context.Context, e *entry, scheduledAt time.Time) (*Execution, error) {
	s.mu.Lock()
	e.count++
	e.inFlight++
	count := e.count
	task := e.task
	s.mu.Unlock()

	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		Task:        task.Name,
		Count:       count,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if s.store != nil {
		if err := s.store.CreateExecution(exec); err != nil {
			s.logger.Error("failed to record execution", "task", task.Name, "error", err)
		}
	}

	log := s.logger.With("task", task.Name, "execution_id", exec.ID, "count", count)
	log.Info("executing task")
	s.bus.Emit(events.SourceScheduler, events.KindJobStart, map[string]any{
		"task":         task.Name,
		"count":        count,
		"execution_id": exec.ID,
	})

	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	result, execErr := runJob(runCtx, task.Run, Firing{
		Task:        task.Name,
		ExecutionID: exec.ID,
		Count:       count,
		ScheduledAt: scheduledAt,
	})
	cancel()

	completed := s.now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = result
	}

	if s.store != nil {
		if err := s.store.UpdateExecution(exec); err != nil {
			log.Error("failed to update execution", "error", err)
		}
		if n, err := s.store.Prune(task.Name, s.retain); err != nil {
			log.Warn("failed to prune execution history", "error", err)
		} else if n > 0 {
			log.Debug("pruned execution history", "removed", n)
		}
	}

	s.mu.Lock()
	e.inFlight--
	e.lastRun = started
	e.lastStatus = exec.Status
	s.mu.Unlock()

	s.metrics.Job(task.Name, string(exec.Status))
	data := map[string]any{
		"task":         task.Name,
		"count":        count,
		"execution_id": exec.ID,
		"status":       exec.Status,
		"duration_ms":  exec.Duration().Milliseconds(),
	}
	if execErr != nil {
		log.Error("task execution failed", "error", execErr, "duration", exec.Duration())
		data["error"] = execErr.Error()
		s.bus.Emit(events.SourceScheduler, events.KindJobError, data)
	} else {
		log.Info("task execution completed", "duration", exec.Duration())
		s.bus.Emit(events.SourceScheduler, events.KindJobComplete, data)
	}

	return exec, execErr
}

func runJob(ctx context.Context, job Job, f Firing) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return job(ctx, f)
}

// Executions returns recent execution history. An empty task lists all
// tasks.
func (s *Scheduler) Executions(task string, limit int) ([]*Execution, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListExecutions(task, limit)
}

// Stats returns scheduler statistics, tasks sorted by name.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Running: s.running, Tasks: make([]TaskStats, 0, len(s.tasks))}
	for _, e := range s.tasks {
		ts := TaskStats{
			Name:       e.task.Name,
			Count:      e.count,
			Running:    e.inFlight,
			LastStatus: e.lastStatus,
		}
		if e.task.Every > 0 {
			ts.Every = e.task.Every.String()
		}
		if !e.lastRun.IsZero() {
			t := e.lastRun
			ts.LastRun = &t
		}
		if !e.nextRun.IsZero() {
			t := e.nextRun
			ts.NextRun = &t
		}
		st.Tasks = append(st.Tasks, ts)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Name < st.Tasks[j].Name })
	return st
}
