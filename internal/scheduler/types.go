// Package scheduler fires registered jobs on fixed intervals. Each
// firing runs on its own goroutine and the timer is re-armed before the
// job starts, so a slow job never delays the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by Add and Trigger.
var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
	ErrInvalidTask   = errors.New("invalid task")
)

// DefaultTimeout bounds one job execution when a Task sets none.
const DefaultTimeout = 30 * time.Minute

// Firing describes one execution handed to a job.
type Firing struct {
	Task        string
	ExecutionID string

	// Count is the 1-based number of this firing for the task. It
	// survives restarts when executions are persisted.
	Count int

	ScheduledAt time.Time
}

// Job is the work a task performs. The returned string is stored as the
// execution result.
type Job func(ctx context.Context, f Firing) (string, error)

// Task is a named job on a fixed interval. An Every of zero registers a
// task that only runs when triggered.
type Task struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration
	Run     Job
}

func (t Task) validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	case t.Every < 0:
		return fmt.Errorf("%w: negative interval", ErrInvalidTask)
	case t.Run == nil:
		return fmt.Errorf("%w: run function is required", ErrInvalidTask)
	}
	return nil
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	Task        string          `json:"task"`
	Count       int             `json:"count"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// Duration returns the run time of a finished execution.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"

	// StatusInterrupted marks executions left running by a previous
	// process.
	StatusInterrupted ExecutionStatus = "interrupted"
)

// TaskStats is a point-in-time view of one task.
type TaskStats struct {
	Name       string          `json:"name"`
	Every      string          `json:"every,omitempty"`
	Count      int             `json:"count"`
	Running    int             `json:"running"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	LastStatus ExecutionStatus `json:"last_status,omitempty"`
	NextRun    *time.Time      `json:"next_run,omitempty"`
}

// Stats summarizes the scheduler.
type Stats struct {
	Running bool        `json:"running"`
	Tasks   []TaskStats `json:"tasks"`
}
