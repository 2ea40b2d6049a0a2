package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus defines the possible states of a task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// finishedTaskTTL is how long completed or failed tasks stay queryable.
const finishedTaskTTL = time.Hour

// Task represents a long-running maintenance operation.
type Task struct {
	ID              string
	Kind            string
	Status          TaskStatus
	ProgressMessage string
	Error           string
	Result          any
	StartedAt       time.Time
	FinishedAt      time.Time
	mu              sync.RWMutex
}

// TaskView is the JSON form of a Task.
type TaskView struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          TaskStatus `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          any        `json:"result,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// TaskManager tracks all asynchronous tasks.
type TaskManager struct {
	tasks map[string]*Task
	mu    sync.RWMutex
	now   func() time.Time
}

// NewTaskManager creates a new task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// NewTask creates a new task, registers it, and returns it. Finished tasks
// older than an hour are dropped on the way.
func (tm *TaskManager) NewTask(kind string) *Task {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	for id, t := range tm.tasks {
		t.mu.RLock()
		expired := !t.FinishedAt.IsZero() && now.Sub(t.FinishedAt) > finishedTaskTTL
		t.mu.RUnlock()
		if expired {
			delete(tm.tasks, id)
		}
	}

	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    TaskStatusStarted,
		StartedAt: now,
	}
	tm.tasks[task.ID] = task
	return task
}

// GetTask safely retrieves a task by its ID.
func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

// Run registers a task of kind and executes fn in its own goroutine. A
// panic in fn fails the task instead of crashing the process.
func (tm *TaskManager) Run(ctx context.Context, kind string, fn func(ctx context.Context, t *Task) (any, error)) *Task {
	task := tm.NewTask(kind)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				task.SetError(fmt.Errorf("panic: %v", r))
			}
		}()
		task.SetStatus(TaskStatusRunning)
		result, err := fn(ctx, task)
		if err != nil {
			task.SetError(err)
			return
		}
		task.Complete(result)
	}()
	return task
}

// --- Methods for updating a Task ---

// SetStatus updates the status of the task.
func (t *Task) SetStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
}

// SetError marks the task as failed and records the error message.
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
	t.FinishedAt = time.Now()
}

// SetProgress updates the progress message for the task.
func (t *Task) SetProgress(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ProgressMessage = message
}

// Complete marks the task as done with its result.
func (t *Task) Complete(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatusCompleted
	t.Result = result
	t.FinishedAt = time.Now()
}

// View returns a consistent copy for serialization.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := TaskView{
		ID:              t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		ProgressMessage: t.ProgressMessage,
		Error:           t.Error,
		Result:          t.Result,
		StartedAt:       t.StartedAt,
	}
	if !t.FinishedAt.IsZero() {
		fin := t.FinishedAt
		v.FinishedAt = &fin
	}
	return v
}
