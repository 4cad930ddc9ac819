package background

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/message"
)

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
)

const cancelledReason = "Task cancelled"

var ErrTaskNotFound = errors.New("task not found")

// Task is a delegated unit of work. Once its status leaves TaskRunning it
// never changes again.
type Task struct {
	ID       string
	Name     string
	Prompt   string
	ModelKey string
	Content  string
	Status   TaskStatus
	ToolUses []message.ToolUse
	Error    string
	// Canceled is set for tasks ended by CancelTask; their status is
	// TaskError with a cancellation reason.
	Canceled    bool
	StartedAt   time.Time
	CompletedAt time.Time
}

func (t Task) IsRunning() bool {
	return t.Status == TaskRunning
}

func (t Task) clone() Task {
	t.ToolUses = slices.Clone(t.ToolUses)
	return t
}

type taskEntry struct {
	task   Task
	cancel context.CancelFunc
}

// taskRegistry stores tasks. Every change replaces the stored value.
type taskRegistry struct {
	entries *csync.VersionedMap[string, taskEntry]
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{entries: csync.NewVersionedMap[string, taskEntry]()}
}

func (r *taskRegistry) add(t Task, cancel context.CancelFunc) {
	r.entries.Set(t.ID, taskEntry{task: t.clone(), cancel: cancel})
}

// update applies fn to a running task and returns the new value.
func (r *taskRegistry) update(id string, fn func(*Task)) (Task, bool) {
	var updated Task
	ok := r.entries.UpdateFunc(id, func(e taskEntry) (taskEntry, bool) {
		if !e.task.IsRunning() {
			return e, false
		}
		t := e.task.clone()
		fn(&t)
		e.task = t
		updated = t.clone()
		return e, true
	})
	return updated, ok
}

func (r *taskRegistry) get(id string) (Task, context.CancelFunc, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return Task{}, nil, false
	}
	return e.task.clone(), e.cancel, true
}

func (r *taskRegistry) list() []Task {
	tasks := make([]Task, 0, r.entries.Len())
	for _, e := range r.entries.Seq2() {
		tasks = append(tasks, e.task.clone())
	}
	slices.SortFunc(tasks, func(a, b Task) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return tasks
}

func (r *taskRegistry) running() []string {
	var ids []string
	for id, e := range r.entries.Seq2() {
		if e.task.IsRunning() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
