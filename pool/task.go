package pool

import (
	"context"
	"sync"

	"github.com/gammadia/accelpool/session"
)

// TaskStatus of a submitted job.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is the result handle for one submitted job. Every task eventually
// resolves: Wait returns either the result, the job's error, or
// ErrTaskCancelled. Results flow only through this handle, never through
// callbacks into the pool.
type Task struct {
	job session.Job

	// tick pokes the pool dispatcher, set at submission time so the task
	// never holds a pool reference.
	tick func()

	mu        sync.Mutex
	status    TaskStatus
	result    session.Result
	err       error
	cancelled bool
	cancelRun context.CancelFunc

	done chan struct{}
}

func newTask(job session.Job, tick func()) *Task {
	return &Task{
		job:    job,
		tick:   tick,
		status: TaskStatusQueued,
		done:   make(chan struct{}),
	}
}

// Job returns the submitted job.
func (t *Task) Job() session.Job { return t.job }

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the task has resolved.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx expires.
func (t *Task) Wait(ctx context.Context) (session.Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return session.Result{}, ctx.Err()
	}
}

// Cancel requests cancellation. A queued task is dropped cheaply; a running
// task gets a best-effort context cancellation and still resolves, either
// with its real result or with ErrTaskCancelled.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	cancelRun := t.cancelRun
	t.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if t.tick != nil {
		t.tick()
	}
}

func (t *Task) cancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// setAssigned marks the task assigned to a member. Returns false if the
// task was cancelled in the meantime.
func (t *Task) setAssigned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.status = TaskStatusAssigned
	return true
}

func (t *Task) setRunning(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskStatusRunning
	t.cancelRun = cancel
	if t.cancelled {
		cancel()
	}
}

// resolve settles the task exactly once; later calls are ignored.
func (t *Task) resolve(status TaskStatus, result session.Result, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return false
	}

	t.status = status
	t.result = result
	t.err = err
	t.cancelRun = nil
	close(t.done)
	return true
}
