package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/accelpool/host"
	"github.com/gammadia/accelpool/session"
)

// --- Mock member ---

type mockMember struct {
	index int

	startErr   error
	processFn  func(ctx context.Context, job session.Job) (session.Result, error)
	processErr error

	mu        sync.Mutex
	started   int
	stopped   int
	processed []session.Job
}

func (m *mockMember) Start(ctx context.Context, params session.Parameters) (session.Diagnostics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return session.Diagnostics{}, m.startErr
}

func (m *mockMember) Process(ctx context.Context, job session.Job) (session.Result, error) {
	m.mu.Lock()
	m.processed = append(m.processed, job)
	fn, err := m.processFn, m.processErr
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, job)
	}
	if err != nil {
		return session.Result{}, err
	}
	return session.Result{Specific: map[string]any{"input": job.Input, "member": m.index}}, nil
}

func (m *mockMember) Stop(ctx context.Context, policy host.StopPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

func (m *mockMember) processedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

func (m *mockMember) stoppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// --- Helpers ---

func quietConfig(size int) Config {
	return Config{
		Size:   size,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestPool(t *testing.T, members ...*mockMember) *Pool {
	t.Helper()
	p, err := New(quietConfig(len(members)), func(index int) (Member, error) {
		members[index].index = index
		return members[index], nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), nil))
	return p
}

func waitForTask(t *testing.T, task *Task) (session.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

// --- Tests ---

func TestMapReturnsResultsInSubmissionOrder(t *testing.T) {
	// Delays invert completion order: the first submitted job finishes last.
	delays := []time.Duration{80 * time.Millisecond, 40 * time.Millisecond, 1 * time.Millisecond}
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		var index int
		_, _ = fmt.Sscanf(job.Input, "job-%d", &index)
		time.Sleep(delays[index])
		return session.Result{Specific: map[string]any{"input": job.Input}}, nil
	}

	p, err := New(quietConfig(3), func(index int) (Member, error) {
		return member, nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), nil))
	defer func() { _ = p.Stop(context.Background()) }()

	jobs := []session.Job{{Input: "job-0"}, {Input: "job-1"}, {Input: "job-2"}}
	results, err := p.Map(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, result := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), result.Specific["input"])
	}
}

func TestMapSpreadsJobsAcrossMembers(t *testing.T) {
	// Pool of 2, 5 homogeneous jobs: both members receive at least one job
	// and all 5 results come back in submission order.
	slow := func(ctx context.Context, job session.Job) (session.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return session.Result{Specific: map[string]any{"input": job.Input}}, nil
	}
	a := &mockMember{processFn: slow}
	b := &mockMember{processFn: slow}
	p := newTestPool(t, a, b)
	defer func() { _ = p.Stop(context.Background()) }()

	jobs := make([]session.Job, 5)
	for i := range jobs {
		jobs[i] = session.Job{Input: fmt.Sprintf("job-%d", i)}
	}

	results, err := p.Map(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, result := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), result.Specific["input"])
	}

	assert.GreaterOrEqual(t, a.processedCount(), 1, "first member should receive at least one job")
	assert.GreaterOrEqual(t, b.processedCount(), 1, "second member should receive at least one job")
	assert.Equal(t, 5, a.processedCount()+b.processedCount())
}

func TestSingleTaskFailureDoesNotAffectOthers(t *testing.T) {
	a := &mockMember{}
	b := &mockMember{}
	p := newTestPool(t, a, b)
	defer func() { _ = p.Stop(context.Background()) }()

	for _, m := range []*mockMember{a, b} {
		m.mu.Lock()
		m.processErr = errors.New("fpga fault")
		m.mu.Unlock()
	}

	failing := p.Submit(session.Job{Input: "bad"})
	_, err := waitForTask(t, failing)
	require.Error(t, err)
	assert.Equal(t, TaskStatusFailed, failing.Status())

	for _, m := range []*mockMember{a, b} {
		m.mu.Lock()
		m.processErr = nil
		m.mu.Unlock()
	}

	ok := p.Submit(session.Job{Input: "good"})
	result, err := waitForTask(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "good", result.Specific["input"])
	assert.Equal(t, TaskStatusDone, ok.Status())
}

func TestFailedTaskResolvesWithError(t *testing.T) {
	member := &mockMember{processErr: errors.New("fpga fault")}
	p := newTestPool(t, member)
	defer func() { _ = p.Stop(context.Background()) }()

	task := p.Submit(session.Job{})
	_, err := waitForTask(t, task)
	require.Error(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status())
}

func TestStopDrainsBeforeStoppingMembers(t *testing.T) {
	release := make(chan struct{})
	var stoppedBeforeDone atomic.Bool
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		<-release
		stoppedBeforeDone.Store(member.stoppedCount() > 0)
		return session.Result{}, nil
	}
	p := newTestPool(t, member)

	task := p.Submit(session.Job{})

	stopDone := make(chan error, 1)
	go func() { stopDone <- p.Stop(context.Background()) }()

	// Give Stop a chance to run into the drain wait, then release the task.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, member.stoppedCount(), "members must not be stopped while a task is running")
	close(release)

	require.NoError(t, <-stopDone)
	assert.False(t, stoppedBeforeDone.Load())
	assert.Equal(t, 1, member.stoppedCount())

	_, err := waitForTask(t, task)
	assert.NoError(t, err)
}

func TestSubmitAfterStopResolvesToError(t *testing.T) {
	p := newTestPool(t, &mockMember{})
	require.NoError(t, p.Stop(context.Background()))

	task := p.Submit(session.Job{})
	_, err := waitForTask(t, task)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	member := &mockMember{}
	p := newTestPool(t, member)

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, member.stoppedCount())
}

func TestCancelQueuedTask(t *testing.T) {
	release := make(chan struct{})
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		<-release
		return session.Result{}, nil
	}
	p := newTestPool(t, member)
	defer func() {
		close(release)
		_ = p.Stop(context.Background())
	}()

	blocker := p.Submit(session.Job{Input: "blocker"})
	queued := p.Submit(session.Job{Input: "queued"})
	queued.Cancel()

	_, err := waitForTask(t, queued)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.Equal(t, TaskStatusCancelled, queued.Status())
	assert.NotEqual(t, TaskStatusCancelled, blocker.Status())
}

func TestCancelRunningTaskResolves(t *testing.T) {
	started := make(chan struct{}, 1)
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return session.Result{}, ctx.Err()
	}
	p := newTestPool(t, member)
	defer func() { _ = p.Stop(context.Background()) }()

	task := p.Submit(session.Job{})
	<-started
	task.Cancel()

	_, err := waitForTask(t, task)
	assert.ErrorIs(t, err, ErrTaskCancelled)
}

func TestKillCancelsQueuedAndRunningTasks(t *testing.T) {
	started := make(chan struct{}, 1)
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return session.Result{}, ctx.Err()
	}
	p := newTestPool(t, member)

	running := p.Submit(session.Job{Input: "running"})
	queued := p.Submit(session.Job{Input: "queued"})
	<-started

	require.NoError(t, p.Kill(context.Background()))

	_, err := waitForTask(t, running)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	_, err = waitForTask(t, queued)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.Equal(t, 1, member.stoppedCount())
}

func TestStrictStartStopsStartedMembers(t *testing.T) {
	ok := &mockMember{}
	bad := &mockMember{startErr: errors.New("no fpga image")}

	p, err := New(quietConfig(2), func(index int) (Member, error) {
		if index == 0 {
			return ok, nil
		}
		return bad, nil
	})
	require.NoError(t, err)

	err = p.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, ok.stoppedCount(), "successfully started members must be stopped on strict failure")
}

func TestDegradedStartKeepsHealthyMembers(t *testing.T) {
	ok := &mockMember{}
	bad := &mockMember{startErr: errors.New("no fpga image")}

	config := quietConfig(2)
	config.AllowDegraded = true
	p, err := New(config, func(index int) (Member, error) {
		if index == 0 {
			return ok, nil
		}
		return bad, nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), nil))
	defer func() { _ = p.Stop(context.Background()) }()

	task := p.Submit(session.Job{Input: "job"})
	result, err := waitForTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, "job", result.Specific["input"])
	assert.Zero(t, bad.processedCount(), "failed members must not receive work")
}

func TestProcessTimeoutFailsTask(t *testing.T) {
	member := &mockMember{}
	member.processFn = func(ctx context.Context, job session.Job) (session.Result, error) {
		<-ctx.Done()
		return session.Result{}, ctx.Err()
	}

	config := quietConfig(1)
	config.ProcessTimeout = 10 * time.Millisecond
	p, err := New(config, func(index int) (Member, error) { return member, nil })
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), nil))
	defer func() { _ = p.Stop(context.Background()) }()

	task := p.Submit(session.Job{})
	_, err = waitForTask(t, task)
	require.Error(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status())
}

func TestPoolSizeMustBePositive(t *testing.T) {
	_, err := New(quietConfig(0), func(index int) (Member, error) { return &mockMember{}, nil })
	assert.EqualError(t, err, "pool size must be greater than 0")
}
