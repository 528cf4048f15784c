// Package pool fans processing jobs out across a fixed set of accelerators,
// each owning its independently provisioned host. Submission is
// asynchronous, result collection can be ordered, and teardown is
// guaranteed for every member even under partial failure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/gammadia/accelpool/host"
	"github.com/gammadia/accelpool/namegen"
	"github.com/gammadia/accelpool/session"
)

// ErrPoolStopped is reported by tasks submitted after Stop or Kill.
var ErrPoolStopped = errors.New("pool is stopped")

// ErrTaskCancelled is reported by tasks resolved through Cancel or Kill.
var ErrTaskCancelled = errors.New("task cancelled")

// Member is one pool worker. *accelerator.Accelerator implements it.
type Member interface {
	Start(ctx context.Context, params session.Parameters) (session.Diagnostics, error)
	Process(ctx context.Context, job session.Job) (session.Result, error)
	Stop(ctx context.Context, policy host.StopPolicy) error
}

// Factory builds one pool member. All members are built with identical
// parameters; the index only serves logging.
type Factory func(index int) (Member, error)

// Config tunes the pool.
type Config struct {
	// Size is the fixed member count.
	Size int
	// AllowDegraded accepts a partial pool when some members fail to
	// start. The default (strict) policy fails the whole pool and stops
	// the members that did start.
	AllowDegraded bool
	// ProcessTimeout bounds each job, 0 means no limit.
	ProcessTimeout time.Duration
	// StopPolicy is handed to members on pool teardown.
	StopPolicy host.StopPolicy
	Logger     *slog.Logger
}

type memberState struct {
	member Member
	index  int
	online bool
	busy   bool
}

// Pool dispatches tasks to whichever member is idle, round-robin with
// skip-if-busy. A single event-loop goroutine owns the queue and member
// states; members never hold a reference back to the pool.
type Pool struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	// Owned by the run loop goroutine.
	members  []*memberState
	next     int
	queue    []*Task
	inFlight map[*Task]*memberState

	input        chan *Task
	tickRequests chan any
	deferred     chan func()
	quit         chan any
	loopDone     chan any

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	teardownOnce sync.Once
	teardownErr  error
}

// New builds the members and starts the dispatcher. No remote calls happen
// until Start.
func New(config Config, factory Factory) (*Pool, error) {
	if config.Size < 1 {
		return nil, errors.New("pool size must be greater than 0")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	name := namegen.Get()
	p := &Pool{
		name:   name,
		config: config,
		log:    logger.With("component", "pool", "pool", name.String()),

		members:  make([]*memberState, config.Size),
		inFlight: make(map[*Task]*memberState),

		input:        make(chan *Task),
		tickRequests: make(chan any, 1),
		deferred:     make(chan func()),
		quit:         make(chan any),
		loopDone:     make(chan any),
	}

	var g errgroup.Group
	for i := 0; i < config.Size; i++ {
		g.Go(func() error {
			member, err := factory(i)
			if err != nil {
				return fmt.Errorf("failed to build pool member %d: %w", i, err)
			}
			p.members[i] = &memberState{member: member, index: i}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	go p.run()
	return p, nil
}

// Name returns the generated pool name.
func (p *Pool) Name() string { return p.name.String() }

// Start configures all members concurrently. Under the strict default, any
// member failure stops the members that did start and fails the pool; with
// AllowDegraded the pool runs on the members that started.
func (p *Pool) Start(ctx context.Context, params session.Parameters) error {
	p.log.Info("Starting pool members", "count", len(p.members))

	memberErrs := make([]error, len(p.members))
	var g errgroup.Group
	for i, m := range p.members {
		g.Go(func() error {
			if _, err := m.member.Start(ctx, params); err != nil {
				memberErrs[i] = fmt.Errorf("member %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	started := make([]*memberState, 0, len(p.members))
	for i, m := range p.members {
		if memberErrs[i] == nil {
			started = append(started, m)
		}
	}
	failed := lo.Filter(memberErrs, func(err error, _ int) bool { return err != nil })

	if len(failed) > 0 {
		if !p.config.AllowDegraded {
			p.log.Error("Pool start failed, stopping started members", "failed", len(failed))
			p.stopMembers(ctx, started)
			return fmt.Errorf("failed to start pool: %w", errors.Join(failed...))
		}
		if len(started) == 0 {
			return fmt.Errorf("failed to start any pool member: %w", errors.Join(failed...))
		}
		p.log.Warn("Pool is running degraded", "online", len(started), "failed", len(failed))
	}

	// Member state is owned by the run loop.
	select {
	case p.deferred <- func() {
		for _, m := range started {
			m.online = true
		}
	}:
	case <-p.loopDone:
		return ErrPoolStopped
	}
	p.requestTick()

	p.log.Info("Pool is ready", "online", len(started))
	return nil
}

// Submit enqueues a job and returns its result handle immediately. Tasks
// submitted after Stop or Kill resolve to ErrPoolStopped.
func (p *Pool) Submit(job session.Job) *Task {
	task := newTask(job, p.requestTick)

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		task.resolve(TaskStatusFailed, session.Result{}, ErrPoolStopped)
		return task
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.input <- task
	return task
}

// Map submits all jobs and blocks until every one has resolved, returning
// results in submission order regardless of completion order. Individual
// job failures are joined into the returned error without affecting the
// other results; ctx expiry cancels the remaining tasks.
func (p *Pool) Map(ctx context.Context, jobs []session.Job) ([]session.Result, error) {
	tasks := lo.Map(jobs, func(job session.Job, _ int) *Task { return p.Submit(job) })

	results := make([]session.Result, len(tasks))
	var errs []error
	for i, task := range tasks {
		result, err := task.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				for _, t := range tasks[i:] {
					t.Cancel()
				}
				return results, fmt.Errorf("failed to collect results: %w", ctx.Err())
			}
			errs = append(errs, fmt.Errorf("job %d: %w", i, err))
			continue
		}
		results[i] = result
	}
	return results, errors.Join(errs...)
}

// Stop drains all queued and in-flight tasks, then stops every member.
// No member is torn down while it still has a running task.
func (p *Pool) Stop(ctx context.Context) error {
	return p.shutdown(ctx, false)
}

// Kill cancels queued and in-flight tasks instead of draining them, then
// stops every member. Each affected task still resolves.
func (p *Pool) Kill(ctx context.Context) error {
	return p.shutdown(ctx, true)
}

func (p *Pool) shutdown(ctx context.Context, hard bool) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if hard {
		select {
		case p.deferred <- func() { p.dropPending() }:
		case <-p.loopDone:
		}
	}

	drained := make(chan any)
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pool: %w", ctx.Err())
	}

	p.teardownOnce.Do(func() {
		close(p.quit)
		<-p.loopDone

		p.log.Info("Stopping pool members")
		p.teardownErr = p.stopMembers(ctx, p.members)
	})
	return p.teardownErr
}

// stopMembers stops every given member concurrently, best-effort.
func (p *Pool) stopMembers(ctx context.Context, members []*memberState) error {
	memberErrs := make([]error, len(members))
	var g errgroup.Group
	for i, m := range members {
		g.Go(func() error {
			if err := m.member.Stop(ctx, p.config.StopPolicy); err != nil {
				p.log.Warn("Failed to stop pool member", "member", m.index, "error", err)
				memberErrs[i] = fmt.Errorf("member %d: %w", m.index, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(memberErrs...)
}

// run is the dispatcher event loop; it exclusively owns queue, member and
// in-flight state.
func (p *Pool) run() {
	p.log.Debug("Pool dispatcher is running")

	for {
		select {
		case task := <-p.input:
			p.queue = append(p.queue, task)
			p.requestTick()

		case <-p.tickRequests:
			// Attempt to dispatch as many tasks as possible
			for len(p.queue) > 0 {
				if !p.dispatchNext() {
					break
				}
			}

		case f := <-p.deferred:
			f()
			p.requestTick()

		case <-p.quit:
			p.log.Debug("Pool dispatcher is stopping")
			close(p.loopDone)
			return
		}
	}
}

// requestTick requests a dispatch pass as soon as possible. Coalesces: if a
// tick is already pending, this does nothing. Safe from any goroutine.
func (p *Pool) requestTick() {
	select {
	case p.tickRequests <- nil:
	default:
	}
}

// dispatchNext assigns the head of the queue to an idle member. Returns
// false when no member is available.
func (p *Pool) dispatchNext() bool {
	task := p.queue[0]

	if task.cancelRequested() {
		p.queue = p.queue[1:]
		if task.resolve(TaskStatusCancelled, session.Result{}, ErrTaskCancelled) {
			p.wg.Done()
		}
		return true
	}

	for i := 0; i < len(p.members); i++ {
		m := p.members[(p.next+i)%len(p.members)]
		if !m.online || m.busy {
			continue
		}

		p.next = (p.next + i + 1) % len(p.members)
		p.queue = p.queue[1:]

		if !task.setAssigned() {
			if task.resolve(TaskStatusCancelled, session.Result{}, ErrTaskCancelled) {
				p.wg.Done()
			}
			return true
		}

		m.busy = true
		p.inFlight[task] = m
		go p.runTask(m, task)
		return true
	}

	return false
}

// runTask executes one job on one member, off the loop goroutine. The
// member's Process call may block on network I/O without holding any
// shared lock.
func (p *Pool) runTask(m *memberState, task *Task) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if p.config.ProcessTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	task.setRunning(cancel)
	result, err := m.member.Process(ctx, task.job)

	status := TaskStatusDone
	if err != nil {
		if task.cancelRequested() || errors.Is(err, context.Canceled) {
			status, err = TaskStatusCancelled, ErrTaskCancelled
		} else {
			status = TaskStatusFailed
			p.log.Warn("Task failed", "member", m.index, "error", err)
		}
	}

	p.deferred <- func() {
		m.busy = false
		delete(p.inFlight, task)
		if task.resolve(status, result, err) {
			p.wg.Done()
		}
	}
}

// dropPending resolves all queued tasks as cancelled and requests
// cancellation of in-flight ones. Runs on the loop goroutine.
func (p *Pool) dropPending() {
	for _, task := range p.queue {
		if task.resolve(TaskStatusCancelled, session.Result{}, ErrTaskCancelled) {
			p.wg.Done()
		}
	}
	p.queue = nil

	for task := range p.inFlight {
		task.Cancel()
	}
}
