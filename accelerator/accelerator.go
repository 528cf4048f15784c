// Package accelerator pairs one host with one remote accelerator session
// and drives them as a single unit: start (configure), process, stop.
package accelerator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gammadia/accelpool/host"
	"github.com/gammadia/accelpool/session"
)

// State of the accelerator session.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateStopped      State = "stopped"
)

// ErrNotConfigured is returned by Process when Start has not succeeded yet.
var ErrNotConfigured = errors.New("accelerator is not configured, call Start first")

// Options configures an Accelerator. Host and Dial are required.
type Options struct {
	Host   *host.Host
	Dial   session.Dialer
	Logger *slog.Logger
}

// Accelerator exclusively owns its host; stopping the accelerator stops the
// host according to the host's stop policy.
type Accelerator struct {
	host *host.Host
	dial session.Dialer
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	session    session.Session
	lastParams session.Parameters
}

// New builds an Accelerator without any remote call.
func New(options Options) (*Accelerator, error) {
	if options.Host == nil {
		return nil, errors.New("accelerator needs a host")
	}
	if options.Dial == nil {
		return nil, errors.New("accelerator needs a session dialer")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Accelerator{
		host:  options.Host,
		dial:  options.Dial,
		log:   logger.With("component", "accelerator", "host", options.Host.Name()),
		state: StateUnconfigured,
	}, nil
}

// Host returns the owned host.
func (a *Accelerator) Host() *host.Host { return a.host }

// State returns the current session state.
func (a *Accelerator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start makes the host ready if needed, then sends the configuration
// payload to the accelerator. Re-callable: each call fully replaces the
// previous configuration.
func (a *Accelerator) Start(ctx context.Context, params session.Parameters) (session.Diagnostics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateStopped {
		return session.Diagnostics{}, errors.New("accelerator is stopped")
	}

	address, err := a.host.EnsureReady(ctx)
	if err != nil {
		return session.Diagnostics{}, err
	}

	if a.session == nil {
		a.session = a.dial(address)
	}

	diagnostics, err := a.session.Configure(ctx, params)
	if err != nil {
		return diagnostics, fmt.Errorf("failed to configure accelerator: %w", err)
	}

	a.state = StateConfigured
	a.lastParams = params
	a.log.Info("Accelerator configured")
	return diagnostics, nil
}

// Process runs one job on the accelerator. Only valid once configured; a
// failed job never tears down the host, the caller decides whether to retry
// or stop.
func (a *Accelerator) Process(ctx context.Context, job session.Job) (session.Result, error) {
	a.mu.Lock()
	if a.state != StateConfigured {
		a.mu.Unlock()
		return session.Result{}, ErrNotConfigured
	}
	sess := a.session
	a.mu.Unlock()

	result, err := sess.Execute(ctx, job)
	if err != nil {
		return session.Result{}, fmt.Errorf("failed to process job: %w", err)
	}

	a.logProfiling(result.Diagnostics)
	return result, nil
}

// Stop tears down the remote session (best-effort, a failure is only
// logged) and then stops the host with the given policy. Idempotent.
func (a *Accelerator) Stop(ctx context.Context, policy host.StopPolicy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateStopped {
		return nil
	}
	a.state = StateStopped

	if a.session != nil {
		if err := a.session.Teardown(ctx); err != nil {
			a.log.Warn("Failed to tear down accelerator session", "error", err)
		}
	}

	return a.host.Stop(ctx, policy)
}

func (a *Accelerator) logProfiling(diagnostics session.Diagnostics) {
	if len(diagnostics.Profiling) == 0 || !a.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	args := make([]any, 0, 2*len(diagnostics.Profiling))
	for key, value := range diagnostics.Profiling {
		args = append(args, key, value)
	}
	a.log.Debug("Profiling information from result", args...)
}
