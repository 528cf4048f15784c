// Package session defines the remote accelerator session protocol boundary.
// A session is the control channel to the accelerator application running on
// a host; the wire details live in subpackages.
package session

import (
	"context"
	"fmt"
)

// Parameters is a configuration or process parameters payload. Each
// configuration call fully replaces the previous payload, there is no
// implicit merge.
type Parameters map[string]any

// Job is one unit of work for the accelerator. Input and output are
// storage URLs (see the storage package); Parameters carries the
// accelerator-specific knobs.
type Job struct {
	Input      string
	Output     string
	Parameters Parameters
}

// Diagnostics is the application payload returned alongside every remote
// call: a human-readable message plus optional profiling counters and
// accelerator-specific values.
type Diagnostics struct {
	Message   string         `json:"msg,omitempty"`
	Profiling map[string]any `json:"profiling,omitempty"`
	Specific  map[string]any `json:"specific,omitempty"`
}

// Result is the outcome of one processed job.
type Result struct {
	Specific    map[string]any `json:"specific,omitempty"`
	Diagnostics Diagnostics    `json:"app"`
}

// Session is the capability interface consumed by the accelerator package.
type Session interface {
	// Configure sends a full configuration payload to the accelerator.
	Configure(ctx context.Context, params Parameters) (Diagnostics, error)
	// Execute runs one job and returns its result.
	Execute(ctx context.Context, job Job) (Result, error)
	// Teardown stops the remote accelerator application.
	Teardown(ctx context.Context) error
}

// Dialer creates a Session bound to a host network address.
type Dialer func(address string) Session

// RemoteError reports a failure of the remote accelerator application, as
// opposed to a transport failure. Message carries the remote diagnostic.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Op, e.Message)
}
