// Package host owns the lifecycle of one remote accelerator instance:
// create or reuse it through a provider adapter, wait for it to become
// reachable, and apply a stop policy on teardown.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gammadia/accelpool/config"
	"github.com/gammadia/accelpool/namegen"
)

// Status of the host lifecycle state machine.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// StopPolicy is the disposition applied to the remote instance on Stop.
type StopPolicy string

const (
	// StopPolicyDefault resolves to Terminate when this run created the
	// instance, Keep when reusing a pre-existing one.
	StopPolicyDefault   StopPolicy = ""
	StopPolicyTerminate StopPolicy = "terminate"
	StopPolicyPause     StopPolicy = "pause"
	StopPolicyKeep      StopPolicy = "keep"
)

// ParseStopPolicy accepts the policy names plus the legacy aliases
// "term" and "stop".
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch s {
	case "":
		return StopPolicyDefault, nil
	case "term", "terminate":
		return StopPolicyTerminate, nil
	case "stop", "pause":
		return StopPolicyPause, nil
	case "keep":
		return StopPolicyKeep, nil
	}
	return StopPolicyDefault, fmt.Errorf("invalid stop policy '%s', possible values are terminate, pause, keep", s)
}

// ProvisioningError reports that a host never became usable. The host is
// left in the failed state; Stop remains safe to call.
type ProvisioningError struct {
	Host string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning of host '%s' failed: %v", e.Host, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Options configures a Host. Exactly one identity applies: none (create a
// new instance), InstanceID (reuse with full control), or Address (reuse
// with accelerator-only control, no teardown authority).
type Options struct {
	// Type selects the registered adapter. Resolved through the
	// configuration ("host" section, "host_type" key) when empty.
	Type       string
	InstanceID string
	Address    string
	StopPolicy StopPolicy

	Region string

	// ReadyTimeout bounds EnsureReady, probe settings tune the
	// reachability check. Zero values resolve through the configuration
	// and fall back to defaults.
	ReadyTimeout     time.Duration
	ProbeInterval    time.Duration
	ReachabilityPort int

	Config *config.Resolver
	Logger *slog.Logger

	// Adapter bypasses the registry, mostly for tests.
	Adapter Adapter
	// Probe overrides the TCP reachability check, for tests.
	Probe func(ctx context.Context, address string) error
}

const (
	defaultReadyTimeout     = 6 * time.Minute
	defaultProbeInterval    = 2 * time.Second
	defaultReachabilityPort = 80
	probeDialTimeout        = 5 * time.Second
)

// Host drives one remote instance through its lifecycle. All state
// transitions are serialized on an internal mutex; EnsureReady and Stop are
// safe to call from different goroutines.
type Host struct {
	name    namegen.ID
	adapter Adapter
	log     *slog.Logger

	hostType      string
	instanceID    string
	policy        StopPolicy
	region        string
	readyTimeout  time.Duration
	probeInterval time.Duration
	probePort     int
	probe         func(ctx context.Context, address string) error

	mu            sync.Mutex
	status        Status
	ref           InstanceRef
	address       string
	created       bool
	ownsLifecycle bool
}

// New builds a Host without any remote call; provisioning happens on the
// first EnsureReady.
func New(options Options) (*Host, error) {
	resolver := options.Config
	if resolver == nil {
		resolver = config.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostType := resolver.Resolve("host", "host_type", options.Type)
	section := "host"
	if hostType != "" {
		section = "host." + hostType
	}

	h := &Host{
		name:          namegen.Get(),
		hostType:      hostType,
		instanceID:    resolver.Resolve(section, "instance_id", options.InstanceID),
		policy:        options.StopPolicy,
		region:        resolver.Resolve(section, "region", options.Region),
		readyTimeout:  resolver.ResolveDuration(section, "ready_timeout", options.ReadyTimeout, defaultReadyTimeout),
		probeInterval: resolver.ResolveDuration(section, "probe_interval", options.ProbeInterval, defaultProbeInterval),
		probePort:     resolver.ResolveInt(section, "reachability_port", options.ReachabilityPort, defaultReachabilityPort),
		probe:         options.Probe,
		status:        StatusPending,
		address:       resolver.Resolve(section, "host_address", options.Address),
	}
	h.log = logger.With("component", "host", "host", h.name.String())

	if h.policy == StopPolicyDefault {
		if policy, err := ParseStopPolicy(resolver.Resolve(section, "stop_policy", "")); err == nil {
			h.policy = policy
		} else {
			return nil, err
		}
	}

	if h.probe == nil {
		h.probe = h.dialProbe
	}

	if h.address != "" {
		// Accelerator-only control over a pre-existing host, no adapter
		// and no teardown authority.
		return h, nil
	}

	adapter := options.Adapter
	if adapter == nil {
		if hostType == "" {
			return nil, errors.New("need at least 'host_type', 'instance_id' or a host address, see documentation")
		}
		var err error
		if adapter, err = newAdapter(hostType, resolver, logger); err != nil {
			return nil, fmt.Errorf("failed to create '%s' adapter: %w", hostType, err)
		}
	}
	h.adapter = adapter

	return h, nil
}

// Name returns the generated host name.
func (h *Host) Name() string { return h.name.String() }

// Status returns the current lifecycle status.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Address returns the resolved network address, empty until ready.
func (h *Host) Address() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.address
}

// OwnsLifecycle reports whether Stop is allowed to terminate or pause the
// remote instance.
func (h *Host) OwnsLifecycle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ownsLifecycle
}

// EnsureReady provisions the instance if needed and blocks until it is
// network-reachable, then returns its address. Subsequent calls return the
// resolved address immediately. A provider-reported error status fails fast
// instead of exhausting the timeout.
func (h *Host) EnsureReady(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.status {
	case StatusReady:
		return h.address, nil
	case StatusStopped, StatusFailed:
		return "", fmt.Errorf("host '%s' is %s", h.name, h.status)
	}

	h.status = StatusProvisioning

	ctx, cancel := context.WithTimeout(ctx, h.readyTimeout)
	defer cancel()

	address, err := h.provision(ctx)
	if err != nil {
		h.status = StatusFailed
		return "", &ProvisioningError{Host: h.name.String(), Err: err}
	}

	h.address = address
	h.status = StatusReady
	h.log.Info("Host is ready", "address", address)
	return address, nil
}

// provision resolves the instance reference and waits for reachability.
// Called with the host mutex held.
func (h *Host) provision(ctx context.Context) (string, error) {
	if h.address != "" {
		// Pre-existing host, only check that it is reachable.
		if err := h.waitReachable(ctx, h.address); err != nil {
			return "", err
		}
		return h.address, nil
	}

	if h.instanceID != "" {
		h.log.Info("Reusing instance", "instance", h.instanceID)
		ref, err := h.adapter.Find(ctx, h.instanceID)
		if err != nil {
			return "", fmt.Errorf("failed to find instance '%s': %w", h.instanceID, err)
		}
		h.ref = ref
		h.ownsLifecycle = true
	} else {
		name := h.name.Hostname("accelpool")
		h.log.Info("Creating instance", "name", name, "region", h.region)
		ref, err := h.adapter.Create(ctx, InstanceSpec{Name: name, Region: h.region})
		if err != nil {
			return "", fmt.Errorf("failed to create instance: %w", err)
		}
		h.ref = ref
		h.instanceID = string(ref)
		h.created = true
		h.ownsLifecycle = true
		h.log.Info("Instance created", "instance", h.instanceID)
	}

	address, err := h.waitInstanceReady(ctx)
	if err != nil {
		return "", err
	}
	if err = h.waitReachable(ctx, address); err != nil {
		return "", err
	}
	return address, nil
}

// waitInstanceReady polls the adapter until the instance reports ready,
// failing fast on an error status.
func (h *Host) waitInstanceReady(ctx context.Context) (string, error) {
	for {
		status, err := h.adapter.Status(ctx, h.ref)
		if err != nil {
			return "", fmt.Errorf("failed to get instance status: %w", err)
		}

		switch status {
		case StatusInstanceReady:
			address, err := h.adapter.Address(ctx, h.ref)
			if err != nil {
				return "", fmt.Errorf("failed to get instance address: %w", err)
			}
			return address, nil
		case StatusInstanceError:
			return "", fmt.Errorf("instance '%s' entered error status", h.instanceID)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for instance '%s' to become ready: %w", h.instanceID, ctx.Err())
		case <-time.After(h.probeInterval):
		}
	}
}

// waitReachable polls the reachability probe until it succeeds.
func (h *Host) waitReachable(ctx context.Context, address string) error {
	attempts := 0
	for {
		if err := h.probe(ctx, address); err == nil {
			return nil
		} else if attempts == 0 {
			h.log.Debug("Host not reachable yet, polling", "address", address, "error", err)
		}
		attempts++

		select {
		case <-ctx.Done():
			return fmt.Errorf("host '%s' not reachable after %d attempts: %w", address, attempts, ctx.Err())
		case <-time.After(h.probeInterval):
		}
	}
}

// dialProbe is the default reachability check, a raw TCP port check rather
// than an application-level one.
func (h *Host) dialProbe(ctx context.Context, address string) error {
	dialer := net.Dialer{Timeout: probeDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(h.probePort)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Stop applies the effective stop policy: the explicit argument if given,
// the configured policy otherwise, defaulting to Terminate for instances
// created by this run and Keep for reused ones. Idempotent, safe from the
// failed state, and a no-op for hosts that do not own their lifecycle.
func (h *Host) Stop(ctx context.Context, explicit StopPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusStopped {
		return nil
	}
	previous := h.status
	h.status = StatusStopped

	if !h.ownsLifecycle || h.ref == "" {
		// Never terminate infrastructure this host does not own.
		return nil
	}

	policy := explicit
	if policy == StopPolicyDefault {
		policy = h.policy
	}
	if policy == StopPolicyDefault {
		if h.created {
			policy = StopPolicyTerminate
		} else {
			policy = StopPolicyKeep
		}
	}

	switch policy {
	case StopPolicyKeep:
		h.log.Warn("Instance is still running", "instance", h.instanceID)
		return nil

	case StopPolicyPause:
		if !h.adapter.Capabilities().Pause {
			h.log.Warn("Adapter does not support pause, terminating instead", "instance", h.instanceID)
			break
		}
		if err := h.adapter.Pause(ctx, h.ref); err != nil {
			return fmt.Errorf("failed to pause instance '%s': %w", h.instanceID, err)
		}
		h.log.Info("Instance paused", "instance", h.instanceID)
		return nil
	}

	if err := h.adapter.Terminate(ctx, h.ref); err != nil {
		if previous == StatusFailed {
			// Best-effort cleanup of a partially created instance.
			h.log.Warn("Failed to clean up instance", "instance", h.instanceID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to terminate instance '%s': %w", h.instanceID, err)
	}
	h.log.Info("Instance terminated", "instance", h.instanceID)
	return nil
}
