package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gammadia/accelpool/config"
)

// InstanceStatus is the provider-side status of a compute instance.
type InstanceStatus string

const (
	StatusInstancePending InstanceStatus = "pending"
	StatusInstanceReady   InstanceStatus = "ready"
	StatusInstanceError   InstanceStatus = "error"
)

// ErrInstanceNotFound is returned by Adapter.Find for unknown instance IDs.
var ErrInstanceNotFound = errors.New("instance not found")

// InstanceSpec describes the instance an adapter should create.
type InstanceSpec struct {
	Name   string
	Region string
}

// InstanceRef is the provider-assigned instance identifier.
type InstanceRef string

// Capabilities reports optional adapter features. Pause is not uniform
// across providers; adapters that cannot pause report it here and callers
// fall back to termination.
type Capabilities struct {
	Pause bool
}

// Adapter is the capability interface implemented once per cloud provider.
// Find is expected to resume a paused instance so that a reused host can
// become reachable again.
type Adapter interface {
	Create(ctx context.Context, spec InstanceSpec) (InstanceRef, error)
	Find(ctx context.Context, instanceID string) (InstanceRef, error)
	Status(ctx context.Context, ref InstanceRef) (InstanceStatus, error)
	Address(ctx context.Context, ref InstanceRef) (string, error)
	Terminate(ctx context.Context, ref InstanceRef) error
	Pause(ctx context.Context, ref InstanceRef) error
	Capabilities() Capabilities
}

// Factory builds an adapter from resolved configuration.
type Factory func(resolver *config.Resolver, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register records an adapter factory under a host type key. Adapter
// packages call it from init(), like database/sql drivers.
func Register(hostType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[hostType]; dup {
		panic(fmt.Sprintf("host: adapter '%s' registered twice", hostType))
	}
	registry[hostType] = factory
}

// Types returns the registered host types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for hostType := range registry {
		types = append(types, hostType)
	}
	sort.Strings(types)
	return types
}

func newAdapter(hostType string, resolver *config.Resolver, logger *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[hostType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown host type '%s'", hostType)
	}
	return factory(resolver, logger)
}
