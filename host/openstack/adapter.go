// Package openstack provides the OpenStack host adapter. Credentials come
// from the usual OS_* environment variables.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

	"github.com/gammadia/accelpool/config"
	"github.com/gammadia/accelpool/host"
)

func init() {
	host.Register("openstack", NewAdapter)
}

type Adapter struct {
	client *gophercloud.ServiceClient
	config Config
	log    *slog.Logger
}

// Adapter implements host.Adapter
var _ host.Adapter = (*Adapter)(nil)

type Config struct {
	Image          string
	Flavor         string
	Networks       []servers.Network
	SecurityGroups []string
}

// NewAdapter authenticates against the OpenStack compute API using the
// environment, with image/flavor/networks resolved from the "host.openstack"
// configuration section.
func NewAdapter(resolver *config.Resolver, logger *slog.Logger) (host.Adapter, error) {
	opts, err := openstack.AuthOptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth options from env: %w", err)
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region := resolver.Resolve("host.openstack", "region", os.Getenv("OS_REGION_NAME"))
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	cfg := Config{
		Image:  resolver.Resolve("host.openstack", "image", ""),
		Flavor: resolver.Resolve("host.openstack", "flavor", ""),
	}
	for _, network := range resolver.ResolveSlice("host.openstack", "networks") {
		cfg.Networks = append(cfg.Networks, servers.Network{UUID: network})
	}
	cfg.SecurityGroups = resolver.ResolveSlice("host.openstack", "security_groups")

	return &Adapter{
		client: client,
		config: cfg,
		log:    logger.With("component", "openstack"),
	}, nil
}

func (a *Adapter) Create(ctx context.Context, spec host.InstanceSpec) (host.InstanceRef, error) {
	server, err := servers.Create(a.client, servers.CreateOpts{
		Name:           spec.Name,
		ImageRef:       a.config.Image,
		FlavorRef:      a.config.Flavor,
		Networks:       a.config.Networks,
		SecurityGroups: a.config.SecurityGroups,
		Metadata: map[string]string{
			"accelpool-provisioned-at": time.Now().Format(time.RFC3339),
		},
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", spec.Name, err)
	}

	a.log.Debug("Created server", "name", spec.Name, "id", server.ID)
	return host.InstanceRef(server.ID), nil
}

func (a *Adapter) Find(ctx context.Context, instanceID string) (host.InstanceRef, error) {
	server, err := servers.Get(a.client, instanceID).Extract()
	if err != nil {
		if isNotFound(err) {
			return "", host.ErrInstanceNotFound
		}
		return "", fmt.Errorf("failed to get server '%s': %w", instanceID, err)
	}

	// Resume a paused server so that a reused host can become reachable.
	if server.Status == "SHUTOFF" {
		a.log.Info("Starting stopped server", "id", instanceID)
		if err := startstop.Start(a.client, instanceID).ExtractErr(); err != nil {
			return "", fmt.Errorf("failed to start server '%s': %w", instanceID, err)
		}
	}

	return host.InstanceRef(server.ID), nil
}

func (a *Adapter) Status(ctx context.Context, ref host.InstanceRef) (host.InstanceStatus, error) {
	server, err := servers.Get(a.client, string(ref)).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to get server '%s': %w", ref, err)
	}

	switch server.Status {
	case "ACTIVE":
		return host.StatusInstanceReady, nil
	case "ERROR", "DELETED":
		return host.StatusInstanceError, nil
	default:
		return host.StatusInstancePending, nil
	}
}

func (a *Adapter) Address(ctx context.Context, ref host.InstanceRef) (string, error) {
	pages, err := servers.ListAddresses(a.client, string(ref)).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to get server addresses for '%s': %w", ref, err)
	}

	allAddresses, err := servers.ExtractAddresses(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract server addresses for '%s': %w", ref, err)
	}

	for _, addresses := range allAddresses {
		for _, address := range addresses {
			if address.Version == 4 {
				return address.Address, nil
			}
		}
	}
	return "", fmt.Errorf("failed to find IPv4 address for server '%s'", ref)
}

func (a *Adapter) Terminate(ctx context.Context, ref host.InstanceRef) error {
	if err := servers.Delete(a.client, string(ref)).ExtractErr(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete server '%s': %w", ref, err)
	}
	return nil
}

func (a *Adapter) Pause(ctx context.Context, ref host.InstanceRef) error {
	if err := startstop.Stop(a.client, string(ref)).ExtractErr(); err != nil {
		return fmt.Errorf("failed to stop server '%s': %w", ref, err)
	}
	return nil
}

func (a *Adapter) Capabilities() host.Capabilities {
	return host.Capabilities{Pause: true}
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}
