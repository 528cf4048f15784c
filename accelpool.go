// Package accelpool provisions remote accelerator hosts on cloud providers,
// configures accelerator sessions on them and dispatches processing jobs
// across a fixed-size pool with ordered result collection.
//
// Typical use:
//
//	resolver, _ := config.Load("")
//	p, err := accelpool.New(accelpool.Options{HostType: "aws", Workers: 4, Config: resolver})
//	...
//	err = p.Start(ctx, session.Parameters{"datafile": "s3://bucket/cfg.bin"})
//	results, err := p.Map(ctx, jobs)
//	err = p.Stop(ctx)
//
// Provider adapters register themselves on import:
//
//	import _ "github.com/gammadia/accelpool/host/aws"
package accelpool

import (
	"log/slog"
	"time"

	"github.com/gammadia/accelpool/accelerator"
	"github.com/gammadia/accelpool/config"
	"github.com/gammadia/accelpool/host"
	"github.com/gammadia/accelpool/pool"
	"github.com/gammadia/accelpool/session/rest"
)

// Options assembles a pool of identically parameterized accelerators.
type Options struct {
	// HostType selects the provider adapter ("aws", "openstack", ...).
	HostType string
	// Workers is the pool size; each worker owns one host. Defaults to 1.
	Workers int

	// InstanceID reuses an existing instance (full control); HostAddress
	// adopts a running accelerator without any teardown authority. Either
	// applies to single-worker pools only, since two accelerators cannot
	// share one host.
	InstanceID  string
	HostAddress string

	Region     string
	StopPolicy host.StopPolicy

	// AllowDegraded accepts a partial pool when some workers fail to start.
	AllowDegraded bool
	// ProcessTimeout bounds each job, 0 means no limit.
	ProcessTimeout time.Duration
	// SessionTimeout bounds each remote call, 0 means no limit.
	SessionTimeout time.Duration

	Config *config.Resolver
	Logger *slog.Logger
}

// New builds the pool without any remote call; provisioning starts with
// pool.Pool.Start.
func New(options Options) (*pool.Pool, error) {
	resolver := options.Config
	if resolver == nil {
		resolver = config.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := resolver.ResolveInt("pool", "workers", options.Workers, 1)

	dial := rest.Dialer(rest.Options{
		Timeout: options.SessionTimeout,
		Logger:  logger,
	})

	return pool.New(pool.Config{
		Size:           workers,
		AllowDegraded:  options.AllowDegraded,
		ProcessTimeout: options.ProcessTimeout,
		StopPolicy:     options.StopPolicy,
		Logger:         logger,
	}, func(index int) (pool.Member, error) {
		h, err := host.New(host.Options{
			Type:       options.HostType,
			InstanceID: options.InstanceID,
			Address:    options.HostAddress,
			StopPolicy: options.StopPolicy,
			Region:     options.Region,
			Config:     resolver,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}

		a, err := accelerator.New(accelerator.Options{
			Host:   h,
			Dial:   dial,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}
