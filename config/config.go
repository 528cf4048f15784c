// Package config resolves accelerator and host settings from an optional
// configuration file, environment variables and explicit call-site arguments.
//
// Precedence, highest first: explicit argument > subsection (e.g.
// "host.openstack") > section (e.g. "host") > zero value. Environment
// variables use the ACCELPOOL prefix with dots and dashes mapped to
// underscores, e.g. ACCELPOOL_HOST_OPENSTACK_REGION.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "accelpool"
	envPrefix  = "accelpool"
)

// Resolver is an immutable, pre-loaded configuration lookup.
type Resolver struct {
	v *viper.Viper
}

// New returns a Resolver backed only by environment variables.
func New() *Resolver {
	return &Resolver{v: newViper()}
}

// Load reads the configuration file at path, or searches for "accelpool.conf"
// in the working directory and the user home directory when path is empty.
// A missing file is not an error; the resolver then only serves environment
// variables and defaults.
func Load(path string) (*Resolver, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("ini")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return &Resolver{v: v}, nil
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	return &Resolver{v: v}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	return v
}

// Resolve returns the value for key, preferring the explicit argument, then
// the given section, then each parent section obtained by stripping the last
// dot-separated element ("host.openstack" falls back to "host").
func (r *Resolver) Resolve(section, key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	for s := section; s != ""; s = parentSection(s) {
		if value := r.v.GetString(s + "." + key); value != "" {
			return value
		}
	}
	return ""
}

// ResolveInt is like Resolve for integer values. A zero explicit argument
// counts as unset; fallback is returned when no layer provides a value.
func (r *Resolver) ResolveInt(section, key string, explicit, fallback int) int {
	if explicit != 0 {
		return explicit
	}
	for s := section; s != ""; s = parentSection(s) {
		if value := r.v.GetInt(s + "." + key); value != 0 {
			return value
		}
	}
	return fallback
}

// ResolveDuration is like ResolveInt for durations.
func (r *Resolver) ResolveDuration(section, key string, explicit, fallback time.Duration) time.Duration {
	if explicit != 0 {
		return explicit
	}
	for s := section; s != ""; s = parentSection(s) {
		if value := r.v.GetDuration(s + "." + key); value != 0 {
			return value
		}
	}
	return fallback
}

// ResolveSlice returns the first non-empty string slice in the section chain.
func (r *Resolver) ResolveSlice(section, key string) []string {
	for s := section; s != ""; s = parentSection(s) {
		if value := r.v.GetStringSlice(s + "." + key); len(value) > 0 {
			return value
		}
	}
	return nil
}

// ResolveBool returns the first boolean set in the section chain, or fallback.
func (r *Resolver) ResolveBool(section, key string, fallback bool) bool {
	for s := section; s != ""; s = parentSection(s) {
		if r.v.IsSet(s + "." + key) {
			return r.v.GetBool(s + "." + key)
		}
	}
	return fallback
}

// Set overrides a single key, mostly useful in tests and CLI flag binding.
func (r *Resolver) Set(key string, value any) {
	r.v.Set(key, value)
}

func parentSection(section string) string {
	i := strings.LastIndex(section, ".")
	if i < 0 {
		return ""
	}
	return section[:i]
}
