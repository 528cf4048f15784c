package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestResolver(values map[string]any) *Resolver {
	r := New()
	for key, value := range values {
		r.Set(key, value)
	}
	return r
}

func TestResolveExplicitWinsOverEverything(t *testing.T) {
	r := newTestResolver(map[string]any{
		"host.region":           "section",
		"host.openstack.region": "subsection",
	})
	assert.Equal(t, "explicit", r.Resolve("host.openstack", "region", "explicit"))
}

func TestResolveSubsectionWinsOverSection(t *testing.T) {
	r := newTestResolver(map[string]any{
		"host.region":           "section",
		"host.openstack.region": "subsection",
	})
	assert.Equal(t, "subsection", r.Resolve("host.openstack", "region", ""))
}

func TestResolveFallsBackToSection(t *testing.T) {
	r := newTestResolver(map[string]any{
		"host.region": "section",
	})
	assert.Equal(t, "section", r.Resolve("host.openstack", "region", ""))
}

func TestResolveMissingKeyIsEmpty(t *testing.T) {
	r := newTestResolver(nil)
	assert.Equal(t, "", r.Resolve("host.openstack", "region", ""))
}

func TestResolveIntFallback(t *testing.T) {
	r := newTestResolver(map[string]any{"host.reachability_port": 8080})
	assert.Equal(t, 8080, r.ResolveInt("host.aws", "reachability_port", 0, 80))
	assert.Equal(t, 443, r.ResolveInt("host.aws", "reachability_port", 443, 80))
	assert.Equal(t, 80, r.ResolveInt("host.aws", "other_port", 0, 80))
}

func TestResolveDurationFallback(t *testing.T) {
	r := newTestResolver(map[string]any{"host.ready_timeout": "2m"})
	assert.Equal(t, 2*time.Minute, r.ResolveDuration("host.aws", "ready_timeout", 0, time.Minute))
	assert.Equal(t, time.Minute, r.ResolveDuration("host.aws", "probe_interval", 0, time.Minute))
}

func TestResolveBool(t *testing.T) {
	r := newTestResolver(map[string]any{"host.use_private_ip": true})
	assert.True(t, r.ResolveBool("host.aws", "use_private_ip", false))
	assert.False(t, r.ResolveBool("host.aws", "unset_key", false))
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	r, err := Load("")
	assert.NoError(t, err)
	assert.NotNil(t, r)
}
