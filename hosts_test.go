package realtime

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestResolver(opts ClientOptions, clock *fakeClock) *hostResolver {
	if opts.FallbackRetryTimeout == 0 {
		opts.FallbackRetryTimeout = DefaultFallbackRetryTimeout
	}
	return newHostResolver(newHostConfig(opts), newLockedRand(1), clock.now)
}

// walk follows fallback() from the primary until it runs out.
func walk(r *hostResolver) []string {
	hosts := []string{r.preferredHost()}
	for {
		next, ok := r.fallback(hosts[len(hosts)-1])
		if !ok {
			return hosts
		}
		hosts = append(hosts, next)
	}
}

func TestHostConfig_Defaults(t *testing.T) {
	cfg := newHostConfig(ClientOptions{})
	assert.Equal(t, defaultPrimaryHost, cfg.primary)
	assert.Len(t, cfg.fallbacks, 5)
	assert.Equal(t, "a.fallback.layr8.io", cfg.fallbacks[0])
}

func TestHostConfig_Environment(t *testing.T) {
	cfg := newHostConfig(ClientOptions{Environment: "sandbox"})
	assert.Equal(t, "sandbox-realtime.layr8.io", cfg.primary)
	assert.Equal(t, "sandbox-a.fallback.layr8.io", cfg.fallbacks[0])

	prod := newHostConfig(ClientOptions{Environment: "production"})
	assert.Equal(t, defaultPrimaryHost, prod.primary)
}

func TestHostResolver_FallbackPermutation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{}, clock)

	hosts := walk(r)
	require.Len(t, hosts, 6)
	assert.Equal(t, defaultPrimaryHost, hosts[0])

	got := append([]string(nil), hosts[1:]...)
	sort.Strings(got)
	assert.Equal(t, defaultFallbackHosts(""), got, "each fallback exactly once")
}

func TestHostResolver_OverriddenHostHasNoFallbacks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{RealtimeHost: "custom.example"}, clock)

	_, ok := r.fallback("custom.example")
	assert.False(t, ok)
}

func TestHostResolver_OverriddenHostWithExplicitFallbacks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{
		RealtimeHost:  "custom.example",
		FallbackHosts: []string{"b.example"},
	}, clock)

	assert.Equal(t, []string{"custom.example", "b.example"}, walk(r))
}

func TestHostResolver_OverriddenHostUsesDefaultsWhenAsked(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{
		RealtimeHost:            "custom.example",
		FallbackHostsUseDefault: true,
	}, clock)

	assert.Len(t, walk(r), 6)
}

func TestHostResolver_PreferredHostExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{
		FallbackHosts:        []string{"b.example"},
		FallbackRetryTimeout: time.Minute,
	}, clock)

	r.setPreferredHost("b.example", true)
	assert.Equal(t, "b.example", r.preferredHost())

	clock.t = clock.t.Add(59 * time.Second)
	assert.Equal(t, "b.example", r.preferredHost())

	clock.t = clock.t.Add(time.Second)
	assert.Equal(t, defaultPrimaryHost, r.preferredHost())
}

func TestHostResolver_FailingPreferredReturnsToPrimary(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{FallbackHosts: []string{"b.example", "c.example"}}, clock)
	r.setPreferredHost("c.example", true)

	next, ok := r.fallback("c.example")
	require.True(t, ok)
	assert.Equal(t, defaultPrimaryHost, next)
	assert.Equal(t, defaultPrimaryHost, r.preferredHost(), "preferred slot cleared")
}

func TestHostResolver_SetPreferredPrimaryClears(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{FallbackHosts: []string{"b.example"}}, clock)
	r.setPreferredHost("b.example", false)
	r.setPreferredHost(defaultPrimaryHost, true)
	assert.Equal(t, defaultPrimaryHost, r.preferredHost())
}

func TestHostResolver_PermanentPreferenceDoesNotExpire(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{FallbackHosts: []string{"b.example"}}, clock)
	r.setPreferredHost("b.example", false)

	clock.t = clock.t.Add(24 * time.Hour)
	assert.Equal(t, "b.example", r.preferredHost())
}

func TestHostResolver_EmptyFallbackList(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	r := newTestResolver(ClientOptions{FallbackHosts: []string{}}, clock)
	_, ok := r.fallback(defaultPrimaryHost)
	assert.False(t, ok)
}
