package realtime

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultPrimaryHost = "realtime.layr8.io"
	productionEnv      = "production"
)

// defaultFallbackHosts returns the built-in fallback hosts for an environment.
func defaultFallbackHosts(environment string) []string {
	prefix := ""
	if environment != "" && environment != productionEnv {
		prefix = environment + "-"
	}
	hosts := make([]string, 0, 5)
	for _, letter := range []string{"a", "b", "c", "d", "e"} {
		hosts = append(hosts, fmt.Sprintf("%s%s.fallback.layr8.io", prefix, letter))
	}
	return hosts
}

// hostConfig is the host-related subset of ClientOptions.
type hostConfig struct {
	primary                 string
	primaryOverridden       bool
	fallbacks               []string
	fallbacksConfigured     bool
	fallbackHostsUseDefault bool
	fallbackRetryTimeout    time.Duration
}

func newHostConfig(opts ClientOptions) hostConfig {
	cfg := hostConfig{
		primary:                 defaultPrimaryHost,
		fallbackHostsUseDefault: opts.FallbackHostsUseDefault,
		fallbackRetryTimeout:    opts.FallbackRetryTimeout,
	}
	switch {
	case opts.RealtimeHost != "":
		cfg.primary = opts.RealtimeHost
		cfg.primaryOverridden = true
	case opts.Environment != "" && opts.Environment != productionEnv:
		cfg.primary = opts.Environment + "-" + defaultPrimaryHost
	}
	switch {
	case opts.FallbackHosts != nil:
		cfg.fallbacks = append([]string(nil), opts.FallbackHosts...)
		cfg.fallbacksConfigured = true
	default:
		cfg.fallbacks = defaultFallbackHosts(opts.Environment)
	}
	return cfg
}

// hostResolver produces the sequence of hosts to try and remembers a
// short-lived affinity to the last fallback host that worked.
type hostResolver struct {
	mu        sync.Mutex
	cfg       hostConfig
	fallbacks []string
	now       func() time.Time

	preferred        string
	preferredExpires time.Time // zero means no expiry
}

func newHostResolver(cfg hostConfig, rnd *lockedRand, now func() time.Time) *hostResolver {
	shuffled := append([]string(nil), cfg.fallbacks...)
	rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &hostResolver{
		cfg:       cfg,
		fallbacks: shuffled,
		now:       now,
	}
}

func (r *hostResolver) primaryHost() string {
	return r.cfg.primary
}

// fallbacksAllowed reports whether a failure on the primary host may move on
// to the fallback list.
func (r *hostResolver) fallbacksAllowed() bool {
	return !r.cfg.primaryOverridden || r.cfg.fallbacksConfigured || r.cfg.fallbackHostsUseDefault
}

// currentPreferredLocked returns the non-expired preferred host, clearing it
// when it has expired.
func (r *hostResolver) currentPreferredLocked() string {
	if r.preferred == "" {
		return ""
	}
	if !r.preferredExpires.IsZero() && !r.now().Before(r.preferredExpires) {
		r.preferred = ""
		r.preferredExpires = time.Time{}
		return ""
	}
	return r.preferred
}

// preferredHost returns the host a fresh connection cycle should start with.
func (r *hostResolver) preferredHost() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host := r.currentPreferredLocked(); host != "" {
		return host
	}
	return r.cfg.primary
}

// fallback returns the host to try after lastHost failed, or false when there
// is none.
func (r *hostResolver) fallback(lastHost string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lastHost == r.cfg.primary {
		if !r.fallbacksAllowed() || len(r.fallbacks) == 0 {
			return "", false
		}
		return r.fallbacks[0], true
	}

	// A failing cached fallback always sends us back to the primary first.
	if preferred := r.currentPreferredLocked(); preferred != "" && preferred == lastHost {
		r.preferred = ""
		r.preferredExpires = time.Time{}
		return r.cfg.primary, true
	}

	for i, host := range r.fallbacks {
		if host == lastHost {
			if i+1 < len(r.fallbacks) {
				return r.fallbacks[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// setPreferredHost records the host a request just succeeded against.
func (r *hostResolver) setPreferredHost(host string, temporary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host == r.cfg.primary {
		r.preferred = ""
		r.preferredExpires = time.Time{}
		return
	}
	r.preferred = host
	r.preferredExpires = time.Time{}
	if temporary {
		r.preferredExpires = r.now().Add(r.cfg.fallbackRetryTimeout)
	}
}

// fallbackHosts returns a copy of the shuffled fallback list.
func (r *hostResolver) fallbackHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fallbacks...)
}
