package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timeouts. They are configuration defaults, not protocol constants.
const (
	DefaultDisconnectedRetryTimeout = 15 * time.Second
	DefaultSuspendedRetryTimeout    = 30 * time.Second
	DefaultChannelRetryTimeout      = 15 * time.Second
	DefaultRealtimeRequestTimeout   = 10 * time.Second
	DefaultConnectionStateTTL       = 120 * time.Second
	DefaultFallbackRetryTimeout     = 10 * time.Minute
	DefaultMaxIdleInterval          = 15 * time.Second
	DefaultTokenRenewBefore         = 30 * time.Second
)

// TokenParams is passed to an AuthCallback.
type TokenParams struct {
	ClientID string
}

// TokenDetails is a bearer token and its expiry. A zero Expires means the
// expiry is unknown; for JWTs it is read from the exp claim.
type TokenDetails struct {
	Token   string
	Expires time.Time
}

// AuthCallback obtains a fresh token. Return an *ErrorInfo with StatusCode
// 403 to signal a permanent failure; any other error is retried.
type AuthCallback func(ctx context.Context, params TokenParams) (TokenDetails, error)

// ClientOptions holds the configuration for a Client.
type ClientOptions struct {
	// Key is an API key "appId.keyId:secret" used as a raw key credential.
	// Fallback: LAYR8_REALTIME_KEY environment variable.
	Key string `yaml:"key"`

	// Token is a static bearer token.
	// Fallback: LAYR8_REALTIME_TOKEN environment variable.
	Token string `yaml:"token"`

	// AuthCallback renews tokens. When set, tokens are refreshed before they
	// expire and on token errors from the service.
	AuthCallback AuthCallback `yaml:"-"`

	ClientID string `yaml:"client_id"`

	// Environment selects a non-production deployment, adjusting both the
	// primary host and the default fallback hosts.
	// Fallback: LAYR8_REALTIME_ENVIRONMENT environment variable.
	Environment string `yaml:"environment"`

	// RealtimeHost overrides the primary host. Fallback hosts are then only
	// used when FallbackHosts is set or FallbackHostsUseDefault is true.
	// Fallback: LAYR8_REALTIME_HOST environment variable.
	RealtimeHost            string   `yaml:"realtime_host"`
	FallbackHosts           []string `yaml:"fallback_hosts"`
	FallbackHostsUseDefault bool     `yaml:"fallback_hosts_use_default"`

	Port    int  `yaml:"port"`
	TLSPort int  `yaml:"tls_port"`
	NoTLS   bool `yaml:"no_tls"`

	// Format selects the wire format; only "json" is implemented by the
	// default transport.
	Format string `yaml:"format"`

	NoEcho    bool `yaml:"no_echo"`
	NoConnect bool `yaml:"no_connect"`

	// Recover is a recovery key ("connectionKey:serial") from a previous
	// connection, used to seed the first connection attempt.
	Recover string `yaml:"recover"`

	TransportParams map[string]string `yaml:"transport_params"`

	DisconnectedRetryTimeout time.Duration `yaml:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    time.Duration `yaml:"suspended_retry_timeout"`
	ChannelRetryTimeout      time.Duration `yaml:"channel_retry_timeout"`
	RealtimeRequestTimeout   time.Duration `yaml:"realtime_request_timeout"`
	ConnectionStateTTL       time.Duration `yaml:"connection_state_ttl"`
	FallbackRetryTimeout     time.Duration `yaml:"fallback_retry_timeout"`

	// MaxDisconnectedRetries caps the number of failed attempts in the
	// disconnected state before moving to suspended. Zero means only
	// ConnectionStateTTL applies.
	MaxDisconnectedRetries int `yaml:"max_disconnected_retries"`
}

// resolveOptions fills empty fields from environment variables and defaults,
// and validates required fields.
func resolveOptions(opts ClientOptions) (ClientOptions, error) {
	if opts.Key == "" {
		opts.Key = os.Getenv("LAYR8_REALTIME_KEY")
	}
	if opts.Token == "" {
		opts.Token = os.Getenv("LAYR8_REALTIME_TOKEN")
	}
	if opts.Environment == "" {
		opts.Environment = os.Getenv("LAYR8_REALTIME_ENVIRONMENT")
	}
	if opts.RealtimeHost == "" {
		opts.RealtimeHost = os.Getenv("LAYR8_REALTIME_HOST")
	}

	if opts.Key == "" && opts.Token == "" && opts.AuthCallback == nil {
		return opts, fmt.Errorf("%w (set Key, Token or AuthCallback, or LAYR8_REALTIME_KEY env)", ErrNoKeyOrToken)
	}
	if opts.Key != "" && !strings.Contains(opts.Key, ":") {
		return opts, fmt.Errorf("invalid key %q: want \"name:secret\"", opts.Key)
	}
	if opts.RealtimeHost != "" && opts.Environment != "" {
		return opts, fmt.Errorf("RealtimeHost and Environment are mutually exclusive")
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Format != "json" {
		return opts, fmt.Errorf("unsupported format %q", opts.Format)
	}

	if opts.Port == 0 {
		opts.Port = 80
	}
	if opts.TLSPort == 0 {
		opts.TLSPort = 443
	}
	defaultDuration(&opts.DisconnectedRetryTimeout, DefaultDisconnectedRetryTimeout)
	defaultDuration(&opts.SuspendedRetryTimeout, DefaultSuspendedRetryTimeout)
	defaultDuration(&opts.ChannelRetryTimeout, DefaultChannelRetryTimeout)
	defaultDuration(&opts.RealtimeRequestTimeout, DefaultRealtimeRequestTimeout)
	defaultDuration(&opts.ConnectionStateTTL, DefaultConnectionStateTTL)
	defaultDuration(&opts.FallbackRetryTimeout, DefaultFallbackRetryTimeout)

	return opts, nil
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// LoadOptionsFile reads ClientOptions from a YAML file. Durations are written
// as Go duration strings, e.g. "15s".
func LoadOptionsFile(path string) (ClientOptions, error) {
	var opts ClientOptions
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing options file: %w", err)
	}
	return opts, nil
}

// useTokenAuth reports whether the connection authenticates with tokens.
func (o ClientOptions) useTokenAuth() bool {
	return o.Token != "" || o.AuthCallback != nil
}
