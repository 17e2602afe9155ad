package realtime

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures client internals that are not part of ClientOptions.
type Option func(*clientSettings)

type clientSettings struct {
	logger    logrus.FieldLogger
	transport TransportFactory
	seed      int64
	now       func() time.Time
}

func settingsDefaults() clientSettings {
	return clientSettings{
		logger: logrus.StandardLogger(),
		seed:   time.Now().UnixNano(),
		now:    time.Now,
	}
}

// WithLogger sets the logger used by the client and its channels.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *clientSettings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransport replaces the default websocket transport.
func WithTransport(factory TransportFactory) Option {
	return func(s *clientSettings) {
		s.transport = factory
	}
}

// WithRandomSeed fixes the seed used for fallback shuffling and retry jitter.
func WithRandomSeed(seed int64) Option {
	return func(s *clientSettings) {
		s.seed = seed
	}
}

// WithClock replaces time.Now, for fallback affinity expiry and
// disconnected-state accounting.
func WithClock(now func() time.Time) Option {
	return func(s *clientSettings) {
		if now != nil {
			s.now = now
		}
	}
}
