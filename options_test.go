package realtime

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSettingsDefaults(t *testing.T) {
	s := settingsDefaults()
	if s.logger == nil {
		t.Error("default logger should not be nil")
	}
	if s.transport != nil {
		t.Error("default transport should be nil (websocket chosen at connect)")
	}
	if s.now == nil {
		t.Error("default clock should not be nil")
	}
}

func TestWithLogger(t *testing.T) {
	s := settingsDefaults()
	logger := logrus.New()
	WithLogger(logger)(&s)
	if s.logger != logger {
		t.Error("WithLogger should set the logger")
	}

	WithLogger(nil)(&s)
	if s.logger != logger {
		t.Error("WithLogger(nil) should keep the previous logger")
	}
}

func TestWithRandomSeed(t *testing.T) {
	s := settingsDefaults()
	WithRandomSeed(99)(&s)
	if s.seed != 99 {
		t.Errorf("seed = %d, want 99", s.seed)
	}
}

func TestWithClock(t *testing.T) {
	s := settingsDefaults()
	fixed := time.Unix(1000, 0)
	WithClock(func() time.Time { return fixed })(&s)
	if !s.now().Equal(fixed) {
		t.Errorf("now() = %v, want %v", s.now(), fixed)
	}
}

func TestWithTransport(t *testing.T) {
	s := settingsDefaults()
	server := newFakeServer()
	WithTransport(server)(&s)
	if s.transport != server {
		t.Error("WithTransport should set the factory")
	}
}
