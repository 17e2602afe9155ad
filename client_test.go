package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"LAYR8_REALTIME_KEY", "LAYR8_REALTIME_TOKEN", "LAYR8_REALTIME_ENVIRONMENT", "LAYR8_REALTIME_HOST"} {
		t.Setenv(name, "")
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	clearEnv(t)
	_, err := NewClient(ClientOptions{NoConnect: true})
	if !errors.Is(err, ErrNoKeyOrToken) {
		t.Fatalf("NewClient() error = %v, want ErrNoKeyOrToken", err)
	}
}

func TestNewClient_InvalidKey(t *testing.T) {
	clearEnv(t)
	_, err := NewClient(ClientOptions{Key: "no-separator", NoConnect: true})
	if err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("NewClient() error = %v, want invalid key", err)
	}
}

func TestNewClient_HostAndEnvironmentExclusive(t *testing.T) {
	clearEnv(t)
	_, err := NewClient(ClientOptions{
		Key:          "app.key:secret",
		RealtimeHost: "custom.test",
		Environment:  "sandbox",
		NoConnect:    true,
	})
	if err == nil {
		t.Fatal("NewClient() should reject RealtimeHost together with Environment")
	}
}

func TestNewClient_KeyFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LAYR8_REALTIME_KEY", "env.key:secret")
	client, err := NewClient(ClientOptions{NoConnect: true}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	defer client.Close()
	if client.opts.Key != "env.key:secret" {
		t.Errorf("Key = %q, want value from LAYR8_REALTIME_KEY", client.opts.Key)
	}
}

func TestNewClient_NoConnectStaysInitialized(t *testing.T) {
	server := newFakeServer()
	client, _ := newTestClient(t, server, fastOptions())

	time.Sleep(20 * time.Millisecond)
	if got := client.Connection().State(); got != ConnectionInitialized {
		t.Errorf("State() = %s, want initialized", got)
	}
	if server.attemptCount() != 0 {
		t.Errorf("attempts = %d, want 0", server.attemptCount())
	}
}

func TestClient_ChannelShorthand(t *testing.T) {
	server := newFakeServer()
	client, _ := newTestClient(t, server, fastOptions())

	if client.Channel("x") != client.Channels.Get("x") {
		t.Error("Channel() and Channels.Get() should return the same channel")
	}
	if client.Auth() == nil {
		t.Error("Auth() returned nil")
	}
}

func TestClient_CloseIsFinal(t *testing.T) {
	server := newFakeServer()
	client, _ := newTestClient(t, server, fastOptions())
	connectClient(t, client, server)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := client.Connect(); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect() after Close() = %v, want ErrClientClosed", err)
	}
	// No CLOSED reply: the close timer finishes the job.
	waitConnState(t, client.Connection(), ConnectionClosed)
}

func TestClient_CloseBeforeConnect(t *testing.T) {
	server := newFakeServer()
	client, _ := newTestClient(t, server, fastOptions())

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	waitConnState(t, client.Connection(), ConnectionClosed)
	if server.attemptCount() != 0 {
		t.Errorf("attempts = %d, want 0", server.attemptCount())
	}
}

func TestClient_AuthorizeAfterClose(t *testing.T) {
	server := newFakeServer()
	opts := fastOptions()
	opts.Key = ""
	opts.AuthCallback = func(context.Context, TokenParams) (TokenDetails, error) {
		return TokenDetails{Token: "t"}, nil
	}
	client, _ := newTestClient(t, server, opts)
	client.Close()
	waitConnState(t, client.Connection(), ConnectionClosed)

	err := client.Auth().Authorize(context.Background())
	var info *ErrorInfo
	if !errors.As(err, &info) || info.Code != CodeChannelInvalidState {
		t.Errorf("Authorize() after close = %v, want invalid state", err)
	}
}
