package realtime

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
)

// Protocol and library identification sent on every connect request.
const (
	ProtocolVersion = "2"
	LibraryVersion  = "0.1.0"
)

// Transport is an open bidirectional link to one host. It is owned by the
// Connection while active.
type Transport interface {
	// Send writes one protocol message.
	Send(msg *ProtocolMessage) error

	// Close shuts the link down. OnClose is not required to fire after an
	// explicit Close.
	Close() error
}

// TransportEvents receives inbound traffic from a Transport.
type TransportEvents interface {
	// OnMessage is called for each inbound protocol message, in receive order.
	OnMessage(msg *ProtocolMessage)

	// OnClose is called once when the link drops. err is nil for a clean close.
	OnClose(err error)
}

// TransportRequest describes one connection attempt.
type TransportRequest struct {
	Host   string
	Port   int
	TLS    bool
	Params url.Values
}

// TransportFactory opens transports. Open may block until the link is
// established; the Connection always calls it off its event loop.
type TransportFactory interface {
	Open(ctx context.Context, req TransportRequest, events TransportEvents) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(ctx context.Context, req TransportRequest, events TransportEvents) (Transport, error)

func (f TransportFactoryFunc) Open(ctx context.Context, req TransportRequest, events TransportEvents) (Transport, error) {
	return f(ctx, req, events)
}

func agentString() string {
	return fmt.Sprintf("layr8-realtime-go/%s go/%s", LibraryVersion, runtime.Version()[2:])
}

// resumeCursor is a connection key and serial to resume or recover from.
type resumeCursor struct {
	key    string
	serial int64
}

// connectParams builds the query parameters for a connect request. resume
// takes precedence over recover when both are present.
func connectParams(opts ClientOptions, credential credential, resume, recover *resumeCursor) url.Values {
	q := url.Values{}
	for k, v := range opts.TransportParams {
		q.Set(k, v)
	}
	q.Set("v", ProtocolVersion)
	q.Set("agent", agentString())
	q.Set("format", opts.Format)
	q.Set("echo", strconv.FormatBool(!opts.NoEcho))
	q.Set("heartbeats", "true")
	if opts.ClientID != "" {
		q.Set("clientId", opts.ClientID)
	}
	switch {
	case resume != nil:
		q.Set("resume", resume.key)
		q.Set("connectionSerial", strconv.FormatInt(resume.serial, 10))
	case recover != nil:
		q.Set("recover", recover.key)
		q.Set("connectionSerial", strconv.FormatInt(recover.serial, 10))
	}
	if credential.token != "" {
		q.Set("access_token", credential.token)
	} else if credential.key != "" {
		q.Set("key", credential.key)
	}
	return q
}
