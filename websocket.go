package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// WebsocketTransportFactory opens JSON-framed websocket transports.
type WebsocketTransportFactory struct {
	Dialer *websocket.Dialer
}

// Open dials req.Host and starts the read loop. Inbound frames are decoded
// and handed to events in receive order.
func (f WebsocketTransportFactory) Open(ctx context.Context, req TransportRequest, events TransportEvents) (Transport, error) {
	u := websocketURL(req)

	dialer := f.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if info := handshakeError(resp); info != nil {
			return nil, info
		}
		return nil, newTransportError(&ConnectionError{URL: redactedURL(u), Reason: err.Error()})
	}

	t := &websocketTransport{
		conn:   conn,
		events: events,
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func websocketURL(req TransportRequest) *url.URL {
	scheme := "ws"
	if req.TLS {
		scheme = "wss"
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(req.Host, strconv.Itoa(req.Port)),
		Path:     "/",
		RawQuery: req.Params.Encode(),
	}
}

// redactedURL drops credentials from the query string for error messages.
func redactedURL(u *url.URL) string {
	cp := *u
	q := cp.Query()
	for _, k := range []string{"key", "access_token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	cp.RawQuery = q.Encode()
	return cp.String()
}

// handshakeError extracts a service error from a rejected websocket upgrade.
func handshakeError(resp *http.Response) *ErrorInfo {
	if resp == nil || resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var envelope struct {
		Error *ErrorInfo `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		if envelope.Error.StatusCode == 0 {
			envelope.Error.StatusCode = resp.StatusCode
		}
		return envelope.Error
	}
	return newError(resp.StatusCode*100, resp.StatusCode, fmt.Sprintf("websocket upgrade rejected: %s", resp.Status), nil)
}

// websocketTransport implements Transport over a gorilla websocket connection.
type websocketTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex // protects conn writes
	events TransportEvents

	closeOnce sync.Once
	done      chan struct{}
}

func (t *websocketTransport) Send(msg *ProtocolMessage) error {
	data, err := encodeProtocolMessage(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *websocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			t.events.OnClose(err)
			return
		}

		msg, err := decodeProtocolMessage(data)
		if err != nil {
			continue
		}
		t.events.OnMessage(msg)
	}
}
