package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRealtimeServer simulates the realtime service over a real websocket.
type mockRealtimeServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	received []*ProtocolMessage
	queries  []url.Values
	conn     *websocket.Conn
	onMsg    func(*ProtocolMessage)
	onOpen   func()
	// reject, if set, refuses the upgrade with this status and body.
	rejectStatus int
	rejectBody   string
}

func newMockRealtimeServer() *mockRealtimeServer {
	return &mockRealtimeServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *mockRealtimeServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.Query())
	status, body := s.rejectStatus, s.rejectBody
	s.mu.Unlock()
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.conn = conn
	onOpen := s.onOpen
	s.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeProtocolMessage(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		handler := s.onMsg
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (s *mockRealtimeServer) sendToClient(msg *ProtocolMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		data, _ := encodeProtocolMessage(msg)
		s.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *mockRealtimeServer) closeClient(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		s.conn.Close()
	}
}

func (s *mockRealtimeServer) getReceived() []*ProtocolMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ProtocolMessage(nil), s.received...)
}

func (s *mockRealtimeServer) lastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[len(s.queries)-1]
}

func hostPort(t *testing.T, server *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// eventRecorder implements TransportEvents.
type eventRecorder struct {
	messages chan *ProtocolMessage
	closed   chan error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		messages: make(chan *ProtocolMessage, 16),
		closed:   make(chan error, 1),
	}
}

func (r *eventRecorder) OnMessage(msg *ProtocolMessage) { r.messages <- msg }
func (r *eventRecorder) OnClose(err error)              { r.closed <- err }

func openTestTransport(t *testing.T, server *httptest.Server, params url.Values, events TransportEvents) (Transport, error) {
	t.Helper()
	host, port := hostPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return WebsocketTransportFactory{}.Open(ctx, TransportRequest{Host: host, Port: port, Params: params}, events)
}

func TestWebsocketTransport_SendAndReceive(t *testing.T) {
	mock := newMockRealtimeServer()
	mock.onMsg = func(msg *ProtocolMessage) {
		if msg.Action == ActionHeartbeat {
			mock.sendToClient(&ProtocolMessage{Action: ActionHeartbeat, ID: msg.ID})
			mock.sendToClient(&ProtocolMessage{Action: ActionAck, MsgSerial: int64Ptr(3), Count: 1})
		}
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	events := newEventRecorder()
	tr, err := openTestTransport(t, server, url.Values{"v": {"2"}, "key": {"a:b"}}, events)
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, "a:b", mock.lastQuery().Get("key"))
	assert.Equal(t, "2", mock.lastQuery().Get("v"))

	require.NoError(t, tr.Send(&ProtocolMessage{Action: ActionHeartbeat, ID: "ping-1"}))

	first := <-events.messages
	second := <-events.messages
	assert.Equal(t, ActionHeartbeat, first.Action, "frames delivered in receive order")
	assert.Equal(t, "ping-1", first.ID)
	assert.Equal(t, ActionAck, second.Action)
	assert.Equal(t, int64(3), *second.MsgSerial)
}

func TestWebsocketTransport_SkipsUndecodableFrames(t *testing.T) {
	mock := newMockRealtimeServer()
	mock.onOpen = func() {
		mock.mu.Lock()
		mock.conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		mock.mu.Unlock()
		mock.sendToClient(&ProtocolMessage{Action: ActionHeartbeat})
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	events := newEventRecorder()
	tr, err := openTestTransport(t, server, url.Values{}, events)
	require.NoError(t, err)
	defer tr.Close()

	select {
	case msg := <-events.messages:
		assert.Equal(t, ActionHeartbeat, msg.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("no message after the bad frame")
	}
}

func TestWebsocketTransport_HandshakeRejectedWithErrorBody(t *testing.T) {
	mock := newMockRealtimeServer()
	mock.rejectStatus = http.StatusUnauthorized
	mock.rejectBody = `{"error":{"code":40101,"statusCode":401,"message":"invalid key"}}`
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	_, err := openTestTransport(t, server, url.Values{"key": {"bad:key"}}, newEventRecorder())
	require.Error(t, err)

	var info *ErrorInfo
	require.True(t, errors.As(err, &info))
	assert.Equal(t, CodeInvalidCredentials, info.Code)
	assert.True(t, isPermanent(info))
}

func TestWebsocketTransport_HandshakeRejectedWithoutBody(t *testing.T) {
	mock := newMockRealtimeServer()
	mock.rejectStatus = http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	_, err := openTestTransport(t, server, url.Values{}, newEventRecorder())
	var info *ErrorInfo
	require.True(t, errors.As(err, &info))
	assert.Equal(t, http.StatusServiceUnavailable, info.StatusCode)
	assert.False(t, isPermanent(info), "5xx upgrade failures are retried")
}

func TestWebsocketTransport_DialFailureRedactsCredentials(t *testing.T) {
	// Grab a free port, then close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = WebsocketTransportFactory{}.Open(ctx, TransportRequest{
		Host:   "127.0.0.1",
		Port:   port,
		Params: url.Values{"key": {"app.key:supersecret"}},
	}, newEventRecorder())
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.NotContains(t, connErr.URL, "supersecret")
	assert.Contains(t, connErr.URL, "REDACTED")
	assert.Equal(t, CodeDisconnected, asErrorInfo(err).Code)
}

func TestWebsocketTransport_ServerCloseNormal(t *testing.T) {
	mock := newMockRealtimeServer()
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	events := newEventRecorder()
	tr, err := openTestTransport(t, server, url.Values{}, events)
	require.NoError(t, err)
	defer tr.Close()

	require.Eventually(t, func() bool {
		mock.mu.Lock()
		defer mock.mu.Unlock()
		return mock.conn != nil
	}, 5*time.Second, time.Millisecond)
	mock.closeClient(websocket.CloseNormalClosure)

	select {
	case err := <-events.closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestWebsocketTransport_ServerCloseAbnormal(t *testing.T) {
	mock := newMockRealtimeServer()
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	events := newEventRecorder()
	tr, err := openTestTransport(t, server, url.Values{}, events)
	require.NoError(t, err)
	defer tr.Close()

	require.Eventually(t, func() bool {
		mock.mu.Lock()
		defer mock.mu.Unlock()
		return mock.conn != nil
	}, 5*time.Second, time.Millisecond)
	mock.closeClient(websocket.CloseInternalServerErr)

	select {
	case err := <-events.closed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestWebsocketTransport_SendAfterClose(t *testing.T) {
	mock := newMockRealtimeServer()
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()

	events := newEventRecorder()
	tr, err := openTestTransport(t, server, url.Values{}, events)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "Close is idempotent")
	assert.ErrorIs(t, tr.Send(&ProtocolMessage{Action: ActionHeartbeat}), net.ErrClosed)

	select {
	case <-events.closed:
		t.Fatal("OnClose must not fire after an explicit Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebsocketURL(t *testing.T) {
	u := websocketURL(TransportRequest{Host: "realtime.layr8.io", Port: 443, TLS: true, Params: url.Values{"v": {"2"}}})
	assert.Equal(t, "wss://realtime.layr8.io:443/?v=2", u.String())

	plain := websocketURL(TransportRequest{Host: "localhost", Port: 8080})
	assert.Equal(t, "ws", plain.Scheme)
}

func TestClient_OverWebsocket(t *testing.T) {
	mock := newMockRealtimeServer()
	mock.onOpen = func() {
		mock.sendToClient(&ProtocolMessage{
			Action:            ActionConnected,
			ConnectionID:      "ws-conn",
			ConnectionDetails: &ConnectionDetails{ConnectionKey: "ws-key", MaxIdleInterval: 15000},
		})
	}
	mock.onMsg = func(msg *ProtocolMessage) {
		switch msg.Action {
		case ActionAttach:
			mock.sendToClient(&ProtocolMessage{Action: ActionAttached, Channel: msg.Channel, ChannelSerial: "cs-1"})
		case ActionMessage:
			mock.sendToClient(&ProtocolMessage{Action: ActionAck, MsgSerial: msg.MsgSerial, Count: 1})
			mock.sendToClient(&ProtocolMessage{Action: ActionMessage, Channel: msg.Channel, Messages: msg.Messages})
		case ActionClose:
			mock.sendToClient(&ProtocolMessage{Action: ActionClosed})
		}
	}
	server := httptest.NewServer(http.HandlerFunc(mock.handler))
	defer server.Close()
	host, port := hostPort(t, server)

	client, err := NewClient(ClientOptions{
		Key:           "app.key:secret",
		RealtimeHost:  host,
		Port:          port,
		NoTLS:         true,
		FallbackHosts: []string{},
		ClientID:      "tester",
	}, WithLogger(discardLogger()))
	require.NoError(t, err)
	defer func() {
		client.Close()
		waitConnState(t, client.Connection(), ConnectionClosed)
	}()

	waitConnState(t, client.Connection(), ConnectionConnected)
	assert.Equal(t, "ws-conn", client.Connection().ID())
	q := mock.lastQuery()
	assert.Equal(t, "app.key:secret", q.Get("key"))
	assert.Equal(t, "tester", q.Get("clientId"))
	assert.Equal(t, "json", q.Get("format"))

	ch := client.Channel("orders")
	received := make(chan *Message, 1)
	ch.Subscribe(func(m *Message) { received <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Publish(ctx, "created", map[string]int{"id": 42}))
	assert.Equal(t, "cs-1", ch.AttachSerial())

	select {
	case m := <-received:
		assert.Equal(t, "created", m.Name)
		var data map[string]int
		require.NoError(t, m.UnmarshalData(&data))
		assert.Equal(t, 42, data["id"])
	case <-ctx.Done():
		t.Fatal("echoed message not received")
	}

	var sent []string
	for _, m := range mock.getReceived() {
		sent = append(sent, m.Action.String())
	}
	assert.Equal(t, []string{"attach", "message"}, sent)

}
