package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// connectionHandle is the narrow view of the connection a Channel depends on.
// currentState and send must only be called from the event loop.
type connectionHandle interface {
	post(fn func())
	currentState() ConnectionState
	currentReason() *ErrorInfo
	send(msg *ProtocolMessage, cb ackCallback)
	subscribeState(fn func(ConnectionStateChange)) func()
}

// Connection is the connection state machine. All state transitions run on a
// single event loop; the exported accessors read a snapshot and are safe for
// concurrent use.
//
// Listeners registered with On, OnAll and Once are called on the event loop in
// the exact order transitions happen. They must not block on methods that
// wait for the loop (Ping, Channel.Attach, Channel.Publish); use the Async
// variants instead.
type Connection struct {
	opts    ClientOptions
	auth    *Auth
	log     logrus.FieldLogger
	factory TransportFactory
	hosts   *hostResolver
	now     func() time.Time

	loop     *eventLoop
	timers   *timerArena
	emitter  *eventEmitter[ConnectionEvent, ConnectionStateChange]
	internal *eventEmitter[ConnectionEvent, ConnectionStateChange]
	router   func(msg *ProtocolMessage)

	// Owned by the event loop.
	state                ConnectionState
	transport            Transport
	epoch                uint64
	dialCancel           context.CancelFunc
	nextHost             string
	pending              pendingQueue
	msgSerial            int64
	recover              *resumeCursor
	attempt              attemptInfo
	disconnectedRetry    retryState
	disconnectedBackoff  *backoff
	suspendedBackoff     *backoff
	maxIdle              time.Duration
	connectionStateTTL   time.Duration
	tokenRefreshAttempts int
	reauthInFlight       bool
	pings                map[string]chan error

	mu     sync.RWMutex
	snap   ConnectionState
	reason *ErrorInfo
	id     string
	key    string
	serial int64
	host   string
}

// attemptInfo describes the connect attempt in flight.
type attemptInfo struct {
	host          string
	fromSuspended bool
	continuity    bool // a resume or recover cursor was sent
	resume        bool
	forceRefresh  bool
}

func newConnection(opts ClientOptions, auth *Auth, settings clientSettings, rnd *lockedRand) *Connection {
	loop := &eventLoop{}
	factory := settings.transport
	if factory == nil {
		factory = WebsocketTransportFactory{}
	}
	c := &Connection{
		opts:                opts,
		auth:                auth,
		log:                 settings.logger.WithField("component", "connection"),
		factory:             factory,
		hosts:               newHostResolver(newHostConfig(opts), rnd, settings.now),
		now:                 settings.now,
		loop:                loop,
		timers:              newTimerArena(loop),
		emitter:             newEventEmitter[ConnectionEvent, ConnectionStateChange](),
		internal:            newEventEmitter[ConnectionEvent, ConnectionStateChange](),
		disconnectedBackoff: newBackoff(opts.DisconnectedRetryTimeout, rnd),
		suspendedBackoff:    newBackoff(opts.SuspendedRetryTimeout, rnd),
		maxIdle:             DefaultMaxIdleInterval,
		connectionStateTTL:  opts.ConnectionStateTTL,
		pings:               make(map[string]chan error),
		serial:              -1,
	}
	if opts.Recover != "" {
		cursor, err := parseRecoveryKey(opts.Recover)
		if err != nil {
			c.log.WithError(err).Warn("Ignoring invalid recovery key")
		} else {
			c.recover = cursor
		}
	}
	return c
}

// parseRecoveryKey splits "connectionKey:serial".
func parseRecoveryKey(s string) (*resumeCursor, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return nil, fmt.Errorf("recovery key %q: want \"key:serial\"", s)
	}
	serial, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("recovery key %q: %w", s, err)
	}
	return &resumeCursor{key: s[:idx], serial: serial}, nil
}

// ---- exported API ----

// Connect starts connecting. While disconnected or suspended it retries
// immediately instead of waiting for the scheduled retry.
func (c *Connection) Connect() {
	c.loop.post(c.handleConnectRequest)
}

// Close closes the connection, cancelling retries and any attempt in flight.
func (c *Connection) Close() {
	c.loop.post(c.handleCloseRequest)
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// ErrorReason returns the reason attached to the last state change.
func (c *Connection) ErrorReason() *ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// ID returns the service-assigned connection id.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Key returns the connection key used to resume.
func (c *Connection) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Serial returns the serial of the last message received on this connection.
func (c *Connection) Serial() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serial
}

// Host returns the host of the most recent connection attempt.
func (c *Connection) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// RecoveryKey returns a "key:serial" string that a new client can pass as
// ClientOptions.Recover to continue this connection. It is empty when the
// connection cannot be recovered.
func (c *Connection) RecoveryKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == "" {
		return ""
	}
	switch c.snap {
	case ConnectionClosing, ConnectionClosed, ConnectionFailed, ConnectionSuspended:
		return ""
	}
	return c.key + ":" + strconv.FormatInt(c.serial, 10)
}

// On registers fn for one event and returns a function that removes it.
func (c *Connection) On(event ConnectionEvent, fn func(ConnectionStateChange)) func() {
	return c.emitter.on(event, fn, false)
}

// Once registers fn for the next occurrence of event.
func (c *Connection) Once(event ConnectionEvent, fn func(ConnectionStateChange)) func() {
	return c.emitter.on(event, fn, true)
}

// OnAll registers fn for every event.
func (c *Connection) OnAll(fn func(ConnectionStateChange)) func() {
	return c.emitter.onAll(fn, false)
}

// OffAll removes every listener.
func (c *Connection) OffAll() {
	c.emitter.offAll()
}

// Ping sends a heartbeat and waits for the service to echo it.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	id := generateID()
	reply := make(chan error, 1)
	started := make(chan error, 1)
	start := time.Now()
	c.loop.post(func() {
		if c.state != ConnectionConnected || c.transport == nil {
			started <- newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot ping while "+c.state.String(), nil)
			return
		}
		c.pings[id] = reply
		if err := c.transport.Send(&ProtocolMessage{Action: ActionHeartbeat, ID: id}); err != nil {
			delete(c.pings, id)
			started <- asErrorInfo(err)
			return
		}
		started <- nil
	})
	if err := <-started; err != nil {
		return 0, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	case <-ctx.Done():
		c.loop.post(func() { delete(c.pings, id) })
		return 0, ctx.Err()
	}
}

// ---- connectionHandle ----

func (c *Connection) post(fn func()) {
	c.loop.post(fn)
}

func (c *Connection) currentState() ConnectionState {
	return c.state
}

func (c *Connection) currentReason() *ErrorInfo {
	return c.ErrorReason()
}

func (c *Connection) subscribeState(fn func(ConnectionStateChange)) func() {
	return c.internal.onAll(fn, false)
}

// send transmits msg on the active transport. Messages that require an
// acknowledgement are tracked in the pending queue and cb fires on ACK/NACK;
// otherwise cb fires once the message is written.
func (c *Connection) send(msg *ProtocolMessage, cb ackCallback) {
	if c.state != ConnectionConnected || c.transport == nil {
		if cb != nil {
			cb(newError(CodeChannelInvalidState, http.StatusBadRequest, "connection is "+c.state.String(), nil))
		}
		return
	}
	acked := msg.ackRequired()
	if acked {
		serial := c.msgSerial
		c.msgSerial++
		msg.MsgSerial = int64Ptr(serial)
		c.pending.push(msg, serial, cb)
	}
	err := c.transport.Send(msg)
	if !acked && cb != nil {
		cb(asErrorInfoOrNil(err))
	}
	if err != nil {
		// Pending messages stay queued for a resumed connection.
		epoch := c.epoch
		c.loop.post(func() { c.onTransportClosed(epoch, err) })
	}
}

func asErrorInfoOrNil(err error) error {
	if err == nil {
		return nil
	}
	return asErrorInfo(err)
}

// ---- state transitions ----

func (c *Connection) setState(state ConnectionState, reason *ErrorInfo, retryIn time.Duration) {
	prev := c.state
	c.state = state

	c.mu.Lock()
	c.snap = state
	c.reason = reason
	if state == ConnectionConnecting {
		c.host = c.attempt.host
	}
	c.mu.Unlock()

	fields := logrus.Fields{"from": prev.String(), "to": state.String()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	if retryIn > 0 {
		fields["retry_in"] = retryIn
	}
	if state == ConnectionConnecting {
		fields["host"] = c.attempt.host
	}
	c.log.WithFields(fields).Info("Connection state changed")

	change := ConnectionStateChange{
		Previous: prev,
		Current:  state,
		Event:    connectionEventFor(state),
		Reason:   reason,
		RetryIn:  retryIn,
	}
	c.internal.emit(change.Event, change)
	c.emitter.emit(change.Event, change)
}

func (c *Connection) emitUpdate(reason *ErrorInfo) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	change := ConnectionStateChange{
		Previous: c.state,
		Current:  c.state,
		Event:    ConnectionEventUpdate,
		Reason:   reason,
	}
	c.emitter.emit(ConnectionEventUpdate, change)
}

func (c *Connection) handleConnectRequest() {
	switch c.state {
	case ConnectionConnecting, ConnectionConnected:
		return
	case ConnectionClosing:
		c.dropTransport()
		c.timers.cancel(timerClose)
		c.resetIdentity()
		c.startConnecting(c.hosts.preferredHost(), false)
	case ConnectionDisconnected, ConnectionSuspended:
		c.timers.cancel(timerRetry)
		c.startConnecting(c.nextHost, false)
	case ConnectionClosed, ConnectionFailed:
		c.resetIdentity()
		c.startConnecting(c.hosts.preferredHost(), false)
	default:
		c.startConnecting(c.hosts.preferredHost(), false)
	}
}

// startConnecting opens a new transport to host. The outcome arrives later as
// loop events tagged with the new epoch.
func (c *Connection) startConnecting(host string, forceRefresh bool) {
	c.timers.cancel(timerRetry)
	c.timers.cancel(timerIdle)
	c.timers.cancel(timerReauth)
	c.dropTransport()

	if host == "" {
		host = c.hosts.preferredHost()
	}

	var resume, recover *resumeCursor
	c.mu.RLock()
	if c.key != "" {
		resume = &resumeCursor{key: c.key, serial: c.serial}
	}
	c.mu.RUnlock()
	if resume == nil && c.recover != nil {
		recover = c.recover
	}

	c.attempt = attemptInfo{
		host:          host,
		fromSuspended: c.state == ConnectionSuspended || (c.state == ConnectionConnecting && c.attempt.fromSuspended),
		continuity:    resume != nil || recover != nil,
		resume:        resume != nil,
		forceRefresh:  forceRefresh,
	}

	c.epoch++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel

	c.setState(ConnectionConnecting, nil, 0)
	c.timers.arm(timerConnect, c.opts.RealtimeRequestTimeout, func() { c.onConnectTimeout(epoch) })

	go c.dial(ctx, epoch, c.attempt, resume, recover)
}

// dial runs off the loop: it obtains a credential and opens the transport.
func (c *Connection) dial(ctx context.Context, epoch uint64, attempt attemptInfo, resume, recover *resumeCursor) {
	var (
		cred    credential
		authErr *ErrorInfo
	)
	if attempt.forceRefresh {
		cred, authErr = c.auth.refresh(ctx)
	} else {
		cred, authErr = c.auth.ensureCredential(ctx, c.now())
	}
	if authErr != nil {
		c.loop.post(func() { c.onAuthFailure(epoch, authErr) })
		return
	}

	port := c.opts.TLSPort
	if c.opts.NoTLS {
		port = c.opts.Port
	}
	req := TransportRequest{
		Host:   attempt.host,
		Port:   port,
		TLS:    !c.opts.NoTLS,
		Params: connectParams(c.opts, cred, resume, recover),
	}
	sink := &transportSink{conn: c, epoch: epoch, ready: make(chan struct{})}
	t, err := c.factory.Open(ctx, req, sink)
	c.loop.post(func() { c.onTransportOpened(epoch, t, err) })
	close(sink.ready)
}

func (c *Connection) onTransportOpened(epoch uint64, t Transport, err error) {
	if epoch != c.epoch || c.state != ConnectionConnecting {
		if t != nil {
			go t.Close()
		}
		return
	}
	if err != nil {
		c.onConnectFailure(asErrorInfo(err))
		return
	}
	c.transport = t
}

func (c *Connection) onConnectTimeout(epoch uint64) {
	if epoch != c.epoch || c.state != ConnectionConnecting {
		return
	}
	c.onConnectFailure(newError(CodeTimeout, http.StatusGatewayTimeout, "timed out waiting for connection", nil))
}

func (c *Connection) onAuthFailure(epoch uint64, info *ErrorInfo) {
	if epoch != c.epoch || c.state != ConnectionConnecting {
		return
	}
	c.timers.cancel(timerConnect)
	if isPermanentAuthError(info) {
		c.fail(info)
		return
	}
	c.disconnect(info)
}

// onConnectFailure handles a failed attempt while connecting.
func (c *Connection) onConnectFailure(info *ErrorInfo) {
	c.timers.cancel(timerConnect)
	switch {
	case isTokenError(info):
		c.handleTokenError(info)
	case isPermanent(info):
		c.fail(info)
	default:
		c.disconnect(info)
	}
}

// handleTokenError refreshes the token and reconnects at once, or fails when
// the token cannot be renewed.
func (c *Connection) handleTokenError(info *ErrorInfo) {
	if !c.auth.renewable() {
		c.fail(newError(CodeTokenNotRenewable, http.StatusForbidden, "token rejected and no means to renew it", info))
		return
	}
	if c.tokenRefreshAttempts == 0 {
		c.tokenRefreshAttempts++
		c.log.WithField("code", info.Code).Info("Token rejected, renewing and reconnecting")
		c.startConnecting(c.attempt.host, true)
		return
	}
	c.disconnect(info)
}

// disconnect moves to disconnected (or back to suspended when the failed
// attempt started there) and schedules a retry.
func (c *Connection) disconnect(reason *ErrorInfo) {
	prev := c.state
	c.dropTransport()
	c.timers.cancel(timerConnect)
	c.timers.cancel(timerIdle)
	c.timers.cancel(timerReauth)
	now := c.now()
	// Each retry, disconnected or suspended, may renew the token once.
	c.tokenRefreshAttempts = 0

	if prev == ConnectionConnected {
		// A fresh cycle: start again from the preferred host and retry at once.
		c.disconnectedRetry.clear()
		c.disconnectedRetry.firstFailure = now
		c.disconnectedBackoff.reset()
		c.nextHost = c.hosts.preferredHost()
		c.setState(ConnectionDisconnected, reason, 0)
		c.scheduleRetry(0)
		return
	}

	if next, ok := c.hosts.fallback(c.attempt.host); ok {
		c.nextHost = next
	} else {
		c.nextHost = c.attempt.host
	}

	if c.attempt.fromSuspended {
		c.enterSuspended(reason)
		return
	}

	c.disconnectedRetry.record(now)
	if c.shouldSuspend(now) {
		c.enterSuspended(reason)
		return
	}
	delay := c.disconnectedBackoff.next()
	c.setState(ConnectionDisconnected, reason, delay)
	c.scheduleRetry(delay)
}

func (c *Connection) shouldSuspend(now time.Time) bool {
	r := c.disconnectedRetry
	if r.failures == 0 {
		return false
	}
	if c.opts.MaxDisconnectedRetries > 0 && r.failures >= c.opts.MaxDisconnectedRetries {
		return true
	}
	return !r.firstFailure.IsZero() && now.Sub(r.firstFailure) >= c.connectionStateTTL
}

func (c *Connection) enterSuspended(reason *ErrorInfo) {
	c.disconnectedRetry.clear()
	c.disconnectedBackoff.reset()
	if reason == nil {
		reason = newError(CodeSuspended, http.StatusServiceUnavailable, "connection suspended", nil)
	}
	// The resume window is gone: pending messages cannot be delivered.
	c.pending.failAll(reason)
	c.resetIdentity()
	c.nextHost = c.hosts.preferredHost()
	delay := c.suspendedBackoff.next()
	c.setState(ConnectionSuspended, reason, delay)
	c.scheduleRetry(delay)
}

func (c *Connection) scheduleRetry(delay time.Duration) {
	c.timers.arm(timerRetry, delay, func() {
		if c.state == ConnectionDisconnected || c.state == ConnectionSuspended {
			c.startConnecting(c.nextHost, false)
		}
	})
}

func (c *Connection) fail(reason *ErrorInfo) {
	c.dropTransport()
	c.cancelConnectionTimers()
	c.pending.failAll(reason)
	c.resetIdentity()
	c.recover = nil
	c.setState(ConnectionFailed, reason, 0)
}

func (c *Connection) handleCloseRequest() {
	switch c.state {
	case ConnectionClosing, ConnectionClosed:
		return
	case ConnectionInitialized, ConnectionFailed:
		c.cancelConnectionTimers()
		c.setState(ConnectionClosed, nil, 0)
	case ConnectionConnected:
		c.cancelConnectionTimers()
		c.setState(ConnectionClosing, nil, 0)
		if c.transport == nil {
			c.finishClose(nil)
			return
		}
		if err := c.transport.Send(&ProtocolMessage{Action: ActionClose}); err != nil {
			c.finishClose(nil)
			return
		}
		epoch := c.epoch
		c.timers.arm(timerClose, c.opts.RealtimeRequestTimeout, func() {
			if epoch == c.epoch && c.state == ConnectionClosing {
				c.finishClose(nil)
			}
		})
	default:
		c.cancelConnectionTimers()
		c.dropTransport()
		c.setState(ConnectionClosing, nil, 0)
		c.finishClose(nil)
	}
}

func (c *Connection) finishClose(reason *ErrorInfo) {
	c.dropTransport()
	c.cancelConnectionTimers()
	c.pending.failAll(newError(CodeConnectionClosed, http.StatusBadRequest, "connection closed", nil))
	c.resetIdentity()
	c.recover = nil
	c.setState(ConnectionClosed, reason, 0)
}

func (c *Connection) cancelConnectionTimers() {
	for _, name := range []string{timerRetry, timerIdle, timerConnect, timerClose, timerReauth} {
		c.timers.cancel(name)
	}
}

// dropTransport closes the active transport and cancels any dial in flight.
// Events from the dropped transport are discarded by epoch.
func (c *Connection) dropTransport() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.transport != nil {
		t := c.transport
		c.transport = nil
		go t.Close()
	}
	c.epoch++
	for id, ch := range c.pings {
		ch <- newError(CodeDisconnected, http.StatusServiceUnavailable, "transport dropped before heartbeat reply", nil)
		delete(c.pings, id)
	}
}

func (c *Connection) resetIdentity() {
	c.mu.Lock()
	c.id = ""
	c.key = ""
	c.serial = -1
	c.mu.Unlock()
	c.msgSerial = 0
}

// ---- inbound ----

// transportSink forwards transport events into the loop, tagged with the
// epoch of the attempt that opened the transport.
type transportSink struct {
	conn  *Connection
	epoch uint64
	ready chan struct{}
}

func (s *transportSink) OnMessage(msg *ProtocolMessage) {
	<-s.ready
	s.conn.loop.post(func() { s.conn.onProtocolMessage(s.epoch, msg) })
}

func (s *transportSink) OnClose(err error) {
	<-s.ready
	s.conn.loop.post(func() { s.conn.onTransportClosed(s.epoch, err) })
}

func (c *Connection) onTransportClosed(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	if err == nil {
		err = fmt.Errorf("transport closed by peer")
	}
	info := newTransportError(err)
	switch c.state {
	case ConnectionConnecting:
		c.onConnectFailure(info)
	case ConnectionConnected:
		c.disconnect(info)
	case ConnectionClosing:
		c.finishClose(nil)
	}
}

func (c *Connection) onProtocolMessage(epoch uint64, msg *ProtocolMessage) {
	if epoch != c.epoch {
		return
	}
	if c.state == ConnectionConnected {
		c.armIdle()
	}
	if msg.ConnectionSerial != nil && msg.Action != ActionConnected {
		c.mu.Lock()
		c.serial = *msg.ConnectionSerial
		c.mu.Unlock()
	}

	switch msg.Action {
	case ActionHeartbeat:
		if ch, ok := c.pings[msg.ID]; ok {
			ch <- nil
			delete(c.pings, msg.ID)
		}
	case ActionAck:
		if msg.MsgSerial != nil {
			c.pending.ack(*msg.MsgSerial, msg.Count, nil)
		}
	case ActionNack:
		if msg.MsgSerial != nil {
			reason := msg.Error
			if reason == nil {
				reason = newError(CodeInternal, http.StatusInternalServerError, "message rejected", nil)
			}
			c.pending.ack(*msg.MsgSerial, msg.Count, reason)
		}
	case ActionConnected:
		c.onConnected(msg)
	case ActionDisconnected:
		c.onServerDisconnected(msg.Error)
	case ActionClosed:
		c.finishClose(msg.Error)
	case ActionError:
		if msg.Channel != "" {
			c.route(msg)
			return
		}
		c.onServerError(msg.Error)
	case ActionAuth:
		c.startReauth()
	default:
		c.route(msg)
	}
}

func (c *Connection) route(msg *ProtocolMessage) {
	if c.router != nil {
		c.router(msg)
	}
}

func (c *Connection) onConnected(msg *ProtocolMessage) {
	details := msg.ConnectionDetails
	if details == nil {
		details = &ConnectionDetails{}
	}
	key := details.ConnectionKey
	if key == "" {
		key = msg.ConnectionKey
	}

	if c.state == ConnectionConnected {
		c.mu.Lock()
		c.id = msg.ConnectionID
		c.key = key
		c.mu.Unlock()
		c.applyDetails(details)
		c.armReauth()
		c.emitUpdate(msg.Error)
		return
	}
	if c.state != ConnectionConnecting {
		return
	}
	c.timers.cancel(timerConnect)

	prevID := c.ID()
	continued := c.attempt.continuity && msg.Error == nil &&
		(!c.attempt.resume || msg.ConnectionID == prevID)

	reason := msg.Error
	if !continued {
		if c.attempt.continuity && reason == nil {
			reason = newError(CodeUnableToResume, http.StatusBadRequest, "unable to resume connection", nil)
		}
		if c.pending.len() > 0 {
			failure := reason
			if failure == nil {
				failure = newError(CodeUnableToResume, http.StatusBadRequest, "connection state lost", nil)
			}
			c.pending.failAll(failure)
		}
		c.msgSerial = 0
	}

	c.mu.Lock()
	c.id = msg.ConnectionID
	c.key = key
	switch {
	case msg.ConnectionSerial != nil:
		c.serial = *msg.ConnectionSerial
	case !continued:
		c.serial = -1
	}
	c.mu.Unlock()

	c.recover = nil
	c.disconnectedRetry.clear()
	c.disconnectedBackoff.reset()
	c.suspendedBackoff.reset()
	c.tokenRefreshAttempts = 0
	c.hosts.setPreferredHost(c.attempt.host, true)
	c.applyDetails(details)

	if continued {
		for _, pm := range c.pending.messages() {
			if err := c.transport.Send(pm); err != nil {
				epoch := c.epoch
				c.loop.post(func() { c.onTransportClosed(epoch, err) })
				break
			}
		}
	}

	c.setState(ConnectionConnected, reason, 0)
	if c.state == ConnectionConnected {
		c.armIdle()
		c.armReauth()
	}
}

func (c *Connection) applyDetails(details *ConnectionDetails) {
	if details.MaxIdleInterval > 0 {
		c.maxIdle = time.Duration(details.MaxIdleInterval) * time.Millisecond
	}
	if details.ConnectionStateTTL > 0 {
		c.connectionStateTTL = time.Duration(details.ConnectionStateTTL) * time.Millisecond
	}
}

func (c *Connection) onServerDisconnected(reason *ErrorInfo) {
	switch c.state {
	case ConnectionConnecting:
		if reason == nil {
			reason = newError(CodeDisconnected, http.StatusServiceUnavailable, "disconnected by service", nil)
		}
		c.onConnectFailure(reason)
	case ConnectionConnected:
		switch {
		case isTokenError(reason):
			c.handleTokenError(reason)
		case isPermanent(reason):
			c.fail(reason)
		default:
			c.disconnect(reason)
		}
	}
}

func (c *Connection) onServerError(reason *ErrorInfo) {
	if reason == nil {
		reason = newError(CodeInternal, http.StatusInternalServerError, "unspecified service error", nil)
	}
	switch c.state {
	case ConnectionConnecting:
		c.onConnectFailure(reason)
	case ConnectionConnected:
		switch {
		case isTokenError(reason):
			c.handleTokenError(reason)
		case isPermanent(reason):
			c.fail(reason)
		default:
			c.disconnect(reason)
		}
	case ConnectionClosing:
		c.finishClose(reason)
	}
}

// armIdle (re)starts the timer that declares the transport dead when the
// service has been silent for longer than its advertised idle interval.
func (c *Connection) armIdle() {
	epoch := c.epoch
	c.timers.arm(timerIdle, c.maxIdle+c.opts.RealtimeRequestTimeout, func() {
		if epoch != c.epoch || c.state != ConnectionConnected {
			return
		}
		c.log.Warn("No activity from service, disconnecting")
		c.disconnect(newError(CodeDisconnected, http.StatusRequestTimeout, "no activity from service within idle interval", nil))
	})
}

// armReauth schedules an in-place token renewal shortly before expiry.
func (c *Connection) armReauth() {
	if !c.auth.usesToken() || !c.auth.renewable() {
		return
	}
	expires := c.auth.currentCredential().expires
	if expires.IsZero() {
		return
	}
	delay := expires.Sub(c.now()) - DefaultTokenRenewBefore
	if delay < 0 {
		delay = 0
	}
	c.timers.arm(timerReauth, delay, c.startReauth)
}

// startReauth renews the token off the loop, then sends it on the existing
// transport.
func (c *Connection) startReauth() {
	if c.reauthInFlight || c.state != ConnectionConnected {
		return
	}
	c.reauthInFlight = true
	epoch := c.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RealtimeRequestTimeout)
		defer cancel()
		cred, err := c.auth.refresh(ctx)
		c.loop.post(func() { c.onReauthRefreshed(epoch, cred, err) })
	}()
}

func (c *Connection) onReauthRefreshed(epoch uint64, cred credential, err *ErrorInfo) {
	c.reauthInFlight = false
	if epoch != c.epoch || c.state != ConnectionConnected {
		return
	}
	if err != nil {
		if isPermanentAuthError(err) {
			c.fail(err)
			return
		}
		c.emitUpdate(err)
		return
	}
	c.sendAuth(cred.token)
}

func (c *Connection) sendAuth(token string) {
	if c.transport == nil {
		return
	}
	if err := c.transport.Send(&ProtocolMessage{Action: ActionAuth, Auth: &AuthDetails{AccessToken: token}}); err != nil {
		epoch := c.epoch
		c.loop.post(func() { c.onTransportClosed(epoch, err) })
		return
	}
	c.armReauth()
}

// reauthorize is called by Auth.Authorize after a token was obtained. When
// connected the token is sent in place; otherwise the next attempt uses it.
func (c *Connection) reauthorize(ctx context.Context) error {
	done := make(chan error, 1)
	c.loop.post(func() {
		switch c.state {
		case ConnectionConnected:
			c.sendAuth(c.auth.currentCredential().token)
			done <- nil
		case ConnectionFailed, ConnectionClosed, ConnectionClosing:
			done <- newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot authorize while "+c.state.String(), nil)
		default:
			done <- nil
		}
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
