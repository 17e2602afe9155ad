package realtime

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// channelEnv is what a Channel shares with its siblings.
type channelEnv struct {
	timers         *timerArena
	log            logrus.FieldLogger
	requestTimeout time.Duration
	retryTimeout   time.Duration
	rnd            *lockedRand
}

type queuedPublish struct {
	msg *ProtocolMessage
	cb  ackCallback
}

// Channel is a named stream multiplexed over the connection. Like the
// connection, its transitions run on the shared event loop; State,
// ErrorReason and AttachSerial are safe for concurrent use.
type Channel struct {
	name    string
	conn    connectionHandle
	env     channelEnv
	log     logrus.FieldLogger
	emitter *eventEmitter[ChannelEvent, ChannelStateChange]
	msgs    *eventEmitter[string, *Message]
	pres    *eventEmitter[Action, *ProtocolMessage]

	// Owned by the event loop.
	queue         []queuedPublish
	attachWaiters []ackCallback
	detachWaiters []ackCallback
	retry         *backoff
	released      bool

	mu           sync.RWMutex
	state        ChannelState
	reason       *ErrorInfo
	attachSerial string
}

func newChannel(name string, conn connectionHandle, env channelEnv) *Channel {
	return &Channel{
		name:    name,
		conn:    conn,
		env:     env,
		log:     env.log.WithField("channel", name),
		emitter: newEventEmitter[ChannelEvent, ChannelStateChange](),
		msgs:    newEventEmitter[string, *Message](),
		pres:    newEventEmitter[Action, *ProtocolMessage](),
		retry:   newBackoff(env.retryTimeout, env.rnd),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrorReason returns the reason attached to the last state change.
func (c *Channel) ErrorReason() *ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

// AttachSerial returns the channel serial from the last ATTACHED.
func (c *Channel) AttachSerial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attachSerial
}

// On registers fn for one channel event.
func (c *Channel) On(event ChannelEvent, fn func(ChannelStateChange)) func() {
	return c.emitter.on(event, fn, false)
}

// Once registers fn for the next occurrence of event.
func (c *Channel) Once(event ChannelEvent, fn func(ChannelStateChange)) func() {
	return c.emitter.on(event, fn, true)
}

// OnAll registers fn for every channel event.
func (c *Channel) OnAll(fn func(ChannelStateChange)) func() {
	return c.emitter.onAll(fn, false)
}

// Subscribe registers fn for every message on the channel and attaches the
// channel if it is not attached yet. The returned function unsubscribes.
func (c *Channel) Subscribe(fn func(*Message)) func() {
	off := c.msgs.onAll(fn, false)
	c.implicitAttach()
	return off
}

// SubscribeName registers fn for messages with the given name.
func (c *Channel) SubscribeName(name string, fn func(*Message)) func() {
	off := c.msgs.on(name, fn, false)
	c.implicitAttach()
	return off
}

// OnPresence registers fn for PRESENCE and SYNC protocol messages. Presence
// payloads are passed through undecoded.
func (c *Channel) OnPresence(fn func(*ProtocolMessage)) func() {
	offPresence := c.pres.on(ActionPresence, fn, false)
	offSync := c.pres.on(ActionSync, fn, false)
	return func() {
		offPresence()
		offSync()
	}
}

func (c *Channel) implicitAttach() {
	c.conn.post(func() {
		if c.state == ChannelInitialized || c.state == ChannelDetached {
			c.attach(nil)
		}
	})
}

// Attach attaches the channel and waits for the outcome.
func (c *Channel) Attach(ctx context.Context) error {
	done := make(chan error, 1)
	c.AttachAsync(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachAsync attaches the channel; cb, if non-nil, runs on the event loop
// with the outcome.
func (c *Channel) AttachAsync(cb func(error)) {
	c.conn.post(func() { c.attach(cb) })
}

// Detach detaches the channel and waits for the outcome.
func (c *Channel) Detach(ctx context.Context) error {
	done := make(chan error, 1)
	c.DetachAsync(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetachAsync detaches the channel; cb, if non-nil, runs on the event loop.
func (c *Channel) DetachAsync(cb func(error)) {
	c.conn.post(func() { c.detach(cb) })
}

// Publish publishes one message and waits for the service to acknowledge it.
func (c *Channel) Publish(ctx context.Context, name string, data any) error {
	msg, err := NewMessage(name, data)
	if err != nil {
		return err
	}
	return c.PublishMessages(ctx, msg)
}

// PublishMessages publishes a batch in one protocol message and waits for
// the acknowledgement.
func (c *Channel) PublishMessages(ctx context.Context, msgs ...*Message) error {
	done := make(chan error, 1)
	if err := c.publishMessages(msgs, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync publishes one message. It returns an error at once when the
// channel is suspended or failed; otherwise onAck, if non-nil, runs on the
// event loop with the acknowledgement outcome.
func (c *Channel) PublishAsync(name string, data any, onAck func(error)) error {
	msg, err := NewMessage(name, data)
	if err != nil {
		return err
	}
	return c.publishMessages([]*Message{msg}, onAck)
}

func (c *Channel) publishMessages(msgs []*Message, onAck func(error)) error {
	c.mu.RLock()
	state, reason := c.state, c.reason
	c.mu.RUnlock()
	if state == ChannelSuspended || state == ChannelFailed {
		return newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot publish on "+state.String()+" channel", reason)
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = generateID()
		}
	}
	pm := &ProtocolMessage{Action: ActionMessage, Channel: c.name, Messages: msgs}
	c.conn.post(func() { c.publish(pm, onAck) })
	return nil
}

// ---- loop-side transitions ----

func (c *Channel) timerName(prefix string) string {
	return prefix + c.name
}

func (c *Channel) setState(state ChannelState, reason *ErrorInfo, resumed bool) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.reason = reason
	c.mu.Unlock()

	if state != ChannelSuspended {
		c.env.timers.cancel(c.timerName(timerChannelRetry))
	}
	if state != ChannelAttaching {
		c.env.timers.cancel(c.timerName(timerChannelAttach))
	}
	if state != ChannelDetaching {
		c.env.timers.cancel(c.timerName(timerChannelDetach))
	}

	fields := logrus.Fields{"from": prev.String(), "to": state.String()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	c.log.WithFields(fields).Debug("Channel state changed")

	c.emitter.emit(channelEventFor(state), ChannelStateChange{
		Previous: prev,
		Current:  state,
		Event:    channelEventFor(state),
		Reason:   reason,
		Resumed:  resumed,
	})
}

func (c *Channel) emitUpdate(reason *ErrorInfo, resumed bool) {
	c.mu.Lock()
	c.reason = reason
	state := c.state
	c.mu.Unlock()
	c.emitter.emit(ChannelEventUpdate, ChannelStateChange{
		Previous: state,
		Current:  state,
		Event:    ChannelEventUpdate,
		Reason:   reason,
		Resumed:  resumed,
	})
}

func connectionBlocksAttach(s ConnectionState) bool {
	switch s {
	case ConnectionClosing, ConnectionClosed, ConnectionFailed, ConnectionSuspended:
		return true
	}
	return false
}

func (c *Channel) attach(cb ackCallback) {
	if c.released {
		if cb != nil {
			cb(ErrChannelReleased)
		}
		return
	}
	if c.state == ChannelAttached {
		if cb != nil {
			cb(nil)
		}
		return
	}
	connState := c.conn.currentState()
	if connectionBlocksAttach(connState) {
		if cb != nil {
			cb(newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot attach while connection is "+connState.String(), c.conn.currentReason()))
		}
		return
	}
	if cb != nil {
		c.attachWaiters = append(c.attachWaiters, cb)
	}
	if c.state == ChannelAttaching && c.env.timers.armed(c.timerName(timerChannelAttach)) {
		return
	}
	if c.state == ChannelDetaching {
		c.resolveDetach(newError(CodeChannelInvalidState, http.StatusBadRequest, "detach superseded by attach", nil))
	}
	if c.state != ChannelAttaching {
		c.setState(ChannelAttaching, nil, false)
	}
	if connState == ConnectionConnected {
		c.sendAttach()
	}
}

// sendAttach sends ATTACH and arms the attach timeout. Only valid while
// attaching and connected.
func (c *Channel) sendAttach() {
	c.conn.send(&ProtocolMessage{Action: ActionAttach, Channel: c.name}, nil)
	c.env.timers.arm(c.timerName(timerChannelAttach), c.env.requestTimeout, func() {
		if c.state != ChannelAttaching {
			return
		}
		c.suspendAndRetry(newError(CodeAttachTimeout, http.StatusRequestTimeout, "timed out attaching channel", nil))
	})
}

// suspendAndRetry moves to suspended and schedules a reattach if the
// connection is still usable.
func (c *Channel) suspendAndRetry(reason *ErrorInfo) {
	c.resolveAttach(reason)
	c.setState(ChannelSuspended, reason, false)
	delay := c.retry.next()
	c.env.timers.arm(c.timerName(timerChannelRetry), delay, func() {
		if c.state != ChannelSuspended || c.conn.currentState() != ConnectionConnected {
			return
		}
		c.setState(ChannelAttaching, nil, false)
		c.sendAttach()
	})
}

func (c *Channel) resolveAttach(err error) {
	waiters := c.attachWaiters
	c.attachWaiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

func (c *Channel) resolveDetach(err error) {
	waiters := c.detachWaiters
	c.detachWaiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

func (c *Channel) failQueue(err error) {
	queue := c.queue
	c.queue = nil
	for _, q := range queue {
		if q.cb != nil {
			q.cb(err)
		}
	}
}

func (c *Channel) flushQueue() {
	queue := c.queue
	c.queue = nil
	for _, q := range queue {
		c.conn.send(q.msg, q.cb)
	}
}

func (c *Channel) detach(cb ackCallback) {
	done := func(err error) {
		if cb != nil {
			cb(err)
		}
	}
	switch c.state {
	case ChannelInitialized, ChannelDetached:
		done(nil)
	case ChannelFailed:
		done(newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot detach a failed channel", c.ErrorReason()))
	case ChannelDetaching:
		if cb != nil {
			c.detachWaiters = append(c.detachWaiters, cb)
		}
	case ChannelSuspended:
		c.failQueue(newError(CodeChannelDetached, http.StatusBadRequest, "channel detached", nil))
		c.setState(ChannelDetached, nil, false)
		done(nil)
	default: // attaching, attached
		detached := newError(CodeChannelDetached, http.StatusBadRequest, "channel detached", nil)
		c.resolveAttach(detached)
		c.failQueue(detached)
		if c.conn.currentState() != ConnectionConnected {
			c.setState(ChannelDetached, nil, false)
			done(nil)
			return
		}
		prev := c.state
		if cb != nil {
			c.detachWaiters = append(c.detachWaiters, cb)
		}
		c.setState(ChannelDetaching, nil, false)
		c.conn.send(&ProtocolMessage{Action: ActionDetach, Channel: c.name}, nil)
		c.env.timers.arm(c.timerName(timerChannelDetach), c.env.requestTimeout, func() {
			if c.state != ChannelDetaching {
				return
			}
			reason := newError(CodeDetachTimeout, http.StatusRequestTimeout, "timed out detaching channel", nil)
			c.setState(prev, reason, false)
			c.resolveDetach(reason)
		})
	}
}

func (c *Channel) publish(pm *ProtocolMessage, cb ackCallback) {
	if c.released {
		if cb != nil {
			cb(ErrChannelReleased)
		}
		return
	}
	switch c.state {
	case ChannelAttached:
		c.conn.send(pm, cb)
	case ChannelInitialized, ChannelDetached, ChannelAttaching:
		if connState := c.conn.currentState(); connectionBlocksAttach(connState) {
			if cb != nil {
				cb(newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot publish while connection is "+connState.String(), c.conn.currentReason()))
			}
			return
		}
		if c.state != ChannelAttaching {
			c.attach(nil)
		}
		c.queue = append(c.queue, queuedPublish{msg: pm, cb: cb})
	default:
		if cb != nil {
			cb(newError(CodeChannelInvalidState, http.StatusBadRequest, "cannot publish on "+c.state.String()+" channel", c.ErrorReason()))
		}
	}
}

// ---- inbound ----

func (c *Channel) onProtocolMessage(msg *ProtocolMessage) {
	switch msg.Action {
	case ActionAttached:
		c.onAttached(msg)
	case ActionDetached:
		c.onDetached(msg)
	case ActionError:
		c.onError(msg.Error)
	case ActionMessage:
		c.onMessage(msg)
	case ActionPresence, ActionSync:
		if c.state == ChannelAttached {
			c.pres.emit(msg.Action, msg)
		}
	}
}

func (c *Channel) onAttached(msg *ProtocolMessage) {
	resumed := msg.hasFlag(FlagResumed)
	switch c.state {
	case ChannelAttaching:
		c.mu.Lock()
		c.attachSerial = msg.ChannelSerial
		c.mu.Unlock()
		c.retry.reset()
		c.setState(ChannelAttached, msg.Error, resumed)
		c.resolveAttach(nil)
		c.flushQueue()
	case ChannelAttached:
		c.mu.Lock()
		c.attachSerial = msg.ChannelSerial
		c.mu.Unlock()
		if msg.Error != nil || !resumed {
			c.emitUpdate(msg.Error, resumed)
		}
	}
}

func (c *Channel) onDetached(msg *ProtocolMessage) {
	switch c.state {
	case ChannelDetaching:
		c.setState(ChannelDetached, msg.Error, false)
		c.resolveDetach(nil)
	case ChannelAttached:
		reason := msg.Error
		if reason == nil {
			reason = newError(CodeChannelDetached, http.StatusBadRequest, "channel detached by service", nil)
		}
		c.failQueue(reason)
		c.setState(ChannelDetached, reason, false)
	case ChannelAttaching:
		reason := msg.Error
		if reason == nil {
			reason = newError(CodeChannelDetached, http.StatusBadRequest, "attach refused", nil)
		}
		c.suspendAndRetry(reason)
	}
}

func (c *Channel) onError(reason *ErrorInfo) {
	if reason == nil {
		reason = newError(CodeChannelFailed, http.StatusInternalServerError, "channel error", nil)
	}
	c.fail(reason)
}

func (c *Channel) fail(reason *ErrorInfo) {
	c.resolveAttach(reason)
	c.resolveDetach(reason)
	c.failQueue(reason)
	c.setState(ChannelFailed, reason, false)
}

func (c *Channel) onMessage(msg *ProtocolMessage) {
	if c.state != ChannelAttached {
		return
	}
	for i, m := range msg.Messages {
		if m.ID == "" && msg.ID != "" {
			m.ID = msg.ID + ":" + strconv.Itoa(i)
		}
		if m.ConnectionID == "" {
			m.ConnectionID = msg.ConnectionID
		}
		if m.Timestamp == 0 {
			m.Timestamp = msg.Timestamp
		}
		c.msgs.emit(m.Name, m)
	}
}

// onConnectionStateChange applies the connection's transitions to this
// channel. It runs on the loop, before public connection listeners.
func (c *Channel) onConnectionStateChange(change ConnectionStateChange) {
	switch change.Current {
	case ConnectionConnected:
		switch c.state {
		case ChannelAttaching, ChannelSuspended:
			if c.state != ChannelAttaching {
				c.setState(ChannelAttaching, nil, false)
			}
			c.sendAttach()
		}
	case ConnectionConnecting, ConnectionDisconnected:
		if change.Previous != ConnectionConnected {
			return
		}
		reason := change.Reason
		if reason == nil {
			reason = newError(CodeDisconnected, http.StatusServiceUnavailable, "connection lost", nil)
		}
		switch c.state {
		case ChannelAttached, ChannelAttaching:
			// Queued publishes survive until the channel reattaches.
			c.resolveAttach(reason)
			c.setState(ChannelSuspended, reason, false)
		case ChannelDetaching:
			c.resolveDetach(nil)
			c.setState(ChannelDetached, nil, false)
		}
	case ConnectionSuspended:
		reason := change.Reason
		if reason == nil {
			reason = newError(CodeSuspended, http.StatusServiceUnavailable, "connection suspended", nil)
		}
		switch c.state {
		case ChannelAttached, ChannelAttaching, ChannelSuspended:
			c.resolveAttach(reason)
			c.failQueue(reason)
			if c.state != ChannelSuspended {
				c.setState(ChannelSuspended, reason, false)
			}
		case ChannelDetaching:
			c.resolveDetach(nil)
			c.setState(ChannelDetached, nil, false)
		}
	case ConnectionFailed:
		reason := change.Reason
		if reason == nil {
			reason = newError(CodeConnectionFailed, http.StatusInternalServerError, "connection failed", nil)
		}
		switch c.state {
		case ChannelAttached, ChannelAttaching, ChannelSuspended, ChannelDetaching:
			c.fail(reason)
		}
	case ConnectionClosing, ConnectionClosed:
		closed := newError(CodeConnectionClosed, http.StatusBadRequest, "connection closed", nil)
		switch c.state {
		case ChannelAttached, ChannelAttaching, ChannelSuspended, ChannelDetaching:
			c.resolveAttach(closed)
			c.resolveDetach(nil)
			c.failQueue(closed)
			c.setState(ChannelDetached, nil, false)
		}
	}
}

// release detaches without waiting and drops all listeners.
func (c *Channel) release() {
	c.released = true
	c.failQueue(ErrChannelReleased)
	c.resolveAttach(ErrChannelReleased)
	if (c.state == ChannelAttached || c.state == ChannelAttaching) && c.conn.currentState() == ConnectionConnected {
		c.conn.send(&ProtocolMessage{Action: ActionDetach, Channel: c.name}, nil)
	}
	c.env.timers.cancel(c.timerName(timerChannelRetry))
	c.env.timers.cancel(c.timerName(timerChannelAttach))
	c.env.timers.cancel(c.timerName(timerChannelDetach))
	if c.state != ChannelInitialized && c.state != ChannelDetached && c.state != ChannelFailed {
		c.setState(ChannelDetached, nil, false)
	}
	c.resolveDetach(nil)
	c.emitter.offAll()
	c.msgs.offAll()
	c.pres.offAll()
}
