package realtime

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	ConnectionInitialized ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionSuspended
	ConnectionClosing
	ConnectionClosed
	ConnectionFailed
)

var connectionStateNames = [...]string{
	ConnectionInitialized:  "initialized",
	ConnectionConnecting:   "connecting",
	ConnectionConnected:    "connected",
	ConnectionDisconnected: "disconnected",
	ConnectionSuspended:    "suspended",
	ConnectionClosing:      "closing",
	ConnectionClosed:       "closed",
	ConnectionFailed:       "failed",
}

func (s ConnectionState) String() string {
	if int(s) >= 0 && int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return fmt.Sprintf("ConnectionState(%d)", s)
}

// ConnectionEvent is emitted to connection listeners. Every state has a
// matching event; ConnectionEventUpdate is emitted without a state change.
type ConnectionEvent int

const (
	ConnectionEventInitialized ConnectionEvent = iota
	ConnectionEventConnecting
	ConnectionEventConnected
	ConnectionEventDisconnected
	ConnectionEventSuspended
	ConnectionEventClosing
	ConnectionEventClosed
	ConnectionEventFailed
	ConnectionEventUpdate
)

func (e ConnectionEvent) String() string {
	if e == ConnectionEventUpdate {
		return "update"
	}
	return ConnectionState(e).String()
}

func connectionEventFor(s ConnectionState) ConnectionEvent {
	return ConnectionEvent(s)
}

// ConnectionStateChange describes one emitted connection event.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Event    ConnectionEvent
	Reason   *ErrorInfo
	RetryIn  time.Duration
}

// ChannelState is the lifecycle state of a Channel.
type ChannelState int

const (
	ChannelInitialized ChannelState = iota
	ChannelAttaching
	ChannelAttached
	ChannelDetaching
	ChannelDetached
	ChannelSuspended
	ChannelFailed
)

var channelStateNames = [...]string{
	ChannelInitialized: "initialized",
	ChannelAttaching:   "attaching",
	ChannelAttached:    "attached",
	ChannelDetaching:   "detaching",
	ChannelDetached:    "detached",
	ChannelSuspended:   "suspended",
	ChannelFailed:      "failed",
}

func (s ChannelState) String() string {
	if int(s) >= 0 && int(s) < len(channelStateNames) {
		return channelStateNames[s]
	}
	return fmt.Sprintf("ChannelState(%d)", s)
}

// ChannelEvent is emitted to channel listeners.
type ChannelEvent int

const (
	ChannelEventInitialized ChannelEvent = iota
	ChannelEventAttaching
	ChannelEventAttached
	ChannelEventDetaching
	ChannelEventDetached
	ChannelEventSuspended
	ChannelEventFailed
	ChannelEventUpdate
)

func (e ChannelEvent) String() string {
	if e == ChannelEventUpdate {
		return "update"
	}
	return ChannelState(e).String()
}

func channelEventFor(s ChannelState) ChannelEvent {
	return ChannelEvent(s)
}

// ChannelStateChange describes one emitted channel event.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Event    ChannelEvent
	Reason   *ErrorInfo
	Resumed  bool
}
