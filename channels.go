package realtime

import (
	"sort"
	"sync"
)

// Channels is the registry of channels on one connection. Get creates a
// channel on first use; the same name always yields the same *Channel until
// it is released.
type Channels struct {
	conn connectionHandle
	env  channelEnv

	mu    sync.Mutex
	chans map[string]*Channel
}

func newChannels(conn connectionHandle, env channelEnv) *Channels {
	cs := &Channels{
		conn:  conn,
		env:   env,
		chans: make(map[string]*Channel),
	}
	conn.subscribeState(cs.onConnectionStateChange)
	return cs
}

// Get returns the named channel, creating it in the initialized state.
func (cs *Channels) Get(name string) *Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ch, ok := cs.chans[name]; ok {
		return ch
	}
	ch := newChannel(name, cs.conn, cs.env)
	cs.chans[name] = ch
	return ch
}

// Exists reports whether name has been created and not released.
func (cs *Channels) Exists(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.chans[name]
	return ok
}

// Names returns the names of all live channels, sorted.
func (cs *Channels) Names() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	names := make([]string, 0, len(cs.chans))
	for name := range cs.chans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Release detaches the channel without waiting, drops its listeners and
// removes it from the registry. Pending publishes on it fail with
// ErrChannelReleased.
func (cs *Channels) Release(name string) {
	cs.mu.Lock()
	ch, ok := cs.chans[name]
	delete(cs.chans, name)
	cs.mu.Unlock()
	if !ok {
		return
	}
	cs.conn.post(ch.release)
}

func (cs *Channels) snapshot() []*Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Channel, 0, len(cs.chans))
	for _, ch := range cs.chans {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// route delivers an inbound channel-scoped message. Runs on the loop.
func (cs *Channels) route(msg *ProtocolMessage) {
	cs.mu.Lock()
	ch, ok := cs.chans[msg.Channel]
	cs.mu.Unlock()
	if !ok {
		cs.env.log.WithField("channel", msg.Channel).
			WithField("action", msg.Action.String()).
			Debug("Dropping message for unknown channel")
		return
	}
	ch.onProtocolMessage(msg)
}

func (cs *Channels) onConnectionStateChange(change ConnectionStateChange) {
	for _, ch := range cs.snapshot() {
		ch.onConnectionStateChange(change)
	}
}
