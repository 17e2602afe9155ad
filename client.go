package realtime

import (
	"sync"
)

// Client is the main entry point: it owns one Connection, the channel
// registry on top of it and the credential coordinator.
type Client struct {
	opts ClientOptions
	auth *Auth
	conn *Connection

	// Channels is the registry of channels on this client's connection.
	Channels *Channels

	mu     sync.Mutex
	closed bool
}

// NewClient validates opts and builds a client. Unless opts.NoConnect is set
// the connection starts connecting immediately; NewClient never blocks on
// the network.
func NewClient(opts ClientOptions, options ...Option) (*Client, error) {
	resolved, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	settings := settingsDefaults()
	for _, opt := range options {
		opt(&settings)
	}
	rnd := newLockedRand(settings.seed)

	auth := newAuth(resolved, settings.logger)
	conn := newConnection(resolved, auth, settings, rnd)
	auth.conn = conn

	channels := newChannels(conn, channelEnv{
		timers:         conn.timers,
		log:            settings.logger.WithField("component", "channel"),
		requestTimeout: resolved.RealtimeRequestTimeout,
		retryTimeout:   resolved.ChannelRetryTimeout,
		rnd:            rnd,
	})
	conn.router = channels.route

	c := &Client{
		opts:     resolved,
		auth:     auth,
		conn:     conn,
		Channels: channels,
	}
	if !resolved.NoConnect {
		conn.Connect()
	}
	return c, nil
}

// Connection returns the client's connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Auth returns the credential coordinator.
func (c *Client) Auth() *Auth {
	return c.auth
}

// Channel is shorthand for c.Channels.Get(name).
func (c *Client) Channel(name string) *Channel {
	return c.Channels.Get(name)
}

// Connect starts connecting; see Connection.Connect.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.conn.Connect()
	return nil
}

// Close closes the connection. The client cannot be reconnected afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.Close()
	return nil
}
