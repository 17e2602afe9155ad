// Package realtime is a client for the Layr8 realtime messaging service.
//
// A Client holds one long-lived Connection that multiplexes any number of
// named Channels. The connection keeps itself alive across network failures:
// it retries with jittered backoff, moves through a list of fallback hosts,
// resumes the previous connection when the service still remembers it, and
// falls back to the slower suspended retry cycle once the resume window has
// passed. Channels follow the connection, suspending while it is away and
// reattaching when it comes back, with publishes queued in between.
//
// Basic usage:
//
//	client, err := realtime.NewClient(realtime.ClientOptions{
//	    Key: os.Getenv("LAYR8_REALTIME_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Connection().On(realtime.ConnectionEventFailed, func(c realtime.ConnectionStateChange) {
//	    log.Printf("connection failed: %v", c.Reason)
//	})
//
//	ch := client.Channel("orders")
//	ch.Subscribe(func(m *realtime.Message) {
//	    log.Printf("%s: %s", m.Name, m.Data)
//	})
//	if err := ch.Publish(ctx, "created", map[string]string{"id": "42"}); err != nil {
//	    log.Fatal(err)
//	}
//
// State listeners run on the client's event loop, in the order transitions
// happen. They must not block; use the Async variants of channel operations
// from inside a listener.
package realtime
