// Integration test against a live realtime service.
//
// Prerequisites:
//   - LAYR8_REALTIME_KEY set to a key with publish and subscribe rights
//   - LAYR8_REALTIME_HOST or LAYR8_REALTIME_ENVIRONMENT pointing at the
//     service under test (defaults to production)
//
// Usage:
//
//	go run ./cmd/integration-test
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	realtime "github.com/layr8/realtime-go"
)

type EchoRequest struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func newClient(clientID string) *realtime.Client {
	client, err := realtime.NewClient(realtime.ClientOptions{ClientID: clientID})
	if err != nil {
		log.Fatalf("  FAIL: NewClient(%s): %v", clientID, err)
	}
	return client
}

func waitState(conn *realtime.Connection, want realtime.ConnectionState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	passed := 0
	failed := 0
	check := func(ok bool, format string, args ...any) {
		if ok {
			fmt.Printf("  PASS: "+format+"\n", args...)
			passed++
		} else {
			fmt.Printf("  FAIL: "+format+"\n", args...)
			failed++
		}
	}

	fmt.Println("=== Realtime Go Client Integration Test ===")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	channelName := "integration:" + uuid.NewString()

	// --- Test 1: Connect two clients ---
	fmt.Println("[Test 1] Connect alice and bob...")
	alice := newClient("alice")
	defer alice.Close()
	bob := newClient("bob")
	defer bob.Close()
	ok := waitState(alice.Connection(), realtime.ConnectionConnected, 15*time.Second) &&
		waitState(bob.Connection(), realtime.ConnectionConnected, 15*time.Second)
	check(ok, "alice=%s via %s, bob=%s via %s",
		alice.Connection().State(), alice.Connection().Host(),
		bob.Connection().State(), bob.Connection().Host())
	if !ok {
		os.Exit(1)
	}

	// --- Test 2: Recovery key format ---
	fmt.Println("[Test 2] RecoveryKey is key:serial...")
	key := alice.Connection().RecoveryKey()
	check(strings.Contains(key, ":") && strings.HasPrefix(key, alice.Connection().Key()), "recovery key %q", key)

	// --- Test 3: Attach ---
	fmt.Println("[Test 3] Attach both clients to", channelName)
	received := make(chan *realtime.Message, 1)
	bobChannel := bob.Channel(channelName)
	bobChannel.SubscribeName("echo", func(m *realtime.Message) {
		select {
		case received <- m:
		default:
		}
	})
	aliceChannel := alice.Channel(channelName)
	errA := aliceChannel.Attach(ctx)
	errB := bobChannel.Attach(ctx)
	check(errA == nil && errB == nil, "alice=%v bob=%v", errA, errB)

	// --- Test 4: Publish and receive ---
	fmt.Println("[Test 4] Alice publishes, bob receives...")
	sent := EchoRequest{Message: "Hello from alice!", Timestamp: time.Now().UnixNano()}
	if err := aliceChannel.Publish(ctx, "echo", sent); err != nil {
		check(false, "publish: %v", err)
	} else {
		select {
		case m := <-received:
			var got EchoRequest
			err := m.UnmarshalData(&got)
			check(err == nil && got == sent, "got %+v from connection %s", got, m.ConnectionID)
		case <-time.After(10 * time.Second):
			check(false, "no message within 10s")
		}
	}

	// --- Test 5: Ping ---
	fmt.Println("[Test 5] Heartbeat round trip...")
	rtt, err := alice.Connection().Ping(ctx)
	check(err == nil, "rtt=%s err=%v", rtt, err)

	// --- Test 6: Detach ---
	fmt.Println("[Test 6] Bob detaches...")
	err = bobChannel.Detach(ctx)
	check(err == nil && bobChannel.State() == realtime.ChannelDetached, "state=%s err=%v", bobChannel.State(), err)

	// --- Test 7: Close ---
	fmt.Println("[Test 7] Close is clean and final...")
	alice.Close()
	ok = waitState(alice.Connection(), realtime.ConnectionClosed, 15*time.Second)
	check(ok && alice.Connect() == realtime.ErrClientClosed, "state=%s", alice.Connection().State())

	// --- Summary ---
	fmt.Println()
	fmt.Println("=== Results ===")
	fmt.Printf("  Passed: %d\n", passed)
	fmt.Printf("  Failed: %d\n", failed)

	if failed > 0 {
		os.Exit(1)
	}
}
