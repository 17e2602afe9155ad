package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_RunsInPostingOrder(t *testing.T) {
	loop := &eventLoop{}
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		n := i
		loop.post(func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}
	loop.call(func() {})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestEventLoop_NestedPostRunsAfterCurrent(t *testing.T) {
	loop := &eventLoop{}
	var got []string
	loop.call(func() {
		loop.post(func() { got = append(got, "nested") })
		got = append(got, "outer")
	})
	loop.call(func() {})
	assert.Equal(t, []string{"outer", "nested"}, got)
}

func TestTimerArena_FiresOnLoop(t *testing.T) {
	loop := &eventLoop{}
	arena := newTimerArena(loop)
	fired := make(chan struct{})
	arena.arm("x", time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, arena.armed("x"), "a fired timer is no longer armed")
}

func TestTimerArena_RearmReplaces(t *testing.T) {
	loop := &eventLoop{}
	arena := newTimerArena(loop)
	var (
		mu  sync.Mutex
		got []string
	)
	arena.arm("x", 5*time.Millisecond, func() {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	arena.arm("x", 10*time.Millisecond, func() {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	})

	require.Eventually(t, func() bool { return !arena.armed("x") }, time.Second, time.Millisecond)
	loop.call(func() {})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, got)
}

func TestTimerArena_CancelDropsCallback(t *testing.T) {
	loop := &eventLoop{}
	arena := newTimerArena(loop)
	fired := make(chan struct{}, 1)

	// Hold the loop so the timer fires while its callback cannot run yet.
	release := make(chan struct{})
	loop.post(func() { <-release })
	arena.arm("x", time.Millisecond, func() { fired <- struct{}{} })
	time.Sleep(10 * time.Millisecond)
	arena.cancel("x")
	close(release)
	loop.call(func() {})

	select {
	case <-fired:
		t.Fatal("cancelled timer callback ran")
	default:
	}
}

func TestTimerArena_CancelOnlyNamed(t *testing.T) {
	loop := &eventLoop{}
	arena := newTimerArena(loop)
	arena.arm(timerChannelRetry+"a", time.Hour, func() {})
	arena.arm(timerRetry, time.Hour, func() {})

	arena.cancel(timerChannelRetry + "a")
	assert.False(t, arena.armed(timerChannelRetry+"a"))
	assert.True(t, arena.armed(timerRetry))
	arena.cancel(timerRetry)
}
