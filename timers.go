package realtime

import (
	"sync"
	"time"
)

// Timer names. Channel timers are suffixed with the channel name.
const (
	timerRetry         = "retry"
	timerIdle          = "idle"
	timerConnect       = "connect"
	timerClose         = "close"
	timerReauth        = "reauth"
	timerChannelRetry  = "channel-retry:"
	timerChannelAttach = "channel-attach:"
	timerChannelDetach = "channel-detach:"
)

type armedTimer struct {
	timer *time.Timer
	token uint64
}

// timerArena holds single-shot timers keyed by purpose. Arming a name cancels
// whatever was armed under it before; fired callbacks run on the event loop
// and are dropped if the timer was cancelled or re-armed in the meantime.
type timerArena struct {
	mu     sync.Mutex
	loop   *eventLoop
	timers map[string]armedTimer
	next   uint64
}

func newTimerArena(loop *eventLoop) *timerArena {
	return &timerArena{
		loop:   loop,
		timers: make(map[string]armedTimer),
	}
}

func (a *timerArena) arm(name string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.timers[name]; ok {
		prev.timer.Stop()
	}
	a.next++
	token := a.next
	t := time.AfterFunc(d, func() {
		a.loop.post(func() {
			if a.claim(name, token) {
				fn()
			}
		})
	})
	a.timers[name] = armedTimer{timer: t, token: token}
}

// claim removes the timer if token is still current.
func (a *timerArena) claim(name string, token uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.timers[name]
	if !ok || cur.token != token {
		return false
	}
	delete(a.timers, name)
	return true
}

func (a *timerArena) cancel(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[name]; ok {
		t.timer.Stop()
		delete(a.timers, name)
	}
}

func (a *timerArena) armed(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[name]
	return ok
}
