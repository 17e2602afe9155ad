package realtime

import "sync"

// eventLoop runs posted functions one at a time, in posting order. A worker
// goroutine exists only while functions are queued, so an idle loop holds no
// goroutine.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	go l.drain()
}

func (l *eventLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// call posts fn and waits for it to run. It must not be called from the loop.
func (l *eventLoop) call(fn func()) {
	done := make(chan struct{})
	l.post(func() {
		defer close(done)
		fn()
	})
	<-done
}
