package realtime

import (
	"math/rand"
	"sync"
	"time"
)

// Retry delay shaping. The delay for attempt n is
// base * min((n+2)/3, backoffCap) * (1 - rand*jitterRange).
const (
	backoffCap  = 2.0
	jitterRange = 0.4
)

// backoff computes jittered retry delays that grow with consecutive failures.
type backoff struct {
	base    time.Duration
	attempt int
	rnd     *lockedRand
}

func newBackoff(base time.Duration, rnd *lockedRand) *backoff {
	return &backoff{
		base: base,
		rnd:  rnd,
	}
}

func (b *backoff) next() time.Duration {
	b.attempt++
	return retryDelay(b.base, b.attempt, b.rnd.Float64())
}

func (b *backoff) reset() {
	b.attempt = 0
}

// retryDelay is the pure delay formula; r must be in [0, 1).
func retryDelay(base time.Duration, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coefficient := float64(attempt+2) / 3
	if coefficient > backoffCap {
		coefficient = backoffCap
	}
	jitter := 1 - r*jitterRange
	return time.Duration(float64(base) * coefficient * jitter)
}

// retryState tracks consecutive failures in one retrying state.
type retryState struct {
	failures     int
	firstFailure time.Time
}

func (r *retryState) record(now time.Time) {
	if r.firstFailure.IsZero() {
		r.firstFailure = now
	}
	r.failures++
}

func (r *retryState) clear() {
	r.failures = 0
	r.firstFailure = time.Time{}
}

// lockedRand is a math/rand source safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

func (l *lockedRand) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rnd.Shuffle(n, swap)
}
