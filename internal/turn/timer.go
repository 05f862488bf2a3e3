package turn

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive the silence timer.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once d has elapsed. The returned function cancels it.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// SilenceTimer keeps at most one pending deferred callback. Every Arm or Cancel
// moves the generation forward, so a callback that fires late can tell it is
// stale by comparing its generation with Valid.
type SilenceTimer struct {
	clock Clock

	mu   sync.Mutex
	gen  uint64
	stop func() bool
}

func NewSilenceTimer(clock Clock) *SilenceTimer {
	if clock == nil {
		clock = SystemClock
	}
	return &SilenceTimer{clock: clock}
}

// Arm cancels any pending callback and schedules fire after d. fire receives
// the generation it was armed with.
func (t *SilenceTimer) Arm(d time.Duration, fire func(gen uint64)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.stop != nil {
		t.stop()
	}
	t.stop = t.clock.AfterFunc(d, func() { fire(gen) })
	return gen
}

// Cancel invalidates the pending callback, whether or not it already fired.
// Safe to call from any goroutine.
func (t *SilenceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// Valid reports whether gen is still the current generation.
func (t *SilenceTimer) Valid(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen && t.stop != nil
}
