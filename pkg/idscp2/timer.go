package idscp2

import (
	"sync"
	"time"
)

// Timer is the minimal interface the session needs from a one-shot
// timer: start (possibly superseding a pending scheduling) and cancel
// (idempotent, safe even after the timer has already fired).
type Timer interface {
	Start(d time.Duration)
	Cancel()
}

// timerImpl backs both the static and dynamic timer flavours. It
// guards against a race where a timer that has already fired (its
// goroutine is past time.AfterFunc but has not yet taken the session
// lock) must still become a no-op if Cancel runs first. This is
// achieved with an epoch counter: each Start bumps the epoch and
// captures it in the closure passed to time.AfterFunc; Cancel bumps
// the epoch again so any in-flight fire observes a stale epoch and
// drops itself before calling fire.
type timerImpl struct {
	mu     sync.Mutex
	epoch  uint64
	timer  *time.Timer
	fireFn func()
}

func newTimer(fireFn func()) *timerImpl {
	return &timerImpl{fireFn: fireFn}
}

// Start arms the timer for duration d, implicitly cancelling any prior
// scheduling.
func (t *timerImpl) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.epoch++
	epoch := t.epoch
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.epoch
		t.mu.Unlock()
		if current != epoch {
			return // cancelled or superseded before we got here
		}
		t.fireFn()
	})
}

// Cancel makes any in-flight or future firing of the current
// scheduling a no-op. Safe to call on a timer that was never started
// or has already fired.
func (t *timerImpl) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	if t.timer != nil {
		t.timer.Stop()
	}
}

// NewStaticTimer returns a Timer with no parameters beyond the
// duration given at Start — used for handshake_timer, prover_timer,
// verifier_timer, rat_timer and ack_timer, whose durations are fixed
// configuration values passed in at each Start call.
func NewStaticTimer(fire func()) Timer {
	return newTimer(fire)
}

// NewDynamicTimer is identical to NewStaticTimer; it exists as a
// distinct constructor because dat_timer is "dynamic" (its duration is
// supplied by the DAPS oracle on each verified token, not fixed
// configuration) even though the mechanics are the same.
func NewDynamicTimer(fire func()) Timer {
	return newTimer(fire)
}
