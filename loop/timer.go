package loop

import (
	"sync/atomic"
	"time"

	"github.com/reactorgo/reactorfs/netutil"
)

// timerSeq is the process-wide monotonically increasing sequence counter
// guarding against ABA when a Timer slot is reused.
var timerSeq atomic.Uint64

func nextTimerSeq() uint64 { return timerSeq.Add(1) }

// Timer holds a callback, its absolute expiration, its repeat interval
// (0 means one-shot), a remaining repeat count (-1 means infinite), a
// unique sequence number, and a cancellation flag.
type Timer struct {
	callback    func()
	expiration  netutil.Timestamp
	interval    time.Duration
	repeatCount int
	sequence    uint64
	canceled    bool
}

// newTimer builds a Timer. An interval of zero combined with a
// repeatCount other than 1 is normalized to one-shot (repeatCount 1,
// interval 0) here, at construction, so a zero interval can never cause
// a repeating timer to refire on every loop iteration.
func newTimer(cb func(), when netutil.Timestamp, interval time.Duration, repeatCount int) *Timer {
	if interval == 0 && repeatCount != 1 {
		repeatCount = 1
	}
	return &Timer{
		callback:    cb,
		expiration:  when,
		interval:    interval,
		repeatCount: repeatCount,
		sequence:    nextTimerSeq(),
	}
}

// repeats reports whether this timer should be rescheduled after firing.
func (t *Timer) repeats() bool {
	return t.interval > 0 && t.repeatCount != 1
}

// restart advances the timer's expiration by its interval — strictly
// periodic, prev + interval rather than now + interval, so a late fire
// doesn't drift the schedule forward — and decrements a finite repeat
// count.
func (t *Timer) restart() {
	t.expiration = t.expiration.Add(t.interval)
	if t.repeatCount > 0 {
		t.repeatCount--
	}
}

// TimerID identifies a scheduled Timer for cancellation. The sequence
// field disambiguates a cancel call racing a timer slot being reused.
type TimerID struct {
	timer    *Timer
	sequence uint64
}
