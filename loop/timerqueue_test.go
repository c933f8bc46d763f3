package loop

import (
	"testing"
	"time"

	"github.com/reactorgo/reactorfs/netutil"
)

func TestTimerQueueFiresInExpirationOrder(t *testing.T) {
	q := NewTimerQueue()
	base := netutil.Now()

	var order []int
	mk := func(n int, at netutil.Timestamp) *Timer {
		return newTimer(func() { order = append(order, n) }, at, 0, 1)
	}

	q.AddTimer(mk(3, base.Add(30*time.Millisecond)))
	q.AddTimer(mk(1, base.Add(10*time.Millisecond)))
	q.AddTimer(mk(2, base.Add(20*time.Millisecond)))

	for _, cb := range q.DoTimer(base.Add(25 * time.Millisecond)) {
		cb()
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fired order = %v, want [1 2]", order)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (timer 3 still pending)", q.Len())
	}
}

func TestTimerQueueEqualExpirationOrdersBySequence(t *testing.T) {
	q := NewTimerQueue()
	at := netutil.Now()

	var order []int
	q.AddTimer(newTimer(func() { order = append(order, 1) }, at, 0, 1))
	q.AddTimer(newTimer(func() { order = append(order, 2) }, at, 0, 1))
	q.AddTimer(newTimer(func() { order = append(order, 3) }, at, 0, 1))

	for _, cb := range q.DoTimer(at) {
		cb()
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired order = %v, want [1 2 3]", order)
	}
}

func TestTimerQueueCancelRemovesBeforeFiring(t *testing.T) {
	q := NewTimerQueue()
	at := netutil.Now()

	fired := false
	tm := newTimer(func() { fired = true }, at, 0, 1)
	id := TimerID{timer: tm, sequence: tm.sequence}

	q.AddTimer(tm)
	q.Cancel(id)

	if q.Len() != 0 {
		t.Fatalf("Len() = %d after cancel, want 0", q.Len())
	}
	for _, cb := range q.DoTimer(at) {
		cb()
	}
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestTimerQueueRepeatingTimerReschedulesStrictPeriodic(t *testing.T) {
	q := NewTimerQueue()
	base := netutil.Now()
	interval := 10 * time.Millisecond

	tm := newTimer(func() {}, base.Add(interval), interval, -1)
	q.AddTimer(tm)

	// Fire once, long after the first expiration, simulating a late poll
	// return. The rescheduled expiration must be prev+interval, not
	// now+interval, so a delayed poll cycle doesn't push the timer
	// further into the future than its period.
	late := base.Add(100 * time.Millisecond)
	fired := q.DoTimer(late)
	if len(fired) != 1 {
		t.Fatalf("expected exactly one fire in a single DoTimer call for a repeating timer, got %d", len(fired))
	}

	want := base.Add(interval).Add(interval)
	if tm.expiration != want {
		t.Fatalf("rescheduled expiration = %v, want %v (prev+interval)", tm.expiration, want)
	}
}

func TestNewTimerNormalizesZeroIntervalToOneShot(t *testing.T) {
	tm := newTimer(func() {}, netutil.Now(), 0, -1)
	if tm.repeats() {
		t.Fatalf("zero-interval timer with repeatCount=-1 must be normalized to one-shot")
	}
}
