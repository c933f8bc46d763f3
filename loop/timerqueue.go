package loop

import (
	"container/heap"

	"github.com/reactorgo/reactorfs/netutil"
)

// timerHeap is a min-heap of *Timer ordered by (expiration, sequence) so
// that equal-time timers fire in insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration != h[j].expiration {
		return h[i].expiration.Before(h[j].expiration)
	}
	return h[i].sequence < h[j].sequence
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*Timer)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// TimerQueue is a sorted queue of future-expiry callbacks. It is not
// itself thread-safe — all mutation is expected to happen on the owning
// EventLoop's goroutine, via EventLoop.RunAt/RunAfter/RunEvery/Cancel
// which funnel through RunInLoop.
type TimerQueue struct {
	heap timerHeap
}

// NewTimerQueue constructs an empty TimerQueue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{}
}

// AddTimer inserts an already-constructed Timer into the set. Timer
// construction itself is cheap and thread-safe (see newTimer); only the
// heap insertion needs to happen on the owning loop's goroutine, which is
// why EventLoop.RunAt/RunAfter/RunEvery construct the Timer immediately
// (so they can hand back a valid TimerID from any thread) and defer only
// this call via RunInLoop.
func (q *TimerQueue) AddTimer(t *Timer) {
	heap.Push(&q.heap, t)
}

// Cancel marks id's timer canceled and removes it from the set
// immediately, so a cancelled repeating timer never advances its
// expiration again.
func (q *TimerQueue) Cancel(id TimerID) {
	for i, t := range q.heap {
		if t == id.timer && t.sequence == id.sequence {
			t.canceled = true
			heap.Remove(&q.heap, i)
			return
		}
	}
}

// DoTimer fires every timer whose expiration is <= now, skipping any
// already canceled, and reschedules repeating timers at prev+interval.
// It returns the fired timers' callbacks for the caller to invoke
// outside of any lock (the queue holds none, but this mirrors the
// EventLoop's "run outside the lock" discipline for queued tasks).
//
// Expired timers are collected into a temporary slice before any
// rescheduling happens, so a repeating timer that is very overdue (its
// post-restart expiration is still <= now) fires exactly once per
// DoTimer call rather than busy-looping through every missed period.
func (q *TimerQueue) DoTimer(now netutil.Timestamp) []func() {
	var expired []*Timer
	for len(q.heap) > 0 && q.heap[0].expiration.Before(now+1) {
		expired = append(expired, heap.Pop(&q.heap).(*Timer))
	}

	var fired []func()
	for _, t := range expired {
		if t.canceled {
			continue
		}
		fired = append(fired, t.callback)
		if t.repeats() {
			t.restart()
			heap.Push(&q.heap, t)
		}
	}
	return fired
}

// Len returns the number of live (uncancelled, unpopped) timers.
func (q *TimerQueue) Len() int { return len(q.heap) }
