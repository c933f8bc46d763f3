// Package loop implements the per-thread reactor driver: EventLoop,
// Timer/TimerQueue, and EventLoopThread/EventLoopThreadPool.
//
// Each EventLoop is confined to the goroutine that runs it. One
// iteration polls for ready channels, dispatches them, runs a per-frame
// functor, fires due timers, then drains cross-thread tasks queued by
// other goroutines — all outside the task queue's lock, so a queued
// task can itself enqueue more work without deadlocking.
package loop

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/reactor"
)

// DefaultPollTimeout bounds the poller's blocking wait so pending tasks
// and timers are serviced responsively even without an explicit wakeup.
const DefaultPollTimeout = 10 * time.Millisecond

// EventLoop is a single-threaded reactor: exactly one per OS thread. It
// owns a Poller, a TimerQueue, a wakeup eventfd wrapped in its own
// Channel, and a mutex-protected FIFO of cross-thread tasks.
type EventLoop struct {
	poller     reactor.Poller
	timers     *TimerQueue
	wakeupFD   int
	wakeupChan *reactor.Channel

	quit    atomic.Bool
	looping atomic.Bool
	tid     atomic.Int32 // OS thread id captured when Loop() starts

	eventHandling        atomic.Bool
	currentActiveChannel *reactor.Channel
	iteration             uint64
	pollReturnTime        netutil.Timestamp

	taskMu          sync.Mutex
	pendingTasks    *queue.Queue
	doingOtherTasks bool

	frameFunc func()

	pollTimeout time.Duration

	logf    func(format string, args ...any)
	metrics *control.MetricsRegistry
}

// Option configures an EventLoop at construction.
type Option func(*EventLoop)

// WithPollTimeout overrides the default 10ms poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(el *EventLoop) { el.pollTimeout = d }
}

// WithLogf installs a printf-style diagnostic sink for poll errors and
// wakeup write/read failures.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(el *EventLoop) { el.logf = logf }
}

// WithLogger threads a shared *control.Logger into the loop, so every
// diagnostic site below (poll errors, wakeup write/read failures) routes
// through the same async sink the rest of the program uses instead of a
// loop-private logf closure.
func WithLogger(logger *control.Logger) Option {
	return func(el *EventLoop) {
		if logger != nil {
			el.logf = logger.Printf
		}
	}
}

// WithMetrics threads a shared *control.MetricsRegistry into the loop.
// Iterations, pending tasks drained, and timers fired are incremented
// against it every Loop cycle.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(el *EventLoop) { el.metrics = m }
}

// WithDebugProbes registers a probe under name reporting this loop's
// current iteration count and pending-task queue depth, for on-demand
// inspection via probes.DumpState().
func WithDebugProbes(probes *control.DebugProbes, name string) Option {
	return func(el *EventLoop) {
		if probes == nil {
			return
		}
		probes.RegisterProbe(name, func() any {
			el.taskMu.Lock()
			pending := el.pendingTasks.Length()
			el.taskMu.Unlock()
			return map[string]any{
				"iteration":     el.Iteration(),
				"pending_tasks": pending,
				"timers":        el.timers.Len(),
			}
		})
	}
}

func (el *EventLoop) incr(key string, delta int64) {
	if el.metrics != nil {
		el.metrics.Incr(key, delta)
	}
}

// New constructs an EventLoop with its own epoll-backed Poller and a
// registered eventfd wakeup channel. The loop is not running until Loop
// is called.
func New(opts ...Option) (*EventLoop, error) {
	poller, err := reactor.NewDefaultPoller()
	if err != nil {
		return nil, fmt.Errorf("loop: new poller: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("loop: eventfd: %w", err)
	}

	el := &EventLoop{
		poller:       poller,
		timers:       NewTimerQueue(),
		wakeupFD:     wakeFD,
		pendingTasks: queue.New(),
		pollTimeout:  DefaultPollTimeout,
		logf:         func(string, ...any) {},
	}
	for _, o := range opts {
		o(el)
	}

	el.wakeupChan = reactor.NewChannel(el, wakeFD)
	el.wakeupChan.SetLogString("wakeup")
	el.wakeupChan.SetReadCallback(func(netutil.Timestamp) { el.drainWakeup() })
	if err := el.wakeupChan.EnableReading(); err != nil {
		return nil, fmt.Errorf("loop: register wakeup channel: %w", err)
	}
	return el, nil
}

// Loop runs the reactor driver until Quit is called. It must be invoked
// from the goroutine that is to become this loop's thread; that
// goroutine is pinned to its OS thread for the duration via
// runtime.LockOSThread, and the captured thread id becomes authoritative
// for every subsequent AssertInLoopThread check.
func (el *EventLoop) Loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	el.tid.Store(int32(unix.Gettid()))
	el.looping.Store(true)
	defer el.looping.Store(false)

	var active []*reactor.Channel
	for !el.quit.Load() {
		active = active[:0]
		ts, err := el.poller.Poll(int(el.pollTimeout.Milliseconds()), &active)
		if err != nil {
			el.logf("loop: poll error: %v", err)
			el.incr("loop.poll_errors", 1)
			continue
		}
		el.pollReturnTime = ts
		el.iteration++
		el.incr("loop.iterations", 1)

		el.eventHandling.Store(true)
		for _, c := range active {
			el.currentActiveChannel = c
			c.HandleEvent(ts)
		}
		el.currentActiveChannel = nil
		el.eventHandling.Store(false)

		if el.frameFunc != nil {
			el.frameFunc()
		}

		el.doTimers()
		el.runPendingTasks()
	}
}

// Quit causes the driver to return after the current iteration. Safe
// from any thread; if called from outside the loop it wakes the poller
// so the flag is observed promptly.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.wakeup()
	}
}

// SetFrameFunc installs the per-iteration frame functor, run after
// channel dispatch and before timers.
func (el *EventLoop) SetFrameFunc(fn func()) { el.frameFunc = fn }

// Iteration returns the number of completed poll cycles.
func (el *EventLoop) Iteration() uint64 { return el.iteration }

// PollReturnTime returns the timestamp sampled after the most recent
// Poll call returned.
func (el *EventLoop) PollReturnTime() netutil.Timestamp { return el.pollReturnTime }

// IsInLoopThread reports whether the calling goroutine's OS thread is the
// one that called Loop().
func (el *EventLoop) IsInLoopThread() bool {
	return el.looping.Load() && int32(unix.Gettid()) == el.tid.Load()
}

// AssertInLoopThread aborts the process if called from any thread other
// than the one running Loop(). This is a programming-error assertion,
// intended to surface bugs during testing rather than be recovered
// from. Before Loop has ever been called there
// is no owning thread yet to violate — construction-time setup (the
// wakeup channel's own registration) is inherently single-threaded, so
// the assertion is a no-op until looping actually begins.
func (el *EventLoop) AssertInLoopThread() {
	if !el.looping.Load() {
		return
	}
	if !el.IsInLoopThread() {
		panic(fmt.Sprintf("loop: EventLoop used from wrong thread (owner tid=%d, caller tid=%d)", el.tid.Load(), unix.Gettid()))
	}
}

// RunInLoop runs f on this loop's thread. If the caller is already on
// that thread, f runs synchronously; otherwise it is queued via
// QueueInLoop.
func (el *EventLoop) RunInLoop(f func()) {
	if el.IsInLoopThread() {
		f()
		return
	}
	el.QueueInLoop(f)
}

// QueueInLoop appends f to the pending-task FIFO and wakes the loop if
// the caller isn't the loop thread, or if the loop is currently draining
// its task queue (so f is guaranteed to run on the *next* iteration, not
// be silently appended to a drain already in flight without a wakeup).
func (el *EventLoop) QueueInLoop(f func()) {
	el.taskMu.Lock()
	el.pendingTasks.Add(f)
	shouldWake := !el.IsInLoopThread() || el.doingOtherTasks
	el.taskMu.Unlock()

	if shouldWake {
		el.wakeup()
	}
}

// runPendingTasks drains the pending-task queue under the lock, then
// executes every task outside the lock so a task may itself call
// QueueInLoop without deadlocking.
func (el *EventLoop) runPendingTasks() {
	el.taskMu.Lock()
	el.doingOtherTasks = true
	pending := el.pendingTasks
	el.pendingTasks = queue.New()
	el.taskMu.Unlock()

	for pending.Length() > 0 {
		fn := pending.Remove().(func())
		fn()
		el.incr("loop.tasks_run", 1)
	}

	el.taskMu.Lock()
	el.doingOtherTasks = false
	el.taskMu.Unlock()
}

func (el *EventLoop) doTimers() {
	for _, cb := range el.timers.DoTimer(el.pollReturnTime) {
		cb()
		el.incr("loop.timers_fired", 1)
	}
}

// wakeup writes one 8-byte counter increment to the loop's eventfd,
// breaking it out of a blocking Poll call from any thread.
func (el *EventLoop) wakeup() {
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(el.wakeupFD, one[:]); err != nil && err != unix.EAGAIN {
		el.logf("loop: wakeup write: %v", err)
	}
}

// drainWakeup reads (and discards) the eventfd counter. One read drains
// every pending wakeup, since eventfd coalesces increments into a single
// 64-bit counter rather than queueing discrete bytes.
func (el *EventLoop) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(el.wakeupFD, buf[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		el.logf("loop: wakeup read: %v", err)
		return
	}
}

// UpdateChannel and RemoveChannel implement reactor.Owner, forwarding to
// the loop's Poller. Both assert loop-thread affinity.
func (el *EventLoop) UpdateChannel(c *reactor.Channel) error {
	el.AssertInLoopThread()
	return el.poller.UpdateChannel(c)
}

func (el *EventLoop) RemoveChannel(c *reactor.Channel) {
	el.AssertInLoopThread()
	if el.currentActiveChannel == c {
		el.currentActiveChannel = nil
	}
	el.poller.RemoveChannel(c)
}

// HasChannel reports whether fd is currently registered with this loop's
// poller.
func (el *EventLoop) HasChannel(fd int) bool { return el.poller.HasChannel(fd) }

// RunAt schedules cb to fire at the absolute Timestamp when, exactly
// once. Safe to call from any thread: the Timer itself is constructed
// immediately (so the returned TimerID is valid right away); only its
// insertion into the TimerQueue's heap is deferred to the loop thread.
func (el *EventLoop) RunAt(when netutil.Timestamp, cb func()) TimerID {
	t := newTimer(cb, when, 0, 1)
	id := TimerID{timer: t, sequence: t.sequence}
	el.RunInLoop(func() { el.timers.AddTimer(t) })
	return id
}

// RunAfter schedules cb to fire once, after d has elapsed.
func (el *EventLoop) RunAfter(d time.Duration, cb func()) TimerID {
	return el.RunAt(netutil.Now().Add(d), cb)
}

// RunEvery schedules cb to fire every interval, starting at now+interval,
// repeating indefinitely.
func (el *EventLoop) RunEvery(interval time.Duration, cb func()) TimerID {
	t := newTimer(cb, netutil.Now().Add(interval), interval, -1)
	id := TimerID{timer: t, sequence: t.sequence}
	el.RunInLoop(func() { el.timers.AddTimer(t) })
	return id
}

// Cancel removes id's timer. Safe from any thread.
func (el *EventLoop) Cancel(id TimerID) {
	el.RunInLoop(func() { el.timers.Cancel(id) })
}

// Close releases the loop's Poller and wakeup fd. Only valid after Loop
// has returned.
func (el *EventLoop) Close() error {
	if err := el.poller.Close(); err != nil {
		return err
	}
	return unix.Close(el.wakeupFD)
}
