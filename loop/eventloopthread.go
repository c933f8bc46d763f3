package loop

import "sync"

// EventLoopThread owns exactly one EventLoop running on its own OS
// thread. StartLoop spawns the thread; the EventLoop pointer it returns
// becomes available only once that thread has finished constructing
// it — StartLoop blocks on a condition variable for the handoff rather
// than polling.
type EventLoopThread struct {
	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop

	initFunc func(*EventLoop)
	opts     []Option

	done chan struct{}
}

// NewEventLoopThread constructs (but does not yet start) a thread
// wrapper. initFunc, if non-nil, runs on the new loop's own thread
// immediately after the EventLoop is constructed and before Loop begins
// polling — the place to register listening-socket channels or other
// per-thread setup.
func NewEventLoopThread(initFunc func(*EventLoop), opts ...Option) *EventLoopThread {
	t := &EventLoopThread{initFunc: initFunc, opts: opts, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the thread's goroutine, blocks until its EventLoop is
// constructed, and returns the loop pointer. Safe to call at most once.
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	errCh := make(chan error, 1)
	go t.threadFunc(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop, nil
}

func (t *EventLoopThread) threadFunc(errCh chan error) {
	el, err := New(t.opts...)
	if err != nil {
		errCh <- err
		return
	}
	errCh <- nil

	if t.initFunc != nil {
		t.initFunc(el)
	}

	t.mu.Lock()
	t.loop = el
	t.cond.Signal()
	t.mu.Unlock()

	el.Loop()
	close(t.done)
}

// Stop asks the loop to quit and blocks until its thread has returned
// from Loop.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	el := t.loop
	t.mu.Unlock()
	if el == nil {
		return
	}
	el.Quit()
	<-t.done
}
