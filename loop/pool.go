package loop

import "fmt"

// EventLoopThreadPool distributes accepted connections round-robin
// across a fixed set of EventLoopThreads, one acceptor loop feeding N
// worker loops. With zero threads, every call returns the base loop
// passed to NewEventLoopThreadPool, so a TcpServer can run single-threaded without a
// special case at the call site.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	opts     []Option
	initFunc func(*EventLoop)

	threads []*EventLoopThread
	loops   []*EventLoop
	next    int
}

// NewEventLoopThreadPool constructs a pool bound to baseLoop (the
// acceptor's own loop, used as the fallback when numThreads is 0).
func NewEventLoopThreadPool(baseLoop *EventLoop) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop}
}

// SetThreadInitFunc installs a callback run on each worker loop's own
// thread right after construction, before that loop starts polling.
func (p *EventLoopThreadPool) SetThreadInitFunc(fn func(*EventLoop)) {
	p.initFunc = fn
}

// SetOptions installs EventLoop options applied to every worker loop.
func (p *EventLoopThreadPool) SetOptions(opts ...Option) { p.opts = opts }

// Start spawns numThreads worker threads and waits for each of their
// EventLoops to come up.
func (p *EventLoopThreadPool) Start(numThreads int) error {
	if numThreads < 0 {
		return fmt.Errorf("loop: negative thread count %d", numThreads)
	}
	for i := 0; i < numThreads; i++ {
		th := NewEventLoopThread(p.initFunc, p.opts...)
		el, err := th.StartLoop()
		if err != nil {
			p.Stop()
			return fmt.Errorf("loop: start worker %d: %w", i, err)
		}
		p.threads = append(p.threads, th)
		p.loops = append(p.loops, el)
	}
	return nil
}

// Stop quits every worker thread and waits for them to exit.
func (p *EventLoopThreadPool) Stop() {
	for _, th := range p.threads {
		th.Stop()
	}
}

// Size returns the number of worker loops in the pool (0 if unstarted or
// constructed with numThreads 0).
func (p *EventLoopThreadPool) Size() int { return len(p.loops) }

// GetNextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	el := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return el
}

// GetLoopForHash returns a worker loop selected deterministically by
// hash (e.g. a connection's fd), or the base loop if the pool has no
// workers. Two calls with the same hash and the same pool size always
// return the same loop.
func (p *EventLoopThreadPool) GetLoopForHash(hash int) *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := hash % len(p.loops)
	if idx < 0 {
		idx += len(p.loops)
	}
	return p.loops[idx]
}

// GetAllLoops returns every worker loop, or a single-element slice
// containing the base loop if the pool has no workers.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}
