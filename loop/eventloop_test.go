package loop

import (
	"sync"
	"testing"
	"time"
)

func newRunningLoop(t *testing.T) (*EventLoop, func()) {
	t.Helper()
	el, err := New(WithPollTimeout(2 * time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	started := make(chan struct{})
	go func() {
		close(started)
		el.Loop()
	}()
	<-started
	// Give the loop goroutine a moment to reach Loop() and record its tid;
	// tests below only depend on task/timer ordering, not on racing the
	// very first poll cycle.
	time.Sleep(5 * time.Millisecond)
	return el, func() {
		el.Quit()
		_ = el.Close()
	}
}

func TestQueueInLoopRunsTaskOnLoopThread(t *testing.T) {
	el, stop := newRunningLoop(t)
	defer stop()

	done := make(chan bool, 1)
	el.QueueInLoop(func() {
		done <- el.IsInLoopThread()
	})

	select {
	case onLoop := <-done:
		if !onLoop {
			t.Fatalf("queued task did not observe IsInLoopThread() == true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued task to run")
	}
}

func TestQueueInLoopPreservesFIFOOrder(t *testing.T) {
	el, stop := newRunningLoop(t)
	defer stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 20; i++ {
		n := i
		el.QueueInLoop(func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			if n == 19 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued tasks to drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("ran %d tasks, want 20", len(order))
	}
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want ascending 0..19", order)
		}
	}
}

func TestRunInLoopFromLoopThreadRunsSynchronously(t *testing.T) {
	el, stop := newRunningLoop(t)
	defer stop()

	done := make(chan struct{})
	el.QueueInLoop(func() {
		ran := false
		el.RunInLoop(func() { ran = true })
		if !ran {
			t.Errorf("RunInLoop from loop thread did not run synchronously")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestRunAfterFiresAndAllowsCancel(t *testing.T) {
	el, stop := newRunningLoop(t)
	defer stop()

	fired := make(chan struct{}, 1)
	el.RunAfter(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	var canceledFired bool
	id := el.RunAfter(10*time.Millisecond, func() { canceledFired = true })
	el.Cancel(id)

	time.Sleep(50 * time.Millisecond)
	if canceledFired {
		t.Fatal("cancelled timer fired anyway")
	}
}

func TestRunAtReturnsValidTimerIDFromAnyThread(t *testing.T) {
	el, stop := newRunningLoop(t)
	defer stop()

	var wg sync.WaitGroup
	ids := make([]TimerID, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = el.RunAfter(time.Hour, func() {})
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id.timer == nil {
			t.Fatalf("TimerID %d has nil timer", i)
		}
	}
}
