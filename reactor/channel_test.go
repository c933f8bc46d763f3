package reactor_test

import (
	"testing"

	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/reactor"
)

type fakeOwner struct {
	updates []int
	updateErr error
}

func (f *fakeOwner) UpdateChannel(c *reactor.Channel) error {
	f.updates = append(f.updates, c.FD())
	return f.updateErr
}
func (f *fakeOwner) RemoveChannel(c *reactor.Channel) {}
func (f *fakeOwner) AssertInLoopThread()              {}

func TestChannelEnableDisableInterest(t *testing.T) {
	owner := &fakeOwner{}
	c := reactor.NewChannel(owner, 7)
	if !c.IsNoneEvent() {
		t.Fatalf("new channel should have no interest")
	}
	if err := c.EnableReading(); err != nil {
		t.Fatalf("EnableReading: %v", err)
	}
	if !c.IsReading() {
		t.Fatalf("expected IsReading() true after EnableReading")
	}
	if err := c.EnableWriting(); err != nil {
		t.Fatalf("EnableWriting: %v", err)
	}
	if !c.IsWriting() {
		t.Fatalf("expected IsWriting() true after EnableWriting")
	}
	if err := c.DisableAll(); err != nil {
		t.Fatalf("DisableAll: %v", err)
	}
	if !c.IsNoneEvent() {
		t.Fatalf("expected no interest after DisableAll")
	}
	if len(owner.updates) != 3 {
		t.Fatalf("expected 3 synchronous update calls, got %d", len(owner.updates))
	}
}

func TestHandleEventDispatchOrder(t *testing.T) {
	owner := &fakeOwner{}
	c := reactor.NewChannel(owner, 7)

	var order []string
	c.SetCloseCallback(func() { order = append(order, "close") })
	c.SetErrorCallback(func() { order = append(order, "error") })
	c.SetReadCallback(func(netutil.Timestamp) { order = append(order, "read") })
	c.SetWriteCallback(func() { order = append(order, "write") })

	// HUP with no IN: close only. Read/write must not fire.
	c.SetRevents(reactor.EventClose)
	order = nil
	c.HandleEvent(netutil.Now())
	if len(order) != 1 || order[0] != "close" {
		t.Fatalf("HUP-without-IN dispatch = %v, want [close]", order)
	}

	// HUP with IN present: read fires (drain), close does not.
	c.SetRevents(reactor.EventClose | reactor.EventRead)
	order = nil
	c.HandleEvent(netutil.Now())
	if len(order) != 1 || order[0] != "read" {
		t.Fatalf("HUP-with-IN dispatch = %v, want [read]", order)
	}

	// error, read, write all present: error before read before write.
	c.SetRevents(reactor.EventError | reactor.EventRead | reactor.EventWrite)
	order = nil
	c.HandleEvent(netutil.Now())
	want := []string{"error", "read", "write"}
	if len(order) != len(want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}
