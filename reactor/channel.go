// Package reactor implements the per-fd Channel abstraction and the
// readiness multiplexer (Poller) that dispatches events to channels,
// built on golang.org/x/sys/unix's raw epoll/poll/select syscalls.
//
// Every Channel records its registration state with its Poller (New,
// Added, or Deleted) so the Poller can tell a fresh add from a
// modification from a re-add after a delete without scanning.
package reactor

import "github.com/reactorgo/reactorfs/netutil"

// EventMask is a platform-neutral readiness bitmask. Poller
// implementations translate OS-specific event bits into this mask on the
// way in (Poll) and back out on the way out (updateChannel's interest is
// already expressed in this mask).
type EventMask uint32

const (
	EventNone  EventMask = 0
	EventRead  EventMask = 1 << 0
	EventWrite EventMask = 1 << 1
	EventClose EventMask = 1 << 2 // peer hangup (HUP)
	EventError EventMask = 1 << 3 // ERR or NVAL
)

// Index records what the Poller currently believes about a Channel's
// registration, so it can distinguish a fresh add from a modification
// from a re-add after a delete.
type Index int

const (
	IndexNew Index = iota
	IndexAdded
	IndexDeleted
)

// Owner is the subset of EventLoop a Channel needs: synchronous
// interest-update delivery and thread-affinity assertion. Defined here
// (rather than depending on the loop package directly) to keep reactor
// free of a dependency on loop and avoid an import cycle.
type Owner interface {
	UpdateChannel(c *Channel) error
	RemoveChannel(c *Channel)
	AssertInLoopThread()
}

// Channel is the per-fd registration record bundling interest mask,
// last-reported ready mask, poller bookkeeping index, and the four
// dispatch callbacks. A Channel is owned by exactly one EventLoop and
// must never be touched from another thread.
type Channel struct {
	owner Owner
	fd    int

	interest EventMask
	ready    EventMask
	index    Index

	readCallback  func(ts netutil.Timestamp)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// logString names the channel for diagnostics (e.g. "conn#3" or
	// "wakeup"); optional.
	logString string
}

// NewChannel constructs a Channel for fd, owned by loop owner. The
// channel is not registered with any poller until interest is enabled
// via one of the Enable*/Disable* methods.
func NewChannel(owner Owner, fd int) *Channel {
	return &Channel{owner: owner, fd: fd, index: IndexNew}
}

// FD returns the channel's file descriptor.
func (c *Channel) FD() int { return c.fd }

// SetLogString assigns a diagnostic name.
func (c *Channel) SetLogString(s string) { c.logString = s }

// String returns the channel's diagnostic name, or its fd if unset.
func (c *Channel) String() string {
	if c.logString != "" {
		return c.logString
	}
	return "fd:" + itoa(c.fd)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SetReadCallback sets the handler invoked when the fd becomes readable.
func (c *Channel) SetReadCallback(fn func(ts netutil.Timestamp)) { c.readCallback = fn }

// SetWriteCallback sets the handler invoked when the fd becomes writable.
func (c *Channel) SetWriteCallback(fn func()) { c.writeCallback = fn }

// SetCloseCallback sets the handler invoked on peer hangup.
func (c *Channel) SetCloseCallback(fn func()) { c.closeCallback = fn }

// SetErrorCallback sets the handler invoked on a socket error condition.
func (c *Channel) SetErrorCallback(fn func()) { c.errorCallback = fn }

// Interest returns the current interest mask.
func (c *Channel) Interest() EventMask { return c.interest }

// Index returns the poller's current bookkeeping state for this channel.
func (c *Channel) Index() Index { return c.index }

// SetIndex is called only by Poller implementations.
func (c *Channel) SetIndex(idx Index) { c.index = idx }

// SetRevents is called only by Poller implementations, to record the
// ready mask observed for this poll cycle.
func (c *Channel) SetRevents(m EventMask) { c.ready = m }

// IsNoneEvent reports whether the channel currently has no interest
// registered.
func (c *Channel) IsNoneEvent() bool { return c.interest == EventNone }

// EnableReading adds EventRead to the interest mask and synchronously
// asks the owning loop to push the update to the poller.
func (c *Channel) EnableReading() error {
	c.owner.AssertInLoopThread()
	c.interest |= EventRead
	return c.owner.UpdateChannel(c)
}

// DisableReading removes EventRead from the interest mask.
func (c *Channel) DisableReading() error {
	c.owner.AssertInLoopThread()
	c.interest &^= EventRead
	return c.owner.UpdateChannel(c)
}

// EnableWriting adds EventWrite to the interest mask.
func (c *Channel) EnableWriting() error {
	c.owner.AssertInLoopThread()
	c.interest |= EventWrite
	return c.owner.UpdateChannel(c)
}

// DisableWriting removes EventWrite from the interest mask.
func (c *Channel) DisableWriting() error {
	c.owner.AssertInLoopThread()
	c.interest &^= EventWrite
	return c.owner.UpdateChannel(c)
}

// DisableAll clears the entire interest mask.
func (c *Channel) DisableAll() error {
	c.owner.AssertInLoopThread()
	c.interest = EventNone
	return c.owner.UpdateChannel(c)
}

// IsWriting reports whether EventWrite is currently in the interest mask.
func (c *Channel) IsWriting() bool { return c.interest&EventWrite != 0 }

// IsReading reports whether EventRead is currently in the interest mask.
func (c *Channel) IsReading() bool { return c.interest&EventRead != 0 }

// Remove unregisters the channel from its poller. Valid only when
// interest is none.
func (c *Channel) Remove() {
	c.owner.AssertInLoopThread()
	c.owner.RemoveChannel(c)
}

// HandleEvent is the only entry point the loop calls to dispatch a
// channel's ready events. Dispatch order: close (HUP & !Read), error
// (ERR|NVAL), read (IN|PRI|RDHUP), write (OUT). A half-closed peer often
// presents HUP together with pending readable data, so close fires only
// when nothing is left to read; the next cycle sees HUP & !IN once the
// read side has drained to EOF.
func (c *Channel) HandleEvent(ts netutil.Timestamp) {
	if c.ready&EventClose != 0 && c.ready&EventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if c.ready&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.ready&EventRead != 0 {
		if c.readCallback != nil {
			c.readCallback(ts)
		}
	}
	if c.ready&EventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
