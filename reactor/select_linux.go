//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/netutil"
)

// SelectPoller implements Poller over POSIX select(2). It is limited to
// FD_SETSIZE descriptors and exists for small-scale or legacy
// deployments; Epoll is preferred wherever available. It keeps only the
// bookkeeping select(2) itself needs.
type SelectPoller struct {
	registry
	maxFD int
}

// NewSelectPoller constructs an empty SelectPoller.
func NewSelectPoller() *SelectPoller {
	return &SelectPoller{registry: newRegistry(), maxFD: -1}
}

func (p *SelectPoller) Poll(timeoutMs int, active *[]*Channel) (netutil.Timestamp, error) {
	var readSet, writeSet, errSet unix.FdSet
	for fd, c := range p.channels {
		if c.IsNoneEvent() {
			continue
		}
		if c.Interest()&EventRead != 0 {
			readSet.Set(fd)
		}
		if c.Interest()&EventWrite != 0 {
			writeSet.Set(fd)
		}
		errSet.Set(fd)
	}

	var tv *unix.Timeval
	if timeoutMs >= 0 {
		t := unix.NsecToTimeval(int64(timeoutMs) * 1e6)
		tv = &t
	}

	n, err := unix.Select(p.maxFD+1, &readSet, &writeSet, &errSet, tv)
	ts := netutil.Now()
	if err != nil {
		if err == unix.EINTR {
			return ts, nil
		}
		return ts, fmt.Errorf("reactor: select: %w", err)
	}
	if n == 0 {
		return ts, nil
	}
	for fd, c := range p.channels {
		if c.IsNoneEvent() {
			continue
		}
		var m EventMask
		if readSet.IsSet(fd) {
			m |= EventRead
		}
		if writeSet.IsSet(fd) {
			m |= EventWrite
		}
		if errSet.IsSet(fd) {
			m |= EventError
		}
		if m != EventNone {
			c.SetRevents(m)
			*active = append(*active, c)
		}
	}
	return ts, nil
}

func (p *SelectPoller) UpdateChannel(c *Channel) error {
	switch c.Index() {
	case IndexNew:
		if p.hasChannel(c.FD()) {
			return fmt.Errorf("reactor: select add: fd %d already registered", c.FD())
		}
		if c.FD() >= unix.FD_SETSIZE {
			return fmt.Errorf("reactor: select add: fd %d exceeds FD_SETSIZE", c.FD())
		}
		p.channels[c.FD()] = c
		p.growMax(c.FD())
		c.SetIndex(IndexAdded)
		return nil
	case IndexDeleted:
		existing, ok := p.get(c.FD())
		if !ok || existing != c {
			return fmt.Errorf("reactor: select re-add: fd %d mismatch", c.FD())
		}
		p.channels[c.FD()] = c
		p.growMax(c.FD())
		c.SetIndex(IndexAdded)
		return nil
	case IndexAdded:
		if c.IsNoneEvent() {
			// Kept in p.channels, matching Epoll/Poll: a later re-add from
			// IndexDeleted looks the channel up by fd and expects to find it.
			c.SetIndex(IndexDeleted)
			return nil
		}
		return nil
	default:
		return fmt.Errorf("reactor: select update: fd %d has unknown index", c.FD())
	}
}

func (p *SelectPoller) RemoveChannel(c *Channel) {
	if !c.IsNoneEvent() {
		panic("reactor: RemoveChannel called with nonempty interest")
	}
	delete(p.channels, c.FD())
	c.SetIndex(IndexNew)
	p.recomputeMax()
}

func (p *SelectPoller) HasChannel(fd int) bool { return p.hasChannel(fd) }

func (p *SelectPoller) Close() error { return nil }

func (p *SelectPoller) growMax(fd int) {
	if fd > p.maxFD {
		p.maxFD = fd
	}
}

func (p *SelectPoller) recomputeMax() {
	max := -1
	for fd := range p.channels {
		if fd > max {
			max = fd
		}
	}
	p.maxFD = max
}
