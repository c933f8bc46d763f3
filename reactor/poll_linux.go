//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/netutil"
)

// PollPoller implements Poller over POSIX poll(2). It keeps a parallel
// []unix.PollFd alongside a fd -> array-position map, so RemoveChannel is
// an O(1) swap-pop rather than a linear scan.
type PollPoller struct {
	registry
	fds    []unix.PollFd
	posOf  map[int]int // fd -> index into fds
}

// NewPollPoller constructs an empty PollPoller.
func NewPollPoller() *PollPoller {
	return &PollPoller{
		registry: newRegistry(),
		posOf:    make(map[int]int),
	}
}

func (p *PollPoller) Poll(timeoutMs int, active *[]*Channel) (netutil.Timestamp, error) {
	n, err := unix.Poll(p.fds, timeoutMs)
	ts := netutil.Now()
	if err != nil {
		if err == unix.EINTR {
			return ts, nil
		}
		return ts, fmt.Errorf("reactor: poll: %w", err)
	}
	if n == 0 {
		return ts, nil
	}
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		c, ok := p.get(int(pfd.Fd))
		if !ok {
			continue
		}
		c.SetRevents(fromPollEvents(pfd.Revents))
		*active = append(*active, c)
	}
	return ts, nil
}

func (p *PollPoller) UpdateChannel(c *Channel) error {
	switch c.Index() {
	case IndexNew, IndexDeleted:
		if p.hasChannel(c.FD()) && c.Index() == IndexNew {
			return fmt.Errorf("reactor: poll add: fd %d already registered", c.FD())
		}
		pos := len(p.fds)
		p.fds = append(p.fds, unix.PollFd{Fd: int32(c.FD()), Events: toPollEvents(c.Interest())})
		p.posOf[c.FD()] = pos
		p.channels[c.FD()] = c
		c.SetIndex(IndexAdded)
		return nil
	case IndexAdded:
		pos, ok := p.posOf[c.FD()]
		if !ok {
			return fmt.Errorf("reactor: poll update: fd %d missing from position map", c.FD())
		}
		if c.IsNoneEvent() {
			p.removeAt(pos)
			c.SetIndex(IndexDeleted)
			return nil
		}
		p.fds[pos].Events = toPollEvents(c.Interest())
		return nil
	default:
		return fmt.Errorf("reactor: poll update: fd %d has unknown index", c.FD())
	}
}

func (p *PollPoller) RemoveChannel(c *Channel) {
	if !c.IsNoneEvent() {
		panic("reactor: RemoveChannel called with nonempty interest")
	}
	if c.Index() == IndexAdded {
		if pos, ok := p.posOf[c.FD()]; ok {
			p.removeAt(pos)
		}
	}
	delete(p.channels, c.FD())
	c.SetIndex(IndexNew)
}

// removeAt deletes the pollfd at position pos via swap-pop with the last
// element, fixing up posOf for whichever fd moved into pos.
func (p *PollPoller) removeAt(pos int) {
	last := len(p.fds) - 1
	removedFD := p.fds[pos].Fd
	if pos != last {
		p.fds[pos] = p.fds[last]
		p.posOf[int(p.fds[pos].Fd)] = pos
	}
	p.fds = p.fds[:last]
	delete(p.posOf, int(removedFD))
}

func (p *PollPoller) HasChannel(fd int) bool { return p.hasChannel(fd) }

func (p *PollPoller) Close() error { return nil }

func toPollEvents(m EventMask) int16 {
	var e int16
	if m&EventRead != 0 {
		e |= unix.POLLIN | unix.POLLPRI
	}
	if m&EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func fromPollEvents(e int16) EventMask {
	var m EventMask
	if e&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		m |= EventRead
	}
	if e&unix.POLLOUT != 0 {
		m |= EventWrite
	}
	if e&unix.POLLHUP != 0 {
		m |= EventClose
	}
	if e&(unix.POLLERR|unix.POLLNVAL) != 0 {
		m |= EventError
	}
	return m
}
