//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/netutil"
)

const initialEpollEventsCap = 16

// EpollPoller is the preferred Poller implementation on Linux, backed by
// epoll(7) via golang.org/x/sys/unix's EpollCreate1/EpollCtl/EpollWait.
type EpollPoller struct {
	registry
	epfd   int
	events []unix.EpollEvent
}

// NewEpollPoller creates a new epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &EpollPoller{
		registry: newRegistry(),
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEpollEventsCap),
	}, nil
}

func (p *EpollPoller) Poll(timeoutMs int, active *[]*Channel) (netutil.Timestamp, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	ts := netutil.Now()
	if err != nil {
		if err == unix.EINTR {
			return ts, nil
		}
		return ts, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		c, ok := p.get(int(ev.Fd))
		if !ok {
			continue
		}
		c.SetRevents(fromEpollEvents(ev.Events))
		*active = append(*active, c)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return ts, nil
}

func (p *EpollPoller) UpdateChannel(c *Channel) error {
	switch c.Index() {
	case IndexNew:
		if p.hasChannel(c.FD()) {
			return fmt.Errorf("reactor: epoll add: fd %d already registered", c.FD())
		}
		p.channels[c.FD()] = c
		if err := p.ctl(unix.EPOLL_CTL_ADD, c); err != nil {
			delete(p.channels, c.FD())
			return err
		}
		c.SetIndex(IndexAdded)
		return nil
	case IndexDeleted:
		existing, ok := p.get(c.FD())
		if !ok || existing != c {
			return fmt.Errorf("reactor: epoll re-add: fd %d mismatch", c.FD())
		}
		if err := p.ctl(unix.EPOLL_CTL_ADD, c); err != nil {
			return err
		}
		c.SetIndex(IndexAdded)
		return nil
	case IndexAdded:
		if c.IsNoneEvent() {
			if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
				return err
			}
			c.SetIndex(IndexDeleted)
			return nil
		}
		if err := p.ctl(unix.EPOLL_CTL_MOD, c); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("reactor: epoll update: fd %d has unknown index", c.FD())
	}
}

func (p *EpollPoller) RemoveChannel(c *Channel) {
	if !c.IsNoneEvent() {
		panic("reactor: RemoveChannel called with nonempty interest")
	}
	if c.Index() == IndexAdded {
		_ = p.ctl(unix.EPOLL_CTL_DEL, c)
	}
	delete(p.channels, c.FD())
	c.SetIndex(IndexNew)
}

func (p *EpollPoller) HasChannel(fd int) bool { return p.hasChannel(fd) }

func (p *EpollPoller) Close() error { return unix.Close(p.epfd) }

func (p *EpollPoller) ctl(op int, c *Channel) error {
	ev := &unix.EpollEvent{Fd: int32(c.FD()), Events: toEpollEvents(c.Interest())}
	if err := unix.EpollCtl(p.epfd, op, c.FD(), ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(%d, fd=%d): %w", op, c.FD(), err)
	}
	return nil
}

func toEpollEvents(m EventMask) uint32 {
	var e uint32
	if m&EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if m&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) EventMask {
	var m EventMask
	if e&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		m |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		m |= EventWrite
	}
	if e&unix.EPOLLHUP != 0 {
		m |= EventClose
	}
	if e&(unix.EPOLLERR) != 0 {
		m |= EventError
	}
	return m
}
