package reactor

import "github.com/reactorgo/reactorfs/netutil"

// Poller is the abstract readiness multiplexer over a set of file
// descriptors. Epoll, Poll, and Select all implement this contract
// identically; only their internal mechanism differs.
//
// Methods must only be called from the EventLoop that owns the Poller.
// Implementations do not check thread affinity themselves; the
// EventLoop's UpdateChannel/RemoveChannel assert it before forwarding.
type Poller interface {
	// Poll blocks up to timeoutMs (a negative value blocks indefinitely).
	// On return, every channel whose fd has nonzero ready events is
	// appended to activeChannels with its ready mask set, and the
	// poll-return timestamp is returned.
	Poll(timeoutMs int, activeChannels *[]*Channel) (netutil.Timestamp, error)

	// UpdateChannel adds, modifies, or deletes c's registration based on
	// c.Index() and c.IsNoneEvent().
	UpdateChannel(c *Channel) error

	// RemoveChannel erases c's registration. Must only be called when
	// c.IsNoneEvent() is true.
	RemoveChannel(c *Channel)

	// HasChannel reports whether fd is currently registered.
	HasChannel(fd int) bool

	// Close releases any OS resources (epoll fd, etc.) held by the
	// poller.
	Close() error
}

// registry is the fd -> *Channel bookkeeping shared by all three Poller
// implementations. For every live entry, registry.channels[fd] == c and
// c.Index() is Added or Deleted.
type registry struct {
	channels map[int]*Channel
}

func newRegistry() registry {
	return registry{channels: make(map[int]*Channel)}
}

func (r *registry) hasChannel(fd int) bool {
	_, ok := r.channels[fd]
	return ok
}

func (r *registry) get(fd int) (*Channel, bool) {
	c, ok := r.channels[fd]
	return c, ok
}
