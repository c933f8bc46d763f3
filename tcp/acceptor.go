package tcp

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/reactor"
)

// NewConnectionCallback is invoked in the base loop for every accepted
// connection, with the new socket fd and the peer's address.
type NewConnectionCallback func(fd int, peer netutil.Addr)

// Acceptor owns the listening socket and its Channel, registered on the
// base loop with read interest. It keeps a spare fd reserved at
// construction, closed and reopened around an accept-fail busy loop, so
// the process can still shed a connection instead of spinning when it
// runs out of file descriptors.
type Acceptor struct {
	loop        *loop.EventLoop
	listenFD    int
	channel     *reactor.Channel
	idleFD      int
	listening   bool
	newConnCb   NewConnectionCallback
	logger      *control.Logger
	metrics     *control.MetricsRegistry
}

// NewAcceptor creates a non-blocking listening socket bound to addr and
// its Channel owned by el. The Channel is not registered with el's
// poller until Listen enables read interest.
func NewAcceptor(el *loop.EventLoop, addr netutil.Addr, reusePort bool) (*Acceptor, error) {
	fd, err := netutil.Listen(addr, reusePort)
	if err != nil {
		return nil, err
	}
	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcp: reserve idle fd: %w", err)
	}

	a := &Acceptor{loop: el, listenFD: fd, idleFD: idleFD}
	a.channel = reactor.NewChannel(el, fd)
	a.channel.SetLogString("acceptor")
	a.channel.SetReadCallback(func(netutil.Timestamp) { a.handleRead() })
	return a, nil
}

// SetNewConnectionCallback installs the per-accept callback.
func (a *Acceptor) SetNewConnectionCallback(fn NewConnectionCallback) { a.newConnCb = fn }

// SetLogger threads a shared *control.Logger in, so accept errors and
// fd-exhaustion recovery are logged instead of failing silently.
func (a *Acceptor) SetLogger(l *control.Logger) { a.logger = l }

// SetMetrics threads a shared *control.MetricsRegistry in; accept
// errors and fd-exhaustion recoveries are counted against it.
func (a *Acceptor) SetMetrics(m *control.MetricsRegistry) { a.metrics = m }

func (a *Acceptor) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func (a *Acceptor) incr(key string, delta int64) {
	if a.metrics != nil {
		a.metrics.Incr(key, delta)
	}
}

// Listen enables read interest on the listening channel. Must be called
// from the base loop's thread.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	a.listening = true
	return a.channel.EnableReading()
}

func (a *Acceptor) handleRead() {
	a.loop.AssertInLoopThread()
	for {
		fd, peer, err := netutil.Accept4(a.listenFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
				a.logf("tcp: acceptor: %v: %v", control.ErrResourceExhausted, err)
				a.incr("tcp.accept_fd_exhaustion", 1)
				a.recoverFromFDExhaustion()
				return
			}
			a.logf("tcp: acceptor: accept error: %v", err)
			a.incr("tcp.accept_errors", 1)
			return
		}
		a.incr("tcp.accepted", 1)
		if a.newConnCb != nil {
			a.newConnCb(fd, peer)
		} else {
			unix.Close(fd)
		}
	}
}

// recoverFromFDExhaustion frees the reserved idle fd so accept can
// succeed once; the accepted connection is immediately dropped (there
// is nowhere to put it — the process is still out of descriptors), and
// the idle fd is reopened so the trick is available again on the next
// exhaustion.
func (a *Acceptor) recoverFromFDExhaustion() {
	unix.Close(a.idleFD)
	fd, _, err := unix.Accept4(a.listenFD, unix.SOCK_CLOEXEC)
	if err == nil {
		unix.Close(fd)
	}
	a.idleFD, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// Close releases the listening socket and the reserved idle fd.
func (a *Acceptor) Close() error {
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
	return unix.Close(a.listenFD)
}
