package tcp

import (
	"fmt"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
)

// TcpServer owns an Acceptor bound to a base loop, an
// EventLoopThreadPool of worker loops, and the registry of live
// connections. New connections are accepted on the base loop and handed
// off round-robin to a worker loop, which then owns that connection for
// the rest of its lifetime.
type TcpServer struct {
	baseLoop *loop.EventLoop
	name     string
	addr     netutil.Addr

	acceptor *Acceptor
	pool     *loop.EventLoopThreadPool

	started atomic.Bool
	nextID  atomic.Int64

	connections cmap.ConcurrentMap[string, *TcpConnection]

	connCallback    ConnectionCallback
	msgCallback     MessageCallback
	writeCompleteCb WriteCompleteCallback
	threadInitFunc  func(*loop.EventLoop)

	logger  *control.Logger
	metrics *control.MetricsRegistry
}

// NewTcpServer constructs a server bound to baseLoop, listening on addr
// once Start is called. name is used as the prefix for generated
// connection names.
func NewTcpServer(baseLoop *loop.EventLoop, addr netutil.Addr, name string, reusePort bool) (*TcpServer, error) {
	acc, err := NewAcceptor(baseLoop, addr, reusePort)
	if err != nil {
		return nil, err
	}
	s := &TcpServer{
		baseLoop:    baseLoop,
		name:        name,
		addr:        addr,
		acceptor:    acc,
		pool:        loop.NewEventLoopThreadPool(baseLoop),
		connections: cmap.New[*TcpConnection](),
	}
	acc.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetConnectionCallback installs the up/down transition callback applied
// to every connection this server accepts.
func (s *TcpServer) SetConnectionCallback(fn ConnectionCallback) { s.connCallback = fn }

// SetMessageCallback installs the inbound-data callback applied to every
// connection this server accepts.
func (s *TcpServer) SetMessageCallback(fn MessageCallback) { s.msgCallback = fn }

// SetWriteCompleteCallback installs the output-drained callback applied
// to every connection this server accepts.
func (s *TcpServer) SetWriteCompleteCallback(fn WriteCompleteCallback) { s.writeCompleteCb = fn }

// SetThreadInitCallback installs a hook run on each worker loop's own
// thread right after construction, before Start returns.
func (s *TcpServer) SetThreadInitCallback(fn func(*loop.EventLoop)) { s.threadInitFunc = fn }

// SetLogger threads a shared *control.Logger into the server, its
// acceptor, and every connection it goes on to accept, so fatal socket
// errors are logged consistently across the whole server instead of
// only at the call sites a caller happens to wire by hand. Must be
// called before Start.
func (s *TcpServer) SetLogger(l *control.Logger) {
	s.logger = l
	s.acceptor.SetLogger(l)
}

// SetMetrics threads a shared *control.MetricsRegistry into the server,
// its acceptor, and every connection it goes on to accept. Must be
// called before Start.
func (s *TcpServer) SetMetrics(m *control.MetricsRegistry) {
	s.metrics = m
	s.acceptor.SetMetrics(m)
}

// Start is idempotent: the first call starts numThreads worker loops (0
// means every connection shares the base loop) and asks the base loop to
// begin listening; subsequent calls are no-ops.
func (s *TcpServer) Start(numThreads int) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if s.threadInitFunc != nil {
		s.pool.SetThreadInitFunc(s.threadInitFunc)
	}
	if err := s.pool.Start(numThreads); err != nil {
		return fmt.Errorf("tcp: start worker pool: %w", err)
	}

	errCh := make(chan error, 1)
	s.baseLoop.RunInLoop(func() { errCh <- s.acceptor.Listen() })
	return <-errCh
}

// Stop quits every worker loop. The base loop and its acceptor are left
// running; callers that own the base loop are responsible for quitting
// it themselves once they are done issuing further work on it.
func (s *TcpServer) Stop() {
	s.pool.Stop()
}

// Connections returns a snapshot of every live connection's name.
func (s *TcpServer) Connections() []string { return s.connections.Keys() }

func (s *TcpServer) newConnection(fd int, peer netutil.Addr) {
	s.baseLoop.AssertInLoopThread()

	workerLoop := s.pool.GetNextLoop()
	id := s.nextID.Add(1)
	name := fmt.Sprintf("%s-%s#%d", s.name, s.addr, id)

	local, err := netutil.LocalAddr(fd)
	if err != nil {
		local = s.addr
	}

	conn := NewTcpConnection(workerLoop, name, fd, local, peer)
	conn.SetConnectionCallback(s.connCallback)
	conn.SetMessageCallback(s.msgCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCb)
	conn.setCloseCallback(s.removeConnection)
	conn.SetLogger(s.logger)
	conn.SetMetrics(s.metrics)

	s.connections.Set(name, conn)
	workerLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection is thread-safe: it is invoked as a TcpConnection's
// internal close callback, which always runs on that connection's own
// worker loop, but must hop to the base loop before touching the shared
// connection map.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.baseLoop.AssertInLoopThread()
	s.connections.Remove(conn.Name())
	// queueInLoop, not runInLoop: this guarantees conn survives at least
	// until its worker loop's next task-drain phase even if this removal
	// is itself running from inside one of conn's own callback frames.
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}
