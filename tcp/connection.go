// Package tcp implements the accepted-connection and server abstractions
// built atop reactor.Channel and loop.EventLoop: Acceptor, TcpConnection,
// and TcpServer.
//
// TcpConnection is a thread-confined connection state machine, kept
// alive by the server's registry and by the queued closures that
// capture it, with a send/shutdown/forceClose contract: writes queue onto the
// connection's own loop, half-close waits for the output buffer to
// drain, and force-close tears the socket down immediately.
package tcp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/reactorgo/reactorfs/buffer"
	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/reactor"
)

// State is a TcpConnection's position in its state machine. The
// connection stores it in an atomic field so Connected() can be read
// from any thread.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionCallback is invoked on both the up and down transition; use
// Connected() to disambiguate.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback is invoked whenever bytes are read from the peer. The
// callback is expected to Retrieve whatever it consumes from buf; bytes
// left unretrieved remain for the next invocation.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp)

// WriteCompleteCallback is queued onto the loop once a send's bytes have
// all been written: right after a direct write that took the whole
// payload, or once the output buffer has fully drained.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback is invoked at most once per crossing of the
// configured high-water threshold, with the output buffer's size at the
// moment of crossing.
type HighWaterMarkCallback func(conn *TcpConnection, currentOutputBytes int)

// CloseCallback is the server's internal hook for removing a connection
// from its registry; distinct from the user-facing ConnectionCallback.
type CloseCallback func(conn *TcpConnection)

// ErrorCallback is invoked when a pending SO_ERROR is observed on the
// socket, before the connection is torn down via handleClose.
type ErrorCallback func(conn *TcpConnection, err error)

// TcpConnection wraps one accepted, non-blocking socket: its Channel, its
// input and output Buffers, and the five user-facing callbacks. A
// TcpConnection is forever bound to the EventLoop it was constructed
// with; every method documented as loop-confined panics via
// AssertInLoopThread if called from elsewhere.
type TcpConnection struct {
	loop *loop.EventLoop
	name string
	fd   int

	channel *reactor.Channel

	local netutil.Addr
	peer  netutil.Addr

	state atomic.Int32 // State, but loaded/stored atomically so Connected() is safe from any thread

	inputBuf  *buffer.Buffer
	outputBuf *buffer.Buffer

	highWaterMark int
	closed        bool

	connCallback    ConnectionCallback
	msgCallback     MessageCallback
	writeCompleteCb WriteCompleteCallback
	highWaterMarkCb HighWaterMarkCallback
	closeCallback   CloseCallback
	errorCallback   ErrorCallback

	logger  *control.Logger
	metrics *control.MetricsRegistry

	mu sync.Mutex // guards closed, for idempotent fd close only
}

const defaultHighWaterMark = 64 * 1024 * 1024

// NewTcpConnection constructs a connection for an already-accepted fd,
// bound to el. The connection starts in StateConnecting; the server
// calls ConnectEstablished once it has registered the connection and
// handed it to its worker loop.
func NewTcpConnection(el *loop.EventLoop, name string, fd int, local, peer netutil.Addr) *TcpConnection {
	c := &TcpConnection{
		loop:          el,
		name:          name,
		fd:            fd,
		local:         local,
		peer:          peer,
		inputBuf:      buffer.New(),
		outputBuf:     buffer.New(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.channel = reactor.NewChannel(el, fd)
	c.channel.SetLogString(name)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

// Name returns the connection's server-assigned identifier.
func (c *TcpConnection) Name() string { return c.name }

// LocalAddress returns the local endpoint.
func (c *TcpConnection) LocalAddress() netutil.Addr { return c.local }

// PeerAddress returns the remote endpoint.
func (c *TcpConnection) PeerAddress() netutil.Addr { return c.peer }

// Loop returns the EventLoop this connection is bound to.
func (c *TcpConnection) Loop() *loop.EventLoop { return c.loop }

// Connected reports whether the connection is in StateConnected. Safe
// from any thread.
func (c *TcpConnection) Connected() bool { return State(c.state.Load()) == StateConnected }

func (c *TcpConnection) getState() State { return State(c.state.Load()) }
func (c *TcpConnection) setState(s State) { c.state.Store(int32(s)) }

// InputBuffer returns the connection's input buffer. Only safe to touch
// from the owning loop's thread (i.e. from within a MessageCallback).
func (c *TcpConnection) InputBuffer() *buffer.Buffer { return c.inputBuf }

// OutputBuffer returns the connection's output buffer. Only safe to
// touch from the owning loop's thread.
func (c *TcpConnection) OutputBuffer() *buffer.Buffer { return c.outputBuf }

// SetConnectionCallback installs the up/down transition callback.
func (c *TcpConnection) SetConnectionCallback(fn ConnectionCallback) { c.connCallback = fn }

// SetMessageCallback installs the inbound-data callback.
func (c *TcpConnection) SetMessageCallback(fn MessageCallback) { c.msgCallback = fn }

// SetWriteCompleteCallback installs the output-drained callback.
func (c *TcpConnection) SetWriteCompleteCallback(fn WriteCompleteCallback) { c.writeCompleteCb = fn }

// SetHighWaterMarkCallback installs the backpressure callback, fired at
// most once per crossing of threshold bytes queued for write.
func (c *TcpConnection) SetHighWaterMarkCallback(fn HighWaterMarkCallback, threshold int) {
	c.highWaterMarkCb = fn
	c.highWaterMark = threshold
}

// setCloseCallback installs the server's internal removal hook.
func (c *TcpConnection) setCloseCallback(fn CloseCallback) { c.closeCallback = fn }

// SetErrorCallback installs the pending-socket-error callback.
func (c *TcpConnection) SetErrorCallback(fn ErrorCallback) { c.errorCallback = fn }

// SetLogger threads a shared *control.Logger in, so fatal socket errors
// are logged before handleClose runs instead of failing silently.
func (c *TcpConnection) SetLogger(l *control.Logger) { c.logger = l }

// SetMetrics threads a shared *control.MetricsRegistry in; bytes
// read/written and connection up/down transitions are counted against
// it.
func (c *TcpConnection) SetMetrics(m *control.MetricsRegistry) { c.metrics = m }

func (c *TcpConnection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *TcpConnection) incr(key string, delta int64) {
	if c.metrics != nil {
		c.metrics.Incr(key, delta)
	}
}

// SetTcpNoDelay enables or disables Nagle's algorithm on the underlying
// socket.
func (c *TcpConnection) SetTcpNoDelay(on bool) error {
	return netutil.SetTCPNoDelay(c.fd, on)
}

// connectEstablished transitions Connecting -> Connected, enables read
// interest, and invokes the connection callback. Called exactly once by
// the server, on this connection's own worker loop.
func (c *TcpConnection) connectEstablished() {
	c.loop.AssertInLoopThread()
	if c.getState() != StateConnecting {
		panic(fmt.Sprintf("tcp: connectEstablished called on %s in state %s", c.name, c.getState()))
	}
	c.setState(StateConnected)
	if err := c.channel.EnableReading(); err != nil {
		c.handleError()
		return
	}
	c.incr("tcp.connections_established", 1)
	if c.connCallback != nil {
		c.connCallback(c)
	}
}

// connectDestroyed tears down the channel registration. Called by the
// server once removal from its map is complete, via queueInLoop so the
// connection object stays alive until the worker loop's next task-drain
// phase.
func (c *TcpConnection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.getState() == StateConnected {
		c.setState(StateDisconnected)
		_ = c.channel.DisableAll()
		if c.connCallback != nil {
			c.connCallback(c)
		}
	}
	c.channel.Remove()
	c.closeFD()
}

func (c *TcpConnection) closeFD() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = unix.Close(c.fd)
}

func (c *TcpConnection) handleRead(ts netutil.Timestamp) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuf.ReadFD(c.fd)
	switch {
	case n > 0:
		c.incr("tcp.bytes_read", int64(n))
		if c.msgCallback != nil {
			c.msgCallback(c, c.inputBuf, ts)
		}
	case n == 0 && err == nil:
		c.handleClose()
	default:
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		c.logf("tcp: %s: read error: %v", c.name, err)
		c.incr("tcp.read_errors", 1)
		c.handleError()
		c.handleClose()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		return
	}
	data := c.outputBuf.Peek()
	n, err := unix.Write(c.fd, data)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		c.logf("tcp: %s: write error: %v", c.name, err)
		c.incr("tcp.write_errors", 1)
		c.handleClose()
		return
	}
	c.incr("tcp.bytes_written", int64(n))
	c.outputBuf.Retrieve(n)
	if c.outputBuf.ReadableBytes() == 0 {
		_ = c.channel.DisableWriting()
		if c.writeCompleteCb != nil {
			cb := c.writeCompleteCb
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.getState() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose is idempotent: it returns immediately once the connection
// has already reached StateDisconnected, so a close racing a pending
// error/read callback in the same dispatch pass never double-fires the
// user's connection/close callbacks.
func (c *TcpConnection) handleClose() {
	c.loop.AssertInLoopThread()
	if c.getState() == StateDisconnected {
		return
	}
	c.setState(StateDisconnected)
	_ = c.channel.DisableAll()
	c.incr("tcp.connections_closed", 1)

	if c.connCallback != nil {
		c.connCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	if err := netutil.SocketError(c.fd); err != nil {
		c.logf("tcp: %s: socket error: %v", c.name, err)
		c.incr("tcp.socket_errors", 1)
		if c.errorCallback != nil {
			c.errorCallback(c, err)
		}
	}
}

// Send queues bytes for write. Thread-safe: from the owning loop thread
// the write is attempted immediately; from any other thread the payload
// is copied and handed to the loop via RunInLoop.
func (c *TcpConnection) Send(data []byte) {
	if len(data) == 0 || c.getState() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	copied := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(copied) })
}

// SendString is a convenience wrapper around Send for string payloads.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

// SendBuffer queues buf's entire readable region and retrieves it from buf
// synchronously, before any cross-thread queueing happens — mirroring the
// ByteBuffer* overload's contract of extracting the bytes up front rather
// than racing a later caller-side mutation of buf.
func (c *TcpConnection) SendBuffer(buf *buffer.Buffer) {
	data := buf.RetrieveAsBytes(buf.ReadableBytes())
	c.Send(data)
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.getState() == StateDisconnected {
		return
	}

	var remaining []byte
	if !c.channel.IsWriting() && c.outputBuf.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			c.incr("tcp.bytes_written", int64(n))
			if n == len(data) {
				if c.writeCompleteCb != nil {
					cb := c.writeCompleteCb
					c.loop.QueueInLoop(func() { cb(c) })
				}
				return
			}
			remaining = data[n:]
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			remaining = data
		case errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET):
			c.logf("tcp: %s: fatal write error: %v", c.name, err)
			c.incr("tcp.write_errors", 1)
			c.handleClose()
			return
		default:
			c.logf("tcp: %s: write error: %v", c.name, err)
			c.incr("tcp.write_errors", 1)
			c.handleClose()
			return
		}
	} else {
		remaining = data
	}

	if len(remaining) == 0 {
		return
	}

	oldLen := c.outputBuf.ReadableBytes()
	newLen := oldLen + len(remaining)
	if oldLen < c.highWaterMark && newLen >= c.highWaterMark && c.highWaterMarkCb != nil {
		cb := c.highWaterMarkCb
		c.loop.QueueInLoop(func() { cb(c, newLen) })
	}
	c.outputBuf.Append(remaining)
	if !c.channel.IsWriting() {
		if err := c.channel.EnableWriting(); err != nil {
			c.handleClose()
		}
	}
}

// Shutdown half-closes the write side once pending output has drained.
// No-op unless the connection is currently StateConnected.
func (c *TcpConnection) Shutdown() {
	if c.getState() != StateConnected {
		return
	}
	c.setState(StateDisconnecting)
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.channel.IsWriting() {
		return
	}
	_ = netutil.ShutdownWrite(c.fd)
}

// ForceClose closes the connection immediately, abandoning any queued
// output. Safe from any thread.
func (c *TcpConnection) ForceClose() {
	if c.getState() == StateDisconnected {
		return
	}
	c.setState(StateDisconnecting)
	c.loop.QueueInLoop(c.forceCloseInLoop)
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if c.getState() == StateDisconnected {
		return
	}
	c.handleClose()
}
