package fileserver

import (
	"encoding/binary"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/reactorgo/reactorfs/buffer"
	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/tcp"
)

// Handler wires a Cache of completed uploads into a tcp.TcpServer's
// connection/message/write-complete callbacks, maintaining one Session
// per live connection. It is a thin adapter between TcpServer's
// callback surface and Session — Handler itself holds no socket or
// reactor state of its own.
type Handler struct {
	cache    *Cache
	sessions cmap.ConcurrentMap[string, *Session]
	logger   *control.Logger
}

// NewHandler constructs a Handler backed by cache. If logger is nil,
// protocol errors are silently dropped rather than logged.
func NewHandler(cache *Cache, logger *control.Logger) *Handler {
	return &Handler{cache: cache, sessions: cmap.New[*Session](), logger: logger}
}

// Attach installs this Handler's callbacks on srv. Call once, before
// srv.Start.
func (h *Handler) Attach(srv *tcp.TcpServer) {
	srv.SetConnectionCallback(h.onConnection)
	srv.SetMessageCallback(h.onMessage)
	srv.SetWriteCompleteCallback(h.onWriteComplete)
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func (h *Handler) onConnection(conn *tcp.TcpConnection) {
	if conn.Connected() {
		h.sessions.Set(conn.Name(), NewSession(conn, h.cache))
		h.logf("fileserver: connection %s established from %s", conn.Name(), conn.PeerAddress())
		return
	}
	if sess, ok := h.sessions.Get(conn.Name()); ok {
		sess.Close()
		h.sessions.Remove(conn.Name())
	}
	h.logf("fileserver: connection %s closed", conn.Name())
}

// onMessage implements the same frame-extraction loop as
// FileSession::onRead: peek the 4-byte length prefix, wait for the full
// body to arrive, then retrieve and decode exactly one frame per
// iteration until the buffer no longer holds a complete one.
func (h *Handler) onMessage(conn *tcp.TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp) {
	sess, ok := h.sessions.Get(conn.Name())
	if !ok {
		h.logf("fileserver: message on %s with no session: %v", conn.Name(), control.ErrConnectionClosed)
		conn.ForceClose()
		return
	}

	for {
		if buf.ReadableBytes() < HeaderSize {
			return
		}
		header := buf.Peek()[:HeaderSize]
		bodyLen := int(binary.BigEndian.Uint32(header))
		if bodyLen <= 0 || bodyLen > MaxPackageSize {
			h.logf("fileserver: illegal frame length %d on %s, closing", bodyLen, conn.Name())
			conn.ForceClose()
			return
		}
		if buf.ReadableBytes() < HeaderSize+bodyLen {
			return
		}

		buf.Retrieve(HeaderSize)
		frame := buf.RetrieveAsBytes(bodyLen)

		msg, err := Decode(frame)
		if err != nil {
			h.logf("fileserver: decode error on %s: %v", conn.Name(), err)
			sess.sendError(control.NewError(control.ErrCodeInvalidArgument, fmt.Sprintf("malformed frame: %v", err)))
			continue
		}
		sess.HandleFrame(msg)
	}
}

func (h *Handler) onWriteComplete(conn *tcp.TcpConnection) {
	if sess, ok := h.sessions.Get(conn.Name()); ok {
		sess.OnWriteComplete()
	}
}
