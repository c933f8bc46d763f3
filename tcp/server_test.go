package tcp

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reactorgo/reactorfs/buffer"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
)

func newTestServer(t *testing.T, name string) (*TcpServer, *loop.EventLoop) {
	t.Helper()
	el, err := loop.New(loop.WithPollTimeout(2 * time.Millisecond))
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	go el.Loop()
	time.Sleep(5 * time.Millisecond)

	addr := netutil.NewAddr(0, true)
	srv, err := NewTcpServer(el, addr, name, false)
	if err != nil {
		t.Fatalf("NewTcpServer: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		el.Quit()
		_ = el.Close()
	})
	return srv, el
}

func boundPort(t *testing.T, s *TcpServer) int {
	t.Helper()
	a, err := netutil.LocalAddr(s.acceptor.listenFD)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	return int(a.Port())
}

func TestEchoServerRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "echo")

	var connected sync.WaitGroup
	connected.Add(1)
	srv.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			connected.Done()
		}
	})
	srv.SetMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp) {
		conn.SendString(buf.RetrieveAllAsString())
	})

	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := boundPort(t, srv)

	cli, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	connected.Wait()

	if _, err := cli.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	cli.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 5)
	if _, err := cli.Read(buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echoed = %q, want %q", buf, "hello")
	}
}

func TestHighWaterMarkCallbackFiresOnBackpressure(t *testing.T) {
	srv, _ := newTestServer(t, "backpressure")

	var hwFired sync.WaitGroup
	hwFired.Add(1)
	var once sync.Once

	srv.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			conn.SetHighWaterMarkCallback(func(c *TcpConnection, n int) {
				once.Do(hwFired.Done)
			}, 1024)
		}
	})
	// The message callback only discards input, and the client never
	// reads what the server sends, so queuing a large payload is
	// guaranteed to exceed the socket's own send buffer and pile up in the
	// connection's output buffer, crossing the configured threshold.
	srv.SetMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp) {
		buf.RetrieveAll()
	})

	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := boundPort(t, srv)

	cli, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	time.Sleep(5 * time.Millisecond)

	var named *TcpConnection
	for _, k := range srv.Connections() {
		v, ok := srv.connections.Get(k)
		if ok {
			named = v
		}
	}
	if named == nil {
		t.Fatal("no connection registered")
	}

	payload := make([]byte, 4*1024*1024)
	named.Send(payload)

	done := make(chan struct{})
	go func() { hwFired.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("high-water-mark callback never fired")
	}
}

func TestShutdownDrainsPendingWritesBeforeClosing(t *testing.T) {
	srv, _ := newTestServer(t, "shutdown")

	srv.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			conn.SendString("before-shutdown")
			conn.Shutdown()
		}
	})
	srv.SetMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp) {
		buf.RetrieveAll()
	})

	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := boundPort(t, srv)

	cli, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	cli.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, len("before-shutdown"))
	n, err := readFull(cli, buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "before-shutdown" {
		t.Fatalf("got %q, want %q", buf[:n], "before-shutdown")
	}
	if _, err := cli.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read after drained payload: err = %v, want io.EOF", err)
	}
}

func TestSendZeroBytesIsNoopAndSendBufferDeliversPayload(t *testing.T) {
	srv, _ := newTestServer(t, "zerobyte")

	var writeCompleteCount atomic.Int32
	var named atomic.Pointer[TcpConnection]
	var connected sync.WaitGroup
	connected.Add(1)

	srv.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			named.Store(conn)
			connected.Done()
		}
	})
	srv.SetWriteCompleteCallback(func(conn *TcpConnection) {
		writeCompleteCount.Add(1)
	})
	srv.SetMessageCallback(func(conn *TcpConnection, buf *buffer.Buffer, ts netutil.Timestamp) {
		buf.RetrieveAll()
	})

	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := boundPort(t, srv)

	cli, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()
	connected.Wait()

	conn := named.Load()
	conn.Send(nil)
	conn.Send([]byte{})
	time.Sleep(20 * time.Millisecond)
	if n := writeCompleteCount.Load(); n != 0 {
		t.Fatalf("write-complete fired %d times for zero-byte sends, want 0", n)
	}

	payloadBuf := buffer.New()
	payloadBuf.AppendString("via-buffer")
	conn.SendBuffer(payloadBuf)
	if payloadBuf.ReadableBytes() != 0 {
		t.Fatalf("SendBuffer left %d bytes behind in the caller's buffer", payloadBuf.ReadableBytes())
	}

	cli.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, len("via-buffer"))
	if _, err := readFull(cli, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "via-buffer" {
		t.Fatalf("got %q, want %q", got, "via-buffer")
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
