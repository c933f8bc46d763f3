package fileserver

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/loop"
	"github.com/reactorgo/reactorfs/netutil"
	"github.com/reactorgo/reactorfs/tcp"
)

// newTestFileServer starts a real TcpServer with a Handler attached, on
// an OS-assigned port grabbed via a throwaway listener (the fileserver
// package has no access to the acceptor's private listening fd to read
// the bound port back out, unlike tcp's own in-package tests).
func newTestFileServer(t *testing.T) (addr string, cache *Cache) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	el, err := loop.New(loop.WithPollTimeout(2 * time.Millisecond))
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	go el.Loop()
	time.Sleep(5 * time.Millisecond)

	srv, err := tcp.NewTcpServer(el, netutil.NewAddr(uint16(port), true), "filetest", false)
	if err != nil {
		t.Fatalf("NewTcpServer: %v", err)
	}

	cache, err = NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	NewHandler(cache, nil).Attach(srv)

	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		el.Quit()
		_ = el.Close()
	})

	return "127.0.0.1:" + strconv.Itoa(port), cache
}

func writeFrame(t *testing.T, conn net.Conn, msg any) {
	t.Helper()
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) any {
	t.Helper()
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	bodyLen := binary.BigEndian.Uint32(header)
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	msg, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionUploadDownloadRoundTrip(t *testing.T) {
	addr, cache := newTestFileServer(t)
	conn := dial(t, addr)

	content := []byte("the quick brown fox jumps over the lazy dog")
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])

	writeFrame(t, conn, MsgUploadReq{Filename: "fox.txt", Size: int64(len(content)), MD5: digest})
	ack := readFrame(t, conn).(MsgUploadAck)
	if !ack.Accepted {
		t.Fatalf("upload rejected: %s", ack.Reason)
	}

	writeFrame(t, conn, MsgUploadData{Filename: "fox.txt", Chunk: content})
	writeFrame(t, conn, MsgUploadDone{Filename: "fox.txt", MD5: digest})

	deadline := time.Now().Add(time.Second)
	for !cache.Has(digest) {
		if time.Now().After(deadline) {
			t.Fatal("upload never registered in cache")
		}
		time.Sleep(time.Millisecond)
	}

	writeFrame(t, conn, MsgDownloadReq{MD5: digest})
	var got []byte
	for {
		msg := readFrame(t, conn)
		switch m := msg.(type) {
		case MsgDownloadData:
			if m.MD5 != digest {
				t.Fatalf("download data MD5 = %s, want %s", m.MD5, digest)
			}
			got = append(got, m.Chunk...)
		case MsgDownloadDone:
			if m.MD5 != digest {
				t.Fatalf("download done MD5 = %s, want %s", m.MD5, digest)
			}
			if string(got) != string(content) {
				t.Fatalf("downloaded content = %q, want %q", got, content)
			}
			return
		default:
			t.Fatalf("unexpected message %T during download", m)
		}
	}
}

func TestSessionUploadRejectsMD5Mismatch(t *testing.T) {
	addr, cache := newTestFileServer(t)
	conn := dial(t, addr)

	content := []byte("mismatched payload")
	claimedDigest := hex.EncodeToString(md5.New().Sum(nil)) // digest of empty string, deliberately wrong

	writeFrame(t, conn, MsgUploadReq{Filename: "bad.txt", Size: int64(len(content)), MD5: claimedDigest})
	ack := readFrame(t, conn).(MsgUploadAck)
	if !ack.Accepted {
		t.Fatalf("upload rejected before data even sent: %s", ack.Reason)
	}

	writeFrame(t, conn, MsgUploadData{Filename: "bad.txt", Chunk: content})
	writeFrame(t, conn, MsgUploadDone{Filename: "bad.txt", MD5: claimedDigest})

	msg := readFrame(t, conn)
	errMsg, ok := msg.(MsgError)
	if !ok {
		t.Fatalf("got %T, want MsgError", msg)
	}
	if errMsg.Code != control.ErrCodeInvalidArgument {
		t.Fatalf("error code = %v, want ErrCodeInvalidArgument", errMsg.Code)
	}
	if cache.Has(claimedDigest) {
		t.Fatal("mismatched upload was registered in cache")
	}
}

func TestSessionUploadRejectsDuplicate(t *testing.T) {
	addr, cache := newTestFileServer(t)

	content := []byte("duplicate me")
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])
	cache.Register(digest)

	conn := dial(t, addr)
	writeFrame(t, conn, MsgUploadReq{Filename: "dup.txt", Size: int64(len(content)), MD5: digest})
	ack := readFrame(t, conn).(MsgUploadAck)
	if ack.Accepted {
		t.Fatal("duplicate upload was accepted")
	}
}
