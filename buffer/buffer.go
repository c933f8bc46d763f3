// Package buffer implements the growable read/write staging buffer used by
// a single TCP connection for both its input and output sides.
//
// It is a contiguous byte slice with a prepend reserve ahead of the read
// cursor, so length-prefixed framing can be inserted in place without
// copying the readable region.
package buffer

import (
	"io"

	"golang.org/x/sys/unix"
)

const (
	// PrependSize is the reserved region kept ahead of the read cursor.
	PrependSize = 8
	// InitialSize is the default writable capacity of a new Buffer.
	InitialSize = 1024
	// extraBufSize is the size of the stack-resident overflow region used
	// by ReadFD's scatter read.
	extraBufSize = 65536
)

// Buffer is a growable byte region with a read cursor and a write cursor,
// satisfying 0 <= readerIndex <= writerIndex <= len(buf).
//
// A Buffer is not safe for concurrent use: each TcpConnection touches its
// input and output buffers only from its owning loop's goroutine.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns an empty Buffer with the default prepend reserve and
// initial writable capacity.
func New() *Buffer {
	return NewWithSize(InitialSize)
}

// NewWithSize returns an empty Buffer with the given initial writable
// capacity (in addition to the prepend reserve).
func NewWithSize(initialSize int) *Buffer {
	return &Buffer{
		buf:         make([]byte, PrependSize+initialSize),
		readerIndex: PrependSize,
		writerIndex: PrependSize,
	}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be appended without
// growing the buffer.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the space currently available ahead of the
// read cursor.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The returned
// slice is aliased to the buffer's storage and is invalidated by any
// subsequent Append/Retrieve call that triggers growth or compaction —
// callers must not retain it across those calls.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve advances the read cursor by n bytes. n must not exceed
// ReadableBytes. If n consumes everything readable, both cursors reset to
// the start of the prepend reserve so subsequent appends reuse the front
// of the buffer.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.readerIndex = PrependSize
		b.writerIndex = PrependSize
		return
	}
	b.readerIndex += n
}

// RetrieveAll discards all readable bytes and resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = PrependSize
	b.writerIndex = PrependSize
}

// RetrieveAllAsString consumes and returns every readable byte as a
// string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAsBytes consumes and returns the first n readable bytes as a
// freshly allocated slice.
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:b.readerIndex+n])
	b.Retrieve(n)
	return out
}

// Append copies src into the buffer's writable tail, growing (and, if
// needed, compacting) first.
func (b *Buffer) Append(src []byte) {
	if b.WritableBytes() < len(src) {
		b.makeSpace(len(src))
	}
	n := copy(b.buf[b.writerIndex:], src)
	b.writerIndex += n
}

// AppendString is a convenience wrapper around Append for string payloads.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// makeSpace ensures at least n bytes are writable, first compacting by
// sliding the readable region back to the start of the prepend reserve
// if that alone is sufficient, otherwise doubling capacity.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes()-PrependSize >= n {
		readable := b.ReadableBytes()
		copy(b.buf[PrependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = PrependSize
		b.writerIndex = PrependSize + readable
		return
	}
	newCap := len(b.buf)
	for newCap-b.writerIndex < n {
		newCap *= 2
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf[:b.writerIndex])
	b.buf = grown
}

// ReadFD performs a scattered read from fd into the buffer's writable
// tail and a stack-resident 64 KiB overflow region in a single syscall,
// then appends any overflow back into the buffer (growing it if
// necessary). This lets one read syscall pull in more than the buffer's
// current writable tail without first growing the buffer speculatively.
//
// Returns the number of bytes read (0 on EOF), or an error. EAGAIN /
// EWOULDBLOCK are returned unwrapped so callers can distinguish
// transient backpressure from a real error.
func (b *Buffer) ReadFD(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	var bufs [][]byte
	if writable > 0 {
		bufs = append(bufs, b.buf[b.writerIndex:])
	}
	bufs = append(bufs, extra[:])

	n, err := readv(fd, bufs)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
		return n, nil
	}
	b.writerIndex += writable
	b.Append(extra[:n-writable])
	return n, nil
}

// readv wraps unix.Readv. Tests exercise the same two-region strategy
// through WriteFromReader below, without a real file descriptor.
func readv(fd int, bufs [][]byte) (int, error) {
	n, err := unix.Readv(fd, bufs)
	return int(n), err
}

// WriteFromReader is a test/portability helper that fills the buffer from
// an io.Reader using the same two-region strategy as ReadFD, for
// environments (or tests) without a real socket fd.
func (b *Buffer) WriteFromReader(r io.Reader) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()
	n1, err1 := r.Read(b.buf[b.writerIndex : b.writerIndex+writable])
	if n1 > 0 {
		b.writerIndex += n1
	}
	if err1 != nil {
		return n1, err1
	}
	if n1 < writable {
		return n1, nil
	}
	n2, err2 := r.Read(extra[:])
	if n2 > 0 {
		b.Append(extra[:n2])
	}
	return n1 + n2, err2
}
