package buffer_test

import (
	"bytes"
	"testing"

	"github.com/reactorgo/reactorfs/buffer"
)

func TestAppendRetrieveAllRoundTrip(t *testing.T) {
	b := buffer.New()
	payload := []byte("hello world")
	b.Append(payload)
	if got := b.ReadableBytes(); got != len(payload) {
		t.Fatalf("ReadableBytes() = %d, want %d", got, len(payload))
	}
	if got := b.RetrieveAllAsString(); got != string(payload) {
		t.Fatalf("RetrieveAllAsString() = %q, want %q", got, payload)
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("ReadableBytes() after retrieve = %d, want 0", got)
	}
}

func TestRetrievePartial(t *testing.T) {
	b := buffer.New()
	b.AppendString("abcdef")
	b.Retrieve(2)
	if got := b.ReadableBytes(); got != 4 {
		t.Fatalf("ReadableBytes() = %d, want 4", got)
	}
	if !bytes.Equal(b.Peek(), []byte("cdef")) {
		t.Fatalf("Peek() = %q, want %q", b.Peek(), "cdef")
	}
}

func TestRetrieveAllResetsToPrependReserve(t *testing.T) {
	b := buffer.New()
	b.AppendString("abc")
	b.Retrieve(3)
	if got := b.PrependableBytes(); got != buffer.PrependSize {
		t.Fatalf("PrependableBytes() = %d, want %d", got, buffer.PrependSize)
	}
}

func TestAppendGrowsWhenTailTooSmall(t *testing.T) {
	b := buffer.NewWithSize(4)
	big := bytes.Repeat([]byte("x"), 4096)
	b.Append(big)
	if got := b.ReadableBytes(); got != len(big) {
		t.Fatalf("ReadableBytes() = %d, want %d", got, len(big))
	}
	if !bytes.Equal(b.Peek(), big) {
		t.Fatalf("Peek() did not return the appended bytes intact")
	}
}

func TestAppendCompactsBeforeGrowing(t *testing.T) {
	b := buffer.NewWithSize(16)
	b.AppendString("0123456789012345") // fills writable tail exactly
	b.Retrieve(15)                      // readerIndex now far from prepend
	// one byte readable remains; appending should reuse space via compaction
	// rather than doubling capacity, since prependable+writable is plenty.
	b.AppendString("abc")
	if got := b.ReadableBytes(); got != 4 {
		t.Fatalf("ReadableBytes() = %d, want 4", got)
	}
	if got := b.Peek(); string(got) != "5abc" {
		t.Fatalf("Peek() = %q, want %q", got, "5abc")
	}
}

func TestWriteFromReaderFillsTailThenOverflow(t *testing.T) {
	b := buffer.NewWithSize(4)
	r := bytes.NewReader(bytes.Repeat([]byte("y"), 100))
	n, err := b.WriteFromReader(r)
	if err != nil {
		t.Fatalf("WriteFromReader() error = %v", err)
	}
	if n != 100 {
		t.Fatalf("WriteFromReader() n = %d, want 100", n)
	}
	if got := b.ReadableBytes(); got != 100 {
		t.Fatalf("ReadableBytes() = %d, want 100", got)
	}
}

func TestRetrieveAsBytesClampsToReadable(t *testing.T) {
	b := buffer.New()
	b.AppendString("ab")
	got := b.RetrieveAsBytes(10)
	if string(got) != "ab" {
		t.Fatalf("RetrieveAsBytes(10) = %q, want %q", got, "ab")
	}
	if b.ReadableBytes() != 0 {
		t.Fatalf("ReadableBytes() after over-length retrieve = %d, want 0", b.ReadableBytes())
	}
}
