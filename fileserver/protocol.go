// Package fileserver implements a single-file-at-a-time upload/download
// protocol on top of tcp.TcpServer: a fixed-header wire framing, an
// MD5-keyed cache of completed uploads, and a per-connection session
// state machine. Uploads stream in as chunks and are verified against
// a declared MD5 digest before being registered as downloadable;
// downloads stream back out in fixed-size chunks, pulled forward as the
// connection's output buffer drains.
package fileserver

import (
	"encoding/binary"
	"fmt"

	"github.com/reactorgo/reactorfs/control"
)

// MsgType identifies the payload that follows the fixed header.
type MsgType byte

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeUploadReq
	MsgTypeUploadAck
	MsgTypeUploadData
	MsgTypeUploadDone
	MsgTypeDownloadReq
	MsgTypeDownloadData
	MsgTypeDownloadDone
	MsgTypeError
)

// HeaderSize is the 4-byte big-endian body-length prefix; the 1-byte
// MsgType is counted as part of the body it precedes.
const HeaderSize = 4

// MaxPackageSize bounds a single frame's body as a sanity check against
// a corrupt or hostile length prefix.
const MaxPackageSize = 50 * 1024 * 1024

// MsgUploadReq announces an upload and its declared size and digest.
type MsgUploadReq struct {
	Filename string
	Size     int64
	MD5      string
}

// MsgUploadAck accepts or rejects a MsgUploadReq.
type MsgUploadAck struct {
	Accepted bool
	Reason   string
}

// MsgUploadData carries one chunk of an in-progress upload.
type MsgUploadData struct {
	Filename string
	Chunk    []byte
}

// MsgUploadDone signals the end of an upload and the digest the server
// should verify the written bytes against.
type MsgUploadDone struct {
	Filename string
	MD5      string
}

// MsgDownloadReq requests a previously uploaded file by its MD5 digest.
type MsgDownloadReq struct {
	MD5 string
}

// MsgDownloadData carries one chunk of an in-progress download.
type MsgDownloadData struct {
	MD5   string
	Chunk []byte
}

// MsgDownloadDone signals the end of a download.
type MsgDownloadDone struct {
	MD5 string
}

// MsgError reports a protocol-level fault (unknown digest, malformed
// request, I/O failure) without closing the connection. Code classifies
// the fault using the same control.ErrorCode values the rest of the
// program logs against, rather than a protocol-private enum.
type MsgError struct {
	Code   control.ErrorCode
	Reason string
}

// Encode frames msg as a complete wire message: a 4-byte body-length
// prefix, the 1-byte type tag, and the type-specific payload.
func Encode(msg any) ([]byte, error) {
	var tag MsgType
	var body []byte
	var err error

	switch m := msg.(type) {
	case MsgUploadReq:
		tag = MsgTypeUploadReq
		body = encodeUploadReq(m)
	case MsgUploadAck:
		tag = MsgTypeUploadAck
		body = encodeUploadAck(m)
	case MsgUploadData:
		tag = MsgTypeUploadData
		body = encodeUploadData(m)
	case MsgUploadDone:
		tag = MsgTypeUploadDone
		body = encodeUploadDone(m)
	case MsgDownloadReq:
		tag = MsgTypeDownloadReq
		body = encodeDownloadReq(m)
	case MsgDownloadData:
		tag = MsgTypeDownloadData
		body = encodeDownloadData(m)
	case MsgDownloadDone:
		tag = MsgTypeDownloadDone
		body = encodeDownloadDone(m)
	case MsgError:
		tag = MsgTypeError
		body = encodeError(m)
	default:
		return nil, fmt.Errorf("fileserver: encode: unsupported type %T", msg)
	}

	total := 1 + len(body)
	out := make([]byte, HeaderSize+total)
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(total))
	out[HeaderSize] = byte(tag)
	copy(out[HeaderSize+1:], body)
	return out, err
}

// Decode parses a complete frame body (everything after the 4-byte
// length prefix, i.e. the 1-byte tag plus payload) into its concrete
// message type.
func Decode(frame []byte) (any, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("fileserver: decode: empty frame")
	}
	tag := MsgType(frame[0])
	body := frame[1:]

	switch tag {
	case MsgTypeUploadReq:
		return decodeUploadReq(body)
	case MsgTypeUploadAck:
		return decodeUploadAck(body)
	case MsgTypeUploadData:
		return decodeUploadData(body)
	case MsgTypeUploadDone:
		return decodeUploadDone(body)
	case MsgTypeDownloadReq:
		return decodeDownloadReq(body)
	case MsgTypeDownloadData:
		return decodeDownloadData(body)
	case MsgTypeDownloadDone:
		return decodeDownloadDone(body)
	case MsgTypeError:
		return decodeError(body)
	default:
		return nil, fmt.Errorf("fileserver: decode: unknown message type %d", tag)
	}
}

// --- field-level encoding helpers ---
//
// Every variable-length field is a 4-byte big-endian length prefix
// followed by its raw bytes; every fixed-width integer is big-endian.

func putString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func putBytes(dst []byte, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func putInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("fileserver: truncated string length")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("fileserver: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("fileserver: truncated bytes length")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("fileserver: truncated bytes body")
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func takeInt64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("fileserver: truncated int64")
	}
	return int64(binary.BigEndian.Uint64(b)), b[8:], nil
}

func encodeUploadReq(m MsgUploadReq) []byte {
	var b []byte
	b = putString(b, m.Filename)
	b = putInt64(b, m.Size)
	b = putString(b, m.MD5)
	return b
}

func decodeUploadReq(b []byte) (MsgUploadReq, error) {
	var m MsgUploadReq
	var err error
	if m.Filename, b, err = takeString(b); err != nil {
		return m, err
	}
	if m.Size, b, err = takeInt64(b); err != nil {
		return m, err
	}
	if m.MD5, _, err = takeString(b); err != nil {
		return m, err
	}
	return m, nil
}

func encodeUploadAck(m MsgUploadAck) []byte {
	var b []byte
	if m.Accepted {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return putString(b, m.Reason)
}

func decodeUploadAck(b []byte) (MsgUploadAck, error) {
	var m MsgUploadAck
	if len(b) < 1 {
		return m, fmt.Errorf("fileserver: truncated upload ack")
	}
	m.Accepted = b[0] != 0
	var err error
	m.Reason, _, err = takeString(b[1:])
	return m, err
}

func encodeUploadData(m MsgUploadData) []byte {
	var b []byte
	b = putString(b, m.Filename)
	return putBytes(b, m.Chunk)
}

func decodeUploadData(b []byte) (MsgUploadData, error) {
	var m MsgUploadData
	var err error
	if m.Filename, b, err = takeString(b); err != nil {
		return m, err
	}
	m.Chunk, _, err = takeBytes(b)
	return m, err
}

func encodeUploadDone(m MsgUploadDone) []byte {
	var b []byte
	b = putString(b, m.Filename)
	return putString(b, m.MD5)
}

func decodeUploadDone(b []byte) (MsgUploadDone, error) {
	var m MsgUploadDone
	var err error
	if m.Filename, b, err = takeString(b); err != nil {
		return m, err
	}
	m.MD5, _, err = takeString(b)
	return m, err
}

func encodeDownloadReq(m MsgDownloadReq) []byte {
	return putString(nil, m.MD5)
}

func decodeDownloadReq(b []byte) (MsgDownloadReq, error) {
	var m MsgDownloadReq
	var err error
	m.MD5, _, err = takeString(b)
	return m, err
}

func encodeDownloadData(m MsgDownloadData) []byte {
	var b []byte
	b = putString(b, m.MD5)
	return putBytes(b, m.Chunk)
}

func decodeDownloadData(b []byte) (MsgDownloadData, error) {
	var m MsgDownloadData
	var err error
	if m.MD5, b, err = takeString(b); err != nil {
		return m, err
	}
	m.Chunk, _, err = takeBytes(b)
	return m, err
}

func encodeDownloadDone(m MsgDownloadDone) []byte {
	return putString(nil, m.MD5)
}

func decodeDownloadDone(b []byte) (MsgDownloadDone, error) {
	var m MsgDownloadDone
	var err error
	m.MD5, _, err = takeString(b)
	return m, err
}

func encodeError(m MsgError) []byte {
	b := []byte{byte(m.Code)}
	return putString(b, m.Reason)
}

func decodeError(b []byte) (MsgError, error) {
	var m MsgError
	if len(b) < 1 {
		return m, fmt.Errorf("fileserver: truncated error code")
	}
	m.Code = control.ErrorCode(b[0])
	var err error
	m.Reason, _, err = takeString(b[1:])
	return m, err
}
