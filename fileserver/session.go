package fileserver

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"os"

	"github.com/reactorgo/reactorfs/control"
	"github.com/reactorgo/reactorfs/tcp"
)

// downloadChunkSize bounds a single MsgDownloadData payload.
const downloadChunkSize = 512 * 1024

// uploadState is non-nil only while an upload is in progress.
type uploadState struct {
	filename string
	md5      string
	file     *os.File
	hasher   hash.Hash
}

// downloadState is non-nil only while a download is in progress.
type downloadState struct {
	md5    string
	file   *os.File
	offset int64
	size   int64
}

// Session is the per-connection upload/download state machine. Handler
// keeps one Session per live connection in its own registry; a Session
// only holds a back-reference to its connection, never the other way
// around, so a closed connection can be torn down without Session
// needing to be notified through any owning edge.
type Session struct {
	conn  *tcp.TcpConnection
	cache *Cache

	upload   *uploadState
	download *downloadState
}

// NewSession constructs a Session bound to conn, backed by cache for
// registering completed uploads and serving downloads.
func NewSession(conn *tcp.TcpConnection, cache *Cache) *Session {
	return &Session{conn: conn, cache: cache}
}

// HandleFrame dispatches one fully-framed message to the appropriate
// handler.
func (s *Session) HandleFrame(msg any) {
	switch m := msg.(type) {
	case MsgUploadReq:
		s.handleUploadReq(m)
	case MsgUploadData:
		s.handleUploadData(m)
	case MsgUploadDone:
		s.handleUploadDone(m)
	case MsgDownloadReq:
		s.handleDownloadReq(m)
	default:
		s.sendError(control.NewError(control.ErrCodeInvalidArgument, fmt.Sprintf("unexpected message type %T", m)))
	}
}

func (s *Session) sendError(err *control.Error) {
	frame, encErr := Encode(MsgError{Code: err.Code, Reason: err.Error()})
	if encErr != nil {
		return
	}
	s.conn.Send(frame)
}

func (s *Session) send(msg any) {
	frame, err := Encode(msg)
	if err != nil {
		s.sendError(control.NewError(control.ErrCodeInternal, err.Error()))
		return
	}
	s.conn.Send(frame)
}

func (s *Session) handleUploadReq(m MsgUploadReq) {
	if m.MD5 == "" || m.Filename == "" {
		s.send(MsgUploadAck{Accepted: false, Reason: control.ErrInvalidArgument.Error()})
		return
	}
	if s.cache.Has(m.MD5) {
		s.send(MsgUploadAck{Accepted: false, Reason: control.ErrAlreadyExists.Error()})
		return
	}
	f, err := os.Create(s.cache.Path(m.MD5) + ".part")
	if err != nil {
		s.send(MsgUploadAck{Accepted: false, Reason: "server storage error"})
		return
	}
	s.upload = &uploadState{
		filename: m.Filename,
		md5:      m.MD5,
		file:     f,
		hasher:   md5.New(),
	}
	s.send(MsgUploadAck{Accepted: true})
}

func (s *Session) handleUploadData(m MsgUploadData) {
	if s.upload == nil {
		s.sendError(control.NewError(control.ErrCodeInvalidArgument, "upload data received with no upload in progress"))
		return
	}
	if _, err := s.upload.file.Write(m.Chunk); err != nil {
		s.sendError(control.NewError(control.ErrCodeInternal, "server write error"))
		s.abortUpload()
		return
	}
	s.upload.hasher.Write(m.Chunk)
}

func (s *Session) handleUploadDone(m MsgUploadDone) {
	if s.upload == nil {
		s.sendError(control.NewError(control.ErrCodeInvalidArgument, "upload done received with no upload in progress"))
		return
	}
	got := hex.EncodeToString(s.upload.hasher.Sum(nil))
	md5Expected := s.upload.md5
	partPath := s.upload.file.Name()
	_ = s.upload.file.Close()

	if got != md5Expected || m.MD5 != md5Expected {
		_ = os.Remove(partPath)
		s.upload = nil
		s.sendError(control.NewError(control.ErrCodeInvalidArgument, fmt.Sprintf("md5 mismatch: expected %s, got %s", md5Expected, got)))
		return
	}

	finalPath := s.cache.Path(md5Expected)
	if err := os.Rename(partPath, finalPath); err != nil {
		s.upload = nil
		s.sendError(control.NewError(control.ErrCodeInternal, "server rename error"))
		return
	}
	s.cache.Register(md5Expected)
	s.upload = nil
}

func (s *Session) abortUpload() {
	if s.upload == nil {
		return
	}
	path := s.upload.file.Name()
	_ = s.upload.file.Close()
	_ = os.Remove(path)
	s.upload = nil
}

func (s *Session) handleDownloadReq(m MsgDownloadReq) {
	if !s.cache.Has(m.MD5) {
		s.sendError(control.NewError(control.ErrCodeNotFound, fmt.Sprintf("file not found: %s", m.MD5)).WithContext("md5", m.MD5))
		return
	}
	f, err := os.Open(s.cache.Path(m.MD5))
	if err != nil {
		s.sendError(control.NewError(control.ErrCodeInternal, "server open error"))
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		s.sendError(control.NewError(control.ErrCodeInternal, "server stat error"))
		return
	}
	s.download = &downloadState{md5: m.MD5, file: f, size: info.Size()}
	s.sendNextDownloadChunk()
}

// sendNextDownloadChunk sends one chunk of the in-progress download,
// closing it out with MsgDownloadDone once the file is exhausted.
// Pull-based: the caller (Handler) re-invokes this once the previous
// chunk's write has drained, so the client never needs to re-request
// each chunk explicitly.
func (s *Session) sendNextDownloadChunk() {
	if s.download == nil {
		return
	}
	remaining := s.download.size - s.download.offset
	if remaining <= 0 {
		s.finishDownload()
		return
	}
	chunkSize := int64(downloadChunkSize)
	if remaining < chunkSize {
		chunkSize = remaining
	}
	buf := make([]byte, chunkSize)
	n, err := s.download.file.ReadAt(buf, s.download.offset)
	if err != nil && n == 0 {
		s.sendError(control.NewError(control.ErrCodeInternal, "server read error"))
		s.finishDownload()
		return
	}
	s.download.offset += int64(n)
	s.send(MsgDownloadData{MD5: s.download.md5, Chunk: buf[:n]})

	if s.download.offset >= s.download.size {
		s.finishDownload()
	}
}

func (s *Session) finishDownload() {
	if s.download == nil {
		return
	}
	digest := s.download.md5
	_ = s.download.file.Close()
	s.download = nil
	s.send(MsgDownloadDone{MD5: digest})
}

// OnWriteComplete lets Handler drive the next download chunk once the
// connection's output buffer has drained, so a large file doesn't have
// its entire contents queued in the output buffer at once.
func (s *Session) OnWriteComplete() {
	if s.download != nil {
		s.sendNextDownloadChunk()
	}
}

// Close releases any file handles left open by an in-flight upload or
// download when the connection goes away mid-transfer.
func (s *Session) Close() {
	s.abortUpload()
	if s.download != nil {
		_ = s.download.file.Close()
		s.download = nil
	}
}
