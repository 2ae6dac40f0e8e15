package backend

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

const maxChunkSize = 1 << 20

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// ChunkStream is a finite, non-restartable sequence of server-sent event
// payloads read lazily from the backend.
//
//	for s.Next() {
//		handle(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
//
// The sequence ends at "data: [DONE]" or at end of body. Close releases the
// connection and cancels the underlying request; it is safe to call more
// than once and from another goroutine.
type ChunkStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	onClose func()

	chunk []byte
	err   error
	ended bool
	seen  int

	closeOnce sync.Once
}

func newChunkStream(body io.ReadCloser, cancel context.CancelFunc) *ChunkStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxChunkSize)
	return &ChunkStream{body: body, scanner: sc, cancel: cancel}
}

// NewChunkStream wraps an SSE body. Exposed for fakes in tests.
func NewChunkStream(body io.ReadCloser) *ChunkStream {
	return newChunkStream(body, nil)
}

// Next advances to the next data payload.
func (s *ChunkStream) Next() bool {
	if s.ended {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")
		data, ok := bytes.CutPrefix(line, dataPrefix)
		if !ok {
			// Blank separators, comments and event/id fields.
			continue
		}
		data = bytes.TrimPrefix(data, []byte(" "))
		if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
			s.ended = true
			return false
		}
		s.chunk = append(s.chunk[:0], data...)
		s.seen++
		return true
	}
	s.ended = true
	s.err = s.scanner.Err()
	return false
}

// Chunk returns the current payload exactly as sent by the backend. The
// slice is only valid until the next call to Next.
func (s *ChunkStream) Chunk() []byte { return s.chunk }

// Err returns the read error that ended the sequence, if any.
func (s *ChunkStream) Err() error { return s.err }

// Seen reports how many chunks have been read so far.
func (s *ChunkStream) Seen() int { return s.seen }

func (s *ChunkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.body.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}
