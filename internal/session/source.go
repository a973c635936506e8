package session

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
)

// Signal is the transport state reported with every chunk
type Signal int

const (
	SignalMore  Signal = iota // chunk delivered, stream still open
	SignalEnd                 // clean end: exhausted or benign remote close
	SignalFault               // genuine I/O failure
)

func (s Signal) String() string {
	switch s {
	case SignalMore:
		return "more"
	case SignalEnd:
		return "end"
	case SignalFault:
		return "fault"
	default:
		return "unknown"
	}
}

// DefaultChunkSize bounds the bytes held in flight per read
const DefaultChunkSize = 32 * 1024

// Source is a live byte stream owned by exactly one session
type Source interface {
	// Next blocks until a chunk is available or the stream terminates.
	// The returned slice is only valid until the following call.
	Next() ([]byte, Signal, error)
	Close() error
}

// ReaderSource adapts an io.ReadCloser (typically an HTTP response body)
type ReaderSource struct {
	rc  io.ReadCloser
	buf []byte

	pending error // terminal error observed together with data

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewReaderSource wraps rc, reading at most chunkSize bytes per call
func NewReaderSource(rc io.ReadCloser, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReaderSource{
		rc:     rc,
		buf:    make([]byte, chunkSize),
		closed: make(chan struct{}),
	}
}

// Next reads one chunk. Data returned alongside an error is delivered first and
// the error is classified on the following call.
func (s *ReaderSource) Next() ([]byte, Signal, error) {
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		return nil, s.classify(err), err
	}

	for {
		n, err := s.rc.Read(s.buf)
		if n > 0 {
			if err != nil {
				s.pending = err
			}
			return s.buf[:n], SignalMore, nil
		}
		if err != nil {
			return nil, s.classify(err), err
		}
		// Zero bytes without error: read again
	}
}

// classify maps a read error to a transport signal
func (s *ReaderSource) classify(err error) Signal {
	if IsBenignClose(err) {
		return SignalEnd
	}
	return SignalFault
}

// Close releases the underlying stream; safe to call more than once and
// concurrently with a blocked Next.
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}

// Closed reports whether Close has been called
func (s *ReaderSource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// IsBenignClose reports whether err may mark the end of a chunked transfer
// rather than a fault: plain EOF, a chunked body cut off after its last complete
// chunk, or a read on a connection that has already been closed. Anything but
// plain EOF only ends a session cleanly when no partial line is buffered.
func IsBenignClose(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, http.ErrBodyReadAfterClose):
		return true
	default:
		return false
	}
}
