package fluxcsv

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is matched by every grammar violation in the annotated CSV stream
	ErrProtocol = errors.New("annotated csv protocol error")

	// ErrValue is matched by every cell that fails its declared type coercion
	ErrValue = errors.New("annotated csv value error")

	// ErrNeedMore is returned by Decoder.Next when no complete line is buffered yet
	ErrNeedMore = errors.New("annotated csv decoder needs more input")
)

// ProtocolError describes a grammar violation
type ProtocolError struct {
	Line int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// ValueError describes a cell literal that cannot be parsed as its declared type
type ValueError struct {
	Line     int
	Column   string
	DataType string
	Literal  string
	Err      error
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("line %d: column %q: cannot parse %q as %s: %v", e.Line, e.Column, e.Literal, e.DataType, e.Err)
}

// Unwrap exposes both the sentinel and the underlying parse error
func (e *ValueError) Unwrap() []error { return []error{ErrValue, e.Err} }

func protocolErrorf(line int, format string, args ...interface{}) error {
	return &ProtocolError{Line: line, Msg: fmt.Sprintf(format, args...)}
}
