package export

import (
	"io"

	"github.com/basekick-labs/fluxq/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackWriter writes a sequence of msgpack values: one map per record in
// stream mode, one map per table in batch mode.
type MsgpackWriter struct {
	enc    *msgpack.Encoder
	closed bool
}

// NewMsgpackWriter creates a msgpack writer
func NewMsgpackWriter(w io.Writer) *MsgpackWriter {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return &MsgpackWriter{enc: enc}
}

func (w *MsgpackWriter) WriteRecord(rec *models.Record) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(rec); err != nil {
		return err
	}
	countRecord()
	return nil
}

func (w *MsgpackWriter) WriteTable(t *models.Table) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(t); err != nil {
		return err
	}
	countTable(t)
	return nil
}

// Close marks the writer closed; the underlying writer is left open
func (w *MsgpackWriter) Close() error {
	w.closed = true
	return nil
}
