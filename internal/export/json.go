package export

import (
	"encoding/json"
	"io"
	"math"
	"strconv"

	"github.com/basekick-labs/fluxq/pkg/models"
)

// JSONWriter writes one JSON document per line. Non-finite floats, which JSON
// cannot represent, are written as the strings "NaN", "+Inf" and "-Inf".
type JSONWriter struct {
	enc    *json.Encoder
	closed bool
}

// NewJSONWriter creates a JSON-lines writer
func NewJSONWriter(w io.Writer) *JSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONWriter{enc: enc}
}

func (w *JSONWriter) WriteRecord(rec *models.Record) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.enc.Encode(finiteRecord(rec)); err != nil {
		return err
	}
	countRecord()
	return nil
}

func (w *JSONWriter) WriteTable(t *models.Table) error {
	if w.closed {
		return ErrClosed
	}
	out := *t
	out.GroupKey = make(models.GroupKey, len(t.GroupKey))
	for i, v := range t.GroupKey {
		out.GroupKey[i] = finite(v)
	}
	out.Records = make([]*models.Record, len(t.Records))
	for i, rec := range t.Records {
		out.Records[i] = finiteRecord(rec)
	}
	if err := w.enc.Encode(&out); err != nil {
		return err
	}
	countTable(t)
	return nil
}

// Close marks the writer closed; the underlying writer is left open
func (w *JSONWriter) Close() error {
	w.closed = true
	return nil
}

// finiteRecord returns rec, or a shallow copy with non-finite floats replaced
func finiteRecord(rec *models.Record) *models.Record {
	if !hasNonFinite(rec) {
		return rec
	}
	out := *rec
	out.Value = finite(rec.Value)
	out.Values = finiteMap(rec.Values)
	out.Tags = finiteMap(rec.Tags)
	out.Columns = finiteMap(rec.Columns)
	return &out
}

func hasNonFinite(rec *models.Record) bool {
	if isNonFinite(rec.Value) {
		return true
	}
	for _, v := range rec.Columns {
		if isNonFinite(v) {
			return true
		}
	}
	for _, v := range rec.Values {
		if isNonFinite(v) {
			return true
		}
	}
	return false
}

func finiteMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = finite(v)
	}
	return out
}

func isNonFinite(v interface{}) bool {
	f, ok := v.(float64)
	return ok && (math.IsNaN(f) || math.IsInf(f, 0))
}

func finite(v interface{}) interface{} {
	if !isNonFinite(v) {
		return v
	}
	f := v.(float64)
	switch {
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}
