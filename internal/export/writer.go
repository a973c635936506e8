// Package export serializes decoded query output to a byte stream.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/internal/metrics"
	"github.com/basekick-labs/fluxq/pkg/models"
)

// Supported output formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
	FormatArrow   = "arrow"
)

var (
	// ErrUnknownFormat is returned by NewWriter for an unsupported format name
	ErrUnknownFormat = errors.New("unknown export format")

	// ErrRecordsUnsupported is returned by writers that only accept whole tables
	ErrRecordsUnsupported = errors.New("format requires batch mode")

	// ErrClosed is returned when writing to a closed writer
	ErrClosed = errors.New("writer closed")
)

// Writer serializes records or tables to an underlying io.Writer
type Writer interface {
	WriteRecord(rec *models.Record) error
	WriteTable(t *models.Table) error
	Close() error
}

// NewWriter returns a Writer for the named format
func NewWriter(format string, w io.Writer) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "jsonl", "":
		return NewJSONWriter(w), nil
	case FormatMsgpack:
		return NewMsgpackWriter(w), nil
	case FormatArrow:
		return NewArrowWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// RequiresBatch reports whether format only accepts whole tables
func RequiresBatch(format string) bool {
	return strings.EqualFold(strings.TrimSpace(format), FormatArrow)
}

// WriteItem routes an assembler item to the matching Writer method
func WriteItem(w Writer, it fluxcsv.Item) error {
	switch {
	case it.Table != nil:
		return w.WriteTable(it.Table)
	case it.Record != nil:
		return w.WriteRecord(it.Record)
	default:
		return nil
	}
}

func countRecord() {
	metrics.Get().IncExportRecords(1)
}

func countTable(t *models.Table) {
	m := metrics.Get()
	m.IncExportTables(1)
	m.IncExportRecords(int64(len(t.Records)))
}
