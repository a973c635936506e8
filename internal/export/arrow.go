package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/pkg/models"
)

// Schema and field metadata keys
const (
	MetaDataType     = "flux.datatype"
	MetaGroup        = "flux.group"
	MetaGroupColumns = "flux.group_columns"
)

// ArrowWriter writes each table as one record batch of an Arrow IPC stream.
// Consecutive tables with the same columns share a stream; a table with a
// different layout closes the current stream and starts a new one on the same
// writer, so readers open one ipc.Reader per stream until the input is empty.
type ArrowWriter struct {
	w      io.Writer
	mem    memory.Allocator
	ipc    *ipc.Writer
	layout string
	closed bool
}

// NewArrowWriter creates an Arrow IPC stream writer
func NewArrowWriter(w io.Writer) *ArrowWriter {
	return &ArrowWriter{w: w, mem: memory.NewGoAllocator()}
}

// WriteRecord is not supported: a record batch needs the whole table
func (w *ArrowWriter) WriteRecord(*models.Record) error {
	return ErrRecordsUnsupported
}

func (w *ArrowWriter) WriteTable(t *models.Table) error {
	if w.closed {
		return ErrClosed
	}

	cols := dataColumns(t.Columns)
	layout := tableLayout(cols)
	schema := arrowSchema(cols)
	if w.ipc == nil || layout != w.layout {
		if err := w.closeStream(); err != nil {
			return err
		}
		w.ipc = ipc.NewWriter(w.w, ipc.WithSchema(schema), ipc.WithAllocator(w.mem))
		w.layout = layout
	}

	recordBuilder := array.NewRecordBuilder(w.mem, schema)
	defer recordBuilder.Release()

	for _, rec := range t.Records {
		for i, col := range cols {
			appendValueToBuilder(recordBuilder.Field(i), rec.Columns[col.Name])
		}
	}

	record := recordBuilder.NewRecord()
	defer record.Release()
	if err := w.ipc.Write(record); err != nil {
		return fmt.Errorf("write arrow batch for table %d: %w", t.Index, err)
	}
	countTable(t)
	return nil
}

// Close ends the current IPC stream; the underlying writer is left open
func (w *ArrowWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeStream()
}

func (w *ArrowWriter) closeStream() error {
	if w.ipc == nil {
		return nil
	}
	err := w.ipc.Close()
	w.ipc = nil
	return err
}

// dataColumns drops the leading annotation column, which has no name
func dataColumns(cols []models.ColumnHeader) []models.ColumnHeader {
	out := make([]models.ColumnHeader, 0, len(cols))
	for _, c := range cols {
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func tableLayout(cols []models.ColumnHeader) string {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(c.Name)
		b.WriteByte(0)
		b.WriteString(c.DataType)
		b.WriteByte(0)
		b.WriteString(strconv.FormatBool(c.Group))
		b.WriteByte(0)
	}
	return b.String()
}

func arrowSchema(cols []models.ColumnHeader) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	var group []string
	for i, c := range cols {
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     fluxTypeToArrowType(c.DataType),
			Nullable: true,
			Metadata: arrow.NewMetadata(
				[]string{MetaDataType, MetaGroup},
				[]string{c.DataType, strconv.FormatBool(c.Group)},
			),
		}
		if c.Group {
			group = append(group, c.Name)
		}
	}
	md := arrow.NewMetadata([]string{MetaGroupColumns}, []string{strings.Join(group, ",")})
	return arrow.NewSchema(fields, &md)
}

func fluxTypeToArrowType(tag string) arrow.DataType {
	switch tag {
	case fluxcsv.TypeLong:
		return arrow.PrimitiveTypes.Int64
	case fluxcsv.TypeUnsignedLong:
		return arrow.PrimitiveTypes.Uint64
	case fluxcsv.TypeDouble:
		return arrow.PrimitiveTypes.Float64
	case fluxcsv.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case fluxcsv.TypeRFC3339, fluxcsv.TypeRFC3339Nano:
		return arrow.FixedWidthTypes.Timestamp_ns
	case fluxcsv.TypeDuration:
		return arrow.FixedWidthTypes.Duration_ns
	case fluxcsv.TypeBase64Binary:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// appendValueToBuilder appends a coerced value, or null when it is missing or
// does not match the builder type
func appendValueToBuilder(builder array.Builder, val interface{}) {
	if val == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		if v, ok := val.(int64); ok {
			b.Append(v)
			return
		}
	case *array.Uint64Builder:
		if v, ok := val.(uint64); ok {
			b.Append(v)
			return
		}
	case *array.Float64Builder:
		if v, ok := val.(float64); ok {
			b.Append(v)
			return
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
			return
		}
	case *array.TimestampBuilder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UnixNano()))
			return
		}
	case *array.DurationBuilder:
		if v, ok := val.(time.Duration); ok {
			b.Append(arrow.Duration(v))
			return
		}
	case *array.BinaryBuilder:
		if v, ok := val.([]byte); ok {
			b.Append(v)
			return
		}
	case *array.StringBuilder:
		if v, ok := val.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprint(val))
		}
		return
	}
	builder.AppendNull()
}
