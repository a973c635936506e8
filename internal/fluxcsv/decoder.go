// Package fluxcsv decodes the annotated CSV dialect returned by the query service.
//
// Wire format:
//
//	#datatype,string,long,dateTime:RFC3339,double,string
//	#group,false,false,true,false,true
//	#default,_result,,,,
//	,result,table,_time,_value,host
//	,,0,2018-05-08T20:50:00Z,15.43,A
//
// Annotation rows start with '#'. The first non-annotation row after a #datatype
// row names the columns; data rows follow until the next #datatype row or the end
// of the stream. Blank lines separate schema blocks.
package fluxcsv

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/basekick-labs/fluxq/pkg/models"
	"github.com/rs/zerolog"
)

// EventKind identifies what a decode step produced
type EventKind int

const (
	EventAnnotation EventKind = iota // #datatype, #group or #default row
	EventHeader                      // column names, completes an annotation block
	EventRow                         // data row aligned to the active columns
	EventEnd                         // input exhausted
)

func (k EventKind) String() string {
	switch k {
	case EventAnnotation:
		return "annotation"
	case EventHeader:
		return "header"
	case EventRow:
		return "row"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Annotation kinds
const (
	AnnotationDatatype = "datatype"
	AnnotationGroup    = "group"
	AnnotationDefault  = "default"
)

// Event is one decode step result
type Event struct {
	Kind       EventKind
	Annotation string   // set for EventAnnotation
	Cells      []string // raw cells, nil for EventEnd
	Line       int
}

// pendingBlock collects annotation rows until the header row arrives
type pendingBlock struct {
	datatypes []string
	groups    []string
	defaults  []string
}

// Decoder is an incremental annotated CSV parser. Input is pushed with Feed and
// events are pulled with Next; incomplete lines stay buffered until more input
// arrives or CloseInput is called.
type Decoder struct {
	buf      []byte
	start    int  // offset of the first unconsumed byte in buf
	scanPos  int  // bytes after start already scanned without a terminator
	inQuotes bool // quote state at scanPos
	quoted   bool // the cell at scanPos opened with a quote
	closed   bool // no more input will be fed
	ended    bool // EventEnd delivered
	line     int

	pending *pendingBlock
	columns []models.ColumnHeader

	logger zerolog.Logger
}

// NewDecoder creates a decoder with no active annotation block
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		logger: logger.With().Str("component", "fluxcsv-decoder").Logger(),
	}
}

// Feed appends raw bytes from the stream
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, p...)
}

// CloseInput marks the end of input; a trailing line without newline becomes decodable
func (d *Decoder) CloseInput() {
	d.closed = true
}

// Buffered returns the number of bytes waiting for a line terminator
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Columns returns a copy of the active column headers, nil before the first header row
func (d *Decoder) Columns() []models.ColumnHeader {
	if d.columns == nil {
		return nil
	}
	cols := make([]models.ColumnHeader, len(d.columns))
	copy(cols, d.columns)
	return cols
}

// Next decodes the next event. It returns ErrNeedMore when the buffered input
// holds no complete line and input is still open.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.ended {
			return Event{Kind: EventEnd, Line: d.line}, nil
		}

		raw, ok, err := d.nextLine()
		if err != nil {
			return Event{}, err
		}
		if !ok {
			if !d.closed {
				return Event{}, ErrNeedMore
			}
			if d.pending != nil {
				return Event{}, protocolErrorf(d.line, "stream ended before header row of annotation block")
			}
			d.ended = true
			continue
		}

		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		cells, err := splitCells(raw)
		if err != nil {
			return Event{}, protocolErrorf(d.line, "malformed csv: %v", err)
		}
		return d.classify(cells)
	}
}

// nextLine returns the next record, honouring newlines inside quoted cells
func (d *Decoder) nextLine() ([]byte, bool, error) {
	data := d.buf[d.start:]
	for i := d.scanPos; i < len(data); i++ {
		switch data[i] {
		case '"':
			switch {
			case d.inQuotes:
				d.inQuotes = false
			case i == 0 || data[i-1] == ',':
				d.inQuotes, d.quoted = true, true
			case d.quoted:
				// second half of a "" escape
				d.inQuotes = true
			}
			// A bare quote inside an unquoted cell leaves the state alone;
			// the csv reader rejects it once the line is complete.
		case ',':
			if !d.inQuotes {
				d.quoted = false
			}
		case '\n':
			if d.inQuotes {
				d.line++
				continue
			}
			d.line++
			line := data[:i]
			d.start += i + 1
			d.scanPos = 0
			d.quoted = false
			return line, true, nil
		}
	}
	d.scanPos = len(data)

	if !d.closed || len(data) == 0 {
		return nil, false, nil
	}
	if d.inQuotes {
		return nil, false, protocolErrorf(d.line+1, "unterminated quoted cell at end of stream")
	}
	d.line++
	d.start = len(d.buf)
	d.scanPos = 0
	return data, true, nil
}

func splitCells(raw []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	return r.Read()
}

func (d *Decoder) classify(cells []string) (Event, error) {
	if strings.HasPrefix(cells[0], "#") {
		return d.annotation(cells)
	}

	if d.pending != nil {
		return d.header(cells)
	}

	if d.columns == nil {
		return Event{}, protocolErrorf(d.line, "data row before any #datatype annotation")
	}
	if len(cells) != len(d.columns) {
		return Event{}, protocolErrorf(d.line, "row has %d cells, active schema has %d columns", len(cells), len(d.columns))
	}
	return Event{Kind: EventRow, Cells: cells, Line: d.line}, nil
}

func (d *Decoder) annotation(cells []string) (Event, error) {
	kind := strings.TrimPrefix(cells[0], "#")
	switch kind {
	case AnnotationDatatype:
		// A new block replaces the active schema wholesale
		d.pending = &pendingBlock{datatypes: cells}
		d.columns = nil
	case AnnotationGroup, AnnotationDefault:
		if d.pending == nil {
			return Event{}, protocolErrorf(d.line, "#%s annotation without preceding #datatype", kind)
		}
		if len(cells) != len(d.pending.datatypes) {
			return Event{}, protocolErrorf(d.line, "#%s has %d cells, #datatype has %d", kind, len(cells), len(d.pending.datatypes))
		}
		if kind == AnnotationGroup {
			d.pending.groups = cells
		} else {
			d.pending.defaults = cells
		}
	default:
		return Event{}, protocolErrorf(d.line, "unknown annotation %q", cells[0])
	}
	return Event{Kind: EventAnnotation, Annotation: kind, Cells: cells, Line: d.line}, nil
}

func (d *Decoder) header(cells []string) (Event, error) {
	block := d.pending
	if len(cells) != len(block.datatypes) {
		return Event{}, protocolErrorf(d.line, "header has %d columns, #datatype has %d", len(cells), len(block.datatypes))
	}

	columns := make([]models.ColumnHeader, len(cells))
	for i, name := range cells {
		col := models.ColumnHeader{
			Index:    i,
			Name:     name,
			DataType: block.datatypes[i],
		}
		// Column 0 carries the annotation markers themselves
		if i > 0 {
			if block.groups != nil {
				col.Group = block.groups[i] == "true"
			}
			if block.defaults != nil && block.defaults[i] != "" {
				col.Default = block.defaults[i]
				col.HasDefault = true
			}
			if !KnownType(col.DataType) {
				col.Opaque = true
				d.logger.Warn().
					Str("column", name).
					Str("datatype", col.DataType).
					Int("line", d.line).
					Msg("Unrecognized column datatype, values kept as strings")
			}
		}
		columns[i] = col
	}

	d.columns = columns
	d.pending = nil
	return Event{Kind: EventHeader, Cells: cells, Line: d.line}, nil
}
