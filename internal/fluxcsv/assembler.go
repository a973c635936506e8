package fluxcsv

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/basekick-labs/fluxq/pkg/models"
)

// Mode selects how assembled rows are delivered
type Mode int

const (
	ModeStream Mode = iota // one Item per Record
	ModeBatch              // one Item per completed Table
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "stream"
}

// ParseMode converts a configuration string to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stream":
		return ModeStream, nil
	case "batch":
		return ModeBatch, nil
	default:
		return ModeStream, fmt.Errorf("unknown mode %q (use stream or batch)", s)
	}
}

// Semantic column names
const (
	ColumnResult      = "result"
	ColumnTable       = "table"
	ColumnStart       = "_start"
	ColumnStop        = "_stop"
	ColumnTime        = "_time"
	ColumnValue       = "_value"
	ColumnField       = "_field"
	ColumnMeasurement = "_measurement"
)

var reservedColumns = map[string]struct{}{
	"":                {},
	ColumnResult:      {},
	ColumnTable:       {},
	ColumnStart:       {},
	ColumnStop:        {},
	ColumnTime:        {},
	ColumnValue:       {},
	ColumnField:       {},
	ColumnMeasurement: {},
}

// Options configures a decode session
type Options struct {
	Mode              Mode
	ValueDestinations []string // Columns collected into Record.Values (default: _value)
}

// DefaultOptions returns streaming mode with "_value" as the only value destination
func DefaultOptions() Options {
	return Options{
		Mode:              ModeStream,
		ValueDestinations: []string{ColumnValue},
	}
}

// Item is one delivered unit: a Record in stream mode, a Table in batch mode
type Item struct {
	Record *models.Record
	Table  *models.Table
}

// Assembler turns decoder events into Records and Tables
type Assembler struct {
	mode         Mode
	destinations map[string]struct{}

	columns  []models.ColumnHeader
	groupIdx []int
	current  *models.Table

	records int
	tables  int
}

// NewAssembler creates an assembler for one session
func NewAssembler(opts Options) *Assembler {
	dests := opts.ValueDestinations
	if len(dests) == 0 {
		dests = []string{ColumnValue}
	}
	a := &Assembler{
		mode:         opts.Mode,
		destinations: make(map[string]struct{}, len(dests)),
	}
	for _, d := range dests {
		a.destinations[d] = struct{}{}
	}
	return a
}

// Records returns the number of records assembled so far
func (a *Assembler) Records() int { return a.records }

// Tables returns the number of tables completed so far (batch mode)
func (a *Assembler) Tables() int { return a.tables }

// Apply consumes one decoder event. For EventHeader, columns must be the
// headers the decoder activated for that row; it is ignored otherwise.
func (a *Assembler) Apply(ev Event, columns []models.ColumnHeader) ([]Item, error) {
	switch ev.Kind {
	case EventAnnotation:
		return nil, nil

	case EventHeader:
		out := a.closeTable()
		a.setColumns(columns)
		return out, nil

	case EventRow:
		rec, key, err := a.buildRecord(ev)
		if err != nil {
			// The in-flight table is never delivered partially
			a.current = nil
			return nil, err
		}
		a.records++
		if a.mode == ModeStream {
			return []Item{{Record: rec}}, nil
		}

		var out []Item
		if a.current != nil && (a.current.Index != rec.Table || !groupKeyEqual(a.current.GroupKey, key)) {
			out = a.closeTable()
		}
		if a.current == nil {
			cols := make([]models.ColumnHeader, len(a.columns))
			copy(cols, a.columns)
			a.current = &models.Table{Index: rec.Table, Columns: cols, GroupKey: key}
		}
		a.current.Records = append(a.current.Records, rec)
		return out, nil

	case EventEnd:
		return a.closeTable(), nil
	}
	return nil, nil
}

func (a *Assembler) setColumns(columns []models.ColumnHeader) {
	a.columns = columns
	a.groupIdx = a.groupIdx[:0]
	for i, c := range columns {
		if c.Group {
			a.groupIdx = append(a.groupIdx, i)
		}
	}
}

func (a *Assembler) closeTable() []Item {
	if a.current == nil {
		return nil
	}
	t := a.current
	a.current = nil
	a.tables++
	return []Item{{Table: t}}
}

func (a *Assembler) buildRecord(ev Event) (*models.Record, models.GroupKey, error) {
	if len(ev.Cells) != len(a.columns) {
		return nil, nil, protocolErrorf(ev.Line, "row has %d cells, active schema has %d columns", len(ev.Cells), len(a.columns))
	}

	rec := &models.Record{
		Columns: make(map[string]interface{}, len(a.columns)),
	}

	for i, col := range a.columns {
		v, err := a.cellValue(col, ev.Cells[i], ev.Line)
		if err != nil {
			return nil, nil, err
		}
		rec.Columns[col.Name] = v

		switch col.Name {
		case ColumnTable:
			if n, ok := v.(int64); ok {
				rec.Table = int(n)
			}
		case ColumnStart:
			rec.Start = timePtr(v)
		case ColumnStop:
			rec.Stop = timePtr(v)
		case ColumnTime:
			rec.Time = timePtr(v)
		case ColumnMeasurement:
			rec.Measurement = stringValue(v)
		case ColumnField:
			rec.Field = stringValue(v)
		case ColumnValue:
			rec.Value = v
		}

		if _, ok := a.destinations[col.Name]; ok {
			if rec.Values == nil {
				rec.Values = make(map[string]interface{})
			}
			rec.Values[col.Name] = v
			continue
		}
		if _, ok := reservedColumns[col.Name]; !ok {
			if rec.Tags == nil {
				rec.Tags = make(map[string]interface{})
			}
			rec.Tags[col.Name] = v
		}
	}

	var key models.GroupKey
	if len(a.groupIdx) > 0 {
		key = make(models.GroupKey, len(a.groupIdx))
		for i, idx := range a.groupIdx {
			key[i] = rec.Columns[a.columns[idx].Name]
		}
	}
	return rec, key, nil
}

// cellValue applies the column default to empty cells and coerces the result.
// Empty cells without a default decode to nil.
func (a *Assembler) cellValue(col models.ColumnHeader, cell string, line int) (interface{}, error) {
	if cell == "" {
		if !col.HasDefault {
			return nil, nil
		}
		cell = col.Default
	}
	if col.Index == 0 || col.Opaque {
		return cell, nil
	}
	v, err := Coerce(col.DataType, cell)
	if err != nil {
		return nil, &ValueError{Line: line, Column: col.Name, DataType: col.DataType, Literal: cell, Err: err}
	}
	return v, nil
}

func timePtr(v interface{}) *time.Time {
	if t, ok := v.(time.Time); ok {
		return &t
	}
	return nil
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func groupKeyEqual(a, b models.GroupKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func valueEqual(x, y interface{}) bool {
	switch xv := x.(type) {
	case []byte:
		yv, ok := y.([]byte)
		return ok && bytes.Equal(xv, yv)
	case time.Time:
		yv, ok := y.(time.Time)
		return ok && xv.Equal(yv)
	case float64:
		yv, ok := y.(float64)
		if !ok {
			return false
		}
		return xv == yv || (math.IsNaN(xv) && math.IsNaN(yv))
	default:
		return x == y
	}
}
