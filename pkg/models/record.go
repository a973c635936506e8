package models

import "time"

// ColumnHeader describes one column of the active annotation block
type ColumnHeader struct {
	Index      int    `json:"index" msgpack:"index"`
	Name       string `json:"name" msgpack:"name"`
	DataType   string `json:"datatype" msgpack:"datatype"` // Raw #datatype tag (e.g. "dateTime:RFC3339")
	Group      bool   `json:"group" msgpack:"group"`
	Default    string `json:"default,omitempty" msgpack:"default,omitempty"`
	HasDefault bool   `json:"-" msgpack:"-"`
	Opaque     bool   `json:"opaque,omitempty" msgpack:"opaque,omitempty"` // Unrecognized tag, values kept as strings
}

// Record represents one decoded, type-coerced data row
type Record struct {
	Table       int        `json:"table" msgpack:"table"`
	Start       *time.Time `json:"start,omitempty" msgpack:"start,omitempty"`
	Stop        *time.Time `json:"stop,omitempty" msgpack:"stop,omitempty"`
	Time        *time.Time `json:"time,omitempty" msgpack:"time,omitempty"`
	Measurement string     `json:"measurement,omitempty" msgpack:"measurement,omitempty"`
	Field       string     `json:"field,omitempty" msgpack:"field,omitempty"`

	// Value is the coerced "_value" column, nil when the block has no such column
	Value interface{} `json:"value" msgpack:"value"`

	// Values holds every configured value destination present in the block
	Values map[string]interface{} `json:"values,omitempty" msgpack:"values,omitempty"`

	// Tags holds the columns that are neither reserved nor value destinations
	Tags map[string]interface{} `json:"tags,omitempty" msgpack:"tags,omitempty"`

	// Columns maps every column name of the active block to its coerced value
	Columns map[string]interface{} `json:"columns" msgpack:"columns"`
}

// GroupKey is the tuple of group-column values shared by every record of a table
type GroupKey []interface{}

// Table is a maximal ordered run of records sharing table index and group key
type Table struct {
	Index    int            `json:"table" msgpack:"table"`
	Columns  []ColumnHeader `json:"columns" msgpack:"columns"`
	GroupKey GroupKey       `json:"group_key" msgpack:"group_key"`
	Records  []*Record      `json:"records" msgpack:"records"`
}

// GroupColumns returns the headers flagged as group-defining
func (t *Table) GroupColumns() []ColumnHeader {
	var cols []ColumnHeader
	for _, c := range t.Columns {
		if c.Group {
			cols = append(cols, c)
		}
	}
	return cols
}
