package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func headers(valueType string) []models.ColumnHeader {
	return []models.ColumnHeader{
		{Index: 0, Name: "", DataType: "string"},
		{Index: 1, Name: "result", DataType: fluxcsv.TypeString},
		{Index: 2, Name: "table", DataType: fluxcsv.TypeLong},
		{Index: 3, Name: "_time", DataType: fluxcsv.TypeRFC3339},
		{Index: 4, Name: "_value", DataType: valueType},
		{Index: 5, Name: "host", DataType: fluxcsv.TypeString, Group: true},
	}
}

func record(table int, value interface{}, host string) *models.Record {
	t := ts.Add(time.Duration(table) * time.Minute)
	return &models.Record{
		Table: table,
		Time:  &t,
		Value: value,
		Tags:  map[string]interface{}{"host": host},
		Columns: map[string]interface{}{
			"":       nil,
			"result": "_result",
			"table":  int64(table),
			"_time":  t,
			"_value": value,
			"host":   host,
		},
	}
}

func table(index int, valueType string, host string, values ...interface{}) *models.Table {
	t := &models.Table{Index: index, Columns: headers(valueType), GroupKey: models.GroupKey{host}}
	for _, v := range values {
		t.Records = append(t.Records, record(index, v, host))
	}
	return t
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	for format, want := range map[string]interface{}{
		"json":    &JSONWriter{},
		"JSONL":   &JSONWriter{},
		"":        &JSONWriter{},
		"msgpack": &MsgpackWriter{},
		" arrow ": &ArrowWriter{},
	} {
		w, err := NewWriter(format, &buf)
		require.NoError(t, err, format)
		assert.IsType(t, want, w, format)
	}

	_, err := NewWriter("parquet", &buf)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	assert.True(t, RequiresBatch("Arrow"))
	assert.False(t, RequiresBatch("json"))
}

func TestJSONWriter_Records(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)

	require.NoError(t, WriteItem(w, fluxcsv.Item{Record: record(0, 1.5, "a")}))
	require.NoError(t, WriteItem(w, fluxcsv.Item{Record: record(0, math.NaN(), "a")}))
	require.NoError(t, WriteItem(w, fluxcsv.Item{Record: record(1, math.Inf(-1), "b")}))
	require.NoError(t, WriteItem(w, fluxcsv.Item{}))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteRecord(record(0, 1.0, "a")), ErrClosed)

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)

	assert.Equal(t, 1.5, lines[0]["value"])
	assert.Equal(t, "2024-03-01T12:00:00Z", lines[0]["time"])
	assert.Equal(t, "NaN", lines[1]["value"])
	assert.Equal(t, "NaN", lines[1]["columns"].(map[string]interface{})["_value"])
	assert.Equal(t, "-Inf", lines[2]["value"])
	assert.Equal(t, "b", lines[2]["tags"].(map[string]interface{})["host"])
}

func TestJSONWriter_TableDoesNotMutateInput(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)
	tbl := table(0, fluxcsv.TypeDouble, "a", 1.0, math.Inf(1))

	require.NoError(t, w.WriteTable(tbl))
	assert.True(t, math.IsInf(tbl.Records[1].Value.(float64), 1))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.EqualValues(t, 0, out["table"])
	assert.Equal(t, []interface{}{"a"}, out["group_key"])
	records := out["records"].([]interface{})
	require.Len(t, records, 2)
	assert.Equal(t, "+Inf", records[1].(map[string]interface{})["value"])
}

func TestMsgpackWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewMsgpackWriter(&buf)

	require.NoError(t, w.WriteRecord(record(0, int64(42), "a")))
	require.NoError(t, w.WriteTable(table(1, fluxcsv.TypeLong, "b", int64(1), int64(2))))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteTable(table(2, fluxcsv.TypeLong, "c")), ErrClosed)

	dec := msgpack.NewDecoder(&buf)

	var rec models.Record
	require.NoError(t, dec.Decode(&rec))
	assert.Equal(t, 0, rec.Table)
	assert.EqualValues(t, 42, rec.Value)
	require.NotNil(t, rec.Time)
	assert.True(t, ts.Equal(*rec.Time))

	var tbl models.Table
	require.NoError(t, dec.Decode(&tbl))
	assert.Equal(t, 1, tbl.Index)
	assert.Len(t, tbl.Records, 2)
	assert.Equal(t, "host", tbl.GroupColumns()[0].Name)
}

func readArrowStream(t *testing.T, r *bytes.Reader) (*arrow.Schema, []arrow.Record) {
	t.Helper()
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer rdr.Release()

	var records []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		records = append(records, rec)
	}
	require.NoError(t, rdr.Err())
	return rdr.Schema(), records
}

func TestArrowWriter_OneBatchPerTable(t *testing.T) {
	var buf bytes.Buffer
	w := NewArrowWriter(&buf)

	assert.ErrorIs(t, w.WriteRecord(record(0, 1.0, "a")), ErrRecordsUnsupported)

	require.NoError(t, WriteItem(w, fluxcsv.Item{Table: table(0, fluxcsv.TypeDouble, "a", 1.5, nil, 3.5)}))
	require.NoError(t, WriteItem(w, fluxcsv.Item{Table: table(1, fluxcsv.TypeDouble, "b", 7.0)}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteTable(table(2, fluxcsv.TypeDouble, "c")), ErrClosed)

	schema, records := readArrowStream(t, bytes.NewReader(buf.Bytes()))
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	require.Equal(t, 5, schema.NumFields(), "annotation column dropped")
	assert.Equal(t, "result", schema.Field(0).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(1).Type)
	assert.Equal(t, arrow.TIMESTAMP, schema.Field(2).Type.ID())
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(3).Type)
	group, ok := schema.Metadata().GetValue(MetaGroupColumns)
	require.True(t, ok)
	assert.Equal(t, "host", group)

	require.Len(t, records, 2)
	assert.EqualValues(t, 3, records[0].NumRows())
	values := records[0].Column(3).(*array.Float64)
	assert.Equal(t, 1.5, values.Value(0))
	assert.True(t, values.IsNull(1))
	assert.Equal(t, 3.5, values.Value(2))

	times := records[0].Column(2).(*array.Timestamp)
	assert.Equal(t, arrow.Timestamp(ts.UnixNano()), times.Value(0))

	hosts := records[1].Column(4).(*array.String)
	assert.Equal(t, "b", hosts.Value(0))
}

func TestArrowWriter_LayoutChangeStartsNewStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewArrowWriter(&buf)

	require.NoError(t, w.WriteTable(table(0, fluxcsv.TypeDouble, "a", 1.0)))
	require.NoError(t, w.WriteTable(table(1, fluxcsv.TypeString, "a", "up")))
	require.NoError(t, w.Close())

	r := bytes.NewReader(buf.Bytes())
	schema, records := readArrowStream(t, r)
	for _, rec := range records {
		rec.Release()
	}
	assert.Len(t, records, 1)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(3).Type)
	assert.Positive(t, r.Len(), "second stream follows the first")
}

func TestAppendValueToBuilder_Types(t *testing.T) {
	cols := []models.ColumnHeader{
		{Name: "u", DataType: fluxcsv.TypeUnsignedLong},
		{Name: "b", DataType: fluxcsv.TypeBool},
		{Name: "d", DataType: fluxcsv.TypeDuration},
		{Name: "raw", DataType: fluxcsv.TypeBase64Binary},
		{Name: "other", DataType: "custom", Opaque: true},
	}
	schema := arrowSchema(cols)
	builder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer builder.Release()

	row := []interface{}{uint64(7), true, 90 * time.Second, []byte("hi"), 12}
	for i, v := range row {
		appendValueToBuilder(builder.Field(i), v)
	}
	// Mismatched type becomes null
	appendValueToBuilder(builder.Field(0), "seven")
	for i := 1; i < len(cols); i++ {
		appendValueToBuilder(builder.Field(i), nil)
	}

	rec := builder.NewRecord()
	defer rec.Release()

	require.EqualValues(t, 2, rec.NumRows())
	assert.Equal(t, uint64(7), rec.Column(0).(*array.Uint64).Value(0))
	assert.True(t, rec.Column(0).IsNull(1))
	assert.True(t, rec.Column(1).(*array.Boolean).Value(0))
	assert.Equal(t, arrow.Duration(90*time.Second), rec.Column(2).(*array.Duration).Value(0))
	assert.Equal(t, []byte("hi"), rec.Column(3).(*array.Binary).Value(0))
	assert.Equal(t, "12", rec.Column(4).(*array.String).Value(0))
	assert.True(t, strings.HasPrefix(schema.Field(4).Type.Name(), "utf8"))
}
