package reconcile

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Origin tells which side of a mapping a row or chunk was read from
type Origin int

const (
	Source Origin = iota
	Destination
)

func (o Origin) String() string {
	switch o {
	case Source:
		return "source"
	case Destination:
		return "destination"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Kind is the closed set of value types a row can carry
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TimeLayout is used whenever a time value is rendered as text
const TimeLayout = "2006-01-02 15:04:05.000000"

// Value is a single typed column value
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	t    time.Time
}

func Null() Value { return Value{kind: KindNull} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, s: string(b)} }
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, i: 1}
	}
	return Value{kind: KindBool}
}

// ValueOf converts a Go value as produced by a database/sql driver
func ValueOf(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null()
	case Value:
		return v
	case string:
		return String(v)
	case []byte:
		return Bytes(v)
	case int:
		return Int(int64(v))
	case int8:
		return Int(int64(v))
	case int16:
		return Int(int64(v))
	case int32:
		return Int(int64(v))
	case int64:
		return Int(v)
	case uint8:
		return Int(int64(v))
	case uint16:
		return Int(int64(v))
	case uint32:
		return Int(int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return String(strconv.FormatUint(v, 10))
		}
		return Int(int64(v))
	case float32:
		return Float(float64(v))
	case float64:
		return Float(v)
	case bool:
		return Bool(v)
	case time.Time:
		return Time(v)
	case fmt.Stringer:
		return String(v.String())
	default:
		return String(fmt.Sprint(v))
	}
}

// KindForType maps a declared column type name (postgres or sqlserver) to a Kind
func KindForType(typeName string) Kind {
	t := strings.ToLower(strings.TrimSpace(typeName))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if k, ok := typeKinds[t]; ok {
		return k
	}
	if strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "datetime") || strings.HasPrefix(t, "time ") {
		return KindTime
	}
	return KindString
}

var typeKinds = map[string]Kind{
	"bit":              KindBool,
	"bool":             KindBool,
	"boolean":          KindBool,
	"tinyint":          KindInt,
	"smallint":         KindInt,
	"int":              KindInt,
	"integer":          KindInt,
	"bigint":           KindInt,
	"int2":             KindInt,
	"int4":             KindInt,
	"int8":             KindInt,
	"serial":           KindInt,
	"smallserial":      KindInt,
	"bigserial":        KindInt,
	"float":            KindFloat,
	"float4":           KindFloat,
	"float8":           KindFloat,
	"real":             KindFloat,
	"double precision": KindFloat,
	"date":             KindTime,
	"time":             KindTime,
	"timestamp":        KindTime,
	"timestamptz":      KindTime,
	"datetime":         KindTime,
	"datetime2":        KindTime,
	"smalldatetime":    KindTime,
	"datetimeoffset":   KindTime,
	"bytea":            KindBytes,
	"binary":           KindBytes,
	"varbinary":        KindBytes,
	"image":            KindBytes,
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseValue converts raw configuration text into a Value of the declared type.
// Text that does not parse as the declared type is kept as a string.
func ParseValue(typeName, raw string) Value {
	switch KindForType(typeName) {
	case KindInt:
		if i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return Int(i)
		}
	case KindFloat:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return Float(f)
		}
	case KindBool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "1", "true", "t", "yes":
			return Bool(true)
		case "0", "false", "f", "no":
			return Bool(false)
		}
	case KindTime:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
				return Time(t)
			}
		}
	case KindNull, KindString, KindBytes:
	}
	return String(raw)
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() string { return v.s }
func (v Value) Int() int64 { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Bool() bool { return v.i != 0 }
func (v Value) Time() time.Time {
	return v.t
}

// Equal compares two values by kind first. Values of different kinds are never
// equal, so an int 1 and a string "1" do not match. Two nulls are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindBytes:
		return v.s == o.s
	case KindInt, KindBool:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return false
	}
}

// Hash returns a stable 64-bit hash consistent with Equal
func (v Value) Hash() uint64 {
	d := xxhash.New()
	var buf [9]byte
	buf[0] = byte(v.kind)
	switch v.kind {
	case KindNull:
		_, _ = d.Write(buf[:1])
	case KindString, KindBytes:
		_, _ = d.Write(buf[:1])
		_, _ = d.WriteString(v.s)
	case KindInt, KindBool:
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.i))
		_, _ = d.Write(buf[:])
	case KindFloat:
		bits := math.Float64bits(v.f)
		switch {
		case v.f == 0:
			bits = 0 // -0 and +0
		case math.IsNaN(v.f):
			bits = math.Float64bits(math.NaN()) // every NaN payload
		}
		binary.LittleEndian.PutUint64(buf[1:], bits)
		_, _ = d.Write(buf[:])
	case KindTime:
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.t.UnixNano()))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Interface returns the value as a plain Go value suitable for a query argument
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindBytes:
		return []byte(v.s)
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.i != 0
	case KindTime:
		return v.t
	default:
		return nil
	}
}

// String renders the value for reports. Null renders as an empty string.
func (v Value) String() string {
	switch v.kind {
	case KindString, KindBytes:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindTime:
		return v.t.Format(TimeLayout)
	default:
		return ""
	}
}

// Schema describes the columns of a chunk and which table it came from
type Schema struct {
	Origin  Origin
	Columns []string
	index   map[string]int
	folded  map[string]int
}

func NewSchema(origin Origin, columns []string) *Schema {
	s := &Schema{
		Origin:  origin,
		Columns: columns,
		index:   make(map[string]int, len(columns)),
		folded:  make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		if _, ok := s.index[c]; !ok {
			s.index[c] = i
		}
		lc := strings.ToLower(c)
		if _, ok := s.folded[lc]; !ok {
			s.folded[lc] = i
		}
	}
	return s
}

// Index finds a column by exact name, falling back to a case-insensitive match
func (s *Schema) Index(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	if i, ok := s.index[name]; ok {
		return i, true
	}
	i, ok := s.folded[strings.ToLower(name)]
	return i, ok
}

func (s *Schema) Has(name string) bool {
	_, ok := s.Index(name)
	return ok
}

// Row is one record, positionally aligned with its schema
type Row struct {
	schema *Schema
	values []Value
}

func NewRow(schema *Schema, values []Value) *Row {
	return &Row{schema: schema, values: values}
}

func (r *Row) Schema() *Schema { return r.schema }
func (r *Row) Origin() Origin { return r.schema.Origin }
func (r *Row) Values() []Value { return r.values }

// Value returns the named column
func (r *Row) Value(column string) (Value, bool) {
	i, ok := r.schema.Index(column)
	if !ok || i >= len(r.values) {
		return Null(), false
	}
	return r.values[i], true
}

// Describe renders every column as "col:= value ; "
func (r *Row) Describe() string {
	var b strings.Builder
	for i, c := range r.schema.Columns {
		if i >= len(r.values) {
			break
		}
		fmt.Fprintf(&b, "%s:= %s ; ", c, r.values[i].String())
	}
	return b.String()
}

// Map returns the row as column name to plain Go value
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, c := range r.schema.Columns {
		if i < len(r.values) {
			m[c] = r.values[i].Interface()
		}
	}
	return m
}

// Chunk is one bounded, ordered page of rows from a single table
type Chunk struct {
	Schema *Schema
	Rows   []*Row
}

func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Rows)
}

func (c *Chunk) First() *Row {
	if c.Len() == 0 {
		return nil
	}
	return c.Rows[0]
}

func (c *Chunk) Last() *Row {
	if c.Len() == 0 {
		return nil
	}
	return c.Rows[len(c.Rows)-1]
}
