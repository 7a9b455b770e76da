// Package dbval provides the tagged column value carried by changesets.
//
// A Value holds exactly one of the SQLite storage classes or the Undefined
// marker. Undefined is distinct from Null: it means "this side of the change
// does not supply the column", for example the old image of an INSERT or an
// unchanged column of an UPDATE.
package dbval

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind identifies the storage class of a Value. The numeric values are the
// type tags used on the wire.
type Kind uint8

const (
	Undefined Kind = iota
	Integer
	Float
	Text
	Blob
	Null
)

var kindNames = [...]string{"undefined", "integer", "float", "text", "blob", "null"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// timestampFormat matches the first layout go-sqlite3 writes for time.Time.
const timestampFormat = "2006-01-02 15:04:05.999999999-07:00"

// Value is a single tagged column value. The zero Value is Undefined.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

// NewInteger returns an Integer value.
func NewInteger(v int64) Value { return Value{kind: Integer, i: v} }

// NewFloat returns a Float value.
func NewFloat(v float64) Value { return Value{kind: Float, f: v} }

// NewText returns a Text value.
func NewText(v string) Value { return Value{kind: Text, s: v} }

// NewBlob returns a Blob value holding a copy of v.
func NewBlob(v []byte) Value {
	b := make([]byte, len(v))
	copy(b, v)
	return Value{kind: Blob, b: b}
}

// NewNull returns a Null value.
func NewNull() Value { return Value{kind: Null} }

// FromSQL converts a value scanned by database/sql into a Value.
func FromSQL(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return NewNull(), nil
	case int64:
		return NewInteger(x), nil
	case int:
		return NewInteger(int64(x)), nil
	case int32:
		return NewInteger(int64(x)), nil
	case bool:
		if x {
			return NewInteger(1), nil
		}
		return NewInteger(0), nil
	case float64:
		return NewFloat(x), nil
	case float32:
		return NewFloat(float64(x)), nil
	case string:
		return NewText(x), nil
	case []byte:
		return NewBlob(x), nil
	case time.Time:
		return NewText(x.Format(timestampFormat)), nil
	default:
		return Value{}, fmt.Errorf("unsupported column value type %T", v)
	}
}

// Kind returns the storage class.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value is defined.
func (v Value) IsValid() bool { return v.kind != Undefined }

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.kind == Null }

// Int returns the integer payload. It is 0 for other kinds.
func (v Value) Int() int64 { return v.i }

// Float returns the float payload. It is 0 for other kinds.
func (v Value) Float() float64 { return v.f }

// Text returns the text payload. It is "" for other kinds.
func (v Value) Text() string { return v.s }

// Blob returns the blob payload. The slice must not be modified.
func (v Value) Blob() []byte { return v.b }

// Bytes returns the encoded length used by text and blob values.
func (v Value) Bytes() int {
	switch v.kind {
	case Text:
		return len(v.s)
	case Blob:
		return len(v.b)
	}
	return 0
}

// SQL returns the value in the form go-sqlite3 binds as the same storage
// class. Undefined and Null both bind as NULL.
func (v Value) SQL() any {
	switch v.kind {
	case Integer:
		return v.i
	case Float:
		return v.f
	case Text:
		return v.s
	case Blob:
		if v.b == nil {
			return []byte{}
		}
		return v.b
	}
	return nil
}

// Equal reports whether two values have the same kind and payload. Floats
// compare by bit pattern so that NaN values recorded in a changeset match
// themselves.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Integer:
		return v.i == o.i
	case Float:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case Text:
		return v.s == o.s
	case Blob:
		return bytes.Equal(v.b, o.b)
	}
	return true
}

// String implements fmt.Stringer using detail level 0.
func (v Value) String() string { return v.Format(0) }

// Format renders the value for diagnostics. Blobs are elided at detail level
// 0 and hex dumped otherwise.
func (v Value) Format(detailLevel int) string {
	switch v.kind {
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case Text:
		return `"` + v.s + `"`
	case Blob:
		if detailLevel < 1 {
			return "..."
		}
		return HexDump(v.b)
	case Null:
		return "NULL"
	}
	return "<<INVALID>>"
}
