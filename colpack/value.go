package colpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Value is a scalar of one of the colpack kinds, or the null value of a kind.
type Value struct {
	kind Kind
	null bool
	// bits holds the value of fixed-size kinds; ptr holds byte array values.
	bits uint64
	ptr  []byte
}

// NullValue returns the null value of the given kind.
func NullValue(kind Kind) Value { return Value{kind: kind, null: true} }

// BooleanValue constructs a BOOLEAN value.
func BooleanValue(v bool) Value {
	bits := uint64(0)
	if v {
		bits = 1
	}
	return Value{kind: Boolean, bits: bits}
}

// Int32Value constructs an INT32 value.
func Int32Value(v int32) Value { return Value{kind: Int32, bits: uint64(uint32(v))} }

// Int64Value constructs an INT64 value.
func Int64Value(v int64) Value { return Value{kind: Int64, bits: uint64(v)} }

// FloatValue constructs a FLOAT value.
func FloatValue(v float32) Value { return Value{kind: Float, bits: uint64(math.Float32bits(v))} }

// DoubleValue constructs a DOUBLE value.
func DoubleValue(v float64) Value { return Value{kind: Double, bits: math.Float64bits(v)} }

// ByteArrayValue constructs a BYTE_ARRAY value. The slice is retained, not
// copied; a nil slice is the empty byte array, not the null value.
func ByteArrayValue(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{kind: ByteArray, ptr: v}
}

// StringValue constructs a BYTE_ARRAY value holding the bytes of s.
func StringValue(s string) Value { return Value{kind: ByteArray, ptr: []byte(s)} }

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull returns true if v is the null value of its kind.
func (v Value) IsNull() bool { return v.null }

// Boolean returns v as a bool.
func (v Value) Boolean() bool { return v.bits != 0 }

// Int32 returns v as an int32.
func (v Value) Int32() int32 { return int32(uint32(v.bits)) }

// Int64 returns v as an int64.
func (v Value) Int64() int64 { return int64(v.bits) }

// Float returns v as a float32.
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.bits)) }

// Double returns v as a float64.
func (v Value) Double() float64 { return math.Float64frombits(v.bits) }

// ByteArray returns v as a byte slice. The returned slice is shared with v
// and must not be modified.
func (v Value) ByteArray() []byte { return v.ptr }

// Plain returns the plain encoding of v, as used in statistics and as the
// input of bloom filter hashing: booleans are one byte, fixed-size kinds are
// little-endian, byte arrays are the raw bytes without a length prefix.
//
// Plain returns nil for null values.
func (v Value) Plain() []byte {
	return v.AppendPlain(nil)
}

// AppendPlain appends the plain encoding of v to b.
func (v Value) AppendPlain(b []byte) []byte {
	if v.null {
		return b
	}
	switch v.kind {
	case Boolean:
		if v.bits != 0 {
			return append(b, 1)
		}
		return append(b, 0)
	case Int32, Float:
		return binary.LittleEndian.AppendUint32(b, uint32(v.bits))
	case Int64, Double:
		return binary.LittleEndian.AppendUint64(b, v.bits)
	case ByteArray:
		return append(b, v.ptr...)
	default:
		return b
	}
}

// DecodePlainValue decodes the plain encoding of a single value of the given
// kind, as produced by Value.Plain.
func DecodePlainValue(kind Kind, data []byte) (Value, error) {
	switch kind {
	case Boolean:
		if len(data) != 1 {
			return Value{}, fmt.Errorf("%w: plain boolean value has size %d", ErrCorrupted, len(data))
		}
		return BooleanValue(data[0] != 0), nil
	case Int32, Float:
		if len(data) != 4 {
			return Value{}, fmt.Errorf("%w: plain %s value has size %d", ErrCorrupted, kind, len(data))
		}
		return Value{kind: kind, bits: uint64(binary.LittleEndian.Uint32(data))}, nil
	case Int64, Double:
		if len(data) != 8 {
			return Value{}, fmt.Errorf("%w: plain %s value has size %d", ErrCorrupted, kind, len(data))
		}
		return Value{kind: kind, bits: binary.LittleEndian.Uint64(data)}, nil
	case ByteArray:
		return ByteArrayValue(append([]byte{}, data...)), nil
	default:
		return Value{}, fmt.Errorf("%w: plain value of unsupported kind %d", ErrCorrupted, int32(kind))
	}
}

// Compare compares two values of the same kind, returning a negative number
// if a < b, zero if a == b, and a positive number if a > b. Null values
// compare before all non-null values; booleans order false before true.
//
// Compare panics if the values are of different kinds.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		panic("colpack: comparing values of different kinds: " + a.kind.String() + " and " + b.kind.String())
	}
	switch {
	case a.null && b.null:
		return 0
	case a.null:
		return -1
	case b.null:
		return +1
	}
	switch a.kind {
	case Boolean:
		return compareOrdered(a.bits&1, b.bits&1)
	case Int32:
		return compareOrdered(a.Int32(), b.Int32())
	case Int64:
		return compareOrdered(a.Int64(), b.Int64())
	case Float:
		return compareFloats(float64(a.Float()), float64(b.Float()))
	case Double:
		return compareFloats(a.Double(), b.Double())
	case ByteArray:
		return bytes.Compare(a.ptr, b.ptr)
	default:
		return 0
	}
}

// Equal returns true if two values have the same kind and compare equal;
// nulls of the same kind are equal to each other.
func Equal(a, b Value) bool {
	return a.kind == b.kind && Compare(a, b) == 0
}

func compareOrdered[T int32 | int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return +1
	default:
		return 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return +1
	default:
		return 0
	}
}

// String returns a human-readable representation of v.
func (v Value) String() string {
	if v.null {
		return "NULL"
	}
	switch v.kind {
	case Boolean:
		return strconv.FormatBool(v.Boolean())
	case Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case ByteArray:
		return strconv.Quote(string(v.ptr))
	default:
		return "<?>"
	}
}

// GoString implements fmt.GoStringer.
func (v Value) GoString() string {
	return fmt.Sprintf("colpack.Value{%s:%s}", v.kind, v)
}
