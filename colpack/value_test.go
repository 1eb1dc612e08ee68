package colpack_test

import (
	"testing"

	"github.com/zzcclp/blaze/colpack"
)

func TestValueAccessors(t *testing.T) {
	if v := colpack.BooleanValue(true); !v.Boolean() || v.Kind() != colpack.Boolean || v.IsNull() {
		t.Errorf("bad boolean value: %#v", v)
	}
	if v := colpack.Int32Value(-42); v.Int32() != -42 || v.Kind() != colpack.Int32 {
		t.Errorf("bad int32 value: %#v", v)
	}
	if v := colpack.Int64Value(1 << 40); v.Int64() != 1<<40 || v.Kind() != colpack.Int64 {
		t.Errorf("bad int64 value: %#v", v)
	}
	if v := colpack.FloatValue(0.25); v.Float() != 0.25 || v.Kind() != colpack.Float {
		t.Errorf("bad float value: %#v", v)
	}
	if v := colpack.DoubleValue(-1.5); v.Double() != -1.5 || v.Kind() != colpack.Double {
		t.Errorf("bad double value: %#v", v)
	}
	if v := colpack.StringValue("hi"); string(v.ByteArray()) != "hi" || v.Kind() != colpack.ByteArray {
		t.Errorf("bad byte array value: %#v", v)
	}
	if v := colpack.NullValue(colpack.Int64); !v.IsNull() || v.Kind() != colpack.Int64 {
		t.Errorf("bad null value: %#v", v)
	}
}

func TestValueCompare(t *testing.T) {
	tests := []struct {
		a, b colpack.Value
		cmp  int
	}{
		{colpack.BooleanValue(false), colpack.BooleanValue(true), -1},
		{colpack.BooleanValue(true), colpack.BooleanValue(true), 0},
		{colpack.Int32Value(1), colpack.Int32Value(2), -1},
		{colpack.Int32Value(-1), colpack.Int32Value(-2), +1},
		{colpack.Int64Value(10), colpack.Int64Value(10), 0},
		{colpack.FloatValue(1.5), colpack.FloatValue(2.5), -1},
		{colpack.DoubleValue(3.5), colpack.DoubleValue(-3.5), +1},
		{colpack.StringValue("abc"), colpack.StringValue("abd"), -1},
		{colpack.StringValue(""), colpack.StringValue(""), 0},
		{colpack.NullValue(colpack.Int64), colpack.Int64Value(0), -1},
		{colpack.NullValue(colpack.Int64), colpack.NullValue(colpack.Int64), 0},
	}
	for _, test := range tests {
		cmp := colpack.Compare(test.a, test.b)
		switch {
		case test.cmp < 0 && cmp >= 0, test.cmp == 0 && cmp != 0, test.cmp > 0 && cmp <= 0:
			t.Errorf("Compare(%s, %s) = %d, want %d", test.a, test.b, cmp, test.cmp)
		}
	}
}

func TestValueCompareKindMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("comparing values of different kinds did not panic")
		}
	}()
	colpack.Compare(colpack.Int32Value(1), colpack.Int64Value(1))
}

func TestValuePlainRoundtrip(t *testing.T) {
	values := []colpack.Value{
		colpack.BooleanValue(true),
		colpack.BooleanValue(false),
		colpack.Int32Value(-123),
		colpack.Int64Value(1 << 50),
		colpack.FloatValue(3.5),
		colpack.DoubleValue(-0.125),
		colpack.StringValue("plain"),
		colpack.StringValue(""),
	}
	for _, v := range values {
		decoded, err := colpack.DecodePlainValue(v.Kind(), v.Plain())
		if err != nil {
			t.Errorf("decoding plain encoding of %s: %v", v, err)
			continue
		}
		if !colpack.Equal(v, decoded) {
			t.Errorf("plain roundtrip of %s produced %s", v, decoded)
		}
	}
}

func TestDecodePlainValueErrors(t *testing.T) {
	tests := []struct {
		kind colpack.Kind
		data []byte
	}{
		{colpack.Boolean, []byte{}},
		{colpack.Boolean, []byte{1, 2}},
		{colpack.Int32, []byte{1, 2, 3}},
		{colpack.Int64, []byte{1, 2, 3, 4}},
		{colpack.Double, []byte{1}},
	}
	for _, test := range tests {
		if _, err := colpack.DecodePlainValue(test.kind, test.data); err == nil {
			t.Errorf("decoding %d bytes as %s did not fail", len(test.data), test.kind)
		}
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		value colpack.Value
		want  string
	}{
		{colpack.BooleanValue(true), "true"},
		{colpack.Int32Value(-7), "-7"},
		{colpack.Int64Value(99), "99"},
		{colpack.DoubleValue(1.5), "1.5"},
		{colpack.StringValue("x"), `"x"`},
		{colpack.NullValue(colpack.Int32), "NULL"},
	}
	for _, test := range tests {
		if s := test.value.String(); s != test.want {
			t.Errorf("String() = %q, want %q", s, test.want)
		}
	}
}
