package expr

import (
	"fmt"
	"math"

	"github.com/zzcclp/blaze/colpack"
)

// Bind validates the expression against a schema and returns an equivalent
// expression with literals coerced to the kind of the column they are
// compared to.
//
// Binding fails when a referenced column does not exist, when a comparison
// mixes incompatible kinds, or when a literal cannot be represented in the
// column's kind without changing its value. The input expression is not
// modified.
func Bind(e Expr, schema *colpack.Schema) (Expr, error) {
	if e == nil {
		return nil, nil
	}
	if schema == nil {
		return nil, fmt.Errorf("binding expression %s: schema is nil", e)
	}
	b := binder{schema: schema}
	return b.bind(e)
}

type binder struct {
	schema *colpack.Schema
}

func (b *binder) bind(e Expr) (Expr, error) {
	switch x := e.(type) {
	case *Column:
		kind, err := b.lookup(x.Name)
		if err != nil {
			return nil, err
		}
		if kind != colpack.Boolean {
			return nil, fmt.Errorf("column %q of kind %s cannot be used as a predicate", x.Name, kind)
		}
		return x, nil

	case *Literal:
		if x.Value.Kind() != colpack.Boolean {
			return nil, fmt.Errorf("literal %s cannot be used as a predicate", x.Value)
		}
		return x, nil

	case *Compare:
		return b.bindCompare(x)

	case *And:
		lhs, err := b.bind(x.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := b.bind(x.Rhs)
		if err != nil {
			return nil, err
		}
		return &And{Lhs: lhs, Rhs: rhs}, nil

	case *Or:
		lhs, err := b.bind(x.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := b.bind(x.Rhs)
		if err != nil {
			return nil, err
		}
		return &Or{Lhs: lhs, Rhs: rhs}, nil

	case *Not:
		inner, err := b.bind(x.Expr)
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil

	case *IsNull:
		if _, err := b.lookup(x.Column); err != nil {
			return nil, err
		}
		return x, nil

	case *IsNotNull:
		if _, err := b.lookup(x.Column); err != nil {
			return nil, err
		}
		return x, nil

	case *InList:
		kind, err := b.lookup(x.Column)
		if err != nil {
			return nil, err
		}
		values := make([]colpack.Value, len(x.Values))
		for i, v := range x.Values {
			values[i], err = coerce(v, kind)
			if err != nil {
				return nil, fmt.Errorf("value of %s: %w", e, err)
			}
		}
		return &InList{Column: x.Column, Values: values}, nil

	default:
		return nil, fmt.Errorf("unsupported expression: %s", e)
	}
}

func (b *binder) bindCompare(e *Compare) (Expr, error) {
	// Normalize to column-on-the-left so that downstream consumers only see
	// one shape of comparison.
	lhs, rhs, op := e.Lhs, e.Rhs, e.Op
	if _, ok := lhs.(*Literal); ok {
		if _, swap := rhs.(*Column); swap {
			lhs, rhs, op = rhs, lhs, op.Flip()
		}
	}

	col, ok := lhs.(*Column)
	if !ok {
		return nil, fmt.Errorf("comparison %s does not compare a column to a literal", e)
	}
	lit, ok := rhs.(*Literal)
	if !ok {
		return nil, fmt.Errorf("comparison %s does not compare a column to a literal", e)
	}

	kind, err := b.lookup(col.Name)
	if err != nil {
		return nil, err
	}
	value, err := coerce(lit.Value, kind)
	if err != nil {
		return nil, fmt.Errorf("comparing column %q: %w", col.Name, err)
	}
	return &Compare{Op: op, Lhs: col, Rhs: &Literal{Value: value}}, nil
}

func (b *binder) lookup(name string) (colpack.Kind, error) {
	i, ok := b.schema.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("column %q does not exist in %s", name, b.schema)
	}
	return b.schema.Field(i).Kind, nil
}

// coerce converts a literal to the given kind when the conversion is exact.
func coerce(v colpack.Value, kind colpack.Kind) (colpack.Value, error) {
	if v.IsNull() {
		return colpack.NullValue(kind), nil
	}
	if v.Kind() == kind {
		return v, nil
	}
	switch kind {
	case colpack.Int32:
		if v.Kind() == colpack.Int64 {
			if i := v.Int64(); i >= math.MinInt32 && i <= math.MaxInt32 {
				return colpack.Int32Value(int32(i)), nil
			}
			return colpack.Value{}, fmt.Errorf("literal %s overflows %s", v, kind)
		}
	case colpack.Int64:
		if v.Kind() == colpack.Int32 {
			return colpack.Int64Value(int64(v.Int32())), nil
		}
	case colpack.Float:
		if f, ok := floatOf(v); ok {
			if float64(float32(f)) == f {
				return colpack.FloatValue(float32(f)), nil
			}
			return colpack.Value{}, fmt.Errorf("literal %s is not exact in %s", v, kind)
		}
	case colpack.Double:
		if f, ok := floatOf(v); ok {
			return colpack.DoubleValue(f), nil
		}
	}
	return colpack.Value{}, fmt.Errorf("literal %s of kind %s does not match kind %s", v, v.Kind(), kind)
}

func floatOf(v colpack.Value) (float64, bool) {
	switch v.Kind() {
	case colpack.Int32:
		return float64(v.Int32()), true
	case colpack.Int64:
		f := float64(v.Int64())
		if int64(f) != v.Int64() {
			return 0, false
		}
		return f, true
	case colpack.Float:
		return float64(v.Float()), true
	case colpack.Double:
		return v.Double(), true
	default:
		return 0, false
	}
}
