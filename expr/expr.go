// Package expr defines the predicate expressions that scans push down to the
// storage layer.
//
// Expressions form a closed set of variants; there is no way for programs to
// define new node types. This keeps structural equality, binding and pruning
// evaluation exhaustive: a type switch over the variants covers the whole
// language.
//
// The package intentionally stops short of row-level evaluation. Scans use
// expressions to decide which row groups and pages may hold matching rows;
// deciding which rows actually match is the job of the filter operator above
// the scan.
package expr

import (
	"fmt"
	"strings"

	"github.com/zzcclp/blaze/colpack"
)

// Op enumerates the comparison operators.
type Op int

const (
	Eq Op = iota
	NotEq
	Lt
	LtEq
	Gt
	GtEq
)

func (op Op) String() string {
	switch op {
	case Eq:
		return "="
	case NotEq:
		return "!="
	case Lt:
		return "<"
	case LtEq:
		return "<="
	case Gt:
		return ">"
	case GtEq:
		return ">="
	default:
		return "<?>"
	}
}

// Negate returns the operator satisfied exactly when op is not.
func (op Op) Negate() Op {
	switch op {
	case Eq:
		return NotEq
	case NotEq:
		return Eq
	case Lt:
		return GtEq
	case LtEq:
		return Gt
	case Gt:
		return LtEq
	default:
		return Lt
	}
}

// Flip returns the operator equivalent to op with its operands swapped.
func (op Op) Flip() Op {
	switch op {
	case Lt:
		return Gt
	case LtEq:
		return GtEq
	case Gt:
		return Lt
	case GtEq:
		return LtEq
	default:
		return op
	}
}

// Expr is the interface implemented by all predicate expression nodes.
//
// The set of implementations is closed: Column, Literal, Compare, And, Or,
// Not, IsNull, IsNotNull and InList.
type Expr interface {
	fmt.Stringer

	// Restricts implementations to this package.
	expr()
}

// Column references a schema field by name.
type Column struct {
	Name string
}

// Literal is a constant scalar.
type Literal struct {
	Value colpack.Value
}

// Compare applies a comparison operator to two sub-expressions.
type Compare struct {
	Op  Op
	Lhs Expr
	Rhs Expr
}

// And is the conjunction of two predicates.
type And struct {
	Lhs Expr
	Rhs Expr
}

// Or is the disjunction of two predicates.
type Or struct {
	Lhs Expr
	Rhs Expr
}

// Not is the negation of a predicate.
type Not struct {
	Expr Expr
}

// IsNull is satisfied by rows where the column holds no value.
type IsNull struct {
	Column string
}

// IsNotNull is satisfied by rows where the column holds a value.
type IsNotNull struct {
	Column string
}

// InList is satisfied by rows where the column equals one of the values.
type InList struct {
	Column string
	Values []colpack.Value
}

func (*Column) expr()    {}
func (*Literal) expr()   {}
func (*Compare) expr()   {}
func (*And) expr()       {}
func (*Or) expr()        {}
func (*Not) expr()       {}
func (*IsNull) expr()    {}
func (*IsNotNull) expr() {}
func (*InList) expr()    {}

func (e *Column) String() string  { return e.Name }
func (e *Literal) String() string { return e.Value.String() }

func (e *Compare) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Lhs, e.Op, e.Rhs)
}

func (e *And) String() string { return fmt.Sprintf("(%s AND %s)", e.Lhs, e.Rhs) }
func (e *Or) String() string  { return fmt.Sprintf("(%s OR %s)", e.Lhs, e.Rhs) }
func (e *Not) String() string { return fmt.Sprintf("(NOT %s)", e.Expr) }

func (e *IsNull) String() string    { return fmt.Sprintf("(%s IS NULL)", e.Column) }
func (e *IsNotNull) String() string { return fmt.Sprintf("(%s IS NOT NULL)", e.Column) }

func (e *InList) String() string {
	b := new(strings.Builder)
	b.WriteString("(")
	b.WriteString(e.Column)
	b.WriteString(" IN (")
	for i, v := range e.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteString("))")
	return b.String()
}

// Equal tests two expressions for structural equality. Nil expressions are
// equal to each other.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case *Column:
		y, ok := b.(*Column)
		return ok && x.Name == y.Name
	case *Literal:
		y, ok := b.(*Literal)
		return ok && colpack.Equal(x.Value, y.Value)
	case *Compare:
		y, ok := b.(*Compare)
		return ok && x.Op == y.Op && Equal(x.Lhs, y.Lhs) && Equal(x.Rhs, y.Rhs)
	case *And:
		y, ok := b.(*And)
		return ok && Equal(x.Lhs, y.Lhs) && Equal(x.Rhs, y.Rhs)
	case *Or:
		y, ok := b.(*Or)
		return ok && Equal(x.Lhs, y.Lhs) && Equal(x.Rhs, y.Rhs)
	case *Not:
		y, ok := b.(*Not)
		return ok && Equal(x.Expr, y.Expr)
	case *IsNull:
		y, ok := b.(*IsNull)
		return ok && x.Column == y.Column
	case *IsNotNull:
		y, ok := b.(*IsNotNull)
		return ok && x.Column == y.Column
	case *InList:
		y, ok := b.(*InList)
		if !ok || x.Column != y.Column || len(x.Values) != len(y.Values) {
			return false
		}
		for i := range x.Values {
			if !colpack.Equal(x.Values[i], y.Values[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// AlwaysTrue reports whether the expression is trivially satisfied by every
// row. Detection is literal-only: a true literal, possibly under double
// negation or in a conjunction of always-true branches; no algebraic
// simplification is attempted.
func AlwaysTrue(e Expr) bool {
	switch x := e.(type) {
	case *Literal:
		return x.Value.Kind() == colpack.Boolean && !x.Value.IsNull() && x.Value.Boolean()
	case *And:
		return AlwaysTrue(x.Lhs) && AlwaysTrue(x.Rhs)
	case *Or:
		return AlwaysTrue(x.Lhs) || AlwaysTrue(x.Rhs)
	case *Not:
		if n, ok := x.Expr.(*Not); ok {
			return AlwaysTrue(n.Expr)
		}
		if l, ok := x.Expr.(*Literal); ok {
			return l.Value.Kind() == colpack.Boolean && !l.Value.IsNull() && !l.Value.Boolean()
		}
		return false
	default:
		return false
	}
}

// Columns returns the names of the columns referenced by the expression, in
// first-appearance order.
func Columns(e Expr) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	Walk(e, func(e Expr) {
		switch x := e.(type) {
		case *Column:
			add(x.Name)
		case *IsNull:
			add(x.Column)
		case *IsNotNull:
			add(x.Column)
		case *InList:
			add(x.Column)
		}
	})
	return names
}

// Walk calls fn for every node of the expression, parents before children.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *Compare:
		Walk(x.Lhs, fn)
		Walk(x.Rhs, fn)
	case *And:
		Walk(x.Lhs, fn)
		Walk(x.Rhs, fn)
	case *Or:
		Walk(x.Lhs, fn)
		Walk(x.Rhs, fn)
	case *Not:
		Walk(x.Expr, fn)
	}
}
