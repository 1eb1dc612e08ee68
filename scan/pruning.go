package scan

import (
	"fmt"

	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/colpack/format"
	"github.com/zzcclp/blaze/expr"
	"github.com/zzcclp/blaze/internal/debug"
)

// The pruning tiers decide which row groups and pages of a file may hold
// rows matching the scan predicate, from statistics alone. Their contract is
// best-effort skip, never wrong: a tier may keep data that does not match
// (the filter operator above the scan re-checks every row), but it must
// never drop a row group or page that holds a matching row. Whenever a
// statistic is missing, unreadable or ambiguous, the tiers keep.

// StatsPredicate prunes row groups from the per-chunk statistics recorded in
// the file footer, without issuing any read.
type StatsPredicate struct {
	expr   expr.Expr
	schema *colpack.Schema
}

// NewStatsPredicate builds a row-group pruning predicate from a scan
// predicate. Construction fails when the predicate does not bind to the
// schema; scans treat that as a degradation, not an error.
func NewStatsPredicate(e expr.Expr, schema *colpack.Schema) (*StatsPredicate, error) {
	bound, err := expr.Bind(e, schema)
	if err != nil {
		return nil, fmt.Errorf("building row group pruning predicate: %w", err)
	}
	return &StatsPredicate{expr: bound, schema: schema}, nil
}

// AlwaysTrue reports whether the predicate trivially keeps everything, in
// which case evaluating it is pointless.
func (p *StatsPredicate) AlwaysTrue() bool { return expr.AlwaysTrue(p.expr) }

// PruneRowGroups returns the ordinals of the row groups of the file that may
// hold matching rows, in file order.
func (p *StatsPredicate) PruneRowGroups(file *colpack.File) []int {
	rowGroups := file.RowGroups()
	keep := make([]int, 0, len(rowGroups))
	for _, rg := range rowGroups {
		if mightMatch(p.expr, chunkStatsOf(rg)) {
			keep = append(keep, rg.Ordinal())
		} else {
			debug.Format("scan: row group %d pruned by statistics", rg.Ordinal())
		}
	}
	return keep
}

// PagePredicate prunes pages from the page index of a row group. Pages are
// aligned across the columns of a row group, so a pruned ordinal skips the
// same row window in every column.
type PagePredicate struct {
	expr    expr.Expr
	columns []string
}

// NewPagePredicate builds a page pruning predicate from a scan predicate.
func NewPagePredicate(e expr.Expr, schema *colpack.Schema) (*PagePredicate, error) {
	bound, err := expr.Bind(e, schema)
	if err != nil {
		return nil, fmt.Errorf("building page pruning predicate: %w", err)
	}
	return &PagePredicate{expr: bound, columns: expr.Columns(bound)}, nil
}

// SelectPages returns the ordinals of the pages of the row group that may
// hold matching rows, in page order. Columns whose index is missing or
// unreadable contribute no pruning.
func (p *PagePredicate) SelectPages(rg *colpack.RowGroup) []int {
	indexes := make(map[string]*pageIndex, len(p.columns))
	for _, name := range p.columns {
		i, exists := lookupColumn(rg, name)
		if !exists {
			continue
		}
		chunk := rg.Column(i)
		columnIndex, err := chunk.ColumnIndex()
		if err != nil || columnIndex == nil {
			// No index, no pruning for this column.
			continue
		}
		indexes[name] = &pageIndex{chunk: chunk, index: columnIndex}
	}

	numPages := rg.NumPages()
	keep := make([]int, 0, numPages)
	for ordinal := 0; ordinal < numPages; ordinal++ {
		stats := func(name string) columnStats {
			pi, exists := indexes[name]
			if !exists {
				return columnStats{numRows: int64(rg.PageRows(ordinal))}
			}
			return pi.statsOf(ordinal, int64(rg.PageRows(ordinal)))
		}
		if mightMatch(p.expr, stats) {
			keep = append(keep, ordinal)
		} else {
			debug.Format("scan: page %d of row group %d pruned by page index", ordinal, rg.Ordinal())
		}
	}
	return keep
}

type pageIndex struct {
	chunk *colpack.ColumnChunk
	index *format.ColumnIndex
}

func (pi *pageIndex) statsOf(ordinal int, numRows int64) columnStats {
	s := columnStats{numRows: numRows}
	if pi.index.NullCounts != nil {
		s.nullCount, s.hasNullCount = pi.index.NullCounts[ordinal], true
	}
	if pi.index.NullPages[ordinal] {
		// A page of only nulls has no bounds; the null count pins it down.
		s.nullCount, s.hasNullCount = numRows, true
		return s
	}
	min, err := colpack.DecodePlainValue(pi.chunk.Kind(), pi.index.MinValues[ordinal])
	if err != nil {
		return s
	}
	max, err := colpack.DecodePlainValue(pi.chunk.Kind(), pi.index.MaxValues[ordinal])
	if err != nil {
		return s
	}
	s.min, s.max, s.hasBounds = min, max, true
	return s
}

// bloomPrune reports whether the bloom filters of the row group prove that
// no row can match the conjunctive equality terms of the predicate. Probe
// errors keep the row group.
func bloomPrune(e expr.Expr, rg *colpack.RowGroup) bool {
	for _, term := range conjunctionOf(e, nil) {
		switch t := term.(type) {
		case *expr.Compare:
			if t.Op != expr.Eq {
				continue
			}
			column, okColumn := t.Lhs.(*expr.Column)
			literal, okLiteral := t.Rhs.(*expr.Literal)
			if !okColumn || !okLiteral {
				continue
			}
			if definitelyAbsent(rg, column.Name, literal.Value) {
				debug.Format("scan: row group %d pruned by bloom filter on %q", rg.Ordinal(), column.Name)
				return true
			}
		case *expr.InList:
			allAbsent := len(t.Values) > 0
			for _, v := range t.Values {
				if !definitelyAbsent(rg, t.Column, v) {
					allAbsent = false
					break
				}
			}
			if allAbsent {
				debug.Format("scan: row group %d pruned by bloom filter on %q", rg.Ordinal(), t.Column)
				return true
			}
		}
	}
	return false
}

func definitelyAbsent(rg *colpack.RowGroup, column string, v colpack.Value) bool {
	i, exists := lookupColumn(rg, column)
	if !exists || v.IsNull() {
		return false
	}
	filter := rg.Column(i).BloomFilter()
	if filter == nil {
		return false
	}
	mayContain, err := filter.Check(v)
	if err != nil {
		return false
	}
	return !mayContain
}

// conjunctionOf flattens the top-level AND chain of a predicate into its
// terms.
func conjunctionOf(e expr.Expr, terms []expr.Expr) []expr.Expr {
	if and, ok := e.(*expr.And); ok {
		return conjunctionOf(and.Rhs, conjunctionOf(and.Lhs, terms))
	}
	if e != nil {
		terms = append(terms, e)
	}
	return terms
}

// columnStats are the statistics of one column over some row window, with
// every piece optional.
type columnStats struct {
	min          colpack.Value
	max          colpack.Value
	hasBounds    bool
	nullCount    int64
	hasNullCount bool
	numRows      int64
}

func (s columnStats) allNull() bool {
	return s.hasNullCount && s.numRows > 0 && s.nullCount == s.numRows
}

func chunkStatsOf(rg *colpack.RowGroup) func(string) columnStats {
	return func(name string) columnStats {
		i, exists := lookupColumn(rg, name)
		if !exists {
			return columnStats{numRows: rg.NumRows()}
		}
		chunk := rg.Column(i)
		s := columnStats{numRows: rg.NumRows()}
		s.min, s.max, s.hasBounds = chunk.Bounds()
		s.nullCount, s.hasNullCount = chunk.NullCount()
		return s
	}
}

func lookupColumn(rg *colpack.RowGroup, name string) (int, bool) {
	for i, chunk := range rg.Columns() {
		if chunk.Name() == name {
			return i, true
		}
	}
	return 0, false
}

// mightMatch evaluates a bound predicate against column statistics,
// answering "may any row of this window match". It only answers false when
// the statistics prove it.
func mightMatch(e expr.Expr, stats func(string) columnStats) bool {
	switch x := e.(type) {
	case *expr.Literal:
		return x.Value.Boolean()

	case *expr.Column:
		s := stats(x.Name)
		if s.allNull() {
			return false
		}
		if s.hasBounds && s.max.Kind() == colpack.Boolean {
			return s.max.Boolean()
		}
		return true

	case *expr.Compare:
		column, okColumn := x.Lhs.(*expr.Column)
		literal, okLiteral := x.Rhs.(*expr.Literal)
		if !okColumn || !okLiteral {
			return true
		}
		return compareMightMatch(x.Op, literal.Value, stats(column.Name))

	case *expr.And:
		return mightMatch(x.Lhs, stats) && mightMatch(x.Rhs, stats)

	case *expr.Or:
		return mightMatch(x.Lhs, stats) || mightMatch(x.Rhs, stats)

	case *expr.Not:
		// Min/max statistics do not invert usefully; keep.
		return true

	case *expr.IsNull:
		s := stats(x.Column)
		return !s.hasNullCount || s.nullCount > 0

	case *expr.IsNotNull:
		return !stats(x.Column).allNull()

	case *expr.InList:
		s := stats(x.Column)
		if s.allNull() {
			return false
		}
		if !s.hasBounds {
			return true
		}
		for _, v := range x.Values {
			if v.IsNull() || v.Kind() != s.min.Kind() {
				continue
			}
			if colpack.Compare(v, s.min) >= 0 && colpack.Compare(v, s.max) <= 0 {
				return true
			}
		}
		return false

	default:
		return true
	}
}

func compareMightMatch(op expr.Op, literal colpack.Value, s columnStats) bool {
	// Comparisons never match null rows; a window of only nulls cannot
	// match regardless of the operator.
	if s.allNull() {
		return false
	}
	if !s.hasBounds || literal.IsNull() || literal.Kind() != s.min.Kind() {
		return true
	}
	switch op {
	case expr.Eq:
		return colpack.Compare(literal, s.min) >= 0 && colpack.Compare(literal, s.max) <= 0
	case expr.NotEq:
		// Only a window of rows all equal to the literal cannot match.
		allEqual := colpack.Compare(s.min, s.max) == 0 &&
			colpack.Compare(s.min, literal) == 0 &&
			s.hasNullCount && s.nullCount == 0
		return !allEqual
	case expr.Lt:
		return colpack.Compare(s.min, literal) < 0
	case expr.LtEq:
		return colpack.Compare(s.min, literal) <= 0
	case expr.Gt:
		return colpack.Compare(s.max, literal) > 0
	case expr.GtEq:
		return colpack.Compare(s.max, literal) >= 0
	default:
		return true
	}
}
