package predicate

import (
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// Predicate filters a block's selection vector in place. Evaluation preserves
// selection order; NULL values never satisfy a predicate.
type Predicate interface {
	Evaluate(b *field.Block)
}

type comparison struct {
	col   int
	value field.Value
	keep  func(cmp int) bool
}

func (p comparison) Evaluate(b *field.Block) {
	col := b.Cols[p.col]
	sel := b.Sel[:0]
	for _, i := range b.Sel {
		v := col[i]
		if v.Null {
			continue
		}
		if p.keep(v.Compare(p.value)) {
			sel = append(sel, i)
		}
	}
	b.Sel = sel
}

func Equal(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c == 0 }}
}

func NotEqual(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c != 0 }}
}

func Less(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c < 0 }}
}

func LessEqual(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c <= 0 }}
}

func Greater(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c > 0 }}
}

func GreaterEqual(col int, v field.Value) Predicate {
	return comparison{col: col, value: v, keep: func(c int) bool { return c >= 0 }}
}

type inList struct {
	col    int
	values map[uint64][]field.Value
	negate bool
}

func newInList(col int, values []field.Value, negate bool) Predicate {
	set := make(map[uint64][]field.Value, len(values))
	for _, v := range values {
		h := v.Hash()
		set[h] = append(set[h], v)
	}
	return inList{col: col, values: set, negate: negate}
}

// In keeps rows whose value is in the set. With an empty set nothing matches.
func In(col int, values []field.Value) Predicate {
	return newInList(col, values, false)
}

// NotIn keeps rows whose value is not in the set. With an empty set it is the
// identity for non-null rows.
func NotIn(col int, values []field.Value) Predicate {
	return newInList(col, values, true)
}

func (p inList) contains(v field.Value) bool {
	for _, cand := range p.values[v.Hash()] {
		if cand.Equal(v) {
			return true
		}
	}
	return false
}

func (p inList) Evaluate(b *field.Block) {
	col := b.Cols[p.col]
	sel := b.Sel[:0]
	for _, i := range b.Sel {
		v := col[i]
		if v.Null {
			continue
		}
		if p.contains(v) != p.negate {
			sel = append(sel, i)
		}
	}
	b.Sel = sel
}
