package cond

import (
	"github.com/malbeclabs/silo/pkg/storage/predicate"
)

// ToPredicates lowers the condition set into vectorized column predicates for
// block-at-a-time evaluation. IS conditions have no vectorized form and stay
// on the row path.
func (cs *Conditions) ToPredicates() []predicate.Predicate {
	var out []predicate.Predicate
	for _, idx := range cs.sortedColumnIndexes() {
		cc := cs.columns[idx]
		for _, c := range cc.Conds {
			switch c.Op {
			case OpEQ:
				out = append(out, predicate.Equal(idx, c.Operand))
			case OpNE:
				out = append(out, predicate.NotEqual(idx, c.Operand))
			case OpLT:
				out = append(out, predicate.Less(idx, c.Operand))
			case OpLE:
				out = append(out, predicate.LessEqual(idx, c.Operand))
			case OpGT:
				out = append(out, predicate.Greater(idx, c.Operand))
			case OpGE:
				out = append(out, predicate.GreaterEqual(idx, c.Operand))
			case OpIn:
				out = append(out, predicate.In(idx, c.Operands))
			}
		}
	}
	return out
}
