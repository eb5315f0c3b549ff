package cond

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// Op is a condition operator. The textual form encodes < and > as << and >>
// so the persisted header never needs escaping.
type Op int

const (
	OpEQ Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpIn
	OpIs
)

var opText = map[Op]string{
	OpEQ: "=",
	OpNE: "!=",
	OpLT: "<<",
	OpLE: "<=",
	OpGT: ">>",
	OpGE: ">=",
	OpIn: "*=",
	OpIs: "IS",
}

func (o Op) String() string {
	if s, ok := opText[o]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// ParseOp resolves an operator token. Both the SQL form (<, >) and the stored
// form (<<, >>) are accepted.
func ParseOp(s string) (Op, error) {
	switch s {
	case "=":
		return OpEQ, nil
	case "!=":
		return OpNE, nil
	case "<", "<<":
		return OpLT, nil
	case "<=":
		return OpLE, nil
	case ">", ">>":
		return OpGT, nil
	case ">=":
		return OpGE, nil
	case "*=":
		return OpIn, nil
	case "IS":
		return OpIs, nil
	}
	return 0, fmt.Errorf("%w: unknown condition op %q", storage.ErrDeleteInvalidCondition, s)
}

// Condition is the external, untyped form of one sub-condition: column name,
// operator token and operand value(s).
type Condition struct {
	Column string
	Op     string
	Values []string
}

// Format renders the serialized textual form used in persisted headers, e.g.
// "k1=1", "k2>>3", "k2*=1,2,3".
func (c Condition) Format() (string, error) {
	op, err := ParseOp(c.Op)
	if err != nil {
		return "", err
	}
	if len(c.Values) == 0 {
		return "", fmt.Errorf("%w: condition on %q has no operand", storage.ErrDeleteInvalidCondition, c.Column)
	}
	switch op {
	case OpIn:
		return c.Column + op.String() + strings.Join(c.Values, ","), nil
	case OpIs:
		return c.Column + " IS " + c.Values[0], nil
	}
	return c.Column + op.String() + c.Values[0], nil
}

// twoCharOps in probe order; >= and <= must be tried before >> and <<.
var twoCharOps = []string{">=", "<=", "!=", ">>", "<<", "*="}

// ParseSerialized parses the stored textual form back into a Condition.
func ParseSerialized(s string) (Condition, error) {
	if col, rest, ok := strings.Cut(s, " IS "); ok {
		return Condition{Column: col, Op: "IS", Values: []string{rest}}, nil
	}
	for i := 0; i < len(s); i++ {
		if i+2 <= len(s) {
			tok := s[i : i+2]
			for _, op := range twoCharOps {
				if tok == op {
					c := Condition{Column: s[:i], Op: op}
					if op == "*=" {
						c.Values = strings.Split(s[i+2:], ",")
					} else {
						c.Values = []string{s[i+2:]}
					}
					return c, nil
				}
			}
		}
		if s[i] == '=' {
			return Condition{Column: s[:i], Op: "=", Values: []string{s[i+1:]}}, nil
		}
	}
	return Condition{}, fmt.Errorf("%w: cannot parse condition %q", storage.ErrDeleteInvalidCondition, s)
}

// Cond is one parsed sub-condition bound to a column.
type Cond struct {
	Op         Op
	Operand    field.Value
	Operands   []field.Value
	ExpectNull bool

	set map[uint64][]field.Value
}

func newCond(col storage.Column, c Condition) (Cond, error) {
	op, err := ParseOp(c.Op)
	if err != nil {
		return Cond{}, err
	}
	if len(c.Values) == 0 {
		return Cond{}, fmt.Errorf("%w: condition on %q has empty operand set",
			storage.ErrDeleteInvalidCondition, col.Name)
	}

	switch op {
	case OpIs:
		want := strings.ToUpper(strings.TrimSpace(c.Values[0]))
		if want != "NULL" && want != "NOT NULL" {
			return Cond{}, fmt.Errorf("%w: IS operand must be NULL or NOT NULL, got %q",
				storage.ErrDeleteInvalidCondition, c.Values[0])
		}
		return Cond{Op: op, ExpectNull: want == "NULL"}, nil

	case OpIn:
		out := Cond{Op: op, set: make(map[uint64][]field.Value, len(c.Values))}
		for _, s := range c.Values {
			v, err := field.Parse(col, s)
			if err != nil {
				return Cond{}, err
			}
			out.Operands = append(out.Operands, v)
			h := v.Hash()
			out.set[h] = append(out.set[h], v)
		}
		return out, nil

	default:
		if len(c.Values) != 1 {
			return Cond{}, fmt.Errorf("%w: operator %s takes exactly one operand",
				storage.ErrDeleteInvalidCondition, op)
		}
		v, err := field.Parse(col, c.Values[0])
		if err != nil {
			return Cond{}, err
		}
		return Cond{Op: op, Operand: v}, nil
	}
}

func (c Cond) contains(v field.Value) bool {
	for _, cand := range c.set[v.Hash()] {
		if cand.Equal(v) {
			return true
		}
	}
	return false
}

// EvalValue reports whether the condition accepts the value.
func (c Cond) EvalValue(v field.Value) bool {
	if c.Op == OpIs {
		return v.Null == c.ExpectNull
	}
	if v.Null {
		return false
	}
	switch c.Op {
	case OpEQ:
		return v.Compare(c.Operand) == 0
	case OpNE:
		return v.Compare(c.Operand) != 0
	case OpLT:
		return v.Compare(c.Operand) < 0
	case OpLE:
		return v.Compare(c.Operand) <= 0
	case OpGT:
		return v.Compare(c.Operand) > 0
	case OpGE:
		return v.Compare(c.Operand) >= 0
	case OpIn:
		return c.contains(v)
	}
	return false
}

// MayMatchRange reports whether any value in [min, max] could satisfy the
// condition. False means a scan can safely skip the whole range.
func (c Cond) MayMatchRange(min, max field.Value) bool {
	if min.Null && max.Null {
		return c.Op == OpIs && c.ExpectNull
	}
	switch c.Op {
	case OpEQ:
		return c.Operand.Compare(min) >= 0 && c.Operand.Compare(max) <= 0
	case OpNE:
		return !(min.Compare(max) == 0 && min.Compare(c.Operand) == 0)
	case OpLT:
		return min.Compare(c.Operand) < 0
	case OpLE:
		return min.Compare(c.Operand) <= 0
	case OpGT:
		return max.Compare(c.Operand) > 0
	case OpGE:
		return max.Compare(c.Operand) >= 0
	case OpIn:
		for _, v := range c.Operands {
			if v.Compare(min) >= 0 && v.Compare(max) <= 0 {
				return true
			}
		}
		return false
	case OpIs:
		return true
	}
	return true
}

// DeleteState classifies how a delete condition covers a value range.
type DeleteState int

const (
	DeleteNone DeleteState = iota
	DeletePartial
	DeleteAll
)

func (s DeleteState) String() string {
	switch s {
	case DeleteNone:
		return "NONE"
	case DeletePartial:
		return "PARTIAL"
	case DeleteAll:
		return "ALL_DELETED"
	}
	return fmt.Sprintf("DeleteState(%d)", int(s))
}

// EvalRange classifies whether the condition deletes all, some, or none of
// the rows in [min, max].
func (c Cond) EvalRange(min, max field.Value) DeleteState {
	if min.Null && max.Null {
		if c.Op == OpIs {
			if c.ExpectNull {
				return DeleteAll
			}
			return DeleteNone
		}
		return DeleteNone
	}
	point := min.Compare(max) == 0
	switch c.Op {
	case OpEQ:
		if point && min.Compare(c.Operand) == 0 {
			return DeleteAll
		}
		if c.Operand.Compare(min) < 0 || c.Operand.Compare(max) > 0 {
			return DeleteNone
		}
		return DeletePartial
	case OpNE:
		if point && min.Compare(c.Operand) == 0 {
			return DeleteNone
		}
		if c.Operand.Compare(min) < 0 || c.Operand.Compare(max) > 0 {
			return DeleteAll
		}
		return DeletePartial
	case OpLT:
		if max.Compare(c.Operand) < 0 {
			return DeleteAll
		}
		if min.Compare(c.Operand) >= 0 {
			return DeleteNone
		}
		return DeletePartial
	case OpLE:
		if max.Compare(c.Operand) <= 0 {
			return DeleteAll
		}
		if min.Compare(c.Operand) > 0 {
			return DeleteNone
		}
		return DeletePartial
	case OpGT:
		if min.Compare(c.Operand) > 0 {
			return DeleteAll
		}
		if max.Compare(c.Operand) <= 0 {
			return DeleteNone
		}
		return DeletePartial
	case OpGE:
		if min.Compare(c.Operand) >= 0 {
			return DeleteAll
		}
		if max.Compare(c.Operand) < 0 {
			return DeleteNone
		}
		return DeletePartial
	case OpIn:
		if point {
			if c.contains(min) {
				return DeleteAll
			}
			return DeleteNone
		}
		for _, v := range c.Operands {
			if v.Compare(min) >= 0 && v.Compare(max) <= 0 {
				return DeletePartial
			}
		}
		return DeleteNone
	case OpIs:
		// Min/max stats ignore nulls, so a mixed range is undecidable.
		return DeletePartial
	}
	return DeletePartial
}
