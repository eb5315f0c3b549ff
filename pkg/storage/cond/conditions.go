package cond

import (
	"fmt"
	"sort"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// ColumnStats is the (min, max) pair of one column over a segment or delta,
// used for pruning.
type ColumnStats struct {
	Min field.Value
	Max field.Value
}

// CondColumn aggregates every sub-condition bound to one column. A row
// satisfies the column iff it satisfies all of its conds.
type CondColumn struct {
	ColIndex int
	Column   storage.Column
	Conds    []Cond
}

func (cc *CondColumn) EvalRow(row field.Row) bool {
	v := row.Values[cc.ColIndex]
	for _, c := range cc.Conds {
		if !c.EvalValue(v) {
			return false
		}
	}
	return true
}

func (cc *CondColumn) MayMatchRange(stats ColumnStats) bool {
	for _, c := range cc.Conds {
		if !c.MayMatchRange(stats.Min, stats.Max) {
			return false
		}
	}
	return true
}

func (cc *CondColumn) EvalRange(stats ColumnStats) DeleteState {
	state := DeleteAll
	for _, c := range cc.Conds {
		switch c.EvalRange(stats.Min, stats.Max) {
		case DeleteNone:
			return DeleteNone
		case DeletePartial:
			state = DeletePartial
		}
	}
	return state
}

// Conditions is the parsed predicate set of one request or one persisted
// delete entry: a CondColumn per referenced column, AND'd together.
type Conditions struct {
	schema  *storage.Schema
	columns map[int]*CondColumn
}

func New(schema *storage.Schema) *Conditions {
	return &Conditions{
		schema:  schema,
		columns: make(map[int]*CondColumn),
	}
}

// Append validates and adds one condition. Unknown columns, non-key columns,
// floating point columns and malformed operands are rejected with
// ErrDeleteInvalidCondition.
func (cs *Conditions) Append(c Condition) error {
	idx := cs.schema.ColumnIndex(c.Column)
	if idx < 0 {
		return fmt.Errorf("%w: column %q does not exist", storage.ErrDeleteInvalidCondition, c.Column)
	}
	col := cs.schema.Columns[idx]
	if col.Type.IsFloat() {
		return fmt.Errorf("%w: column %q is floating point", storage.ErrDeleteInvalidCondition, c.Column)
	}
	if !col.IsKey {
		return fmt.Errorf("%w: column %q is not a key column", storage.ErrDeleteInvalidCondition, c.Column)
	}

	parsed, err := newCond(col, c)
	if err != nil {
		return err
	}

	cc, ok := cs.columns[idx]
	if !ok {
		cc = &CondColumn{ColIndex: idx, Column: col}
		cs.columns[idx] = cc
	}
	cc.Conds = append(cc.Conds, parsed)
	return nil
}

func (cs *Conditions) Empty() bool {
	return len(cs.columns) == 0
}

func (cs *Conditions) Columns() map[int]*CondColumn {
	return cs.columns
}

// EvalRow reports whether the row satisfies every condition on every column.
func (cs *Conditions) EvalRow(row field.Row) bool {
	for _, cc := range cs.columns {
		if !cc.EvalRow(row) {
			return false
		}
	}
	return true
}

// DeleteEvalRow reports whether a delete predicate filters the row out: true
// iff every sub-condition accepts it.
func (cs *Conditions) DeleteEvalRow(row field.Row) bool {
	return cs.EvalRow(row)
}

// DeltaPruning reports whether a delta whose per-column stats are given can
// be skipped entirely: true iff some condition proves no row in the range can
// match. Columns without stats are ignored.
func (cs *Conditions) DeltaPruning(stats []ColumnStats) bool {
	for idx, cc := range cs.columns {
		if idx >= len(stats) {
			continue
		}
		if !cc.MayMatchRange(stats[idx]) {
			return true
		}
	}
	return false
}

// DeletePruning classifies whether this delete predicate removes all, some or
// none of a range described by per-column stats. Used to drop whole segments
// during compaction.
func (cs *Conditions) DeletePruning(stats []ColumnStats) DeleteState {
	state := DeleteAll
	for idx, cc := range cs.columns {
		if idx >= len(stats) {
			return DeletePartial
		}
		switch cc.EvalRange(stats[idx]) {
		case DeleteNone:
			return DeleteNone
		case DeletePartial:
			state = DeletePartial
		}
	}
	return state
}

// sortedColumnIndexes returns condition column indexes in schema order.
func (cs *Conditions) sortedColumnIndexes() []int {
	out := make([]int, 0, len(cs.columns))
	for idx := range cs.columns {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
