package compaction

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/deletecond"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/segment"
)

// mergeSource is one ordered row stream entering the merge, tagged with the
// version rows are attributed to for delete-predicate scoping.
type mergeSource struct {
	reader  *segment.Reader
	version int64
	order   int

	current field.Row
	done    bool
}

func (s *mergeSource) advance() error {
	row, err := s.reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return nil
		}
		return err
	}
	s.current = row
	return nil
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := field.CompareKeys(h[i].current, h[j].current); c != 0 {
		return c < 0
	}
	// Equal keys pop in version order so later versions override earlier
	// ones for REPLACE aggregation.
	return h[i].order < h[j].order
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merger streams the union of all sources in key order, dropping deleted
// rows and folding equal keys through the value columns' aggregations.
type merger struct {
	schema  *storage.Schema
	sources []*mergeSource
	deletes *deletecond.Handler

	h         mergeHeap
	aggregate bool
	inited    bool

	pending    field.Row
	hasPending bool
	rowsOut    int64
	rowsIn     int64
	filtered   int64
}

func newMerger(schema *storage.Schema, sources []*mergeSource, deletes *deletecond.Handler) *merger {
	aggregate := false
	for _, col := range schema.Columns {
		if !col.IsKey && col.Aggregation != storage.AggNone {
			aggregate = true
		}
	}
	return &merger{schema: schema, sources: sources, deletes: deletes, aggregate: aggregate}
}

func (m *merger) init() error {
	m.h = make(mergeHeap, 0, len(m.sources))
	for _, s := range m.sources {
		if err := s.advance(); err != nil {
			return err
		}
		if !s.done {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&m.h)
	m.inited = true
	return nil
}

// popRow takes the next surviving row from the heap, skipping deleted rows.
func (m *merger) popRow() (field.Row, bool, error) {
	for m.h.Len() > 0 {
		src := m.h[0]
		row := src.current.Clone()
		if err := src.advance(); err != nil {
			return field.Row{}, false, err
		}
		if src.done {
			heap.Pop(&m.h)
		} else {
			heap.Fix(&m.h, 0)
		}

		m.rowsIn++
		if m.deletes != nil && m.deletes.IsFilteredRow(src.version, row) {
			m.filtered++
			continue
		}
		return row, true, nil
	}
	return field.Row{}, false, nil
}

// Next returns the next merged row, io.EOF when drained.
func (m *merger) Next() (field.Row, error) {
	if !m.inited {
		if err := m.init(); err != nil {
			return field.Row{}, err
		}
	}

	if !m.hasPending {
		row, ok, err := m.popRow()
		if err != nil {
			return field.Row{}, err
		}
		if !ok {
			return field.Row{}, io.EOF
		}
		m.pending = row
		m.hasPending = true
	}

	if !m.aggregate {
		out := m.pending
		m.hasPending = false
		m.rowsOut++
		return out, nil
	}

	for {
		row, ok, err := m.popRow()
		if err != nil {
			return field.Row{}, err
		}
		if !ok {
			out := m.pending
			m.hasPending = false
			m.rowsOut++
			return out, nil
		}
		if field.CompareKeys(m.pending, row) != 0 {
			out := m.pending
			m.pending = row
			m.rowsOut++
			return out, nil
		}
		if err := m.fold(row); err != nil {
			return field.Row{}, err
		}
	}
}

// fold merges row into the pending row through each value column's
// aggregation. row comes from a later version than pending.
func (m *merger) fold(row field.Row) error {
	for i, col := range m.schema.Columns {
		if col.IsKey {
			continue
		}
		switch col.Aggregation {
		case storage.AggSum:
			v, err := sumValues(col, m.pending.Values[i], row.Values[i])
			if err != nil {
				return err
			}
			m.pending.Values[i] = v
		case storage.AggMin:
			if row.Values[i].Compare(m.pending.Values[i]) < 0 {
				m.pending.Values[i] = row.Values[i]
			}
		case storage.AggMax:
			if row.Values[i].Compare(m.pending.Values[i]) > 0 {
				m.pending.Values[i] = row.Values[i]
			}
		case storage.AggReplace, storage.AggNone:
			m.pending.Values[i] = row.Values[i]
		}
	}
	return nil
}

func sumValues(col storage.Column, a, b field.Value) (field.Value, error) {
	if a.Null {
		return b, nil
	}
	if b.Null {
		return a, nil
	}
	switch col.Type {
	case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
		return field.Value{Type: col.Type, Int: a.Int + b.Int}, nil
	case storage.TypeLargeInt:
		return field.Value{Type: col.Type, Big: new(big.Int).Add(a.Big, b.Big)}, nil
	case storage.TypeDecimal, storage.TypeFloat, storage.TypeDouble:
		return field.Value{Type: col.Type, Dec: a.Dec.Add(b.Dec)}, nil
	}
	return field.Value{}, fmt.Errorf("%w: SUM unsupported for %s column %q",
		storage.ErrInvalidArgument, col.Type, col.Name)
}
