package field

import (
	"fmt"

	"github.com/malbeclabs/silo/pkg/storage"
)

// Row is one decoded row: a value per schema column, in schema order.
type Row struct {
	Schema *storage.Schema
	Values []Value
}

func NewRow(schema *storage.Schema) Row {
	return Row{
		Schema: schema,
		Values: make([]Value, schema.NumColumns()),
	}
}

// RowFromStrings parses one value per column from its textual form.
func RowFromStrings(schema *storage.Schema, fields []string) (Row, error) {
	if len(fields) != schema.NumColumns() {
		return Row{}, fmt.Errorf("%w: row has %d fields, schema has %d columns",
			storage.ErrInvalidArgument, len(fields), schema.NumColumns())
	}
	row := NewRow(schema)
	for i, s := range fields {
		v, err := Parse(schema.Columns[i], s)
		if err != nil {
			return Row{}, err
		}
		row.Values[i] = v
	}
	return row, nil
}

// CompareKeys orders two rows of the same schema by their key columns.
func CompareKeys(a, b Row) int {
	for i, col := range a.Schema.Columns {
		if !col.IsKey {
			continue
		}
		if c := a.Values[i].Compare(b.Values[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Clone copies the row so the caller can hold it past buffer reuse.
func (r Row) Clone() Row {
	out := Row{Schema: r.Schema, Values: make([]Value, len(r.Values))}
	copy(out.Values, r.Values)
	return out
}
