package push

import (
	"fmt"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// ColumnMapping describes how one column of a schema-change sibling tablet is
// produced from a source row: copied from a source column, or filled with a
// default literal.
type ColumnMapping struct {
	// RefColumn is the source column index, or -1 to use Default.
	RefColumn int
	Default   string
}

// SchemaMapping maps a whole source row onto a sibling schema, one entry per
// sibling column.
type SchemaMapping []ColumnMapping

// Apply produces the sibling row for src. dst must be sized for the sibling
// schema.
func (m SchemaMapping) Apply(src field.Row, dst *field.Row) error {
	if len(m) != len(dst.Values) {
		return fmt.Errorf("%w: mapping has %d entries, sibling schema has %d columns",
			storage.ErrInvalidArgument, len(m), len(dst.Values))
	}
	for i, cm := range m {
		if cm.RefColumn >= 0 {
			if cm.RefColumn >= len(src.Values) {
				return fmt.Errorf("%w: mapping references source column %d of %d",
					storage.ErrInvalidArgument, cm.RefColumn, len(src.Values))
			}
			dst.Values[i] = src.Values[cm.RefColumn]
			continue
		}
		if cm.Default == "" {
			dst.Values[i] = field.NullValue(dst.Schema.Columns[i].Type)
			continue
		}
		v, err := field.Parse(dst.Schema.Columns[i], cm.Default)
		if err != nil {
			return err
		}
		dst.Values[i] = v
	}
	return nil
}
