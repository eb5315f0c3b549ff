package storage

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType enumerates the column primitive types the engine stores.
type FieldType int

const (
	TypeTinyInt FieldType = iota
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeLargeInt
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeDate
	TypeDateTime
	TypeChar
	TypeVarchar
)

var fieldTypeNames = map[FieldType]string{
	TypeTinyInt:  "TINYINT",
	TypeSmallInt: "SMALLINT",
	TypeInt:      "INT",
	TypeBigInt:   "BIGINT",
	TypeLargeInt: "LARGEINT",
	TypeFloat:    "FLOAT",
	TypeDouble:   "DOUBLE",
	TypeDecimal:  "DECIMAL",
	TypeDate:     "DATE",
	TypeDateTime: "DATETIME",
	TypeChar:     "CHAR",
	TypeVarchar:  "VARCHAR",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// IsFloat reports whether the type is floating point. Float columns cannot
// carry delete conditions.
func (t FieldType) IsFloat() bool {
	return t == TypeFloat || t == TypeDouble
}

// ParseFieldType resolves a type name, case-insensitive.
func ParseFieldType(s string) (FieldType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range fieldTypeNames {
		if name == upper {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field type %q", ErrInvalidArgument, s)
}

// AggregationType is the aggregation applied to a value column when rows with
// equal keys merge.
type AggregationType string

const (
	AggNone    AggregationType = ""
	AggSum     AggregationType = "SUM"
	AggMin     AggregationType = "MIN"
	AggMax     AggregationType = "MAX"
	AggReplace AggregationType = "REPLACE"
)

// Column describes one column of a tablet schema.
type Column struct {
	Name        string          `json:"name"`
	Type        FieldType       `json:"type"`
	Length      int             `json:"length,omitempty"`
	Precision   int             `json:"precision,omitempty"`
	Scale       int             `json:"scale,omitempty"`
	IsKey       bool            `json:"is_key"`
	Aggregation AggregationType `json:"aggregation,omitempty"`
}

// Schema is the ordered column set of a tablet. Key columns come first.
type Schema struct {
	Columns []Column `json:"columns"`
}

func NewSchema(columns []Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, errors.New("schema requires at least one column")
	}
	seen := make(map[string]struct{}, len(columns))
	keys := 0
	for _, c := range columns {
		if c.Name == "" {
			return nil, errors.New("schema column requires a name")
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.IsKey {
			keys++
		}
	}
	if keys == 0 {
		return nil, errors.New("schema requires at least one key column")
	}
	return &Schema{Columns: columns}, nil
}

// ColumnIndex returns the index of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// NumKeyColumns returns how many leading columns are keys.
func (s *Schema) NumKeyColumns() int {
	n := 0
	for _, c := range s.Columns {
		if c.IsKey {
			n++
		}
	}
	return n
}

func (s *Schema) NumColumns() int {
	return len(s.Columns)
}
