package field

import (
	"fmt"
	"hash/fnv"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/silo/pkg/storage"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
)

var (
	largeIntMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	largeIntMin = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

// Value is one typed column value. The active representation depends on Type:
// Int for the fixed integer widths, Big for LARGEINT, Dec for DECIMAL, Time
// for DATE/DATETIME, Str for CHAR/VARCHAR. A zero Value with Null set
// represents NULL regardless of type.
type Value struct {
	Type storage.FieldType
	Null bool

	Int  int64
	Big  *big.Int
	Dec  decimal.Decimal
	Time time.Time
	Str  string
}

// NullValue returns a NULL value of the given type.
func NullValue(t storage.FieldType) Value {
	return Value{Type: t, Null: true}
}

// Parse converts the textual form of a value into a typed Value for the given
// column. Out-of-range and malformed input is rejected with
// ErrDeleteInvalidCondition so that condition validation surfaces the precise
// status.
func Parse(col storage.Column, s string) (Value, error) {
	invalid := func(reason string) (Value, error) {
		return Value{}, fmt.Errorf("%w: column %q %s value %q: %s",
			storage.ErrDeleteInvalidCondition, col.Name, col.Type, s, reason)
	}

	switch col.Type {
	case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
		bits := map[storage.FieldType]int{
			storage.TypeTinyInt:  8,
			storage.TypeSmallInt: 16,
			storage.TypeInt:      32,
			storage.TypeBigInt:   64,
		}[col.Type]
		n, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return invalid("not a valid integer in range")
		}
		return Value{Type: col.Type, Int: n}, nil

	case storage.TypeLargeInt:
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return invalid("not a valid integer")
		}
		if n.Cmp(largeIntMin) < 0 || n.Cmp(largeIntMax) > 0 {
			return invalid("out of 128-bit range")
		}
		return Value{Type: col.Type, Big: n}, nil

	case storage.TypeDecimal:
		if !decimalPattern.MatchString(s) {
			return invalid("not a valid decimal literal")
		}
		digits := strings.TrimPrefix(s, "-")
		intPart, fracPart, _ := strings.Cut(digits, ".")
		if len(intPart) > col.Precision-col.Scale {
			return invalid("integer part exceeds precision")
		}
		if len(fracPart) > col.Scale {
			return invalid("fraction exceeds scale")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return invalid("not a valid decimal")
		}
		return Value{Type: col.Type, Dec: d}, nil

	case storage.TypeDate:
		// A datetime literal is accepted for a date column; the time part is
		// dropped.
		if t, err := time.Parse(dateLayout, s); err == nil {
			return Value{Type: col.Type, Time: t}, nil
		}
		if t, err := time.Parse(datetimeLayout, s); err == nil {
			return Value{Type: col.Type, Time: t.Truncate(24 * time.Hour)}, nil
		}
		return invalid("not a valid date")

	case storage.TypeDateTime:
		t, err := time.Parse(datetimeLayout, s)
		if err != nil {
			return invalid("not a valid datetime")
		}
		return Value{Type: col.Type, Time: t}, nil

	case storage.TypeChar, storage.TypeVarchar:
		if col.Length > 0 && len(s) > col.Length {
			return invalid("exceeds declared length")
		}
		return Value{Type: col.Type, Str: s}, nil

	case storage.TypeFloat, storage.TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return invalid("not a valid float")
		}
		return Value{Type: col.Type, Dec: decimal.NewFromFloat(f)}, nil
	}

	return invalid("unsupported type")
}

// String renders the canonical textual form, the same form Parse accepts and
// the serialized condition format uses.
func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	switch v.Type {
	case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
		return strconv.FormatInt(v.Int, 10)
	case storage.TypeLargeInt:
		return v.Big.String()
	case storage.TypeDecimal, storage.TypeFloat, storage.TypeDouble:
		return v.Dec.String()
	case storage.TypeDate:
		return v.Time.Format(dateLayout)
	case storage.TypeDateTime:
		return v.Time.Format(datetimeLayout)
	case storage.TypeChar, storage.TypeVarchar:
		return v.Str
	}
	return ""
}

// Compare orders two values of the same type: -1, 0, or 1. NULL sorts before
// every non-null value.
func (v Value) Compare(o Value) int {
	if v.Null || o.Null {
		switch {
		case v.Null && o.Null:
			return 0
		case v.Null:
			return -1
		default:
			return 1
		}
	}
	switch v.Type {
	case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
		switch {
		case v.Int < o.Int:
			return -1
		case v.Int > o.Int:
			return 1
		}
		return 0
	case storage.TypeLargeInt:
		return v.Big.Cmp(o.Big)
	case storage.TypeDecimal, storage.TypeFloat, storage.TypeDouble:
		return v.Dec.Cmp(o.Dec)
	case storage.TypeDate, storage.TypeDateTime:
		switch {
		case v.Time.Before(o.Time):
			return -1
		case v.Time.After(o.Time):
			return 1
		}
		return 0
	case storage.TypeChar, storage.TypeVarchar:
		return strings.Compare(v.Str, o.Str)
	}
	return 0
}

// Hash returns a 64-bit hash of the value, stable across processes.
func (v Value) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(v.Type)})
	if v.Null {
		h.Write([]byte{0xff})
		return h.Sum64()
	}
	h.Write([]byte(v.String()))
	return h.Sum64()
}

// Equal reports whether two values of the same type compare equal.
func (v Value) Equal(o Value) bool {
	if v.Null || o.Null {
		return v.Null && o.Null
	}
	return v.Compare(o) == 0
}
