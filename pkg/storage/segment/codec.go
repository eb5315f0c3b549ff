package segment

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// Row wire codec shared by segment blocks and raw delta files: one presence
// byte per value, then a type-dependent payload. Integers and timestamps are
// varints, LARGEINT is length-prefixed magnitude bytes followed by a sign
// byte, everything else is a length-prefixed canonical byte string.

const (
	valueNull    = 0
	valuePresent = 1
)

// AppendRow appends the encoded row payload (without a length prefix).
func AppendRow(buf []byte, row field.Row) []byte {
	for i, v := range row.Values {
		if v.Null {
			buf = append(buf, valueNull)
			continue
		}
		buf = append(buf, valuePresent)
		switch row.Schema.Columns[i].Type {
		case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
			buf = binary.AppendVarint(buf, v.Int)
		case storage.TypeDate, storage.TypeDateTime:
			buf = binary.AppendVarint(buf, v.Time.Unix())
		case storage.TypeLargeInt:
			buf = appendBytes(buf, v.Big.Bytes())
			if v.Big.Sign() < 0 {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case storage.TypeDecimal, storage.TypeFloat, storage.TypeDouble:
			buf = appendBytes(buf, []byte(v.Dec.String()))
		case storage.TypeChar, storage.TypeVarchar:
			buf = appendBytes(buf, []byte(v.Str))
		}
	}
	return buf
}

// AppendFramedRow appends a length-prefixed encoded row.
func AppendFramedRow(buf []byte, row field.Row) []byte {
	payload := AppendRow(nil, row)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// DecodeRow decodes one row payload into dst, returning the bytes consumed.
func DecodeRow(data []byte, dst *field.Row) (int, error) {
	pos := 0
	for i := range dst.Schema.Columns {
		col := dst.Schema.Columns[i]
		if pos >= len(data) {
			return 0, fmt.Errorf("%w: truncated row at column %d", storage.ErrInvalidArgument, i)
		}
		flag := data[pos]
		pos++
		if flag == valueNull {
			dst.Values[i] = field.NullValue(col.Type)
			continue
		}

		switch col.Type {
		case storage.TypeTinyInt, storage.TypeSmallInt, storage.TypeInt, storage.TypeBigInt:
			n, sz := binary.Varint(data[pos:])
			if sz <= 0 {
				return 0, fmt.Errorf("%w: bad varint at column %d", storage.ErrInvalidArgument, i)
			}
			pos += sz
			dst.Values[i] = field.Value{Type: col.Type, Int: n}

		case storage.TypeDate, storage.TypeDateTime:
			n, sz := binary.Varint(data[pos:])
			if sz <= 0 {
				return 0, fmt.Errorf("%w: bad varint at column %d", storage.ErrInvalidArgument, i)
			}
			pos += sz
			dst.Values[i] = field.Value{Type: col.Type, Time: time.Unix(n, 0).UTC()}

		case storage.TypeLargeInt:
			raw, consumed, err := readBytes(data[pos:])
			if err != nil {
				return 0, fmt.Errorf("column %d: %w", i, err)
			}
			pos += consumed
			if pos >= len(data) {
				return 0, fmt.Errorf("%w: truncated largeint sign at column %d", storage.ErrInvalidArgument, i)
			}
			n := new(big.Int).SetBytes(raw)
			if data[pos] == 1 {
				n.Neg(n)
			}
			pos++
			dst.Values[i] = field.Value{Type: col.Type, Big: n}

		case storage.TypeDecimal, storage.TypeFloat, storage.TypeDouble:
			raw, consumed, err := readBytes(data[pos:])
			if err != nil {
				return 0, fmt.Errorf("column %d: %w", i, err)
			}
			pos += consumed
			d, err := decimal.NewFromString(string(raw))
			if err != nil {
				return 0, fmt.Errorf("%w: bad decimal at column %d: %v", storage.ErrInvalidArgument, i, err)
			}
			dst.Values[i] = field.Value{Type: col.Type, Dec: d}

		case storage.TypeChar, storage.TypeVarchar:
			raw, consumed, err := readBytes(data[pos:])
			if err != nil {
				return 0, fmt.Errorf("column %d: %w", i, err)
			}
			pos += consumed
			dst.Values[i] = field.Value{Type: col.Type, Str: string(raw)}

		default:
			return 0, fmt.Errorf("%w: unsupported column type %s", storage.ErrInvalidArgument, col.Type)
		}
	}
	return pos, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(data []byte) ([]byte, int, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 {
		return nil, 0, fmt.Errorf("%w: bad length prefix", storage.ErrInvalidArgument)
	}
	end := sz + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated bytes", storage.ErrInvalidArgument)
	}
	return data[sz:end], end, nil
}
