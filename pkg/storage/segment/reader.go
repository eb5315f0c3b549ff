package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/malbeclabs/silo/pkg/metrics"
	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

// Reader streams the rows of one index back in written order. Scan volume is
// reported to the query_scan metrics when the reader closes.
type Reader struct {
	log    *slog.Logger
	schema *storage.Schema
	index  *tablet.Index
	pool   *storage.MemPool

	segIdx   int
	file     *os.File
	fileOff  int64
	fileSize int64

	blockRows []field.Row
	blockPos  int
	bytesRead int64
	rowsRead  int64
}

func NewReader(log *slog.Logger, schema *storage.Schema, index *tablet.Index) (*Reader, error) {
	r := &Reader{
		log:    log,
		schema: schema,
		index:  index,
		pool:   storage.NewMemPool(),
	}
	return r, nil
}

// BytesRead reports total bytes consumed so far.
func (r *Reader) BytesRead() int64 { return r.bytesRead }

func (r *Reader) openSegment() error {
	for r.segIdx < len(r.index.Segments) {
		seg := r.index.Segments[r.segIdx]
		path := filepath.Join(r.index.Dir(), seg.DataFile)
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open segment: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat segment: %w", err)
		}

		header := make([]byte, 8)
		if _, err := io.ReadFull(f, header); err != nil {
			f.Close()
			return fmt.Errorf("failed to read segment header: %w", err)
		}
		if string(header[:4]) != fileMagic {
			f.Close()
			return fmt.Errorf("%w: segment %s has bad magic", storage.ErrInvalidArgument, seg.DataFile)
		}

		r.file = f
		r.fileOff = 8
		r.fileSize = info.Size()
		r.bytesRead += 8
		return nil
	}
	return io.EOF
}

func (r *Reader) nextBlock() error {
	for {
		if r.file == nil {
			if err := r.openSegment(); err != nil {
				return err
			}
		}
		if r.fileOff >= r.fileSize {
			r.file.Close()
			r.file = nil
			r.segIdx++
			if r.segIdx >= len(r.index.Segments) {
				return io.EOF
			}
			continue
		}

		header := make([]byte, blockHeaderLen)
		if _, err := io.ReadFull(r.file, header); err != nil {
			return fmt.Errorf("failed to read block header: %w", err)
		}
		rowCount := binary.LittleEndian.Uint32(header[0:4])
		rawLen := binary.LittleEndian.Uint32(header[4:8])
		compLen := binary.LittleEndian.Uint32(header[8:12])

		compressed := make([]byte, compLen)
		if _, err := io.ReadFull(r.file, compressed); err != nil {
			return fmt.Errorf("failed to read block: %w", err)
		}
		r.fileOff += int64(blockHeaderLen) + int64(compLen)
		r.bytesRead += int64(blockHeaderLen) + int64(compLen)
		r.pool.Grow(int64(compLen) + int64(rawLen))

		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return fmt.Errorf("%w: block decompress: %v", storage.ErrInvalidArgument, err)
		}
		if len(raw) != int(rawLen) {
			return fmt.Errorf("%w: block raw length %d, want %d", storage.ErrInvalidArgument, len(raw), rawLen)
		}

		rows := make([]field.Row, 0, rowCount)
		pos := 0
		for n := uint32(0); n < rowCount; n++ {
			rl, sz := binary.Uvarint(raw[pos:])
			if sz <= 0 {
				return fmt.Errorf("%w: bad row frame", storage.ErrInvalidArgument)
			}
			pos += sz
			row := field.NewRow(r.schema)
			if _, err := DecodeRow(raw[pos:pos+int(rl)], &row); err != nil {
				return err
			}
			pos += int(rl)
			rows = append(rows, row)
		}
		r.blockRows = rows
		r.blockPos = 0
		return nil
	}
}

// Next returns the next row, io.EOF at the end of the index.
func (r *Reader) Next() (field.Row, error) {
	for r.blockPos >= len(r.blockRows) {
		if err := r.nextBlock(); err != nil {
			return field.Row{}, err
		}
	}
	row := r.blockRows[r.blockPos]
	r.blockPos++
	r.rowsRead++
	return row, nil
}

// NextBlock fills dst with up to its capacity of rows and selects them all.
// Returns io.EOF only when no rows were appended.
func (r *Reader) NextBlock(dst *field.Block) error {
	dst.Reset()
	for !dst.Full() {
		row, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && dst.NumRows() > 0 {
				return nil
			}
			return err
		}
		dst.AppendRow(row)
	}
	return nil
}

func (r *Reader) Close() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.pool.Release()
	if r.bytesRead > 0 {
		metrics.QueryScanBytes.Add(float64(r.bytesRead))
	}
	if r.rowsRead > 0 {
		metrics.QueryScanRows.Add(float64(r.rowsRead))
	}
	r.bytesRead = 0
	r.rowsRead = 0
}
