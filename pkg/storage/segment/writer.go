package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

const (
	fileMagic      = "SSEG"
	formatVersion  = 1
	blockHeaderLen = 12

	// DefaultMaxSegmentBytes bounds one segment file.
	DefaultMaxSegmentBytes = 256 << 20
)

type WriterConfig struct {
	Logger          *slog.Logger
	Schema          *storage.Schema
	Dir             string
	FilePrefix      string
	MaxSegmentBytes int64
	BlockRows       int
	Pool            *storage.MemPool
}

func (cfg *WriterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schema == nil {
		return errors.New("schema is required")
	}
	if cfg.Dir == "" {
		return errors.New("dir is required")
	}
	if cfg.FilePrefix == "" {
		return errors.New("file prefix is required")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if cfg.BlockRows <= 0 {
		cfg.BlockRows = field.DefaultBlockRows
	}
	if cfg.Pool == nil {
		cfg.Pool = storage.NewMemPool()
	}
	return nil
}

// Result is the outcome of one writer lifecycle: exactly the metadata an
// index records.
type Result struct {
	Segments    []tablet.SegmentMeta
	NumRows     int64
	DataBytes   int64
	Checksum    uint32
	ColumnStats []tablet.ColumnStat
}

// Writer streams rows into size-bounded segment files. Rows buffer into a
// block; full blocks are snappy-compressed and appended to the active
// segment, which rolls over once it would exceed MaxSegmentBytes.
type Writer struct {
	log *slog.Logger
	cfg WriterConfig

	block     *field.Block
	rowBuf    field.Row
	encodeBuf []byte

	file       *os.File
	sparse     []sparseEntry
	segmentID  uint32
	segBytes   int64
	segRows    int64
	segments   []tablet.SegmentMeta
	numRows    int64
	totalBytes int64
	checksum   hash.Hash32

	stats     []tablet.ColumnStat
	statsInit []bool

	finalized bool
}

type sparseEntry struct {
	firstKey []byte
	offset   int64
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		log:       cfg.Logger,
		cfg:       cfg,
		block:     field.NewBlock(cfg.Schema.NumColumns(), cfg.BlockRows),
		rowBuf:    field.NewRow(cfg.Schema),
		checksum:  adler32.New(),
		stats:     make([]tablet.ColumnStat, cfg.Schema.NumColumns()),
		statsInit: make([]bool, cfg.Schema.NumColumns()),
	}
	if err := w.addSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) segmentName(id uint32, ext string) string {
	return fmt.Sprintf("%s_%d.%s", w.cfg.FilePrefix, id, ext)
}

func (w *Writer) addSegment() error {
	path := filepath.Join(w.cfg.Dir, w.segmentName(w.segmentID, "dat"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	w.file = f
	w.sparse = nil
	w.segBytes = 0
	w.segRows = 0

	header := make([]byte, 0, 8)
	header = append(header, fileMagic...)
	header = binary.LittleEndian.AppendUint32(header, formatVersion)
	return w.writeToSegment(header)
}

func (w *Writer) writeToSegment(data []byte) error {
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	w.checksum.Write(data)
	w.segBytes += int64(len(data))
	w.totalBytes += int64(len(data))
	return nil
}

// WriteRow appends one row, flushing and rolling segments as needed.
func (w *Writer) WriteRow(row field.Row) error {
	if w.finalized {
		return fmt.Errorf("%w: writer already finalized", storage.ErrNotInitialized)
	}
	w.updateStats(row)
	w.block.AppendRow(row)
	w.numRows++
	if w.block.Full() {
		return w.flushBlock()
	}
	return nil
}

// WriteBlock appends every selected row of the block.
func (w *Writer) WriteBlock(b *field.Block) error {
	for _, sel := range b.Sel {
		b.SelectedRow(sel, &w.rowBuf)
		if err := w.WriteRow(w.rowBuf); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) updateStats(row field.Row) {
	for c, v := range row.Values {
		if v.Null {
			continue
		}
		s := v.String()
		if !w.statsInit[c] {
			w.stats[c] = tablet.ColumnStat{Min: s, Max: s}
			w.statsInit[c] = true
			continue
		}
		min, err := field.Parse(row.Schema.Columns[c], w.stats[c].Min)
		if err == nil && v.Compare(min) < 0 {
			w.stats[c].Min = s
		}
		max, err := field.Parse(row.Schema.Columns[c], w.stats[c].Max)
		if err == nil && v.Compare(max) > 0 {
			w.stats[c].Max = s
		}
	}
}

func (w *Writer) flushBlock() error {
	if w.block.NumRows() == 0 {
		return nil
	}

	w.encodeBuf = w.encodeBuf[:0]
	row := field.NewRow(w.cfg.Schema)
	for i := 0; i < w.block.NumRows(); i++ {
		w.block.SelectedRow(uint16(i), &row)
		w.encodeBuf = AppendFramedRow(w.encodeBuf, row)
	}
	compressed := snappy.Encode(nil, w.encodeBuf)
	w.cfg.Pool.Grow(int64(cap(w.encodeBuf) + cap(compressed)))

	// Roll to a fresh segment when this block would push the current one past
	// its bound.
	estimated := int64(blockHeaderLen + len(compressed))
	if w.segBytes > 0 && w.segBytes+estimated > w.cfg.MaxSegmentBytes && w.segRows > 0 {
		if err := w.finalizeSegment(); err != nil {
			return err
		}
		w.segmentID++
		if err := w.addSegment(); err != nil {
			return err
		}
	}

	w.block.SelectedRow(0, &w.rowBuf)
	firstKey := AppendRow(nil, w.rowBuf)
	w.sparse = append(w.sparse, sparseEntry{firstKey: firstKey, offset: w.segBytes})

	frame := make([]byte, 0, blockHeaderLen+len(compressed))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(w.block.NumRows()))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(w.encodeBuf)))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(compressed)))
	frame = append(frame, compressed...)
	if err := w.writeToSegment(frame); err != nil {
		return err
	}

	w.segRows += int64(w.block.NumRows())
	w.block.Reset()
	return nil
}

func (w *Writer) finalizeSegment() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}

	idxName := w.segmentName(w.segmentID, "idx")
	if err := w.writeSparseIndex(filepath.Join(w.cfg.Dir, idxName)); err != nil {
		return err
	}

	w.segments = append(w.segments, tablet.SegmentMeta{
		ID:        w.segmentID,
		DataFile:  w.segmentName(w.segmentID, "dat"),
		IndexFile: idxName,
		Rows:      w.segRows,
		Bytes:     w.segBytes,
	})
	return nil
}

func (w *Writer) writeSparseIndex(path string) error {
	buf := make([]byte, 0, 16+len(w.sparse)*16)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.sparse)))
	for _, e := range w.sparse {
		buf = binary.AppendUvarint(buf, uint64(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.offset))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write sparse index: %w", err)
	}
	return nil
}

// Finalize flushes the pending block, closes the last segment and returns the
// metadata for the produced index. The checksum is Adler-32 over the
// concatenated segment file contents.
func (w *Writer) Finalize() (*Result, error) {
	if w.finalized {
		return nil, fmt.Errorf("%w: writer already finalized", storage.ErrNotInitialized)
	}
	if err := w.flushBlock(); err != nil {
		return nil, err
	}
	if err := w.finalizeSegment(); err != nil {
		return nil, err
	}
	w.finalized = true
	w.cfg.Pool.Release()

	stats := make([]tablet.ColumnStat, len(w.stats))
	for c := range w.stats {
		if !w.statsInit[c] {
			stats[c] = tablet.ColumnStat{OnlyNulls: true}
			continue
		}
		stats[c] = w.stats[c]
	}

	return &Result{
		Segments:    w.segments,
		NumRows:     w.numRows,
		DataBytes:   w.totalBytes,
		Checksum:    w.checksum.Sum32(),
		ColumnStats: stats,
	}, nil
}

// Abort removes every file the writer created. Safe after partial writes.
func (w *Writer) Abort() {
	w.finalized = true
	w.cfg.Pool.Release()
	if w.file != nil {
		w.file.Close()
	}
	for id := uint32(0); id <= w.segmentID; id++ {
		for _, ext := range []string{"dat", "idx"} {
			path := filepath.Join(w.cfg.Dir, w.segmentName(id, ext))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				w.log.Error("failed to remove aborted segment file", "file", path, "error", err)
			}
		}
	}
}
