package tablet

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/field"
)

// SegmentMeta describes one on-disk segment file of an index.
type SegmentMeta struct {
	ID        uint32 `json:"id"`
	DataFile  string `json:"data_file"`
	IndexFile string `json:"index_file"`
	Rows      int64  `json:"rows"`
	Bytes     int64  `json:"bytes"`
}

// ColumnStat holds the canonical textual min/max of one column across an
// index. OnlyNulls marks a column with no non-null values.
type ColumnStat struct {
	Min       string `json:"min"`
	Max       string `json:"max"`
	OnlyNulls bool   `json:"only_nulls,omitempty"`
}

// Index is the metadata of one immutable columnar data unit at one version.
// Readers acquire a reference before opening segment files; physical deletion
// waits until the last reference is released.
type Index struct {
	Version     storage.Version     `json:"version"`
	Hash        storage.VersionHash `json:"version_hash"`
	Segments    []SegmentMeta       `json:"segments"`
	NumRows     int64               `json:"num_rows"`
	DataBytes   int64               `json:"data_bytes"`
	Checksum    uint32              `json:"checksum"`
	ColumnStats []ColumnStat        `json:"column_stats,omitempty"`
	CreatedUnix int64               `json:"created_unix"`

	dir             string
	refs            atomic.Int32
	deleteOnRelease atomic.Bool
}

// NewIndex binds index metadata to the tablet directory holding its files.
func NewIndex(dir string, version storage.Version, hash storage.VersionHash) *Index {
	return &Index{Version: version, Hash: hash, dir: dir}
}

func (i *Index) Dir() string { return i.dir }

func (i *Index) SetDir(dir string) { i.dir = dir }

// Acquire takes a reference for a reader or a compaction source.
func (i *Index) Acquire() {
	i.refs.Add(1)
}

// Release drops a reference. If the index was superseded and this was the
// last reference, its files are removed from disk.
func (i *Index) Release(log *slog.Logger) {
	if i.refs.Add(-1) == 0 && i.deleteOnRelease.Load() {
		i.removeFiles(log)
	}
}

func (i *Index) Refs() int32 {
	return i.refs.Load()
}

// MarkForDeletion schedules physical removal once no reader holds the index.
// With no outstanding references the files are removed immediately.
func (i *Index) MarkForDeletion(log *slog.Logger) {
	i.deleteOnRelease.Store(true)
	if i.refs.Load() == 0 {
		i.removeFiles(log)
	}
}

func (i *Index) removeFiles(log *slog.Logger) {
	for _, path := range i.FilePaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Error("failed to remove index file", "file", path, "error", err)
		}
	}
}

// FilePaths returns the absolute paths of every file the index owns.
func (i *Index) FilePaths() []string {
	out := make([]string, 0, len(i.Segments)*2)
	for _, s := range i.Segments {
		out = append(out, filepath.Join(i.dir, s.DataFile))
		if s.IndexFile != "" {
			out = append(out, filepath.Join(i.dir, s.IndexFile))
		}
	}
	return out
}

// ParsedStats converts the textual per-column min/max into typed stats for
// pruning. Returns nil when the index carries no statistics.
func (i *Index) ParsedStats(schema *storage.Schema) ([]cond.ColumnStats, error) {
	if len(i.ColumnStats) == 0 {
		return nil, nil
	}
	if len(i.ColumnStats) != schema.NumColumns() {
		return nil, fmt.Errorf("%w: index %s has %d column stats, schema has %d columns",
			storage.ErrInvalidArgument, i.Version, len(i.ColumnStats), schema.NumColumns())
	}
	out := make([]cond.ColumnStats, len(i.ColumnStats))
	for c, stat := range i.ColumnStats {
		if stat.OnlyNulls {
			out[c] = cond.ColumnStats{
				Min: field.NullValue(schema.Columns[c].Type),
				Max: field.NullValue(schema.Columns[c].Type),
			}
			continue
		}
		min, err := field.Parse(schema.Columns[c], stat.Min)
		if err != nil {
			return nil, err
		}
		max, err := field.Parse(schema.Columns[c], stat.Max)
		if err != nil {
			return nil, err
		}
		out[c] = cond.ColumnStats{Min: min, Max: max}
	}
	return out, nil
}
