package tablet

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silo/pkg/storage"
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      HeaderStore
	Dir        string
	TabletID   int64
	SchemaHash int64
	Schema     *storage.Schema
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("header store is required")
	}
	if cfg.Dir == "" {
		return errors.New("tablet dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Tablet owns the schema, version graph and delete predicates of one
// schema-stable partition. Two locks guard it: the header lock (reader/writer)
// around every metadata read/modify/save, and the compaction lock preventing
// overlapping compactions. The header lock is never held across segment file
// I/O; the compaction lock is held for a whole compaction, merge included.
type Tablet struct {
	log   *slog.Logger
	clock clockwork.Clock
	store HeaderStore
	dir   string

	ID         int64
	SchemaHash int64

	headerMu     sync.RWMutex
	compactionMu sync.Mutex

	schema      *storage.Schema
	indices     map[storage.Version]*Index
	deleteConds []DeleteCondition
	lastBase    int64
}

// Create initializes a new tablet directory with an empty base version (0, 1)
// and persists its first header.
func Create(cfg Config) (*Tablet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Schema == nil {
		return nil, errors.New("schema is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tablet dir: %w", err)
	}

	t := &Tablet{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		store:      cfg.Store,
		dir:        cfg.Dir,
		ID:         cfg.TabletID,
		SchemaHash: cfg.SchemaHash,
		schema:     cfg.Schema,
		indices:    make(map[storage.Version]*Index),
	}

	base := NewIndex(cfg.Dir, storage.Version{Start: 0, End: 1}, 0)
	base.CreatedUnix = t.clock.Now().Unix()
	t.indices[base.Version] = base

	if err := t.saveHeaderLocked(); err != nil {
		return nil, err
	}
	t.log.Info("created tablet", "tablet", t.FullName(), "dir", cfg.Dir)
	return t, nil
}

// Load reads a tablet back from its persisted header.
func Load(cfg Config) (*Tablet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := cfg.Store.Load(filepath.Join(cfg.Dir, HeaderFileName))
	if err != nil {
		return nil, err
	}

	t := &Tablet{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		store:       cfg.Store,
		dir:         cfg.Dir,
		ID:          h.TabletID,
		SchemaHash:  h.SchemaHash,
		schema:      h.Schema,
		indices:     make(map[storage.Version]*Index, len(h.Indices)),
		deleteConds: h.DeleteConditions,
		lastBase:    h.LastBaseUnix,
	}
	for _, idx := range h.Indices {
		if _, dup := t.indices[idx.Version]; dup {
			return nil, fmt.Errorf("%w: duplicate version %s in header", storage.ErrHeaderLoadInvalidKey, idx.Version)
		}
		idx.SetDir(cfg.Dir)
		t.indices[idx.Version] = idx
	}
	if err := t.validateVersionsLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrHeaderLoadInvalidKey, err)
	}
	return t, nil
}

func (t *Tablet) Schema() *storage.Schema { return t.schema }
func (t *Tablet) Dir() string             { return t.dir }

func (t *Tablet) FullName() string {
	return fmt.Sprintf("%d.%d", t.ID, t.SchemaHash)
}

// FilePrefix names data files of one version:
// {tablet_id}_{schema_hash}_{start}_{end}_{hash}.
func (t *Tablet) FilePrefix(v storage.Version, h storage.VersionHash) string {
	return fmt.Sprintf("%d_%d_%d_%d_%d", t.ID, t.SchemaHash, v.Start, v.End, uint64(h))
}

// Header lock. Held briefly around metadata reads and mutations, never across
// segment I/O.

func (t *Tablet) RLockHeader()   { t.headerMu.RLock() }
func (t *Tablet) RUnlockHeader() { t.headerMu.RUnlock() }
func (t *Tablet) LockHeader()    { t.headerMu.Lock() }
func (t *Tablet) UnlockHeader()  { t.headerMu.Unlock() }

// Compaction lock. Try-only: a busy tablet reports ErrBusy instead of
// queueing compactions.

func (t *Tablet) TryCompactionLock() bool { return t.compactionMu.TryLock() }
func (t *Tablet) UnlockCompaction()       { t.compactionMu.Unlock() }

// VersionsLocked lists committed versions sorted by start. Caller holds the
// header lock.
func (t *Tablet) VersionsLocked() []storage.Version {
	out := make([]storage.Version, 0, len(t.indices))
	for v := range t.indices {
		out = append(out, v)
	}
	storage.SortVersions(out)
	return out
}

func (t *Tablet) IndexLocked(v storage.Version) *Index {
	return t.indices[v]
}

// LatestEndLocked returns the largest committed end version.
func (t *Tablet) LatestEndLocked() int64 {
	latest := int64(-1)
	for v := range t.indices {
		if v.End > latest {
			latest = v.End
		}
	}
	return latest
}

// IndexByEndLocked finds the committed index whose version ends at end.
func (t *Tablet) IndexByEndLocked(end int64) *Index {
	for v, idx := range t.indices {
		if v.End == end {
			return idx
		}
	}
	return nil
}

// BaseVersionLocked returns the base version (start == 0).
func (t *Tablet) BaseVersionLocked() (storage.Version, bool) {
	for v := range t.indices {
		if v.Start == 0 {
			return v, true
		}
	}
	return storage.Version{}, false
}

func (t *Tablet) validateVersionsLocked() error {
	return storage.ValidateCoverage(t.VersionsLocked())
}

// AddIndexLocked registers a new index in the in-memory version graph. The
// caller is responsible for persisting via CommitLocked.
func (t *Tablet) AddIndexLocked(idx *Index) error {
	if _, exists := t.indices[idx.Version]; exists {
		return fmt.Errorf("%w: version %s already committed", storage.ErrPushVersionAlreadyExist, idx.Version)
	}
	if idx.CreatedUnix == 0 {
		idx.CreatedUnix = t.clock.Now().Unix()
	}
	t.indices[idx.Version] = idx
	return nil
}

// RemoveIndexLocked detaches a version from the graph and returns its index.
func (t *Tablet) RemoveIndexLocked(v storage.Version) *Index {
	idx := t.indices[v]
	delete(t.indices, v)
	return idx
}

// DeleteConditionsLocked returns a copy of the persisted delete predicates.
func (t *Tablet) DeleteConditionsLocked() []DeleteCondition {
	out := make([]DeleteCondition, len(t.deleteConds))
	copy(out, t.deleteConds)
	return out
}

// SetDeleteConditionLocked stores conds for version, replacing any existing
// entry for the same version.
func (t *Tablet) SetDeleteConditionLocked(version int64, subConditions []string) {
	entry := DeleteCondition{
		Version:       version,
		SubConditions: subConditions,
		CreatedUnix:   t.clock.Now().Unix(),
	}
	for i, dc := range t.deleteConds {
		if dc.Version == version {
			t.deleteConds[i] = entry
			return
		}
	}
	t.deleteConds = append(t.deleteConds, entry)
}

// RemoveDeleteConditionsLocked removes the entry at exactly version, or with
// prefix set, every entry at or below version.
func (t *Tablet) RemoveDeleteConditionsLocked(version int64, prefix bool) {
	kept := t.deleteConds[:0]
	for _, dc := range t.deleteConds {
		remove := dc.Version == version || (prefix && dc.Version <= version)
		if !remove {
			kept = append(kept, dc)
		}
	}
	t.deleteConds = kept
}

// LastBaseCompactionLocked returns the unix time of the last base compaction,
// zero if none ran yet.
func (t *Tablet) LastBaseCompactionLocked() int64 {
	return t.lastBase
}

func (t *Tablet) SetLastBaseCompactionLocked(unix int64) {
	t.lastBase = unix
}

type snapshot struct {
	indices     map[storage.Version]*Index
	deleteConds []DeleteCondition
	lastBase    int64
}

func (t *Tablet) snapshotLocked() snapshot {
	indices := make(map[storage.Version]*Index, len(t.indices))
	for v, idx := range t.indices {
		indices[v] = idx
	}
	conds := make([]DeleteCondition, len(t.deleteConds))
	copy(conds, t.deleteConds)
	return snapshot{indices: indices, deleteConds: conds, lastBase: t.lastBase}
}

func (t *Tablet) restoreLocked(s snapshot) {
	t.indices = s.indices
	t.deleteConds = s.deleteConds
	t.lastBase = s.lastBase
}

// CommitLocked applies mutate to the in-memory header state and persists it.
// On save failure the in-memory state is rolled back and the header on disk
// is untouched. Caller holds the header write lock.
func (t *Tablet) CommitLocked(mutate func()) error {
	snap := t.snapshotLocked()
	mutate()
	if err := t.saveHeaderLocked(); err != nil {
		t.restoreLocked(snap)
		return err
	}
	return nil
}

func (t *Tablet) saveHeaderLocked() error {
	versions := t.VersionsLocked()
	indices := make([]*Index, 0, len(versions))
	for _, v := range versions {
		indices = append(indices, t.indices[v])
	}
	h := &Header{
		TabletID:         t.ID,
		SchemaHash:       t.SchemaHash,
		Schema:           t.schema,
		Indices:          indices,
		DeleteConditions: t.deleteConds,
		LastBaseUnix:     t.lastBase,
	}
	if err := t.store.Save(filepath.Join(t.dir, HeaderFileName), h); err != nil {
		t.log.Error("failed to save tablet header", "tablet", t.FullName(), "error", err)
		return fmt.Errorf("%w: tablet %s: %v", storage.ErrHeaderSaveFailed, t.FullName(), err)
	}
	return nil
}

// ReferencedFilesLocked lists every data file name the header references,
// used by the startup orphan sweep.
func (t *Tablet) ReferencedFilesLocked() map[string]struct{} {
	out := make(map[string]struct{})
	for _, idx := range t.indices {
		for _, s := range idx.Segments {
			out[s.DataFile] = struct{}{}
			if s.IndexFile != "" {
				out[s.IndexFile] = struct{}{}
			}
		}
	}
	return out
}
