package compaction

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silo/pkg/metrics"
	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/deletecond"
	"github.com/malbeclabs/silo/pkg/storage/segment"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Policy: a non-manual run proceeds when any threshold is met.
	BytesThreshold      int64
	DeltaCountThreshold int
	IntervalThreshold   time.Duration

	// DeleteRetention is how long a delete predicate stays "unexpired";
	// compaction will not merge past an unexpired predicate.
	DeleteRetention time.Duration

	MaxSegmentBytes int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BytesThreshold <= 0 {
		cfg.BytesThreshold = 64 << 20
	}
	if cfg.DeltaCountThreshold <= 0 {
		cfg.DeltaCountThreshold = 5
	}
	if cfg.IntervalThreshold <= 0 {
		cfg.IntervalThreshold = 24 * time.Hour
	}
	if cfg.DeleteRetention <= 0 {
		cfg.DeleteRetention = 24 * time.Hour
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = segment.DefaultMaxSegmentBytes
	}
	return nil
}

// BaseCompaction merges the base and a prefix of the cumulative deltas into a
// new base version. One instance runs one compaction on one tablet; the
// tablet's compaction lock rejects overlapping runs.
type BaseCompaction struct {
	log *slog.Logger
	cfg Config

	tablet         *tablet.Tablet
	compactionHeld bool
	oldBase        storage.Version
	newBase        storage.Version
	newHash        storage.VersionHash
	candidates     []storage.Version
	sources        []*tablet.Index
	sourceBytes    int64
}

func NewBaseCompaction(cfg Config) (*BaseCompaction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BaseCompaction{log: cfg.Logger, cfg: cfg}, nil
}

// Init decides whether a compaction should run and pins its inputs: it takes
// the compaction lock, checks policy (unless manual), excludes versions
// guarded by unexpired delete predicates, validates contiguity and acquires a
// reference on every source index.
func (c *BaseCompaction) Init(t *tablet.Tablet, manual bool) error {
	if !t.TryCompactionLock() {
		c.log.Info("tablet busy, skipping base compaction", "tablet", t.FullName())
		return fmt.Errorf("%w: tablet %s compaction already running", storage.ErrBusy, t.FullName())
	}
	c.tablet = t
	c.compactionHeld = true

	t.RLockHeader()
	defer t.RUnlockHeader()

	base, ok := t.BaseVersionLocked()
	if !ok {
		c.release()
		return fmt.Errorf("%w: tablet %s has no base version", storage.ErrNoSuitableVersion, t.FullName())
	}
	c.oldBase = base

	candidates := make([]storage.Version, 0)
	var candidateBytes int64
	for _, v := range t.VersionsLocked() {
		if v.Start > base.End {
			candidates = append(candidates, v)
			candidateBytes += t.IndexLocked(v).DataBytes
		}
	}

	if !manual && !c.policySatisfied(t, candidates, candidateBytes) {
		c.release()
		return fmt.Errorf("%w: tablet %s policy not satisfied", storage.ErrNoSuitableVersion, t.FullName())
	}

	candidates = c.excludeNotExpiredDelete(t, candidates)
	if len(candidates) == 0 {
		c.release()
		return fmt.Errorf("%w: tablet %s has no mergeable cumulative versions",
			storage.ErrNoSuitableVersion, t.FullName())
	}

	merged := append([]storage.Version{base}, candidates...)
	if err := storage.ValidateCoverage(merged); err != nil {
		c.release()
		return fmt.Errorf("%w: tablet %s candidate versions not contiguous: %v",
			storage.ErrNoSuitableVersion, t.FullName(), err)
	}

	c.candidates = candidates
	c.newBase = storage.Version{Start: 0, End: candidates[len(candidates)-1].End}
	c.newHash = c.combineHashes(merged, t)

	for _, v := range merged {
		idx := t.IndexLocked(v)
		idx.Acquire()
		c.sources = append(c.sources, idx)
		c.sourceBytes += idx.DataBytes
	}
	return nil
}

func (c *BaseCompaction) policySatisfied(t *tablet.Tablet, candidates []storage.Version, bytes int64) bool {
	if bytes >= c.cfg.BytesThreshold {
		return true
	}
	deltas := 0
	for _, v := range candidates {
		if v.IsSingleton() {
			deltas++
		}
	}
	if deltas >= c.cfg.DeltaCountThreshold {
		return true
	}
	last := t.LastBaseCompactionLocked()
	return last > 0 && c.cfg.Clock.Now().Sub(time.Unix(last, 0)) >= c.cfg.IntervalThreshold
}

// excludeNotExpiredDelete drops every candidate at or past the earliest
// unexpired delete predicate, so the predicate keeps filtering rows until it
// expires and can be folded into the base.
func (c *BaseCompaction) excludeNotExpiredDelete(t *tablet.Tablet, candidates []storage.Version) []storage.Version {
	cutoff := int64(-1)
	now := c.cfg.Clock.Now()
	for _, dc := range t.DeleteConditionsLocked() {
		expired := now.Sub(time.Unix(dc.CreatedUnix, 0)) >= c.cfg.DeleteRetention
		if expired {
			continue
		}
		if cutoff < 0 || dc.Version < cutoff {
			cutoff = dc.Version
		}
	}
	if cutoff < 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, v := range candidates {
		if v.End < cutoff {
			kept = append(kept, v)
		} else {
			c.log.Debug("excluding version guarded by unexpired delete",
				"tablet", t.FullName(), "version", v, "delete_version", cutoff)
		}
	}
	return kept
}

func (c *BaseCompaction) combineHashes(versions []storage.Version, t *tablet.Tablet) storage.VersionHash {
	h := fnv.New64a()
	for _, v := range versions {
		idx := t.IndexLocked(v)
		fmt.Fprintf(h, "%d:%d:%d;", v.Start, v.End, uint64(idx.Hash))
	}
	return storage.VersionHash(h.Sum64())
}

// Run executes the merge and atomically publishes the new base. Cancellation
// is honored only until the header update begins.
func (c *BaseCompaction) Run(ctx context.Context) (err error) {
	defer func() {
		metrics.RecordBaseCompaction(len(c.candidates), c.sourceBytes, err)
		c.releaseSources()
		c.release()
	}()

	if c.tablet == nil || len(c.sources) == 0 {
		return fmt.Errorf("%w: compaction not initialized", storage.ErrNotInitialized)
	}
	t := c.tablet
	c.log.Info("starting base compaction",
		"tablet", t.FullName(), "old_base", c.oldBase, "new_base", c.newBase,
		"candidates", len(c.candidates))

	deletes := deletecond.NewHandler(c.log)
	if err := deletes.Init(t, c.newBase.End); err != nil {
		return err
	}
	defer deletes.Finalize()

	newIndex, err := c.doCompaction(ctx, deletes)
	if err != nil {
		return err
	}

	var superseded []*tablet.Index
	t.LockHeader()
	err = t.CommitLocked(func() {
		for _, idx := range c.sources {
			if removed := t.RemoveIndexLocked(idx.Version); removed != nil {
				superseded = append(superseded, removed)
			}
		}
		if addErr := t.AddIndexLocked(newIndex); addErr != nil {
			c.log.Error("failed to add new base index", "tablet", t.FullName(), "error", addErr)
		}
		t.RemoveDeleteConditionsLocked(c.newBase.End, true)
		t.SetLastBaseCompactionLocked(c.cfg.Clock.Now().Unix())
	})
	t.UnlockHeader()
	if err != nil {
		// Header untouched on disk; remove the new files and leave the old
		// versions serving reads.
		newIndex.MarkForDeletion(c.log)
		return err
	}

	for _, idx := range superseded {
		idx.MarkForDeletion(c.log)
	}
	c.log.Info("base compaction committed",
		"tablet", t.FullName(), "new_base", c.newBase, "rows", newIndex.NumRows,
		"bytes", newIndex.DataBytes)
	return nil
}

// doCompaction merge-reads every source in key order, applies delete
// predicates and writes the new base.
func (c *BaseCompaction) doCompaction(ctx context.Context, deletes *deletecond.Handler) (*tablet.Index, error) {
	t := c.tablet
	schema := t.Schema()

	writer, err := segment.NewWriter(segment.WriterConfig{
		Logger:          c.log,
		Schema:          schema,
		Dir:             t.Dir(),
		FilePrefix:      t.FilePrefix(c.newBase, c.newHash),
		MaxSegmentBytes: c.cfg.MaxSegmentBytes,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]*mergeSource, 0, len(c.sources))
	for order, idx := range c.sources {
		if c.skipFullyDeleted(idx, deletes) {
			c.log.Debug("skipping fully deleted source", "tablet", t.FullName(), "version", idx.Version)
			continue
		}
		reader, err := segment.NewReader(c.log, schema, idx)
		if err != nil {
			writer.Abort()
			return nil, err
		}
		defer reader.Close()
		sources = append(sources, &mergeSource{reader: reader, version: idx.Version.End, order: order})
	}

	m := newMerger(schema, sources, deletes)
	rows := int64(0)
	for {
		row, err := m.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			writer.Abort()
			return nil, err
		}
		if err := writer.WriteRow(row); err != nil {
			writer.Abort()
			return nil, err
		}
		rows++
		if rows%1024 == 0 {
			if err := ctx.Err(); err != nil {
				writer.Abort()
				return nil, err
			}
		}
	}

	res, err := writer.Finalize()
	if err != nil {
		return nil, err
	}
	idx := tablet.NewIndex(t.Dir(), c.newBase, c.newHash)
	idx.Segments = res.Segments
	idx.NumRows = res.NumRows
	idx.DataBytes = res.DataBytes
	idx.Checksum = res.Checksum
	idx.ColumnStats = res.ColumnStats
	return idx, nil
}

// skipFullyDeleted prunes a whole source when some delete predicate covering
// its version provably deletes every row in its stats range.
func (c *BaseCompaction) skipFullyDeleted(idx *tablet.Index, deletes *deletecond.Handler) bool {
	stats, err := idx.ParsedStats(c.tablet.Schema())
	if err != nil || stats == nil {
		return false
	}
	for _, e := range deletes.Entries() {
		if e.Version < idx.Version.End {
			continue
		}
		if e.Conditions.DeletePruning(stats) == cond.DeleteAll {
			return true
		}
	}
	return false
}

func (c *BaseCompaction) releaseSources() {
	for _, idx := range c.sources {
		idx.Release(c.log)
	}
	c.sources = nil
}

func (c *BaseCompaction) release() {
	if c.compactionHeld {
		c.tablet.UnlockCompaction()
		c.compactionHeld = false
	}
}
