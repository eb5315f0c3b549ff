package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silo/pkg/broker"
	"github.com/malbeclabs/silo/pkg/metrics"
	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/segment"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
	"github.com/malbeclabs/silo/utils/pkg/retry"
)

// Type selects what a push delivers: a data load or an empty delta anchoring
// a delete predicate.
type Type int

const (
	TypeLoad Type = iota
	TypeDelete
)

// Request is one delta ingestion request against a tablet.
type Request struct {
	Version     int64
	VersionHash storage.VersionHash
	Type        Type
	DeltaPath   string
	Endpoints   []string
	Timeout     time.Duration
	LoadID      uuid.UUID
}

// TabletInfo reports the committed state of one tablet after a push.
type TabletInfo struct {
	TabletID    int64
	SchemaHash  int64
	Version     int64
	VersionHash storage.VersionHash
	NumRows     int64
}

type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Backend         broker.Backend
	Retry           retry.Config
	MaxSegmentBytes int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Backend == nil {
		cfg.Backend = broker.LocalBackend{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = segment.DefaultMaxSegmentBytes
	}
	return nil
}

// Handler converts external delta files into columnar segments and publishes
// them atomically through the tablet header.
type Handler struct {
	log *slog.Logger
	cfg Config

	writeBytes int64
	writeRows  int64
}

func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg}, nil
}

func (h *Handler) WriteBytes() int64 { return h.writeBytes }
func (h *Handler) WriteRows() int64  { return h.writeRows }

// target is the per-tablet working state of one push.
type target struct {
	tablet          *tablet.Tablet
	mapping         SchemaMapping
	writer          *segment.Writer
	rowBuf          field.Row
	revert          []storage.Version
	revertedIndices []*tablet.Index
	newIndex        *tablet.Index
}

// Process ingests one delta into the tablet and, during a schema change, its
// sibling. Header locks are taken in ascending (tablet_id, schema_hash) order;
// either every header is updated or none is.
func (h *Handler) Process(ctx context.Context, tab *tablet.Tablet, sibling *tablet.Tablet, mapping SchemaMapping, req Request) (infos []TabletInfo, err error) {
	start := h.cfg.Clock.Now()
	defer func() {
		metrics.RecordPush(h.cfg.Clock.Now().Sub(start), h.writeBytes, h.writeRows, err)
	}()

	targets := []*target{{tablet: tab}}
	if sibling != nil {
		targets = append(targets, &target{tablet: sibling, mapping: mapping})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].tablet.ID != targets[j].tablet.ID {
			return targets[i].tablet.ID < targets[j].tablet.ID
		}
		return targets[i].tablet.SchemaHash < targets[j].tablet.SchemaHash
	})

	// Validate under the header read locks.
	h.rlockAll(targets)
	idempotent, err := h.validate(targets, req)
	h.runlockAll(targets)
	if err != nil {
		return nil, err
	}
	if idempotent {
		h.log.Info("push already applied, returning success",
			"tablet", tab.FullName(), "version", req.Version, "load_id", req.LoadID)
		return h.tabletInfos(targets, req), nil
	}

	// Convert outside any lock.
	if err := h.convert(ctx, targets, req); err != nil {
		for _, t := range targets {
			if t.writer != nil {
				t.writer.Abort()
			}
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrPushBuildDeltaFailed, err)
	}

	// Publish under the header write locks.
	h.lockAll(targets)
	err = h.updateHeaders(targets, req)
	h.unlockAll(targets)
	if err != nil {
		return nil, err
	}

	// Physical deletion of reverted versions is refcount-gated.
	for _, t := range targets {
		for _, idx := range t.revertedIndices {
			idx.MarkForDeletion(h.log)
		}
	}

	h.log.Info("push committed",
		"tablet", tab.FullName(), "version", req.Version, "rows", h.writeRows,
		"bytes", h.writeBytes, "load_id", req.LoadID)
	return h.tabletInfos(targets, req), nil
}

func (h *Handler) rlockAll(targets []*target) {
	for _, t := range targets {
		t.tablet.RLockHeader()
	}
}

func (h *Handler) runlockAll(targets []*target) {
	for i := len(targets) - 1; i >= 0; i-- {
		targets[i].tablet.RUnlockHeader()
	}
}

func (h *Handler) lockAll(targets []*target) {
	for _, t := range targets {
		t.tablet.LockHeader()
	}
}

func (h *Handler) unlockAll(targets []*target) {
	for i := len(targets) - 1; i >= 0; i-- {
		targets[i].tablet.UnlockHeader()
	}
}

// validate checks the requested version against each tablet's graph. It
// returns idempotent=true when every tablet already carries this exact
// version hash.
func (h *Handler) validate(targets []*target, req Request) (bool, error) {
	if req.Version <= 0 {
		return false, fmt.Errorf("%w: version %d", storage.ErrInvalidArgument, req.Version)
	}

	applied := 0
	for _, t := range targets {
		latest := t.tablet.LatestEndLocked()
		existing := t.tablet.IndexByEndLocked(req.Version)

		switch {
		case existing != nil && existing.Hash == req.VersionHash:
			applied++
		case existing != nil && existing.Version.IsSingleton() && req.Version == latest:
			// A cancelled prior attempt left this delta behind; replace it.
			t.revert = append(t.revert, existing.Version)
		case existing != nil:
			return false, fmt.Errorf("%w: tablet %s version %d",
				storage.ErrPushVersionAlreadyExist, t.tablet.FullName(), req.Version)
		case req.Version != latest+1:
			return false, fmt.Errorf("%w: tablet %s version %d, latest %d",
				storage.ErrPushVersionIncorrect, t.tablet.FullName(), req.Version, latest)
		}
	}

	if applied == len(targets) {
		return true, nil
	}
	if applied != 0 {
		return false, fmt.Errorf("%w: version %d applied to only %d of %d tablets",
			storage.ErrPushVersionAlreadyExist, req.Version, applied, len(targets))
	}
	return false, nil
}

// convert streams the delta file into one segment writer per target tablet.
func (h *Handler) convert(ctx context.Context, targets []*target, req Request) error {
	version := storage.Version{Start: req.Version, End: req.Version}
	for _, t := range targets {
		writer, err := segment.NewWriter(segment.WriterConfig{
			Logger:          h.log,
			Schema:          t.tablet.Schema(),
			Dir:             t.tablet.Dir(),
			FilePrefix:      t.tablet.FilePrefix(version, req.VersionHash),
			MaxSegmentBytes: h.cfg.MaxSegmentBytes,
		})
		if err != nil {
			return err
		}
		t.writer = writer
		t.rowBuf = field.NewRow(t.tablet.Schema())
	}

	if req.Type == TypeLoad {
		if err := h.streamDelta(ctx, targets, req); err != nil {
			return err
		}
	}

	for _, t := range targets {
		res, err := t.writer.Finalize()
		if err != nil {
			return err
		}
		idx := tablet.NewIndex(t.tablet.Dir(), version, req.VersionHash)
		idx.Segments = res.Segments
		idx.NumRows = res.NumRows
		idx.DataBytes = res.DataBytes
		idx.Checksum = res.Checksum
		idx.ColumnStats = res.ColumnStats
		t.newIndex = idx
		h.writeBytes += res.DataBytes
		h.writeRows = res.NumRows
	}
	return nil
}

func (h *Handler) streamDelta(ctx context.Context, targets []*target, req Request) error {
	endpoints := req.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"local"}
	}
	stream, err := broker.NewReader(ctx, broker.Config{
		Logger:    h.log,
		Endpoints: endpoints,
		Backend:   h.cfg.Backend,
		Retry:     h.cfg.Retry,
	}, req.DeltaPath)
	if err != nil {
		return err
	}
	defer stream.Close()

	header, err := ReadDeltaHeader(stream)
	if err != nil {
		return err
	}
	base := targets[0]
	for _, t := range targets {
		if t.mapping == nil {
			base = t
		}
	}
	if header.SchemaHash != base.tablet.SchemaHash {
		return fmt.Errorf("%w: delta schema hash %d, tablet %d",
			storage.ErrPushVersionIncorrect, header.SchemaHash, base.tablet.SchemaHash)
	}

	var deadline time.Time
	if req.Timeout > 0 {
		deadline = h.cfg.Clock.Now().Add(req.Timeout)
	}

	reader := NewBinaryReader(stream, header)
	srcRow := field.NewRow(base.tablet.Schema())
	rows := 0
	for {
		if err := reader.Next(&srcRow); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		for _, t := range targets {
			if t.mapping == nil {
				if err := t.writer.WriteRow(srcRow); err != nil {
					return err
				}
				continue
			}
			if err := t.mapping.Apply(srcRow, &t.rowBuf); err != nil {
				return err
			}
			if err := t.writer.WriteRow(t.rowBuf); err != nil {
				return err
			}
		}

		rows++
		if rows%field.DefaultBlockRows == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !deadline.IsZero() && h.cfg.Clock.Now().After(deadline) {
				return fmt.Errorf("%w: push deadline exceeded", context.DeadlineExceeded)
			}
		}
	}
	if !reader.EOF() {
		return fmt.Errorf("%w: delta stream ended before declared content length", storage.ErrIO)
	}
	return reader.ValidateChecksum(header.Checksum)
}

// updateHeaders removes reverted versions and inserts the new index on every
// target, persisting each header. A failed save rolls that tablet back,
// reverts the headers of the tablets already committed, and aborts the push.
func (h *Handler) updateHeaders(targets []*target, req Request) error {
	for i, t := range targets {
		t.revertedIndices = nil
		err := t.tablet.CommitLocked(func() {
			for _, v := range t.revert {
				if idx := t.tablet.RemoveIndexLocked(v); idx != nil {
					t.revertedIndices = append(t.revertedIndices, idx)
				}
			}
			if err := t.tablet.AddIndexLocked(t.newIndex); err != nil {
				h.log.Error("failed to add index", "tablet", t.tablet.FullName(), "error", err)
			}
		})
		if err != nil {
			// This tablet's header is untouched on disk; the uncommitted new
			// files are unreachable from any header and can go.
			for _, rest := range targets[i:] {
				rest.revertedIndices = nil
				rest.newIndex.MarkForDeletion(h.log)
			}
			for _, done := range targets[:i] {
				rbErr := done.tablet.CommitLocked(func() {
					done.tablet.RemoveIndexLocked(done.newIndex.Version)
					for _, idx := range done.revertedIndices {
						_ = done.tablet.AddIndexLocked(idx)
					}
				})
				if rbErr != nil {
					h.log.Error("failed to revert committed header", "tablet", done.tablet.FullName(), "error", rbErr)
					continue
				}
				done.revertedIndices = nil
				done.newIndex.MarkForDeletion(h.log)
			}
			return err
		}
	}
	return nil
}

func (h *Handler) tabletInfos(targets []*target, req Request) []TabletInfo {
	out := make([]TabletInfo, 0, len(targets))
	for _, t := range targets {
		rows := int64(0)
		if t.newIndex != nil {
			rows = t.newIndex.NumRows
		}
		out = append(out, TabletInfo{
			TabletID:    t.tablet.ID,
			SchemaHash:  t.tablet.SchemaHash,
			Version:     req.Version,
			VersionHash: req.VersionHash,
			NumRows:     rows,
		})
	}
	return out
}
