// Package engine ties the storage core together: it owns the tablet
// registry, recovers state from persisted headers at startup and fronts the
// push, compaction and delete-predicate operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silo/pkg/broker"
	"github.com/malbeclabs/silo/pkg/metrics"
	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/compaction"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/deletecond"
	"github.com/malbeclabs/silo/pkg/storage/push"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	DataDir     string
	HeaderStore tablet.HeaderStore
	Backend     broker.Backend
	Compaction  compaction.Config

	// MaxUnhealthyDirs is how many tablet directories may fail to load before
	// the health endpoint reports the node unhealthy.
	MaxUnhealthyDirs int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DataDir == "" {
		return errors.New("data dir is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HeaderStore == nil {
		cfg.HeaderStore = tablet.FileHeaderStore{}
	}
	if cfg.Backend == nil {
		cfg.Backend = broker.LocalBackend{}
	}
	cfg.Compaction.Logger = cfg.Logger
	cfg.Compaction.Clock = cfg.Clock
	return nil
}

type tabletKey struct {
	ID         int64
	SchemaHash int64
}

// Engine is the storage node's tablet registry.
type Engine struct {
	log *slog.Logger
	cfg Config

	mu      sync.RWMutex
	tablets map[tabletKey]*tablet.Tablet

	started       bool
	unhealthyDirs int

	deleteStore *deletecond.Store
}

// Open loads every tablet under the data root and garbage-collects data files
// no header references: after a crash the header is the single source of
// truth and orphan segment files are discarded.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	deleteStore, err := deletecond.NewStore(deletecond.StoreConfig{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:         cfg.Logger,
		cfg:         cfg,
		tablets:     make(map[tabletKey]*tablet.Tablet),
		deleteStore: deleteStore,
	}

	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cfg.DataDir, entry.Name())
		tab, err := tablet.Load(tablet.Config{
			Logger: cfg.Logger,
			Clock:  cfg.Clock,
			Store:  cfg.HeaderStore,
			Dir:    dir,
		})
		if err != nil {
			e.log.Error("failed to load tablet, skipping", "dir", dir, "error", err)
			e.unhealthyDirs++
			continue
		}
		e.tablets[tabletKey{ID: tab.ID, SchemaHash: tab.SchemaHash}] = tab
		e.gcOrphans(tab)
	}

	e.started = true
	e.log.Info("storage engine started",
		"data_dir", cfg.DataDir, "tablets", len(e.tablets), "unhealthy_dirs", e.unhealthyDirs)
	return e, nil
}

// gcOrphans removes files in the tablet directory that the header does not
// reference, left behind by a crash between writing data files and saving the
// header.
func (e *Engine) gcOrphans(tab *tablet.Tablet) {
	tab.RLockHeader()
	referenced := tab.ReferencedFilesLocked()
	tab.RUnlockHeader()

	entries, err := os.ReadDir(tab.Dir())
	if err != nil {
		e.log.Error("failed to scan tablet dir for orphans", "tablet", tab.FullName(), "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == tablet.HeaderFileName {
			continue
		}
		if !strings.HasSuffix(name, ".dat") && !strings.HasSuffix(name, ".idx") &&
			!strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		path := filepath.Join(tab.Dir(), name)
		if err := os.Remove(path); err != nil {
			e.log.Error("failed to remove orphan file", "file", path, "error", err)
			continue
		}
		e.log.Info("removed orphan file", "tablet", tab.FullName(), "file", name)
	}
}

// Healthy reports whether startup succeeded and the number of unhealthy
// tablet directories does not exceed MaxUnhealthyDirs.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && e.unhealthyDirs <= e.cfg.MaxUnhealthyDirs
}

// Tablets snapshots every loaded tablet.
func (e *Engine) Tablets() []*tablet.Tablet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*tablet.Tablet, 0, len(e.tablets))
	for _, tab := range e.tablets {
		out = append(out, tab)
	}
	return out
}

// Tablet looks up a loaded tablet.
func (e *Engine) Tablet(id, schemaHash int64) (*tablet.Tablet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tab, ok := e.tablets[tabletKey{ID: id, SchemaHash: schemaHash}]
	return tab, ok
}

// CreateTablet creates and registers a new empty tablet.
func (e *Engine) CreateTablet(id, schemaHash int64, schema *storage.Schema) (*tablet.Tablet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tabletKey{ID: id, SchemaHash: schemaHash}
	if _, exists := e.tablets[key]; exists {
		metrics.CreateTabletRequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: tablet %d.%d already exists", storage.ErrInvalidArgument, id, schemaHash)
	}

	tab, err := tablet.Create(tablet.Config{
		Logger:     e.log,
		Clock:      e.cfg.Clock,
		Store:      e.cfg.HeaderStore,
		Dir:        filepath.Join(e.cfg.DataDir, fmt.Sprintf("%d_%d", id, schemaHash)),
		TabletID:   id,
		SchemaHash: schemaHash,
		Schema:     schema,
	})
	if err != nil {
		metrics.CreateTabletRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	e.tablets[key] = tab
	metrics.CreateTabletRequestsTotal.WithLabelValues("success").Inc()
	return tab, nil
}

// DropTablet unregisters a tablet and removes its directory.
func (e *Engine) DropTablet(id, schemaHash int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tabletKey{ID: id, SchemaHash: schemaHash}
	tab, ok := e.tablets[key]
	if !ok {
		return fmt.Errorf("%w: tablet %d.%d not found", storage.ErrInvalidArgument, id, schemaHash)
	}
	delete(e.tablets, key)
	metrics.DropTabletRequestsTotal.Inc()
	if err := os.RemoveAll(tab.Dir()); err != nil {
		return fmt.Errorf("failed to remove tablet dir: %w", err)
	}
	e.log.Info("dropped tablet", "tablet", tab.FullName())
	return nil
}

// Push ingests one delta into a tablet.
func (e *Engine) Push(ctx context.Context, id, schemaHash int64, req push.Request) ([]push.TabletInfo, error) {
	tab, ok := e.Tablet(id, schemaHash)
	if !ok {
		return nil, fmt.Errorf("%w: tablet %d.%d not found", storage.ErrInvalidArgument, id, schemaHash)
	}
	handler, err := push.NewHandler(push.Config{
		Logger:  e.log,
		Clock:   e.cfg.Clock,
		Backend: e.cfg.Backend,
	})
	if err != nil {
		return nil, err
	}
	return handler.Process(ctx, tab, nil, nil, req)
}

// RunBaseCompaction runs one base compaction on a tablet.
func (e *Engine) RunBaseCompaction(ctx context.Context, id, schemaHash int64, manual bool) error {
	tab, ok := e.Tablet(id, schemaHash)
	if !ok {
		return fmt.Errorf("%w: tablet %d.%d not found", storage.ErrInvalidArgument, id, schemaHash)
	}
	c, err := compaction.NewBaseCompaction(e.cfg.Compaction)
	if err != nil {
		return err
	}
	if err := c.Init(tab, manual); err != nil {
		return err
	}
	return c.Run(ctx)
}

// StoreDeleteCond records a delete predicate against a version of a tablet.
func (e *Engine) StoreDeleteCond(id, schemaHash, version int64, conditions []cond.Condition) error {
	tab, ok := e.Tablet(id, schemaHash)
	if !ok {
		metrics.DeleteRequestsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: tablet %d.%d not found", storage.ErrInvalidArgument, id, schemaHash)
	}
	if err := e.deleteStore.StoreCond(tab, version, conditions); err != nil {
		metrics.DeleteRequestsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.DeleteRequestsTotal.WithLabelValues("success").Inc()
	return nil
}

// RemoveDeleteCond removes delete predicates from a tablet, point or prefix.
func (e *Engine) RemoveDeleteCond(id, schemaHash, version int64, prefix bool) error {
	tab, ok := e.Tablet(id, schemaHash)
	if !ok {
		return fmt.Errorf("%w: tablet %d.%d not found", storage.ErrInvalidArgument, id, schemaHash)
	}
	return e.deleteStore.DeleteCond(tab, version, prefix)
}
