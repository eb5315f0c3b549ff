package deletecond

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

// Entry is one loaded delete predicate: the delta version it was stored at
// and its parsed conditions.
type Entry struct {
	Version    int64
	Conditions *cond.Conditions
}

// Handler evaluates persisted delete predicates at scan and merge time. It
// keeps a strong reference to the tablet so the schema the conditions were
// parsed against stays alive for the handler's lifetime.
type Handler struct {
	log     *slog.Logger
	tablet  *tablet.Tablet
	entries []Entry
}

func NewHandler(log *slog.Logger) *Handler {
	return &Handler{log: log}
}

// Init loads every delete predicate recorded at or below scanVersion and
// parses it against the tablet schema.
func (h *Handler) Init(t *tablet.Tablet, scanVersion int64) error {
	if scanVersion < 0 {
		return fmt.Errorf("%w: negative scan version %d", storage.ErrDeleteInvalidParameters, scanVersion)
	}

	t.RLockHeader()
	stored := t.DeleteConditionsLocked()
	t.RUnlockHeader()

	entries := make([]Entry, 0, len(stored))
	for _, dc := range stored {
		if dc.Version > scanVersion {
			continue
		}
		parsed := cond.New(t.Schema())
		for _, sub := range dc.SubConditions {
			c, err := cond.ParseSerialized(sub)
			if err != nil {
				return err
			}
			if err := parsed.Append(c); err != nil {
				return fmt.Errorf("delete condition at version %d: %w", dc.Version, err)
			}
		}
		entries = append(entries, Entry{Version: dc.Version, Conditions: parsed})
	}

	h.tablet = t
	h.entries = entries
	return nil
}

// Entries returns the loaded predicates, for delete-aware merging.
func (h *Handler) Entries() []Entry {
	return h.entries
}

func (h *Handler) ConditionsNum() int {
	return len(h.entries)
}

// Versions lists the versions carrying loaded predicates.
func (h *Handler) Versions() []int64 {
	out := make([]int64, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.Version)
	}
	return out
}

// IsFilteredRow reports whether a row ingested at rowVersion is deleted:
// true iff some predicate stored at or after rowVersion fully accepts the
// row. Predicates recorded before the row's delta do not apply to it.
func (h *Handler) IsFilteredRow(rowVersion int64, row field.Row) bool {
	for _, e := range h.entries {
		if e.Version < rowVersion {
			continue
		}
		if e.Conditions.DeleteEvalRow(row) {
			return true
		}
	}
	return false
}

// Finalize drops loaded state and the tablet pin.
func (h *Handler) Finalize() {
	h.tablet = nil
	h.entries = nil
}
