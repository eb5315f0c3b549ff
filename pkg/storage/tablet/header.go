package tablet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/malbeclabs/silo/pkg/storage"
)

// HeaderFileName is the header file within a tablet directory. The header is
// the single source of truth: data files not referenced by it are orphans.
const HeaderFileName = "header.json"

// DeleteCondition is one persisted delete predicate entry, keyed by the end
// version of the delta it was stored against.
type DeleteCondition struct {
	Version       int64    `json:"version"`
	SubConditions []string `json:"sub_conditions"`
	CreatedUnix   int64    `json:"created_unix,omitempty"`
}

// Header is the persisted form of a tablet's metadata.
type Header struct {
	TabletID         int64             `json:"tablet_id"`
	SchemaHash       int64             `json:"schema_hash"`
	Schema           *storage.Schema   `json:"schema"`
	Indices          []*Index          `json:"indices"`
	DeleteConditions []DeleteCondition `json:"delete_conditions,omitempty"`
	LastBaseUnix     int64             `json:"last_base_compaction_unix,omitempty"`
}

// HeaderStore persists tablet headers. The file implementation is the
// default; tests substitute failing stores to exercise rollback paths.
type HeaderStore interface {
	Save(path string, h *Header) error
	Load(path string) (*Header, error)
}

// FileHeaderStore writes headers as JSON with an atomic rename so a crash
// mid-save never leaves a torn header behind.
type FileHeaderStore struct{}

func (FileHeaderStore) Save(path string, h *Header) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write header temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename header into place: %w", err)
	}
	return nil
}

func (FileHeaderStore) Load(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrHeaderLoadInvalidKey, filepath.Base(path), err)
	}
	if h.Schema == nil || len(h.Schema.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s: missing schema", storage.ErrHeaderLoadInvalidKey, filepath.Base(path))
	}
	return &h, nil
}
