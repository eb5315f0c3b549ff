package deletecond

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
)

type StoreConfig struct {
	Logger *slog.Logger
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Store persists delete predicates into tablet headers, keyed by the end
// version of the delta each predicate was issued against.
type Store struct {
	log *slog.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger}, nil
}

// StoreCond validates conditions against the tablet schema and persists them
// at version, replacing any existing entry for the same version. Nothing is
// persisted when any condition fails validation; a failed header save rolls
// the in-memory state back.
func (s *Store) StoreCond(t *tablet.Tablet, version int64, conditions []cond.Condition) error {
	if version < 0 {
		return fmt.Errorf("%w: negative version %d", storage.ErrDeleteInvalidParameters, version)
	}
	if len(conditions) == 0 {
		return fmt.Errorf("%w: empty condition list", storage.ErrDeleteInvalidParameters)
	}

	parsed := cond.New(t.Schema())
	subConditions := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if err := parsed.Append(c); err != nil {
			s.log.Warn("rejecting delete condition",
				"tablet", t.FullName(), "version", version, "column", c.Column, "error", err)
			return err
		}
		text, err := c.Format()
		if err != nil {
			return err
		}
		subConditions = append(subConditions, text)
	}

	t.LockHeader()
	defer t.UnlockHeader()

	if err := t.CommitLocked(func() {
		t.SetDeleteConditionLocked(version, subConditions)
	}); err != nil {
		return err
	}

	s.log.Info("stored delete condition",
		"tablet", t.FullName(), "version", version, "conditions", subConditions)
	return nil
}

// DeleteCond removes the entry at exactly version, or with prefix set, every
// entry at or below version.
func (s *Store) DeleteCond(t *tablet.Tablet, version int64, prefix bool) error {
	if version < 0 {
		return fmt.Errorf("%w: negative version %d", storage.ErrDeleteInvalidParameters, version)
	}

	t.LockHeader()
	defer t.UnlockHeader()

	if err := t.CommitLocked(func() {
		t.RemoveDeleteConditionsLocked(version, prefix)
	}); err != nil {
		return err
	}

	s.log.Info("removed delete conditions",
		"tablet", t.FullName(), "version", version, "prefix", prefix)
	return nil
}
