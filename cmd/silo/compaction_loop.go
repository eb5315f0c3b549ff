package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/engine"
)

// runCompactionLoop periodically offers every tablet to base compaction;
// the policy inside the engine decides which ones actually run.
func runCompactionLoop(ctx context.Context, log *slog.Logger, eng *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, tab := range eng.Tablets() {
			err := eng.RunBaseCompaction(ctx, tab.ID, tab.SchemaHash, false)
			switch {
			case err == nil:
				log.Info("base compaction finished", "tablet", tab.FullName())
			case errors.Is(err, storage.ErrNoSuitableVersion), errors.Is(err, storage.ErrBusy):
				// Nothing to do for this tablet right now.
			default:
				log.Error("base compaction failed", "tablet", tab.FullName(), "error", err)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
