package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/push"
	silotesting "github.com/malbeclabs/silo/utils/pkg/testing"
)

func testSchema(t *testing.T) *storage.Schema {
	t.Helper()
	schema, err := storage.NewSchema([]storage.Column{
		{Name: "k1", Type: storage.TypeInt, IsKey: true},
		{Name: "v", Type: storage.TypeBigInt, Aggregation: storage.AggSum},
	})
	require.NoError(t, err)
	return schema
}

func openEngine(t *testing.T, dataDir string) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Config{
		Logger:  silotesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		DataDir: dataDir,
	})
	require.NoError(t, err)
	return e
}

func deltaPath(t *testing.T, schema *storage.Schema, schemaHash int64, n int) string {
	t.Helper()
	rows := make([]field.Row, 0, n)
	for i := 0; i < n; i++ {
		row, err := field.RowFromStrings(schema, []string{fmt.Sprintf("%d", i), "1"})
		require.NoError(t, err)
		rows = append(rows, row)
	}
	path := filepath.Join(t.TempDir(), "delta.bin")
	require.NoError(t, push.WriteDeltaFile(path, schemaHash, rows, false))
	return path
}

func TestEngineCreatePushReload(t *testing.T) {
	dataDir := t.TempDir()
	e := openEngine(t, dataDir)
	require.True(t, e.Healthy())

	_, err := e.CreateTablet(100, 7, testSchema(t))
	require.NoError(t, err)

	path := deltaPath(t, testSchema(t), 7, 20)
	infos, err := e.Push(context.Background(), 100, 7, push.Request{
		Version: 2, VersionHash: 55, Type: push.TypeLoad, DeltaPath: path,
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), infos[0].NumRows)

	// A fresh engine instance recovers the tablet from its header.
	e2 := openEngine(t, dataDir)
	tab, ok := e2.Tablet(100, 7)
	require.True(t, ok)

	tab.RLockHeader()
	defer tab.RUnlockHeader()
	require.NotNil(t, tab.IndexLocked(storage.Version{Start: 2, End: 2}))
}

func TestEngineStartupRemovesOrphans(t *testing.T) {
	dataDir := t.TempDir()
	e := openEngine(t, dataDir)
	tab, err := e.CreateTablet(101, 7, testSchema(t))
	require.NoError(t, err)

	// Simulate a crash between segment write and header save.
	orphan := filepath.Join(tab.Dir(), "101_7_2_2_99_0.dat")
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o644))

	openEngine(t, dataDir)
	_, err = os.Stat(orphan)
	require.ErrorIs(t, err, os.ErrNotExist)

	// The header survives untouched.
	_, err = os.Stat(filepath.Join(tab.Dir(), "header.json"))
	require.NoError(t, err)
}

func TestEngineUnhealthyDirs(t *testing.T) {
	dataDir := t.TempDir()
	e := openEngine(t, dataDir)
	_, err := e.CreateTablet(102, 7, testSchema(t))
	require.NoError(t, err)

	// Corrupt the header so the next open fails to load the tablet.
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "102_7", "header.json"), []byte("junk"), 0o644))

	e2 := openEngine(t, dataDir)
	require.False(t, e2.Healthy())
	_, ok := e2.Tablet(102, 7)
	require.False(t, ok)
}

func TestEngineDeleteCondAndCompaction(t *testing.T) {
	dataDir := t.TempDir()
	e := openEngine(t, dataDir)
	_, err := e.CreateTablet(103, 7, testSchema(t))
	require.NoError(t, err)

	path := deltaPath(t, testSchema(t), 7, 10)
	_, err = e.Push(context.Background(), 103, 7, push.Request{
		Version: 2, VersionHash: 1, Type: push.TypeLoad, DeltaPath: path,
	})
	require.NoError(t, err)

	require.NoError(t, e.StoreDeleteCond(103, 7, 2, []cond.Condition{
		{Column: "k1", Op: "<", Values: []string{"3"}},
	}))
	require.ErrorIs(t,
		e.StoreDeleteCond(103, 7, 2, []cond.Condition{{Column: "nope", Op: "=", Values: []string{"1"}}}),
		storage.ErrDeleteInvalidCondition)

	require.NoError(t, e.RemoveDeleteCond(103, 7, 2, false))

	// Manual compaction merges the base and the delta.
	require.NoError(t, e.RunBaseCompaction(context.Background(), 103, 7, true))
	tab, _ := e.Tablet(103, 7)
	tab.RLockHeader()
	defer tab.RUnlockHeader()
	require.Equal(t, []storage.Version{{Start: 0, End: 2}}, tab.VersionsLocked())
}

func TestEngineDropTablet(t *testing.T) {
	dataDir := t.TempDir()
	e := openEngine(t, dataDir)
	tab, err := e.CreateTablet(104, 7, testSchema(t))
	require.NoError(t, err)

	require.NoError(t, e.DropTablet(104, 7))
	_, ok := e.Tablet(104, 7)
	require.False(t, ok)
	_, err = os.Stat(tab.Dir())
	require.ErrorIs(t, err, os.ErrNotExist)

	require.ErrorIs(t, e.DropTablet(104, 7), storage.ErrInvalidArgument)
}
