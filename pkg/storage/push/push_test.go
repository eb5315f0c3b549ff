package push

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/segment"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
	silotesting "github.com/malbeclabs/silo/utils/pkg/testing"
)

func testSchema(t *testing.T) *storage.Schema {
	t.Helper()
	schema, err := storage.NewSchema([]storage.Column{
		{Name: "k1", Type: storage.TypeInt, IsKey: true},
		{Name: "k2", Type: storage.TypeVarchar, Length: 32, IsKey: true},
		{Name: "v", Type: storage.TypeBigInt, Aggregation: storage.AggSum},
	})
	require.NoError(t, err)
	return schema
}

func newTablet(t *testing.T, id int64) *tablet.Tablet {
	t.Helper()
	tab, err := tablet.Create(tablet.Config{
		Logger:     silotesting.NewLogger(),
		Clock:      clockwork.NewFakeClock(),
		Store:      tablet.FileHeaderStore{},
		Dir:        filepath.Join(t.TempDir(), fmt.Sprintf("%d_77", id)),
		TabletID:   id,
		SchemaHash: 77,
		Schema:     testSchema(t),
	})
	require.NoError(t, err)
	return tab
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	h, err := NewHandler(Config{Logger: silotesting.NewLogger()})
	require.NoError(t, err)
	return h
}

func testRows(t *testing.T, schema *storage.Schema, n int) []field.Row {
	t.Helper()
	rows := make([]field.Row, 0, n)
	for i := 0; i < n; i++ {
		row, err := field.RowFromStrings(schema, []string{
			fmt.Sprintf("%d", i), fmt.Sprintf("key-%03d", i), fmt.Sprintf("%d", i),
		})
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func deltaFile(t *testing.T, schema *storage.Schema, schemaHash int64, n int, compressed bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delta.bin")
	require.NoError(t, WriteDeltaFile(path, schemaHash, testRows(t, schema, n), compressed))
	return path
}

func readAllRows(t *testing.T, tab *tablet.Tablet, v storage.Version) []field.Row {
	t.Helper()
	tab.RLockHeader()
	idx := tab.IndexLocked(v)
	tab.RUnlockHeader()
	require.NotNil(t, idx)

	r, err := segment.NewReader(silotesting.NewLogger(), tab.Schema(), idx)
	require.NoError(t, err)
	defer r.Close()

	var rows []field.Row
	for {
		row, err := r.Next()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row.Clone())
	}
}

func TestPushLoadCommitsNewVersion(t *testing.T) {
	tab := newTablet(t, 10)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 50, false)

	infos, err := newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version:     2,
		VersionHash: 111,
		Type:        TypeLoad,
		DeltaPath:   path,
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, int64(50), infos[0].NumRows)

	tab.RLockHeader()
	versions := tab.VersionsLocked()
	tab.RUnlockHeader()
	require.NoError(t, storage.ValidateCoverage(versions))
	require.Contains(t, versions, storage.Version{Start: 2, End: 2})

	rows := readAllRows(t, tab, storage.Version{Start: 2, End: 2})
	require.Len(t, rows, 50)
	require.Equal(t, int64(0), rows[0].Values[0].Int)
	require.Equal(t, "key-049", rows[49].Values[1].Str)
}

func TestPushLzoDelta(t *testing.T) {
	tab := newTablet(t, 11)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 200, true)

	_, err := newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version:     2,
		VersionHash: 222,
		Type:        TypeLoad,
		DeltaPath:   path,
	})
	require.NoError(t, err)

	rows := readAllRows(t, tab, storage.Version{Start: 2, End: 2})
	require.Len(t, rows, 200)
	for i, row := range rows {
		require.Equal(t, int64(i), row.Values[0].Int)
	}
}

func TestPushIdempotentOnSameHash(t *testing.T) {
	tab := newTablet(t, 12)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 10, false)

	req := Request{Version: 2, VersionHash: 333, Type: TypeLoad, DeltaPath: path}
	_, err := newHandler(t).Process(context.Background(), tab, nil, nil, req)
	require.NoError(t, err)

	// Same version, same hash: success without work.
	infos, err := newHandler(t).Process(context.Background(), tab, nil, nil, req)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	tab.RLockHeader()
	defer tab.RUnlockHeader()
	require.Len(t, tab.VersionsLocked(), 2)
}

func TestPushRevertsCancelledAttempt(t *testing.T) {
	tab := newTablet(t, 13)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 10, false)

	_, err := newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 2, VersionHash: 1, Type: TypeLoad, DeltaPath: path,
	})
	require.NoError(t, err)

	// Same version, different hash: the cancelled attempt is replaced.
	path2 := filepath.Join(t.TempDir(), "delta2.bin")
	require.NoError(t, WriteDeltaFile(path2, tab.SchemaHash, testRows(t, tab.Schema(), 25), false))
	_, err = newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 2, VersionHash: 2, Type: TypeLoad, DeltaPath: path2,
	})
	require.NoError(t, err)

	tab.RLockHeader()
	idx := tab.IndexLocked(storage.Version{Start: 2, End: 2})
	tab.RUnlockHeader()
	require.NotNil(t, idx)
	require.Equal(t, storage.VersionHash(2), idx.Hash)
	require.Equal(t, int64(25), idx.NumRows)
}

func TestPushVersionErrors(t *testing.T) {
	tab := newTablet(t, 14)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 5, false)

	// Skipping ahead is incorrect.
	_, err := newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 4, VersionHash: 9, Type: TypeLoad, DeltaPath: path,
	})
	require.ErrorIs(t, err, storage.ErrPushVersionIncorrect)

	// Version 1 is covered by the initial base (0,1).
	_, err = newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 1, VersionHash: 9, Type: TypeLoad, DeltaPath: path,
	})
	require.ErrorIs(t, err, storage.ErrPushVersionAlreadyExist)
}

func TestPushChecksumMismatchLeavesHeaderUntouched(t *testing.T) {
	tab := newTablet(t, 15)
	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 30, false)

	// Corrupt one content byte past the header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 2, VersionHash: 5, Type: TypeLoad, DeltaPath: path,
	})
	require.ErrorIs(t, err, storage.ErrPushBuildDeltaFailed)

	tab.RLockHeader()
	versions := tab.VersionsLocked()
	tab.RUnlockHeader()
	require.Equal(t, []storage.Version{{Start: 0, End: 1}}, versions)

	// No orphan segment files left behind.
	entries, err := os.ReadDir(tab.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.Equal(t, tablet.HeaderFileName, e.Name())
	}
}

func TestPushDeleteTypeCreatesEmptyDelta(t *testing.T) {
	tab := newTablet(t, 16)

	infos, err := newHandler(t).Process(context.Background(), tab, nil, nil, Request{
		Version: 2, VersionHash: 7, Type: TypeDelete,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), infos[0].NumRows)

	tab.RLockHeader()
	idx := tab.IndexLocked(storage.Version{Start: 2, End: 2})
	tab.RUnlockHeader()
	require.NotNil(t, idx)
	require.Equal(t, int64(0), idx.NumRows)
}

func TestPushSchemaChangeSibling(t *testing.T) {
	tab := newTablet(t, 17)

	sibSchema, err := storage.NewSchema([]storage.Column{
		{Name: "k1", Type: storage.TypeInt, IsKey: true},
		{Name: "v", Type: storage.TypeBigInt, Aggregation: storage.AggSum},
		{Name: "v2", Type: storage.TypeBigInt, Aggregation: storage.AggSum},
	})
	require.NoError(t, err)
	sibling, err := tablet.Create(tablet.Config{
		Logger:     silotesting.NewLogger(),
		Clock:      clockwork.NewFakeClock(),
		Store:      tablet.FileHeaderStore{},
		Dir:        filepath.Join(t.TempDir(), "18_88"),
		TabletID:   18,
		SchemaHash: 88,
		Schema:     sibSchema,
	})
	require.NoError(t, err)

	mapping := SchemaMapping{
		{RefColumn: 0},
		{RefColumn: 2},
		{RefColumn: -1, Default: "9"},
	}

	path := deltaFile(t, tab.Schema(), tab.SchemaHash, 10, false)
	infos, err := newHandler(t).Process(context.Background(), tab, sibling, mapping, Request{
		Version: 2, VersionHash: 4, Type: TypeLoad, DeltaPath: path,
	})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	rows := readAllRows(t, sibling, storage.Version{Start: 2, End: 2})
	require.Len(t, rows, 10)
	require.Equal(t, int64(3), rows[3].Values[0].Int)
	require.Equal(t, int64(3), rows[3].Values[1].Int)
	require.Equal(t, int64(9), rows[3].Values[2].Int)
}

func TestLzoReaderTruncatedBlock(t *testing.T) {
	schema := testSchema(t)
	path := filepath.Join(t.TempDir(), "delta.bin")
	require.NoError(t, WriteDeltaFile(path, 77, testRows(t, schema, 100), true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Chop the file mid-block.
	truncated := data[:len(data)-10]

	f := truncated
	header, err := ReadDeltaHeader(newByteStream(f))
	require.NoError(t, err)

	stream := newByteStream(f)
	_, err = ReadDeltaHeader(stream)
	require.NoError(t, err)
	reader := NewBinaryReader(stream, header)

	row := field.NewRow(schema)
	var lastErr error
	for {
		lastErr = reader.Next(&row)
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	require.NotErrorIs(t, lastErr, io.EOF)
	// The stream failed, so it never reports a clean EOF.
	require.False(t, reader.EOF())
}

type byteStream struct {
	data []byte
	pos  int
}

func newByteStream(data []byte) *byteStream { return &byteStream{data: data} }

func (b *byteStream) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
