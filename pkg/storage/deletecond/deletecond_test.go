package deletecond

import (
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/silo/pkg/storage"
	"github.com/malbeclabs/silo/pkg/storage/cond"
	"github.com/malbeclabs/silo/pkg/storage/field"
	"github.com/malbeclabs/silo/pkg/storage/tablet"
	silotesting "github.com/malbeclabs/silo/utils/pkg/testing"
)

func testSchema(t *testing.T) *storage.Schema {
	t.Helper()
	schema, err := storage.NewSchema([]storage.Column{
		{Name: "k1", Type: storage.TypeTinyInt, IsKey: true},
		{Name: "k2", Type: storage.TypeSmallInt, IsKey: true},
		{Name: "k3", Type: storage.TypeInt, IsKey: true},
		{Name: "k4", Type: storage.TypeBigInt, IsKey: true},
		{Name: "k5", Type: storage.TypeLargeInt, IsKey: true},
		{Name: "k9", Type: storage.TypeDecimal, Precision: 6, Scale: 3, IsKey: true},
		{Name: "k10", Type: storage.TypeDate, IsKey: true},
		{Name: "k11", Type: storage.TypeDateTime, IsKey: true},
		{Name: "k12", Type: storage.TypeChar, Length: 64, IsKey: true},
		{Name: "k13", Type: storage.TypeVarchar, Length: 64, IsKey: true},
		{Name: "v", Type: storage.TypeBigInt, Aggregation: storage.AggSum},
	})
	require.NoError(t, err)
	return schema
}

func newTablet(t *testing.T) *tablet.Tablet {
	t.Helper()
	tab, err := tablet.Create(tablet.Config{
		Logger:     silotesting.NewLogger(),
		Clock:      clockwork.NewFakeClock(),
		Store:      tablet.FileHeaderStore{},
		Dir:        filepath.Join(t.TempDir(), "10003_270068375"),
		TabletID:   10003,
		SchemaHash: 270068375,
		Schema:     testSchema(t),
	})
	require.NoError(t, err)
	return tab
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Logger: silotesting.NewLogger()})
	require.NoError(t, err)
	return s
}

func testRow(t *testing.T, schema *storage.Schema, k1, k2 string) field.Row {
	t.Helper()
	row, err := field.RowFromStrings(schema, []string{
		k1, k2, "8", "-1", "16", "1.2", "2014-01-01", "2014-01-01 00:00:00", "abc", "abcd", "1",
	})
	require.NoError(t, err)
	return row
}

func storedConditions(t *testing.T, tab *tablet.Tablet) []tablet.DeleteCondition {
	t.Helper()
	tab.RLockHeader()
	defer tab.RUnlockHeader()
	return tab.DeleteConditionsLocked()
}

func TestStoreCondSucceed(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	err := s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
		{Column: "k2", Op: ">", Values: []string{"3"}},
		{Column: "k2", Op: "<=", Values: []string{"5"}},
	})
	require.NoError(t, err)

	stored := storedConditions(t, tab)
	require.Len(t, stored, 1)
	require.Equal(t, int64(3), stored[0].Version)
	require.Equal(t, []string{"k1=1", "k2>>3", "k2<=5"}, stored[0].SubConditions)
}

func TestStoreCondReplacesExistingVersion(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	require.NoError(t, s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
		{Column: "k2", Op: ">", Values: []string{"3"}},
	}))
	require.NoError(t, s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "!=", Values: []string{"1"}},
	}))

	stored := storedConditions(t, tab)
	require.Len(t, stored, 1)
	require.Equal(t, int64(3), stored[0].Version)
	require.Equal(t, []string{"k1!=1"}, stored[0].SubConditions)

	// A second version gets its own entry.
	require.NoError(t, s.StoreCond(tab, 4, []cond.Condition{
		{Column: "k1", Op: "!=", Values: []string{"1"}},
		{Column: "k1", Op: "!=", Values: []string{"2"}},
	}))
	stored = storedConditions(t, tab)
	require.Len(t, stored, 2)
	require.Equal(t, []string{"k1!=1", "k1!=2"}, stored[1].SubConditions)
}

func TestStoreCondInvalidParameters(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	err := s.StoreCond(tab, 3, nil)
	require.ErrorIs(t, err, storage.ErrDeleteInvalidParameters)

	err = s.StoreCond(tab, -10, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
	})
	require.ErrorIs(t, err, storage.ErrDeleteInvalidParameters)
}

func TestStoreCondInvalidConditions(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	tests := []struct {
		name string
		cond cond.Condition
	}{
		{"nonexistent column", cond.Condition{Column: "k99", Op: "=", Values: []string{"1"}}},
		{"value column", cond.Condition{Column: "v", Op: "=", Values: []string{"1"}}},
		{"tinyint overflow", cond.Condition{Column: "k1", Op: "=", Values: []string{"1000"}}},
		{"tinyint underflow", cond.Condition{Column: "k1", Op: "=", Values: []string{"-1000"}}},
		{"decimal overflow", cond.Condition{Column: "k9", Op: "=", Values: []string{"1234.5"}}},
		{"bad date", cond.Condition{Column: "k10", Op: "=", Values: []string{"2013-64-01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.StoreCond(tab, 2, []cond.Condition{tt.cond})
			require.ErrorIs(t, err, storage.ErrDeleteInvalidCondition)
			require.Empty(t, storedConditions(t, tab))
		})
	}
}

func TestStoreCondRollsBackOnSaveFailure(t *testing.T) {
	tab := newTablet(t)

	failing := &failingStore{inner: tablet.FileHeaderStore{}}
	tabFail, err := tablet.Load(tablet.Config{
		Logger: silotesting.NewLogger(),
		Clock:  clockwork.NewFakeClock(),
		Store:  failing,
		Dir:    tab.Dir(),
	})
	require.NoError(t, err)

	s := newStore(t)
	failing.failNext = true
	err = s.StoreCond(tabFail, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
	})
	require.ErrorIs(t, err, storage.ErrHeaderSaveFailed)
	require.Empty(t, storedConditions(t, tabFail))

	// Header on disk still loads cleanly with no conditions.
	reloaded, err := tablet.Load(tablet.Config{
		Logger: silotesting.NewLogger(),
		Clock:  clockwork.NewFakeClock(),
		Store:  tablet.FileHeaderStore{},
		Dir:    tab.Dir(),
	})
	require.NoError(t, err)
	require.Empty(t, storedConditions(t, reloaded))
}

func TestDeleteCondPointAndPrefix(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	for v := int64(3); v <= 5; v++ {
		require.NoError(t, s.StoreCond(tab, v, []cond.Condition{
			{Column: "k2", Op: ">=", Values: []string{"1"}},
		}))
	}

	// Point delete removes only version 5.
	require.NoError(t, s.DeleteCond(tab, 5, false))
	stored := storedConditions(t, tab)
	require.Len(t, stored, 2)
	require.Equal(t, int64(3), stored[0].Version)
	require.Equal(t, int64(4), stored[1].Version)

	// Re-add and prefix-delete everything at or below 4.
	require.NoError(t, s.StoreCond(tab, 5, []cond.Condition{
		{Column: "k2", Op: ">=", Values: []string{"1"}},
	}))
	require.NoError(t, s.DeleteCond(tab, 4, true))
	stored = storedConditions(t, tab)
	require.Len(t, stored, 1)
	require.Equal(t, int64(5), stored[0].Version)
}

func TestHandlerInitFiltersByScanVersion(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	for v := int64(3); v <= 6; v++ {
		require.NoError(t, s.StoreCond(tab, v, []cond.Condition{
			{Column: "k2", Op: "!=", Values: []string{"3"}},
		}))
	}

	h := NewHandler(silotesting.NewLogger())
	require.NoError(t, h.Init(tab, 4))
	require.Equal(t, 2, h.ConditionsNum())
	require.ElementsMatch(t, []int64{3, 4}, h.Versions())
	h.Finalize()

	require.NoError(t, h.Init(tab, 10))
	require.Equal(t, 4, h.ConditionsNum())
}

func TestHandlerSubconditionsAndWithinEntry(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	require.NoError(t, s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
		{Column: "k2", Op: "!=", Values: []string{"4"}},
	}))

	h := NewHandler(silotesting.NewLogger())
	require.NoError(t, h.Init(tab, 10))

	schema := tab.Schema()
	require.True(t, h.IsFilteredRow(1, testRow(t, schema, "1", "6")))
	// k2!=4 fails, the whole entry fails.
	require.False(t, h.IsFilteredRow(1, testRow(t, schema, "1", "4")))
}

func TestHandlerEntriesOrAcrossVersions(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	// Spec scenario: {k1=1, k2!=4}@3, {k1=3}@4, {k2=5}@5.
	require.NoError(t, s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
		{Column: "k2", Op: "!=", Values: []string{"4"}},
	}))
	require.NoError(t, s.StoreCond(tab, 4, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"3"}},
	}))
	require.NoError(t, s.StoreCond(tab, 5, []cond.Condition{
		{Column: "k2", Op: "=", Values: []string{"5"}},
	}))

	h := NewHandler(silotesting.NewLogger())
	require.NoError(t, h.Init(tab, 10))

	schema := tab.Schema()
	require.True(t, h.IsFilteredRow(1, testRow(t, schema, "1", "6")))
	require.False(t, h.IsFilteredRow(1, testRow(t, schema, "1", "4")))
	require.True(t, h.IsFilteredRow(1, testRow(t, schema, "4", "5")))
}

func TestHandlerVersionScope(t *testing.T) {
	tab := newTablet(t)
	s := newStore(t)

	// Matches the test row, stored at version 3.
	require.NoError(t, s.StoreCond(tab, 3, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"1"}},
	}))
	// Does not match the test row, stored at version 4.
	require.NoError(t, s.StoreCond(tab, 4, []cond.Condition{
		{Column: "k1", Op: "=", Values: []string{"9"}},
	}))

	h := NewHandler(silotesting.NewLogger())
	require.NoError(t, h.Init(tab, 10))

	row := testRow(t, tab.Schema(), "1", "6")
	// A row from version 1 is covered by the predicate at version 3.
	require.True(t, h.IsFilteredRow(1, row))
	// A row from version 4 is out of the version-3 predicate's scope.
	require.False(t, h.IsFilteredRow(4, row))
}

type failingStore struct {
	inner    tablet.HeaderStore
	failNext bool
}

func (f *failingStore) Save(path string, h *tablet.Header) error {
	if f.failNext {
		f.failNext = false
		return storage.ErrHeaderSaveFailed
	}
	return f.inner.Save(path, h)
}

func (f *failingStore) Load(path string) (*tablet.Header, error) {
	return f.inner.Load(path)
}
