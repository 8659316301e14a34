package varquery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, h ArrayHandle, attrs []string, rows, cols RangeList) []Cell {
	t.Helper()
	it, err := h.Scan(attrs, rows, cols)
	require.NoError(t, err)
	defer it.Close()

	var out []Cell
	for {
		c, err := it.Next()
		require.NoError(t, err)
		if c == nil {
			return out
		}
		copied := Cell{Row: c.Row, ColBegin: c.ColBegin, ColEnd: c.ColEnd}
		for _, f := range c.Fields {
			copied.Fields = append(copied.Fields, f.clone())
		}
		out = append(out, copied)
	}
}

func TestSQLiteStoreScanOrder(t *testing.T) {
	cells := []Cell{
		snvCell(1, 300, "G", "T", gtUnphased(0, 1), 5),
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 9),
		snvCell(1, 100, "A", "G", gtUnphased(1, 1), 7),
		snvCell(0, 300, "G", "C", gtUnphased(0, 0), 3),
		snvCell(2, 200, "T", "A", gtUnphased(0, 1), 2),
	}
	eng := buildWorkspace(t, "order", CodecNone, cells)

	h, err := eng.store.OpenArray(eng.base.Workspace, "order", eng.base)
	require.NoError(t, err)
	defer h.Close()

	got := scanAll(t, h, nil, nil, ScanFull())
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		ok := prev.ColBegin < cur.ColBegin ||
			(prev.ColBegin == cur.ColBegin && prev.Row < cur.Row)
		assert.True(t, ok, "cells out of (col, row) order at %d", i)
	}
}

func TestSQLiteStoreProjection(t *testing.T) {
	eng := buildWorkspace(t, "proj", CodecGZIP, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 9),
	})

	h, err := eng.store.OpenArray(eng.base.Workspace, "proj", eng.base)
	require.NoError(t, err)
	defer h.Close()

	got := scanAll(t, h, []string{"REF", "DP"}, nil, ScanFull())
	require.Len(t, got, 1)
	require.Len(t, got[0].Fields, 2)
	names := []string{got[0].Fields[0].Name, got[0].Fields[1].Name}
	assert.ElementsMatch(t, []string{"REF", "DP"}, names)
}

func TestSQLiteStoreRowAndColumnFilters(t *testing.T) {
	eng := buildWorkspace(t, "filt", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 1),
		snvCell(1, 100, "A", "C", gtUnphased(0, 1), 1),
		snvCell(0, 500, "A", "C", gtUnphased(0, 1), 1),
		snvCell(1, 900, "A", "C", gtUnphased(0, 1), 1),
	})

	h, err := eng.store.OpenArray(eng.base.Workspace, "filt", eng.base)
	require.NoError(t, err)
	defer h.Close()

	got := scanAll(t, h, nil, RangeList{{1, 1}}, RangeList{{0, 600}})
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Row)
	assert.Equal(t, int64(100), got[0].ColBegin)
}

func TestSQLiteStoreSegmentedBatches(t *testing.T) {
	var cells []Cell
	for col := int64(0); col < 200; col++ {
		cells = append(cells, snvCell(0, col*3, "A", "C", gtUnphased(0, 1), int32(col)))
	}
	eng := buildWorkspace(t, "seg", CodecNone, cells)

	// A tiny segment forces many keyset-paginated batches.
	cfg := *eng.base
	cfg.SegmentSize = 512
	h, err := eng.store.OpenArray(eng.base.Workspace, "seg", &cfg)
	require.NoError(t, err)
	defer h.Close()

	got := scanAll(t, h, nil, nil, ScanFull())
	assert.Len(t, got, 200)
}

func TestSQLiteStoreMissingArray(t *testing.T) {
	eng := buildWorkspace(t, "exists", CodecNone, []Cell{
		snvCell(0, 1, "A", "C", gtUnphased(0, 1), 1),
	})
	_, err := eng.store.OpenArray(eng.base.Workspace, "no_such_array", eng.base)
	assert.True(t, errors.Is(err, ErrIO))
}

func TestSQLiteStoreDomain(t *testing.T) {
	eng := buildWorkspace(t, "dom", CodecNone, []Cell{
		snvCell(2, 100, "A", "C", gtUnphased(0, 1), 1),
		blockCell(0, 500, 900, "G", gtUnphased(0, 0)),
	})
	h, err := eng.store.OpenArray(eng.base.Workspace, "dom", eng.base)
	require.NoError(t, err)
	defer h.Close()

	rowLo, rowHi, colLo, colHi, err := h.Domain()
	require.NoError(t, err)
	assert.Equal(t, int64(0), rowLo)
	assert.Equal(t, int64(2), rowHi)
	assert.Equal(t, int64(100), colLo)
	assert.Equal(t, int64(900), colHi)
}

func TestStoreDoubleCloseIsStateError(t *testing.T) {
	s := NewSQLiteStore()
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Close(), ErrState))
}
