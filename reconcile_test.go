package varquery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlapSplitsIntoThreeVariants(t *testing.T) {
	eng := buildWorkspace(t, "split", CodecNone, []Cell{
		blockCell(0, 100, 150, "A", gtUnphased(0, 0)),
		blockCell(1, 120, 200, "C", gtUnphased(0, 0)),
	})

	res, err := eng.QueryVariants("split", nil, nil)
	require.NoError(t, err)
	defer res.Free()

	require.Equal(t, 3, res.Size())

	lo, hi := res.At(0).Interval()
	assert.Equal(t, int64(100), lo)
	assert.Equal(t, int64(119), hi)
	require.Len(t, res.At(0).Calls(), 1)
	assert.Equal(t, int64(0), res.At(0).Calls()[0].Row())

	lo, hi = res.At(1).Interval()
	assert.Equal(t, int64(120), lo)
	assert.Equal(t, int64(150), hi)
	require.Len(t, res.At(1).Calls(), 2)
	assert.Equal(t, int64(0), res.At(1).Calls()[0].Row())
	assert.Equal(t, int64(1), res.At(1).Calls()[1].Row())

	lo, hi = res.At(2).Interval()
	assert.Equal(t, int64(151), lo)
	assert.Equal(t, int64(200), hi)
	require.Len(t, res.At(2).Calls(), 1)
	assert.Equal(t, int64(1), res.At(2).Calls()[0].Row())
}

func TestVariantInvariants(t *testing.T) {
	eng := buildWorkspace(t, "inv", CodecNone, []Cell{
		blockCell(0, 50, 400, "A", gtUnphased(0, 0)),
		snvCell(1, 100, "A", "C", gtUnphased(0, 1), 9),
		blockCell(2, 90, 250, "G", gtUnphased(0, 0)),
		snvCell(3, 400, "T", "G", gtUnphased(1, 1), 4),
	})

	res, err := eng.QueryVariants("inv", nil, nil)
	require.NoError(t, err)
	defer res.Free()
	require.Greater(t, res.Size(), 0)

	var prevHi int64 = -1
	for i := 0; i < res.Size(); i++ {
		v := res.At(i)
		lo, hi := v.Interval()
		assert.LessOrEqual(t, lo, hi)
		assert.Greater(t, lo, prevHi, "consecutive variants must not overlap")
		prevHi = hi

		var prevRow int64 = -1
		for _, c := range v.Calls() {
			cLo, cHi := c.Interval()
			assert.LessOrEqual(t, cLo, lo, "call must contain the variant interval")
			assert.GreaterOrEqual(t, cHi, hi, "call must contain the variant interval")
			assert.Greater(t, c.Row(), prevRow, "calls must ascend by row")
			prevRow = c.Row()
		}
	}
}

func TestRoundTripSingleCell(t *testing.T) {
	orig := snvCell(1, 12140, "C", "T|&", gtUnphased(0, 1), 42)
	orig.ColEnd = 12294
	eng := buildWorkspace(t, "rt", CodecGZIP, []Cell{orig})

	res, err := eng.QueryVariants("rt", RangeList{{12140, 12294}}, RangeList{{1, 1}})
	require.NoError(t, err)
	defer res.Free()

	require.Equal(t, 1, res.Size())
	v := res.At(0)
	lo, hi := v.Interval()
	assert.Equal(t, int64(12140), lo)
	assert.Equal(t, int64(12294), hi)

	calls := v.Calls()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, int64(1), c.Row())
	assert.Equal(t, "s1", c.SampleName())

	byName := make(map[string][]byte)
	for _, f := range c.Fields() {
		byName[f.Name] = f.Data
	}
	for _, orig := range orig.Fields {
		assert.Equal(t, orig.Data, byName[orig.Name], "field %s must round-trip byte for byte", orig.Name)
	}
}

func TestNonRefBlockSplitBySNV(t *testing.T) {
	// A gVCF reference block is split by a later SNV in another sample; the
	// middle variant must include the NON_REF carrier.
	eng := buildWorkspace(t, "nonref", CodecNone, []Cell{
		blockCell(0, 1000, 2000, "A", gtUnphased(0, 0)),
		snvCell(1, 1500, "G", "T", gtUnphased(0, 1), 30),
	})

	res, err := eng.QueryVariants("nonref", nil, nil)
	require.NoError(t, err)
	defer res.Free()

	require.Equal(t, 3, res.Size())

	mid := res.At(1)
	lo, hi := mid.Interval()
	assert.Equal(t, int64(1500), lo)
	assert.Equal(t, int64(1500), hi)
	calls := mid.Calls()
	require.Len(t, calls, 2)

	// Row 0 still carries its NON_REF ALT across the split.
	var sawNonRef bool
	for _, f := range calls[0].Fields() {
		if f.Name == "ALT" && f.StrValue() == NonRefToken {
			sawNonRef = true
		}
	}
	assert.True(t, sawNonRef)
}

func TestAdjacentCellsDoNotMerge(t *testing.T) {
	eng := buildWorkspace(t, "adj", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 1),
		snvCell(0, 101, "G", "T", gtUnphased(0, 1), 1),
	})
	res, err := eng.QueryVariants("adj", nil, nil)
	require.NoError(t, err)
	defer res.Free()

	require.Equal(t, 2, res.Size())
	_, hi := res.At(0).Interval()
	lo, _ := res.At(1).Interval()
	assert.Equal(t, hi+1, lo, "no zero-width interval between adjacent cells")
}

func TestInvertedCellIsDataError(t *testing.T) {
	rc := newReconciler(func(variantSpan) error { return nil })
	err := rc.push(&Cell{Row: 0, ColBegin: 100, ColEnd: 50})
	assert.True(t, errors.Is(err, ErrData))
}

func TestEmptyIntersectionYieldsEmptyResult(t *testing.T) {
	eng := buildWorkspace(t, "empty", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 1),
	})
	res, err := eng.QueryVariants("empty", RangeList{{500000, 600000}}, nil)
	require.NoError(t, err)
	defer res.Free()
	assert.Equal(t, 0, res.Size())
}
