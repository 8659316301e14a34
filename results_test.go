package varquery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultsAccessors(t *testing.T) {
	eng := buildWorkspace(t, "res", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 1),
		snvCell(1, 200, "G", "T", gtUnphased(1, 1), 2),
	})

	res, err := eng.QueryVariants("res", nil, nil)
	require.NoError(t, err)

	require.Equal(t, 2, res.Size())
	assert.Nil(t, res.At(5), "out-of-range access returns nil")
	assert.Nil(t, res.At(-1))

	first := res.Next()
	require.NotNil(t, first)
	assert.Equal(t, res.At(0), first)

	second := res.Next()
	require.NotNil(t, second)
	assert.Nil(t, res.Next(), "cursor exhausts")

	require.NoError(t, res.Free())
	assert.Nil(t, res.At(0), "freed results hold nothing")

	err = res.Free()
	assert.True(t, errors.Is(err, ErrState), "double free is a StateError")
}

func TestEngineDoubleCloseIsStateError(t *testing.T) {
	dir := t.TempDir()
	callset, vid := writeTestDocs(t, dir)
	eng, err := New(dir, callset, vid, "GRCh37", nil, 0)
	require.NoError(t, err)

	require.NoError(t, eng.Close())
	assert.True(t, errors.Is(eng.Close(), ErrState))
}
