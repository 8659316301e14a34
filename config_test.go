package varquery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueryDoc = `{
  "workspace": "/data/ws",
  "array": "t0_1_2",
  "query_column_ranges": [[[0, 17000], [17000, 18000]]],
  "query_row_ranges": [[[0, 3]]],
  "query_attributes": ["REF", "ALT", "GT", "DP"],
  "segment_size": 65536,
  "callset_mapping_file": "callset.json",
  "vid_mapping_file": "vid.json",
  "reference_genome": "GRCh37"
}`

func TestQueryConfigThreeFormsAgree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "query.json")
	require.NoError(t, os.WriteFile(path, []byte(testQueryDoc), 0o644))

	fromFile, err := LoadQueryConfigFile(path, "", 0)
	require.NoError(t, err)

	fromString, err := ParseQueryConfig(testQueryDoc, "", 0)
	require.NoError(t, err)

	payload, err := PackQueryConfig(fromString)
	require.NoError(t, err)
	fromPayload, err := UnpackQueryConfig(payload, "", 0)
	require.NoError(t, err)

	assert.Equal(t, fromFile, fromString)
	assert.Equal(t, fromString, fromPayload)

	assert.Equal(t, "/data/ws", fromFile.Workspace)
	assert.Equal(t, "t0_1_2", fromFile.Array)
	assert.Equal(t, RangeList{{0, 17000}, {17000, 18000}}, fromFile.ColumnRanges)
	assert.Equal(t, RangeList{{0, 3}}, fromFile.RowRanges)
	assert.Equal(t, uint64(65536), fromFile.SegmentSize)
}

func TestQueryConfigDefaults(t *testing.T) {
	cfg, err := ParseQueryConfig(`{
	  "workspace": "/data/ws",
	  "array": "a",
	  "callset_mapping_file": "c.json",
	  "vid_mapping_file": "v.json"
	}`, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultSegmentSize, cfg.SegmentSize)
	assert.Equal(t, ScanFull(), cfg.ColumnRanges)
	assert.Empty(t, cfg.RowRanges)
}

func TestQueryConfigRankSelection(t *testing.T) {
	doc := `{
	  "workspace": ["/ws0", "/ws1"],
	  "array": ["a0", "a1"],
	  "query_column_ranges": [[[0, 49]], [[50, 99]]],
	  "query_row_ranges": [[[0, 49]], [[50, 99]]],
	  "callset_mapping_file": "c.json",
	  "vid_mapping_file": "v.json"
	}`

	cfg0, err := ParseQueryConfig(doc, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "/ws0", cfg0.Workspace)
	assert.Equal(t, "a0", cfg0.Array)
	assert.Equal(t, RangeList{{0, 49}}, cfg0.ColumnRanges)

	cfg1, err := ParseQueryConfig(doc, "", 1)
	require.NoError(t, err)
	assert.Equal(t, "/ws1", cfg1.Workspace)
	assert.Equal(t, "a1", cfg1.Array)
	assert.Equal(t, RangeList{{50, 99}}, cfg1.ColumnRanges)
	assert.Equal(t, RangeList{{50, 99}}, cfg1.RowRanges)
}

func TestQueryConfigRankOutOfRange(t *testing.T) {
	doc := `{
	  "workspace": "/ws",
	  "array": "a",
	  "query_column_ranges": [[[0, 100]]],
	  "callset_mapping_file": "c.json",
	  "vid_mapping_file": "v.json"
	}`
	_, err := ParseQueryConfig(doc, "", 1)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestQueryConfigBadRange(t *testing.T) {
	doc := `{
	  "workspace": "/ws",
	  "query_column_ranges": [[[100, 0]]]
	}`
	_, err := ParseQueryConfig(doc, "", 0)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestQueryConfigEmptyDocuments(t *testing.T) {
	_, err := ParseQueryConfig("", "", 0)
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = UnpackQueryConfig(nil, "", 0)
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = ParseQueryConfig(`{"array": "a"}`, "", 0)
	assert.True(t, errors.Is(err, ErrConfig), "workspace is required")
}

func TestQueryConfigLoaderDefaults(t *testing.T) {
	dir := t.TempDir()
	loaderPath := filepath.Join(dir, "loader.json")
	loader := `{
	  "callset_mapping_file": "loader_callset.json",
	  "vid_mapping_file": "loader_vid.json",
	  "reference_genome": "GRCh38",
	  "segment_size": 1024
	}`
	require.NoError(t, os.WriteFile(loaderPath, []byte(loader), 0o644))

	cfg, err := ParseQueryConfig(`{"workspace": "/ws", "array": "a"}`, loaderPath, 0)
	require.NoError(t, err)
	assert.Equal(t, "loader_callset.json", cfg.CallsetFile)
	assert.Equal(t, "loader_vid.json", cfg.VidFile)
	assert.Equal(t, "GRCh38", cfg.ReferenceGenome)
	assert.Equal(t, uint64(1024), cfg.SegmentSize)

	// The query document wins over the loader document.
	cfg, err = ParseQueryConfig(`{
	  "workspace": "/ws", "array": "a",
	  "callset_mapping_file": "query_callset.json",
	  "segment_size": 2048
	}`, loaderPath, 0)
	require.NoError(t, err)
	assert.Equal(t, "query_callset.json", cfg.CallsetFile)
	assert.Equal(t, uint64(2048), cfg.SegmentSize)
}

func TestSegmentSizeEnvOverride(t *testing.T) {
	t.Setenv("VARQUERY_SEGMENT_SIZE", "4096")
	cfg, err := ParseQueryConfig(`{"workspace": "/ws", "array": "a", "segment_size": 99}`, "", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), cfg.SegmentSize)
}

func TestRangeListHelpers(t *testing.T) {
	rl := RangeList{{0, 9}, {20, 29}}
	assert.Equal(t, int64(20), rl.TotalWidth())
	assert.True(t, rl.contains(5))
	assert.False(t, rl.contains(15))
	assert.True(t, RangeList{}.contains(15), "empty range list matches everything")

	clipped := rl.intersect(5, 24)
	assert.Equal(t, RangeList{{5, 9}, {20, 24}}, clipped)
	assert.Empty(t, rl.intersect(40, 50))

	full := ScanFull()
	require.Len(t, full, 1)
	assert.Equal(t, int64(0), full[0].Lo)
	assert.Equal(t, int64(scanFullHi), full[0].Hi)
}
