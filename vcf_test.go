package varquery

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vcfRecords(t *testing.T, data []byte) []string {
	t.Helper()
	var records []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		records = append(records, line)
	}
	return records
}

func TestGenerateVCFSingleSNV(t *testing.T) {
	eng := buildWorkspace(t, "vcf1", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 42),
	})

	out := filepath.Join(t.TempDir(), "out.vcf")
	require.NoError(t, eng.GenerateVCF("vcf1", RangeList{{100, 100}}, RangeList{{0, 0}}, out, "", true))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "##fileformat")
	assert.Contains(t, text, "#CHROM")

	records := vcfRecords(t, data)
	require.Len(t, records, 1)
	cols := strings.Split(records[0], "\t")
	require.GreaterOrEqual(t, len(cols), 10)
	assert.Equal(t, "chr1", cols[0])
	assert.Equal(t, "101", cols[1])
	assert.Equal(t, "A", cols[3])
	assert.Equal(t, "C", cols[4])
	assert.Contains(t, cols[7], "DP=42")
	assert.Equal(t, "GT", cols[8])
	assert.Equal(t, "0/1", cols[9])
}

func TestGenerateVCFOverlapEmitsThreeRecords(t *testing.T) {
	eng := buildWorkspace(t, "vcf3", CodecNone, []Cell{
		blockCell(0, 100, 150, "A", gtUnphased(0, 0)),
		blockCell(1, 120, 200, "C", gtUnphased(0, 0)),
	})

	out := filepath.Join(t.TempDir(), "overlap.vcf")
	require.NoError(t, eng.GenerateVCF("vcf3", nil, nil, out, "", true))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	records := vcfRecords(t, data)
	require.Len(t, records, 3)

	assert.True(t, strings.HasPrefix(records[0], "chr1\t101\t"))
	assert.True(t, strings.HasPrefix(records[1], "chr1\t121\t"))
	assert.True(t, strings.HasPrefix(records[2], "chr1\t152\t"))
}

func TestGenerateVCFNonRefLast(t *testing.T) {
	eng := buildWorkspace(t, "vcfnr", CodecNone, []Cell{
		snvCell(0, 500, "G", "A|&", gtUnphased(0, 1), 76),
	})

	out := filepath.Join(t.TempDir(), "nonref.vcf")
	require.NoError(t, eng.GenerateVCF("vcfnr", nil, nil, out, "", true))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	records := vcfRecords(t, data)
	require.Len(t, records, 1)
	cols := strings.Split(records[0], "\t")
	assert.Equal(t, "A,<NON_REF>", cols[4], "NON_REF sorts last in the merged ALT list")
}

func TestGenerateVCFGzip(t *testing.T) {
	eng := buildWorkspace(t, "vcfgz", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 9),
	})

	out := filepath.Join(t.TempDir(), "out.vcf.gz")
	require.NoError(t, eng.GenerateVCF("vcfgz", nil, nil, out, "z", true))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chr1\t101")
}

func TestGenerateVCFIsIdempotent(t *testing.T) {
	eng := buildWorkspace(t, "vcfid", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 42),
		blockCell(1, 90, 300, "G", gtUnphased(0, 0)),
		snvCell(2, 250, "T", "G", gtPhased(1, 1), 11),
	})

	dir := t.TempDir()
	first := filepath.Join(dir, "a.vcf")
	second := filepath.Join(dir, "b.vcf")
	require.NoError(t, eng.GenerateVCF("vcfid", nil, nil, first, "", true))
	require.NoError(t, eng.GenerateVCF("vcfid", nil, nil, second, "", true))

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "two runs of the same query must be byte-identical")
}

func TestGenerateVCFRespectsOverwriteFlag(t *testing.T) {
	eng := buildWorkspace(t, "vcfow", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtUnphased(0, 1), 9),
	})

	out := filepath.Join(t.TempDir(), "out.vcf")
	require.NoError(t, eng.GenerateVCF("vcfow", nil, nil, out, "", false))
	err := eng.GenerateVCF("vcfow", nil, nil, out, "", false)
	assert.True(t, errors.Is(err, ErrIO))
	require.NoError(t, eng.GenerateVCF("vcfow", nil, nil, out, "", true))
}

func TestGenerateVCFPhasedGenotypeRendering(t *testing.T) {
	eng := buildWorkspace(t, "vcfph", CodecNone, []Cell{
		snvCell(0, 100, "A", "C", gtPhased(0, 1), 5),
		snvCell(1, 100, "A", "C", gtUnphased(0, 1), 6),
	})

	out := filepath.Join(t.TempDir(), "ph.vcf")
	require.NoError(t, eng.GenerateVCF("vcfph", nil, nil, out, "", true))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	records := vcfRecords(t, data)
	require.Len(t, records, 1)
	cols := strings.Split(records[0], "\t")
	require.GreaterOrEqual(t, len(cols), 11)
	assert.Equal(t, "0|1", cols[9], "sample 0 is phased")
	assert.Equal(t, "0/1", cols[10], "sample 1 is unphased")
}
