package varquery

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const testCallsetDoc = `{
  "callsets": {
    "s0": {"row_idx": 0},
    "s1": {"row_idx": 1},
    "s2": {"row_idx": 2},
    "s3": {"row_idx": 3}
  }
}`

const testVidDoc = `{
  "contigs": {
    "chr1": {"length": 1000000, "offset": 0},
    "chr2": {"length": 1000000, "offset": 1000000}
  },
  "fields": {
    "REF": {"type": "char", "length": "VAR"},
    "ALT": {"type": "char", "length": "VAR"},
    "GT": {"type": "int", "length": "VAR", "phased": true, "vcf_field_class": ["FORMAT"]},
    "DP": {"type": "int", "length": 1, "vcf_field_class": ["INFO"]}
  }
}`

// writeTestDocs drops the standard callset and vid mapping documents into
// dir and returns their paths.
func writeTestDocs(t *testing.T, dir string) (string, string) {
	t.Helper()
	callset := filepath.Join(dir, "callset.json")
	vid := filepath.Join(dir, "vid.json")
	if err := os.WriteFile(callset, []byte(testCallsetDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vid, []byte(testVidDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	return callset, vid
}

// buildWorkspace persists the cells into a fresh workspace and returns an
// engine over it. The engine is closed with the test.
func buildWorkspace(t *testing.T, array string, codec CodecKind, cells []Cell) *Engine {
	t.Helper()
	ws := t.TempDir()
	callset, vid := writeTestDocs(t, ws)

	store := NewSQLiteStore()
	w, err := store.CreateArray(ws, array, codec)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cells {
		if err := w.Write(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	eng, err := New(ws, callset, vid, "GRCh37", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func int32Buf(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

// gtUnphased encodes a diploid genotype with the unphased separator.
func gtUnphased(a, b int32) []byte {
	return int32Buf(a, 0, b)
}

// gtPhased encodes a diploid genotype with the phased separator.
func gtPhased(a, b int32) []byte {
	return int32Buf(a, 1, b)
}

// snvCell builds a single-position cell with the standard field bag.
func snvCell(row, col int64, ref, alt string, gt []byte, dp int32) Cell {
	return Cell{
		Row:      row,
		ColBegin: col,
		ColEnd:   col,
		Fields: []GenomicField{
			{Name: "REF", Data: []byte(ref)},
			{Name: "ALT", Data: []byte(alt)},
			{Name: "GT", Data: gt},
			{Name: "DP", Data: int32Buf(dp)},
		},
	}
}

// blockCell builds a gVCF-style reference block spanning [begin, end].
func blockCell(row, begin, end int64, ref string, gt []byte) Cell {
	return Cell{
		Row:      row,
		ColBegin: begin,
		ColEnd:   end,
		Fields: []GenomicField{
			{Name: "REF", Data: []byte(ref)},
			{Name: "ALT", Data: []byte(NonRefToken)},
			{Name: "GT", Data: gt},
		},
	}
}
