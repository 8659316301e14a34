// Command loaddemo builds a small demonstration workspace: a callset map, a
// vid map and one array holding a handful of variant calls for three
// samples.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"

	"github.com/omicsdata/varquery"
)

const callsetDoc = `{
  "callsets": {
    "HG00141": {"row_idx": 0},
    "HG01958": {"row_idx": 1},
    "HG01530": {"row_idx": 2}
  }
}`

const vidDoc = `{
  "contigs": {
    "1": {"length": 249250621, "offset": 0},
    "2": {"length": 243199373, "offset": 249250621}
  },
  "fields": {
    "REF": {"type": "char", "length": "VAR"},
    "ALT": {"type": "char", "length": "VAR"},
    "GT": {"type": "int", "length": "VAR", "phased": true, "vcf_field_class": ["FORMAT"]},
    "DP": {"type": "int", "length": 1, "vcf_field_class": ["INFO"]}
  }
}`

func main() {
	dir := flag.String("workspace", "demo_ws", "Directory to create the demo workspace in")
	array := flag.String("array", "t0_1_2", "Array name to create")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if err := os.WriteFile(filepath.Join(*dir, "callset.json"), []byte(callsetDoc), 0o644); err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if err := os.WriteFile(filepath.Join(*dir, "vid.json"), []byte(vidDoc), 0o644); err != nil {
		log.Fatalln(pfx.Err(err))
	}

	store := varquery.NewSQLiteStore()
	defer store.Close()

	w, err := store.CreateArray(*dir, *array, varquery.CodecGZIP)
	if err != nil {
		log.Fatalln(err)
	}

	cells := []varquery.Cell{
		cell(0, 12140, 12294, "C", "&", gt(0, 0), 30),
		cell(1, 12140, 12140, "C", "T|&", gt(0, 1), 42),
		cell(2, 17384, 17384, "G", "A|&", gt(1, 1), 76),
		cell(0, 17384, 17384, "G", "A|&", gt(0, 1), 55),
	}
	for _, c := range cells {
		if err := w.Write(c); err != nil {
			log.Fatalln(err)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalln(err)
	}

	log.Printf("Wrote %d cells to %s/%s.db using the %s driver\n",
		len(cells), *dir, *array, varquery.WhichSQLiteDriver())
}

func gt(a, b int32) []byte {
	// Unphased diploid genotype in the interleaved encoding.
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], uint32(a))
	binary.LittleEndian.PutUint32(buf[4:], 0)
	binary.LittleEndian.PutUint32(buf[8:], uint32(b))
	return buf
}

func cell(row, begin, end int64, ref, alt string, gtBuf []byte, dp int32) varquery.Cell {
	dpBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(dpBuf, uint32(dp))
	return varquery.Cell{
		Row:      row,
		ColBegin: begin,
		ColEnd:   end,
		Fields: []varquery.GenomicField{
			{Name: "REF", Data: []byte(ref)},
			{Name: "ALT", Data: []byte(alt)},
			{Name: "GT", Data: gtBuf},
			{Name: "DP", Data: dpBuf},
		},
	}
}
