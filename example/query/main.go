// Command query runs a variant query against a workspace built by the
// loaddemo example and prints the reconciled variants.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/omicsdata/varquery"
)

func main() {
	ws := flag.String("workspace", "demo_ws", "Workspace directory")
	array := flag.String("array", "t0_1_2", "Array to query")
	flag.Parse()

	gdb, err := varquery.New(*ws,
		filepath.Join(*ws, "callset.json"),
		filepath.Join(*ws, "vid.json"),
		"GRCh37", nil, 0)
	if err != nil {
		log.Fatalln(err)
	}
	defer gdb.Close()

	log.Println("varquery", varquery.Version())

	results, err := gdb.QueryVariants(*array, nil, nil)
	if err != nil {
		log.Fatalln(err)
	}
	defer results.Free()

	log.Println("Reconciled", results.Size(), "variants")
	for {
		v := results.Next()
		if v == nil {
			break
		}
		lo, hi := v.Interval()
		gi, err := gdb.GenomicInterval(v)
		if err != nil {
			log.Fatalln(err)
		}
		log.Printf("variant [%d, %d] -> %s:%d-%d\n", lo, hi, gi.Contig, gi.Lo, gi.Hi)
		for _, c := range v.Calls() {
			log.Printf("  row %d sample %s", c.Row(), c.SampleName())
			for _, f := range c.Fields() {
				log.Printf("    %s = %q", f.Name, f.StrValue())
			}
		}
	}

	// The same query again, streaming through the default printing
	// processor.
	if err := gdb.QueryVariantCalls(nil, *array, nil, nil); err != nil {
		log.Fatalln(err)
	}
}
