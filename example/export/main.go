// Command export generates VCF and the PLINK/BGEN sibling files from a
// workspace built by the loaddemo example.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/omicsdata/varquery"
)

func main() {
	ws := flag.String("workspace", "demo_ws", "Workspace directory")
	array := flag.String("array", "t0_1_2", "Array to export")
	out := flag.String("out", "demo", "Output prefix")
	vcfGz := flag.Bool("gzip-vcf", true, "Compress the VCF output")
	flag.Parse()

	gdb, err := varquery.New(*ws,
		filepath.Join(*ws, "callset.json"),
		filepath.Join(*ws, "vid.json"),
		"GRCh37", nil, 0)
	if err != nil {
		log.Fatalln(err)
	}
	defer gdb.Close()

	vcfPath := *out + ".vcf"
	compression := ""
	if *vcfGz {
		vcfPath += ".gz"
		compression = "z"
	}
	if err := gdb.GenerateVCF(*array, nil, nil, vcfPath, compression, true); err != nil {
		log.Fatalln(err)
	}
	log.Println("Wrote", vcfPath)

	err = gdb.GeneratePEDMap(*array, nil, nil, *out, varquery.FormatAll,
		varquery.CodecZLIB, 0.25, nil)
	if err != nil {
		log.Fatalln(err)
	}
	log.Println("Wrote", *out+".{tped,tfam,bed,bim,fam,bgen}")
}
