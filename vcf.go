package varquery

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/brentp/vcfgo"
	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/gzip"
)

// GenerateVCF streams the reconciled variants of the given ranges into a VCF
// file. compression "z" (or a .gz path) gzips the output. The header is
// composed and serialized by the vcfgo back-end; record lines are rendered
// here because merged multi-sample records need explicit control over allele
// remapping.
func (e *Engine) GenerateVCF(array string, colRanges, rowRanges RangeList, path, compression string, overwrite bool) error {
	if e.closed {
		return pfx.Err(stateErrorf("engine", "generate on closed engine"))
	}
	if path == "" {
		return pfx.Err(configErrorf("vcf", "output path is required"))
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return pfx.Err(ioErrorf(path, "output exists and overwrite is disabled"))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(ioErrorf(path, "cannot create output: %v", err))
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compression == "z" || strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	samples, err := e.vcfSamples(rowRanges)
	if err != nil {
		return pfx.Err(err)
	}

	hdr := e.vcfHeader(samples)
	if _, err := vcfgo.NewWriter(bw, hdr); err != nil {
		return pfx.Err(ioErrorf(path, "cannot write vcf header: %v", err))
	}

	proc := &vcfEmitter{eng: e, w: bw, samples: samples}
	if err := e.QueryVariantCalls(proc, array, colRanges, rowRanges); err != nil {
		return pfx.Err(err)
	}
	if err := proc.flush(); err != nil {
		return pfx.Err(err)
	}

	if err := bw.Flush(); err != nil {
		return pfx.Err(ioErrorf(path, "flush failed: %v", err))
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return pfx.Err(ioErrorf(path, "gzip finalize failed: %v", err))
		}
	}
	return nil
}

// GenerateVCFDefault runs GenerateVCF over the configured array and ranges.
func (e *Engine) GenerateVCFDefault(path, compression string, overwrite bool) error {
	return e.GenerateVCF("", nil, nil, path, compression, overwrite)
}

// vcfSamples returns the sample column names: every mapped callset whose row
// falls in the requested ranges, ascending by row.
func (e *Engine) vcfSamples(rowRanges RangeList) ([]string, error) {
	if len(rowRanges) == 0 {
		rowRanges = e.base.RowRanges
	}
	type rs struct {
		row    int64
		sample string
	}
	var rows []rs
	for row, sample := range e.meta.rowToSample {
		if rowRanges.contains(row) {
			rows = append(rows, rs{row, sample})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].row < rows[j].row })
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.sample)
	}
	return out, nil
}

func (e *Engine) vcfHeader(samples []string) *vcfgo.Header {
	hdr := vcfgo.NewHeader()
	hdr.FileFormat = "4.2"
	hdr.SampleNames = samples
	for _, c := range e.meta.Contigs() {
		hdr.Contigs = append(hdr.Contigs, map[string]string{
			"ID":     c.Name,
			"length": strconv.FormatInt(c.Length, 10),
		})
	}
	for _, name := range e.meta.FieldOrdering() {
		if name == "REF" || name == "ALT" {
			continue
		}
		ft := e.meta.fields[name]
		number := "."
		if ft.FixedArity {
			number = strconv.Itoa(ft.ElementCount)
		}
		typ := "String"
		switch {
		case name == "GT":
			typ = "String"
			number = "1"
		case ft.IsInt():
			typ = "Integer"
		case ft.IsFloat():
			typ = "Float"
		case ft.IsChar():
			typ = "Character"
		}
		if ft.FormatClass {
			hdr.SampleFormats[name] = &vcfgo.SampleFormat{
				Id: name, Number: number, Type: typ, Description: name,
			}
		} else {
			hdr.Infos[name] = &vcfgo.Info{
				Id: name, Number: number, Type: typ, Description: name,
			}
		}
	}
	return hdr
}

// vcfCall is one sample's contribution to the record being assembled.
type vcfCall struct {
	sample string
	fields map[string]GenomicField
}

// vcfEmitter is the VariantCallProcessor that assembles one VCF record per
// reconciled variant.
type vcfEmitter struct {
	eng     *Engine
	w       io.Writer
	samples []string
	types   map[string]FieldType

	haveVariant bool
	interval    Interval
	calls       []vcfCall
}

func (p *vcfEmitter) Initialize(fieldTypes map[string]FieldType) error {
	p.types = fieldTypes
	return nil
}

func (p *vcfEmitter) ProcessInterval(interval Interval) error {
	if err := p.flush(); err != nil {
		return err
	}
	p.haveVariant = true
	p.interval = interval
	p.calls = p.calls[:0]
	return nil
}

func (p *vcfEmitter) ProcessCall(sampleName string, coordinates [2]int64, gi GenomicInterval, fields []GenomicField) error {
	byName := make(map[string]GenomicField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.clone()
	}
	p.calls = append(p.calls, vcfCall{sample: sampleName, fields: byName})
	return nil
}

// flush renders the assembled record.
func (p *vcfEmitter) flush() error {
	if !p.haveVariant {
		return nil
	}
	p.haveVariant = false

	gi, err := p.eng.meta.GenomicIntervalOf(p.interval.Lo, p.interval.Hi)
	if err != nil {
		return err
	}

	ref, alts, altIndex := p.mergeAlleles()

	qual := "."
	info := p.mergeInfo()
	filter := "."

	cols := []string{
		gi.Contig,
		strconv.FormatInt(gi.Lo, 10),
		".",
		ref,
		strings.Join(alts, ","),
		qual,
		filter,
		info,
		"GT",
	}

	bysample := make(map[string]vcfCall, len(p.calls))
	for _, c := range p.calls {
		bysample[c.sample] = c
	}
	for _, sample := range p.samples {
		c, ok := bysample[sample]
		if !ok {
			cols = append(cols, "./.")
			continue
		}
		cols = append(cols, p.renderGT(c, altIndex))
	}

	_, err = fmt.Fprintln(p.w, strings.Join(cols, "\t"))
	return err
}

// mergeAlleles picks REF from the first carrying sample and unions the
// distinct ALT alleles across samples, <NON_REF> last. It returns a map from
// (sample, local allele index) to merged allele index keyed by sample name.
func (p *vcfEmitter) mergeAlleles() (string, []string, map[string][]int) {
	ref := "N"
	for _, c := range p.calls {
		if f, ok := c.fields["REF"]; ok && len(f.Data) > 0 {
			ref = f.StrValue()
			break
		}
	}

	var alts []string
	seen := make(map[string]int)
	nonRef := false
	for _, c := range p.calls {
		f, ok := c.fields["ALT"]
		if !ok {
			continue
		}
		for _, a := range SplitAlleles(f.StrValue()) {
			if a == NonRefAllele {
				nonRef = true
				continue
			}
			if _, ok := seen[a]; !ok {
				seen[a] = len(alts)
				alts = append(alts, a)
			}
		}
	}
	if nonRef {
		seen[NonRefAllele] = len(alts)
		alts = append(alts, NonRefAllele)
	}
	if len(alts) == 0 {
		alts = []string{"."}
	}

	// Per-sample local allele index -> merged 1-based allele index.
	altIndex := make(map[string][]int, len(p.calls))
	for _, c := range p.calls {
		local := []int{0} // REF maps to itself
		if f, ok := c.fields["ALT"]; ok {
			for _, a := range SplitAlleles(f.StrValue()) {
				if merged, ok := seen[a]; ok {
					local = append(local, merged+1)
				} else {
					local = append(local, -1)
				}
			}
		}
		altIndex[c.sample] = local
	}
	return ref, alts, altIndex
}

// mergeInfo unions INFO-class fields across samples, first value wins.
func (p *vcfEmitter) mergeInfo() string {
	var parts []string
	taken := make(map[string]bool)
	for _, name := range p.eng.meta.FieldOrdering() {
		if name == "REF" || name == "ALT" || name == "GT" {
			continue
		}
		ft, ok := p.types[name]
		if !ok || ft.FormatClass {
			continue
		}
		if taken[name] {
			continue
		}
		for _, c := range p.calls {
			if f, ok := c.fields[name]; ok {
				parts = append(parts, name+"="+f.ToString(ft))
				taken[name] = true
				break
			}
		}
	}
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, ";")
}

// renderGT maps a sample's stored genotype onto the merged allele list.
func (p *vcfEmitter) renderGT(c vcfCall, altIndex map[string][]int) string {
	f, ok := c.fields["GT"]
	if !ok {
		return "./."
	}
	ft, ok := p.types["GT"]
	if !ok {
		return "./."
	}
	g, err := DecodeGenotype(f, ft)
	if err != nil || g.Ploidy() == 0 {
		return "./."
	}
	local := altIndex[c.sample]
	sep := "/"
	if g.Phased {
		sep = "|"
	}
	parts := make([]string, 0, g.Ploidy())
	for _, a := range g.Alleles {
		if a < 0 || a >= len(local) || local[a] < 0 {
			parts = append(parts, ".")
			continue
		}
		parts = append(parts, strconv.Itoa(local[a]))
	}
	return strings.Join(parts, sep)
}
