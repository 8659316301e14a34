package varquery

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
)

// FormatMask selects which of the sibling genotype-matrix outputs to emit.
type FormatMask uint32

const (
	FormatTPED FormatMask = 1 << iota
	FormatBED
	FormatBGEN
)

// FormatAll emits every output in a single query pass.
const FormatAll = FormatTPED | FormatBED | FormatBGEN

// bedMagic is the three-byte BED preamble: magic number plus the
// variant-major mode byte.
var bedMagic = []byte{0x6C, 0x1B, 0x01}

// Two-bit BED genotype codes, little-endian within a byte, four samples per
// byte.
const (
	bedHomAlt  = 0x0
	bedMissing = 0x1
	bedHet     = 0x2
	bedHomRef  = 0x3
)

// FamEntry overrides one sample's FAM/TFAM columns.
type FamEntry struct {
	FamilyID   string
	PaternalID string
	MaternalID string
	Sex        string
	Phenotype  string
}

type plinkState int

const (
	plinkInit plinkState = iota
	plinkPhase0Scan
	plinkPhase1Scan
	plinkFinalize
	plinkClosed
)

func (s plinkState) String() string {
	switch s {
	case plinkInit:
		return "INIT"
	case plinkPhase0Scan:
		return "PHASE0_SCAN"
	case plinkPhase1Scan:
		return "PHASE1_SCAN"
	case plinkFinalize:
		return "FINALIZE"
	case plinkClosed:
		return "CLOSED"
	default:
		return "ILLEGAL"
	}
}

// plinkSample is one enumerated sample: dense indices are assigned in the
// order samples are first seen by the column-major scan, which is ascending
// row order only within a single column.
type plinkSample struct {
	row  int64
	name string
}

// plinkVariant is one enumerated variant column.
type plinkVariant struct {
	col    int64
	contig string
	pos    int64
	rsid   string
	ref    string
	alts   []string
	seen   map[string]bool
	// phased is pessimistic: true only while every observed call is phased.
	phased  bool
	sawCall bool
}

func (v *plinkVariant) alleles() []string {
	ref := v.ref
	if ref == "" {
		ref = "N"
	}
	return append([]string{ref}, v.alts...)
}

// plinkEmitter is the two-pass streaming producer of TPED/TFAM, BED/BIM/FAM
// and BGEN. The first scan enumerates participating samples and variants so
// that count-bearing headers can be patched; the second emits matrix rows.
type plinkEmitter struct {
	eng   *Engine
	state plinkState

	prefix  string
	formats FormatMask
	famList map[string]FamEntry
	verbose bool
	logw    io.Writer
	types   map[string]FieldType
	skipped int

	progressInterval float64
	totalCells       int64
	processedCells   int64
	nextProgress     int64

	samples    []plinkSample
	sampleIdx  map[int64]int
	variants   []*plinkVariant
	variantIdx map[int64]int

	tped *bufio.Writer
	tfam *bufio.Writer
	bim  *bufio.Writer
	fam  *bufio.Writer

	tpedFile, tfamFile, bimFile, famFile, bedFile *os.File

	bed  *bufio.Writer
	bgen *bgenWriter

	// phase-1 per-variant row state
	curVariant *plinkVariant
	rowGT      []Genotype
	rowPresent []bool
}

// newPlinkEmitter creates every requested output file up front; headers
// whose counts are produced later hold placeholders until finalization.
func newPlinkEmitter(eng *Engine, prefix string, formats FormatMask, compression CodecKind, progressInterval float64, totalCells int64, famList map[string]FamEntry) (*plinkEmitter, error) {
	if formats == 0 {
		formats = FormatAll
	}
	p := &plinkEmitter{
		eng:              eng,
		prefix:           prefix,
		formats:          formats,
		famList:          famList,
		verbose:          eng.verbose,
		logw:             log.Writer(),
		progressInterval: progressInterval,
		totalCells:       totalCells,
		sampleIdx:        make(map[int64]int),
		variantIdx:       make(map[int64]int),
	}
	if progressInterval > 0 && totalCells > 0 {
		p.nextProgress = int64(progressInterval * float64(totalCells))
		if p.nextProgress < 1 {
			p.nextProgress = 1
		}
	}

	create := func(suffix string) (*os.File, *bufio.Writer, error) {
		f, err := os.Create(prefix + suffix)
		if err != nil {
			return nil, nil, ioErrorf(prefix+suffix, "cannot create output: %v", err)
		}
		return f, bufio.NewWriter(f), nil
	}

	var err error
	if formats&FormatTPED != 0 {
		if p.tpedFile, p.tped, err = create(".tped"); err != nil {
			return nil, pfx.Err(err)
		}
		if p.tfamFile, p.tfam, err = create(".tfam"); err != nil {
			return nil, pfx.Err(err)
		}
	}
	if formats&FormatBED != 0 {
		if p.bedFile, p.bed, err = create(".bed"); err != nil {
			return nil, pfx.Err(err)
		}
		if _, err := p.bed.Write(bedMagic); err != nil {
			return nil, pfx.Err(ioErrorf(prefix+".bed", "magic write failed: %v", err))
		}
		if p.bimFile, p.bim, err = create(".bim"); err != nil {
			return nil, pfx.Err(err)
		}
		if p.famFile, p.fam, err = create(".fam"); err != nil {
			return nil, pfx.Err(err)
		}
	}
	if formats&FormatBGEN != 0 {
		if p.bgen, err = newBGENWriter(prefix+".bgen", compression); err != nil {
			return nil, pfx.Err(err)
		}
	}
	return p, nil
}

func (p *plinkEmitter) tracef(format string, args ...interface{}) {
	if p.verbose {
		fmt.Fprintf(p.logw, format+"\n", args...)
	}
}

// Initialize is invoked at the start of each scan pass; the first invocation
// moves the emitter out of INIT.
func (p *plinkEmitter) Initialize(fieldTypes map[string]FieldType) error {
	p.types = fieldTypes
	if p.state == plinkInit {
		p.state = plinkPhase0Scan
		p.tracef("plink emitter: entering %s", p.state)
	}
	return nil
}

func (p *plinkEmitter) ProcessInterval(interval Interval) error {
	switch p.state {
	case plinkPhase0Scan:
		return p.enumerateVariant(interval)
	case plinkPhase1Scan:
		if err := p.flushVariantRow(); err != nil {
			return err
		}
		idx, ok := p.variantIdx[interval.Lo]
		if !ok {
			return dataErrorf("variant", "column %d was not enumerated in the first pass", interval.Lo)
		}
		p.curVariant = p.variants[idx]
		for i := range p.rowGT {
			p.rowGT[i] = Genotype{}
			p.rowPresent[i] = false
		}
		return nil
	default:
		return stateErrorf("plink", "interval delivered in state %s", p.state)
	}
}

func (p *plinkEmitter) enumerateVariant(interval Interval) error {
	if _, ok := p.variantIdx[interval.Lo]; ok {
		return nil
	}
	contig, pos, err := p.eng.meta.ColumnToGenomic(interval.Lo)
	if err != nil {
		return err
	}
	v := &plinkVariant{
		col:    interval.Lo,
		contig: contig.Name,
		pos:    pos,
		rsid:   fmt.Sprintf("%s:%d", contig.Name, pos),
		seen:   make(map[string]bool),
		phased: true,
	}
	p.variantIdx[interval.Lo] = len(p.variants)
	p.variants = append(p.variants, v)
	return nil
}

func (p *plinkEmitter) ProcessCall(sampleName string, coordinates [2]int64, gi GenomicInterval, fields []GenomicField) error {
	switch p.state {
	case plinkPhase0Scan:
		return p.enumerateCall(sampleName, coordinates, fields)
	case plinkPhase1Scan:
		return p.bufferCall(coordinates, fields)
	default:
		return stateErrorf("plink", "call delivered in state %s", p.state)
	}
}

func (p *plinkEmitter) enumerateCall(sampleName string, coordinates [2]int64, fields []GenomicField) error {
	row := coordinates[0]
	if _, ok := p.sampleIdx[row]; !ok {
		p.sampleIdx[row] = len(p.samples)
		p.samples = append(p.samples, plinkSample{row: row, name: sampleName})
	}

	v := p.variants[len(p.variants)-1]
	g, ok := p.genotypeOf(fields)
	if ok && g.Ploidy() == 0 {
		p.skipped++
		p.tracef("plink emitter: skipping malformed call at row %d column %d (zero ploidy)", row, coordinates[1])
		return nil
	}
	if ok && !g.Phased {
		v.phased = false
	}
	v.sawCall = true

	for _, f := range fields {
		switch f.Name {
		case "REF":
			if v.ref == "" {
				v.ref = f.StrValue()
			}
		case "ALT":
			for _, a := range SplitAlleles(f.StrValue()) {
				if a == NonRefAllele {
					continue
				}
				if !v.seen[a] {
					v.seen[a] = true
					v.alts = append(v.alts, a)
				}
			}
		}
	}
	p.countCell()
	return nil
}

func (p *plinkEmitter) bufferCall(coordinates [2]int64, fields []GenomicField) error {
	row := coordinates[0]
	idx, ok := p.sampleIdx[row]
	if !ok {
		return dataErrorf("sample", "row %d was not enumerated in the first pass", row)
	}
	g, ok := p.genotypeOf(fields)
	if !ok || g.Ploidy() == 0 {
		p.countCell()
		return nil
	}
	p.rowGT[idx] = g
	p.rowPresent[idx] = true
	p.countCell()
	return nil
}

func (p *plinkEmitter) genotypeOf(fields []GenomicField) (Genotype, bool) {
	for _, f := range fields {
		if f.Name != "GT" {
			continue
		}
		ft, ok := p.types["GT"]
		if !ok {
			return Genotype{}, false
		}
		g, err := DecodeGenotype(f, ft)
		if err != nil {
			return Genotype{}, false
		}
		return g, true
	}
	return Genotype{}, false
}

func (p *plinkEmitter) countCell() {
	p.processedCells++
	if p.nextProgress > 0 && p.processedCells >= p.nextProgress {
		fmt.Fprintf(p.logw, "plink emitter: processed %d of ~%d cells (%.0f%%)\n",
			p.processedCells, 2*p.totalCells,
			100*float64(p.processedCells)/float64(2*p.totalCells))
		step := int64(p.progressInterval * float64(p.totalCells))
		if step < 1 {
			step = 1
		}
		p.nextProgress += step
	}
}

// AdvanceState moves the emitter from the enumeration pass to the emission
// pass. Count patching is deferred to Finalize so it happens exactly once.
func (p *plinkEmitter) AdvanceState() error {
	if p.state != plinkPhase0Scan {
		return pfx.Err(stateErrorf("plink", "advance requested in state %s", p.state))
	}
	p.state = plinkPhase1Scan
	p.tracef("plink emitter: entering %s with %d samples, %d variants", p.state, len(p.samples), len(p.variants))

	p.rowGT = make([]Genotype, len(p.samples))
	p.rowPresent = make([]bool, len(p.samples))

	if err := p.writeFamFiles(); err != nil {
		return pfx.Err(err)
	}
	if p.bgen != nil {
		names := make([]string, len(p.samples))
		for i, s := range p.samples {
			names[i] = s.name
		}
		if err := p.bgen.writeSampleBlock(names); err != nil {
			return pfx.Err(err)
		}
	}
	return nil
}

// writeFamFiles emits FAM and TFAM rows: FID IID PID MID SEX PHEN. FID
// defaults to the sample name and PID MID SEX PHEN to zero; non-empty fields
// of an override entry for the sample replace those defaults.
func (p *plinkEmitter) writeFamFiles() error {
	writeTo := func(w *bufio.Writer) error {
		if w == nil {
			return nil
		}
		for _, s := range p.samples {
			fe := FamEntry{FamilyID: s.name, PaternalID: "0", MaternalID: "0", Sex: "0", Phenotype: "0"}
			if override, ok := p.famList[s.name]; ok {
				if override.FamilyID != "" {
					fe.FamilyID = override.FamilyID
				}
				if override.PaternalID != "" {
					fe.PaternalID = override.PaternalID
				}
				if override.MaternalID != "" {
					fe.MaternalID = override.MaternalID
				}
				if override.Sex != "" {
					fe.Sex = override.Sex
				}
				if override.Phenotype != "" {
					fe.Phenotype = override.Phenotype
				}
			}
			_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				fe.FamilyID, s.name, fe.PaternalID, fe.MaternalID, fe.Sex, fe.Phenotype)
			if err != nil {
				return ioErrorf(p.prefix, "fam row write failed: %v", err)
			}
		}
		return nil
	}
	if err := writeTo(p.tfam); err != nil {
		return err
	}
	return writeTo(p.fam)
}

// flushVariantRow emits the buffered genotype row of the current variant to
// every requested format.
func (p *plinkEmitter) flushVariantRow() error {
	if p.curVariant == nil {
		return nil
	}
	v := p.curVariant
	p.curVariant = nil

	alleles := v.alleles()

	if p.tped != nil {
		if err := p.writeTPEDRow(v, alleles); err != nil {
			return err
		}
	}
	if p.bed != nil {
		if err := p.writeBEDRow(v, alleles); err != nil {
			return err
		}
	}
	if p.bgen != nil {
		if err := p.writeBGENRow(v, alleles); err != nil {
			return err
		}
	}
	return nil
}

func (p *plinkEmitter) writeTPEDRow(v *plinkVariant, alleles []string) error {
	var sb strings.Builder
	sb.WriteString(v.contig)
	sb.WriteByte('\t')
	sb.WriteString(v.rsid)
	sb.WriteString("\t0\t")
	sb.WriteString(strconv.FormatInt(v.pos, 10))
	for i := range p.samples {
		a1, a2 := "0", "0"
		if p.rowPresent[i] {
			g := p.rowGT[i]
			if g.Ploidy() == 2 && !g.Missing() {
				if s, ok := alleleLetter(alleles, g.Alleles[0]); ok {
					a1 = s
				}
				if s, ok := alleleLetter(alleles, g.Alleles[1]); ok {
					a2 = s
				}
			}
		}
		sb.WriteByte('\t')
		sb.WriteString(a1)
		sb.WriteByte('\t')
		sb.WriteString(a2)
	}
	sb.WriteByte('\n')
	if _, err := p.tped.WriteString(sb.String()); err != nil {
		return ioErrorf(p.prefix+".tped", "row write failed: %v", err)
	}
	return nil
}

func alleleLetter(alleles []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(alleles) {
		return "", false
	}
	return alleles[idx], true
}

// writeBEDRow packs one variant-major row: two bits per sample, four samples
// per byte, the partial trailing byte zero-padded.
func (p *plinkEmitter) writeBEDRow(v *plinkVariant, alleles []string) error {
	var cur byte
	var filled uint
	for i := range p.samples {
		code := byte(bedMissing)
		if p.rowPresent[i] {
			code = bedCode(p.rowGT[i], len(alleles))
		}
		cur |= code << (filled * 2)
		filled++
		if filled == 4 {
			if err := p.bed.WriteByte(cur); err != nil {
				return ioErrorf(p.prefix+".bed", "row write failed: %v", err)
			}
			cur, filled = 0, 0
		}
	}
	if filled > 0 {
		if err := p.bed.WriteByte(cur); err != nil {
			return ioErrorf(p.prefix+".bed", "row write failed: %v", err)
		}
	}
	// BIM row for the same variant: chr rsid cM pos A1 A2.
	a1, a2 := "0", "0"
	if len(alleles) > 1 {
		a1 = alleles[1]
	}
	if len(alleles) > 0 {
		a2 = alleles[0]
	}
	if _, err := fmt.Fprintf(p.bim, "%s\t%s\t0\t%d\t%s\t%s\n", v.contig, v.rsid, v.pos, a1, a2); err != nil {
		return ioErrorf(p.prefix+".bim", "row write failed: %v", err)
	}
	return nil
}

// bedCode maps a genotype onto its two-bit BED code. Ploidy other than two
// or more than two observed alleles maps to missing.
func bedCode(g Genotype, nAlleles int) byte {
	if g.Ploidy() != 2 || g.Missing() {
		return bedMissing
	}
	a, b := g.Alleles[0], g.Alleles[1]
	if a < 0 || b < 0 || a > 1 || b > 1 || nAlleles > 2 {
		return bedMissing
	}
	switch a + b {
	case 0:
		return bedHomRef
	case 1:
		return bedHet
	default:
		return bedHomAlt
	}
}

func (p *plinkEmitter) writeBGENRow(v *plinkVariant, alleles []string) error {
	samples := make([]bgenSampleGT, len(p.samples))
	for i := range p.samples {
		if !p.rowPresent[i] || p.rowGT[i].Missing() {
			samples[i] = bgenSampleGT{missing: true, ploidy: 2}
			continue
		}
		g := p.rowGT[i]
		samples[i] = bgenSampleGT{
			ploidy:  g.Ploidy(),
			alleles: g.Alleles,
			phased:  g.Phased,
		}
	}
	return p.bgen.writeVariant(v.rsid, v.rsid, v.contig, uint32(v.pos), alleles, samples, v.phased)
}

// Finalize flushes the last variant row, backfills every placeholder and
// closes the outputs. The emitter ends in CLOSED; finalizing twice is a
// StateError.
func (p *plinkEmitter) Finalize() error {
	if p.state != plinkPhase1Scan {
		return pfx.Err(stateErrorf("plink", "finalize requested in state %s", p.state))
	}
	p.state = plinkFinalize

	if err := p.flushVariantRow(); err != nil {
		return pfx.Err(err)
	}
	if p.skipped > 0 {
		fmt.Fprintf(p.logw, "plink emitter: skipped %d malformed calls\n", p.skipped)
	}

	var firstErr error
	flush := func(w *bufio.Writer, f *os.File) {
		if w != nil {
			if err := w.Flush(); err != nil && firstErr == nil {
				firstErr = ioErrorf(p.prefix, "flush failed: %v", err)
			}
		}
		if f != nil {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = ioErrorf(p.prefix, "close failed: %v", err)
			}
		}
	}
	flush(p.tped, p.tpedFile)
	flush(p.tfam, p.tfamFile)
	flush(p.bed, p.bedFile)
	flush(p.bim, p.bimFile)
	flush(p.fam, p.famFile)

	if p.bgen != nil {
		if err := p.bgen.patchCounts(uint32(len(p.samples))); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.bgen.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.state = plinkClosed
	if firstErr != nil {
		return pfx.Err(firstErr)
	}
	return nil
}

// plinkChromosome renders a contig name as the two-character chromosome code
// the BGEN variant blocks carry.
func plinkChromosome(contig string) string {
	c := strings.TrimPrefix(contig, "chr")
	switch c {
	case "X":
		return "0X"
	case "Y":
		return "0Y"
	case "XY":
		return "XY"
	case "M", "MT":
		return "MT"
	}
	if len(c) == 1 {
		return "0" + c
	}
	if len(c) > 2 {
		return c[:2]
	}
	return c
}

// GeneratePEDMap runs the two-pass PLINK/BGEN export over the given ranges.
// Output files share the prefix, suffixed with the concurrency rank when it
// is nonzero so that ranks never collide. formats zero means all formats;
// progressInterval is the fraction of expected cells between progress lines
// (zero disables); famList overrides FAM columns per sample.
func (e *Engine) GeneratePEDMap(array string, colRanges, rowRanges RangeList, prefix string, formats FormatMask, compression CodecKind, progressInterval float64, famList map[string]FamEntry) error {
	if e.closed {
		return pfx.Err(stateErrorf("engine", "generate on closed engine"))
	}
	if prefix == "" {
		return pfx.Err(configErrorf("plink", "output prefix is required"))
	}
	if e.rank > 0 {
		prefix = fmt.Sprintf("%s.%d", prefix, e.rank)
	}

	cfg, err := e.configFor(array)
	if err != nil {
		return pfx.Err(err)
	}
	rows := rowRanges
	if len(rows) == 0 {
		rows = cfg.RowRanges
	}
	cols := colRanges
	if len(cols) == 0 {
		cols = cfg.ColumnRanges
	}
	rowTotal := rows.TotalWidth()
	if len(rows) == 0 || rowTotal > e.meta.MaxRow()+1 {
		rowTotal = e.meta.MaxRow() + 1
	}
	colTotal := cols.TotalWidth()
	if colTotal <= 0 || colTotal > e.meta.TotalColumns() {
		colTotal = e.meta.TotalColumns()
	}
	// An approximate upper bound: the array is sparse, so far fewer cells
	// than rowTotal*colTotal usually exist.
	totalCells := rowTotal * colTotal

	em, err := newPlinkEmitter(e, prefix, formats, compression, progressInterval, totalCells, famList)
	if err != nil {
		return pfx.Err(err)
	}
	if err := e.QueryVariantCalls(em, array, colRanges, rowRanges); err != nil {
		return pfx.Err(err)
	}
	if err := em.AdvanceState(); err != nil {
		return pfx.Err(err)
	}
	if err := e.QueryVariantCalls(em, array, colRanges, rowRanges); err != nil {
		return pfx.Err(err)
	}
	return em.Finalize()
}
