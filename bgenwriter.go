package varquery

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/carbocation/pfx"
)

// bgenMagic is the magic number of the BGEN file format.
const bgenMagic = "bgen"

// Emitted files use layout version 2 with an 8-bit probability depth.
const (
	bgenLayoutVersion   = 2
	bgenProbabilityBits = 8
)

// Byte offsets of the fixed header fields.
const (
	bgenOffsetVariant        = 0
	bgenOffsetHeaderLength   = 4
	bgenOffsetNumberVariants = 8
	bgenOffsetNumberSamples  = 12
	bgenOffsetMagicNumber    = 16
	bgenOffsetFlags          = 20
	bgenHeaderLength         = 20
)

// bgenCompressionFlag maps a codec kind onto the two compression bits of the
// header flags.
func bgenCompressionFlag(kind CodecKind) (uint32, error) {
	switch kind {
	case CodecNone:
		return 0, nil
	case CodecZLIB:
		return 1, nil
	case CodecZSTD:
		return 2, nil
	default:
		return 0, codecErrorf("bgen", "codec %s cannot back a bgen genotype block", kind)
	}
}

// bgenWriter produces a BGEN v1.2 file. The variant and sample counts of
// the top header depend on content produced later, so they are written as
// placeholders and patched during finalization.
type bgenWriter struct {
	file        *os.File
	path        string
	compression CodecKind
	codec       Codec

	nVariants     uint32
	headerDone    bool
	samplesDone   bool
	countsPatched bool
}

func newBGENWriter(path string, compression CodecKind) (*bgenWriter, error) {
	if _, err := bgenCompressionFlag(compression); err != nil {
		return nil, pfx.Err(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, pfx.Err(ioErrorf(path, "cannot create bgen output: %v", err))
	}
	w := &bgenWriter{file: f, path: path, compression: compression}
	if compression != CodecNone {
		if w.codec, err = NewCodec(compression, 0); err != nil {
			f.Close()
			return nil, pfx.Err(err)
		}
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}
	return w, nil
}

// writeHeader lays down the fixed 20-byte header plus the flags word, with
// zero placeholders for the variant and sample counts and for the variant
// offset (patched once the sample block size is known).
func (w *bgenWriter) writeHeader() error {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[bgenOffsetVariant:], 0)
	binary.LittleEndian.PutUint32(buf[bgenOffsetHeaderLength:], bgenHeaderLength)
	binary.LittleEndian.PutUint32(buf[bgenOffsetNumberVariants:], 0)
	binary.LittleEndian.PutUint32(buf[bgenOffsetNumberSamples:], 0)
	copy(buf[bgenOffsetMagicNumber:], bgenMagic)

	comp, err := bgenCompressionFlag(w.compression)
	if err != nil {
		return err
	}
	flags := comp | uint32(bgenLayoutVersion)<<2 | uint32(1)<<31
	binary.LittleEndian.PutUint32(buf[bgenOffsetFlags:], flags)

	if _, err := w.file.Write(buf); err != nil {
		return ioErrorf(w.path, "header write failed: %v", err)
	}
	w.headerDone = true
	return nil
}

// writeSampleBlock appends the sample identifier block and patches the
// variant-offset field to point past it.
func (w *bgenWriter) writeSampleBlock(names []string) error {
	if !w.headerDone || w.samplesDone {
		return stateErrorf(w.path, "sample block written out of order")
	}

	blockLen := 8
	for _, n := range names {
		blockLen += 2 + len(n)
	}
	buf := make([]byte, 0, blockLen)
	var b4 [4]byte
	var b2 [2]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(blockLen))
	buf = append(buf, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(len(names)))
	buf = append(buf, b4[:]...)
	for _, n := range names {
		binary.LittleEndian.PutUint16(b2[:], uint16(len(n)))
		buf = append(buf, b2[:]...)
		buf = append(buf, n...)
	}
	if _, err := w.file.Write(buf); err != nil {
		return ioErrorf(w.path, "sample block write failed: %v", err)
	}

	// The first variant block starts at offset+4.
	binary.LittleEndian.PutUint32(b4[:], uint32(bgenHeaderLength+blockLen))
	if _, err := w.file.WriteAt(b4[:], bgenOffsetVariant); err != nil {
		return ioErrorf(w.path, "offset patch failed: %v", err)
	}

	w.samplesDone = true
	return nil
}

// bgenSampleGT is one sample's genotype at the variant being written.
type bgenSampleGT struct {
	missing bool
	ploidy  int
	alleles []int
	phased  bool
}

// writeVariant appends one variant block. Alleles carry REF first.
func (w *bgenWriter) writeVariant(id, rsid, chrom string, position uint32, alleles []string, samples []bgenSampleGT, phased bool) error {
	if !w.samplesDone {
		return stateErrorf(w.path, "variant written before sample block")
	}
	if len(alleles) == 0 {
		return dataErrorf(rsid, "variant carries no alleles")
	}

	var buf []byte
	var b4 [4]byte
	var b2 [2]byte

	appendString16 := func(s string) {
		binary.LittleEndian.PutUint16(b2[:], uint16(len(s)))
		buf = append(buf, b2[:]...)
		buf = append(buf, s...)
	}

	appendString16(id)
	appendString16(rsid)
	appendString16(plinkChromosome(chrom))

	binary.LittleEndian.PutUint32(b4[:], position)
	buf = append(buf, b4[:]...)

	binary.LittleEndian.PutUint16(b2[:], uint16(len(alleles)))
	buf = append(buf, b2[:]...)
	for _, a := range alleles {
		binary.LittleEndian.PutUint32(b4[:], uint32(len(a)))
		buf = append(buf, b4[:]...)
		buf = append(buf, a...)
	}

	prob, err := encodeProbabilityBlock(len(alleles), samples, phased)
	if err != nil {
		return err
	}

	if w.compression == CodecNone {
		binary.LittleEndian.PutUint32(b4[:], uint32(len(prob)))
		buf = append(buf, b4[:]...)
		buf = append(buf, prob...)
	} else {
		comp, err := w.codec.Compress(prob)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b4[:], uint32(len(comp)+4))
		buf = append(buf, b4[:]...)
		binary.LittleEndian.PutUint32(b4[:], uint32(len(prob)))
		buf = append(buf, b4[:]...)
		buf = append(buf, comp...)
	}

	if _, err := w.file.Write(buf); err != nil {
		return ioErrorf(w.path, "variant block write failed: %v", err)
	}
	w.nVariants++
	return nil
}

// patchCounts backfills the variant and sample counts of the top header.
func (w *bgenWriter) patchCounts(nSamples uint32) error {
	if w.countsPatched {
		return stateErrorf(w.path, "header counts patched twice")
	}
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], w.nVariants)
	if _, err := w.file.WriteAt(b4[:], bgenOffsetNumberVariants); err != nil {
		return ioErrorf(w.path, "variant count patch failed: %v", err)
	}
	binary.LittleEndian.PutUint32(b4[:], nSamples)
	if _, err := w.file.WriteAt(b4[:], bgenOffsetNumberSamples); err != nil {
		return ioErrorf(w.path, "sample count patch failed: %v", err)
	}
	w.countsPatched = true
	return nil
}

func (w *bgenWriter) close() error {
	var firstErr error
	if w.codec != nil {
		if err := w.codec.Close(); err != nil {
			firstErr = err
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = ioErrorf(w.path, "close failed: %v", err)
	}
	return firstErr
}

// encodeProbabilityBlock builds the uncompressed layout-2 genotype
// probability block. Min and max ploidy are not known until every sample has
// been walked, so they are patched into bytes 6 and 7 afterwards.
func encodeProbabilityBlock(nAlleles int, samples []bgenSampleGT, phased bool) ([]byte, error) {
	buf := make([]byte, 0, 10+len(samples))
	var b4 [4]byte
	var b2 [2]byte

	binary.LittleEndian.PutUint32(b4[:], uint32(len(samples)))
	buf = append(buf, b4[:]...)
	binary.LittleEndian.PutUint16(b2[:], uint16(nAlleles))
	buf = append(buf, b2[:]...)

	// Placeholder min and max ploidy, patched below.
	buf = append(buf, 0, 0)

	minP, maxP := 255, 0
	for _, s := range samples {
		p := s.ploidy
		if p < 1 {
			p = 2
		}
		if p < minP {
			minP = p
		}
		if p > maxP {
			maxP = p
		}
		pb := byte(p & 0x3f)
		if s.missing {
			pb |= 0x80
		}
		buf = append(buf, pb)
	}
	if len(samples) == 0 {
		minP, maxP = 0, 0
	}
	buf[6] = byte(minP)
	buf[7] = byte(maxP)

	if phased {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, bgenProbabilityBits)

	bw := newBitWriter()
	maxValue := uint64(1)<<bgenProbabilityBits - 1
	for _, s := range samples {
		p := s.ploidy
		if p < 1 {
			p = 2
		}
		if phased {
			writePhasedSlots(bw, s, p, nAlleles, maxValue)
		} else {
			writeUnphasedSlots(bw, s, p, nAlleles, maxValue)
		}
	}
	return append(buf, bw.Bytes()...), nil
}

// writeUnphasedSlots emits Choose(p+K-1, K-1)-1 values: the canonical
// genotype enumeration with the final all-last-allele slot dropped.
func writeUnphasedSlots(bw *bitWriter, s bgenSampleGT, p, nAlleles int, maxValue uint64) {
	slots := enumerateGenotypes(p, nAlleles)
	hot := -1
	if !s.missing {
		counts := make([]int, nAlleles)
		ok := len(s.alleles) == p
		for _, a := range s.alleles {
			if a < 0 || a >= nAlleles {
				ok = false
				break
			}
			counts[a]++
		}
		if ok {
			hot = genotypeSlotIndex(slots, counts)
		}
	}
	for i := 0; i < len(slots)-1; i++ {
		if i == hot {
			bw.WriteUint(maxValue, bgenProbabilityBits)
		} else {
			bw.WriteUint(0, bgenProbabilityBits)
		}
	}
}

// writePhasedSlots emits p×(K-1) values, haplotype outer, the K-th allele
// dropped per haplotype.
func writePhasedSlots(bw *bitWriter, s bgenSampleGT, p, nAlleles int, maxValue uint64) {
	for hap := 0; hap < p; hap++ {
		var allele = -1
		if !s.missing && hap < len(s.alleles) {
			allele = s.alleles[hap]
		}
		for a := 0; a < nAlleles-1; a++ {
			if a == allele {
				bw.WriteUint(maxValue, bgenProbabilityBits)
			} else {
				bw.WriteUint(0, bgenProbabilityBits)
			}
		}
	}
}

// enumerateGenotypes lists every allele-count vector (a_1, …, a_K) with
// sum p in the canonical unphased slot order: colex on the reversed vector,
// so the first slot is (p, 0, …, 0) and the last is (0, …, 0, p).
func enumerateGenotypes(p, nAlleles int) [][]int {
	var out [][]int
	counts := make([]int, nAlleles)
	var rec func(pos, left int)
	rec = func(pos, left int) {
		if pos == nAlleles-1 {
			counts[pos] = left
			v := make([]int, nAlleles)
			copy(v, counts)
			out = append(out, v)
			return
		}
		for c := 0; c <= left; c++ {
			counts[pos] = c
			rec(pos+1, left-c)
		}
	}
	rec(0, p)
	sort.Slice(out, func(i, j int) bool {
		for k := nAlleles - 1; k >= 0; k-- {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

func genotypeSlotIndex(slots [][]int, counts []int) int {
	for i, s := range slots {
		match := true
		for k := range s {
			if s[k] != counts[k] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// bgenExpectedBlockSize returns the uncompressed probability block size for
// the given per-sample slot counts: 10 fixed bytes, one ploidy byte per
// sample, and the bit-packed payload rounded up to whole bytes.
func bgenExpectedBlockSize(slotsPerSample []int) int {
	bits := 0
	for _, s := range slotsPerSample {
		bits += s * bgenProbabilityBits
	}
	return 10 + len(slotsPerSample) + (bits+7)/8
}
