package varquery

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// NonRefToken is the single-character encoding used inside the array for the
// symbolic <NON_REF> allele. NonRefAllele is its VCF presentation.
const (
	NonRefToken  = "&"
	NonRefAllele = "<NON_REF>"
)

// AltDelimiter separates alternate alleles inside the stored ALT string.
const AltDelimiter = "|"

// FieldKind enumerates the element kinds a genomic field can carry.
type FieldKind int

const (
	FieldInt32 FieldKind = iota
	FieldFloat32
	FieldChar
)

func (k FieldKind) String() string {
	switch k {
	case FieldInt32:
		return "int32"
	case FieldFloat32:
		return "float32"
	case FieldChar:
		return "char"
	default:
		return "unknown"
	}
}

// FieldType describes the schema of one genomic field as declared in the VID
// map. A char field with fixed arity 1 is a scalar char; a char field with
// variable arity is a string.
type FieldType struct {
	Kind          FieldKind
	FixedArity    bool
	ElementCount  int
	Dimensions    int
	ContainsPhase bool
	// FormatClass marks per-sample (FORMAT) fields; everything else is
	// treated as site-level (INFO) for VCF emission.
	FormatClass bool
}

// IsString reports whether values of this type are rendered as strings.
func (t FieldType) IsString() bool {
	return t.Kind == FieldChar && (!t.FixedArity || t.ElementCount > 1)
}

// IsChar reports whether this is a scalar char field.
func (t FieldType) IsChar() bool {
	return t.Kind == FieldChar && t.FixedArity && t.ElementCount == 1
}

func (t FieldType) IsInt() bool {
	return t.Kind == FieldInt32
}

func (t FieldType) IsFloat() bool {
	return t.Kind == FieldFloat32
}

func (t FieldType) elementSize() int {
	switch t.Kind {
	case FieldChar:
		return 1
	default:
		return 4
	}
}

// GenomicField is a named view over the contiguous value buffer of one field
// of one call. The buffer layout is little-endian for numeric kinds and raw
// bytes for char kinds.
type GenomicField struct {
	Name string
	Data []byte
}

// NumElements returns the element count of the buffer under the given type.
func (f GenomicField) NumElements(t FieldType) int {
	return len(f.Data) / t.elementSize()
}

// IntAt decodes the i-th int32 element. Offsets outside the buffer are
// rejected with a DataError.
func (f GenomicField) IntAt(t FieldType, i int) (int32, error) {
	if !t.IsInt() {
		return 0, schemaErrorf(f.Name, "field is %s, not int32", t.Kind)
	}
	off := i * 4
	if i < 0 || off+4 > len(f.Data) {
		return 0, dataErrorf(f.Name, "int32 offset %d outside %d-byte buffer", off, len(f.Data))
	}
	return int32(binary.LittleEndian.Uint32(f.Data[off:])), nil
}

// FloatAt decodes the i-th float32 element.
func (f GenomicField) FloatAt(t FieldType, i int) (float32, error) {
	if !t.IsFloat() {
		return 0, schemaErrorf(f.Name, "field is %s, not float32", t.Kind)
	}
	off := i * 4
	if i < 0 || off+4 > len(f.Data) {
		return 0, dataErrorf(f.Name, "float32 offset %d outside %d-byte buffer", off, len(f.Data))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(f.Data[off:])), nil
}

// StrValue returns the raw buffer as a string. For the ALT field this is the
// delimited storage form, e.g. "A|&".
func (f GenomicField) StrValue() string {
	return string(f.Data)
}

// ToString renders the field for human consumption. ALT-style delimited
// strings render as a bracketed list with the <NON_REF> token expanded.
func (f GenomicField) ToString(t FieldType) string {
	if t.IsString() {
		if strings.Contains(f.StrValue(), AltDelimiter) || strings.Contains(f.StrValue(), NonRefToken) {
			return "[" + strings.Join(SplitAlleles(f.StrValue()), ", ") + "]"
		}
		return f.StrValue()
	}
	n := f.NumElements(t)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		switch t.Kind {
		case FieldInt32:
			v, err := f.IntAt(t, i)
			if err != nil {
				return ""
			}
			parts = append(parts, fmt.Sprintf("%d", v))
		case FieldFloat32:
			v, err := f.FloatAt(t, i)
			if err != nil {
				return ""
			}
			parts = append(parts, fmt.Sprintf("%g", v))
		case FieldChar:
			parts = append(parts, string(f.Data[i]))
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// clone returns a copy of the field whose buffer is owned by the caller.
// Scan-iterator buffers are only valid until the next cell is pulled, so
// anything that outlives the scan must hold clones.
func (f GenomicField) clone() GenomicField {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return GenomicField{Name: f.Name, Data: data}
}

// SplitAlleles splits a stored ALT string into its allele list, expanding the
// NON_REF token into its VCF presentation.
func SplitAlleles(stored string) []string {
	if stored == "" {
		return nil
	}
	raw := strings.Split(stored, AltDelimiter)
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		if a == NonRefToken {
			out = append(out, NonRefAllele)
		} else {
			out = append(out, a)
		}
	}
	return out
}

// Genotype is one sample's decoded GT value at a site.
type Genotype struct {
	// Alleles holds one 0-based allele index per ploid, -1 for missing.
	Alleles []int
	// Phased is true only when every separator in the stored value was the
	// phased separator.
	Phased bool
}

// Ploidy returns the number of allele slots.
func (g Genotype) Ploidy() int {
	return len(g.Alleles)
}

// Missing reports whether every allele slot is the missing sentinel, or the
// genotype is empty.
func (g Genotype) Missing() bool {
	for _, a := range g.Alleles {
		if a >= 0 {
			return false
		}
	}
	return true
}

// DecodeGenotype decodes a GT buffer. When the field type carries phase
// information the buffer interleaves separators with allele indices
// ([a0, sep, a1, sep, a2, ...], 2P-1 elements, separator 1 meaning phased);
// otherwise it holds P allele indices.
func DecodeGenotype(f GenomicField, t FieldType) (Genotype, error) {
	if !t.IsInt() {
		return Genotype{}, schemaErrorf(f.Name, "GT field must be int32, got %s", t.Kind)
	}
	n := f.NumElements(t)
	if n == 0 {
		return Genotype{}, nil
	}
	if !t.ContainsPhase {
		g := Genotype{Alleles: make([]int, 0, n)}
		for i := 0; i < n; i++ {
			v, err := f.IntAt(t, i)
			if err != nil {
				return Genotype{}, err
			}
			g.Alleles = append(g.Alleles, int(v))
		}
		return g, nil
	}
	if n%2 == 0 {
		return Genotype{}, dataErrorf(f.Name, "phased GT buffer must hold 2P-1 elements, got %d", n)
	}
	g := Genotype{Alleles: make([]int, 0, (n+1)/2), Phased: n > 1}
	for i := 0; i < n; i++ {
		v, err := f.IntAt(t, i)
		if err != nil {
			return Genotype{}, err
		}
		if i%2 == 0 {
			g.Alleles = append(g.Alleles, int(v))
		} else if v != 1 {
			g.Phased = false
		}
	}
	return g, nil
}
