package varquery

import (
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/brentp/xopen"
	"github.com/carbocation/pfx"
	"github.com/mitchellh/mapstructure"
	yaml "gopkg.in/yaml.v2"
)

// Contig is one reference sequence with its span on the flattened column
// axis. Offsets of distinct contigs are disjoint.
type Contig struct {
	Name   string `json:"name" mapstructure:"name"`
	Length int64  `json:"length" mapstructure:"length"`
	Offset int64  `json:"offset" mapstructure:"offset"`
}

// GenomicInterval is a 1-based position interval on a named contig.
type GenomicInterval struct {
	Contig string
	Lo     int64
	Hi     int64
}

// Metadata resolves rows to samples, columns to genomic positions and field
// names to their schemas. It is immutable once loaded and safe for
// concurrent readers.
type Metadata struct {
	contigs      []Contig // sorted by Offset
	fields       map[string]FieldType
	fieldOrder   []string
	rowToSample  map[int64]string
	sampleToRow  map[string]int64
	maxRow       int64
	refGenome    string
	totalColumns int64
}

type vidDocField struct {
	Type   string      `json:"type" mapstructure:"type"`
	Length interface{} `json:"length" mapstructure:"length"`
	Phased bool        `json:"phased" mapstructure:"phased"`
	Class  []string    `json:"vcf_field_class" mapstructure:"vcf_field_class"`
}

type vidDoc struct {
	Contigs map[string]struct {
		Length int64 `json:"length" mapstructure:"length"`
		Offset int64 `json:"offset" mapstructure:"offset"`
	} `json:"contigs" mapstructure:"contigs"`
	Fields     map[string]vidDocField `json:"fields" mapstructure:"fields"`
	FieldOrder []string               `json:"field_order" mapstructure:"field_order"`
}

type callsetDoc struct {
	Callsets map[string]struct {
		RowIdx int64 `json:"row_idx" mapstructure:"row_idx"`
	} `json:"callsets" mapstructure:"callsets"`
}

// LoadMetadata reads the callset map and VID map documents and builds the
// resolver. Documents may be JSON or YAML and may be gzip-compressed.
func LoadMetadata(callsetFile, vidFile, referenceGenome string) (*Metadata, error) {
	m := &Metadata{
		fields:      make(map[string]FieldType),
		rowToSample: make(map[int64]string),
		sampleToRow: make(map[string]int64),
		refGenome:   referenceGenome,
	}

	var vd vidDoc
	if err := decodeDocumentFile(vidFile, &vd); err != nil {
		return nil, pfx.Err(err)
	}
	var cd callsetDoc
	if err := decodeDocumentFile(callsetFile, &cd); err != nil {
		return nil, pfx.Err(err)
	}

	if len(vd.Contigs) == 0 {
		return nil, pfx.Err(configErrorf(vidFile, "vid map declares no contigs"))
	}
	for name, c := range vd.Contigs {
		m.contigs = append(m.contigs, Contig{Name: name, Length: c.Length, Offset: c.Offset})
	}
	sort.Slice(m.contigs, func(i, j int) bool { return m.contigs[i].Offset < m.contigs[j].Offset })
	for i := 1; i < len(m.contigs); i++ {
		prev := m.contigs[i-1]
		if m.contigs[i].Offset < prev.Offset+prev.Length {
			return nil, pfx.Err(configErrorf(m.contigs[i].Name, "contig span overlaps %s", prev.Name))
		}
	}
	last := m.contigs[len(m.contigs)-1]
	m.totalColumns = last.Offset + last.Length

	for name, f := range vd.Fields {
		ft, err := parseFieldType(name, f)
		if err != nil {
			return nil, pfx.Err(err)
		}
		m.fields[name] = ft
	}
	m.fieldOrder = orderFields(vd.FieldOrder, m.fields)

	for sample, cs := range cd.Callsets {
		if prev, ok := m.rowToSample[cs.RowIdx]; ok {
			return nil, pfx.Err(configErrorf(sample, "row %d already mapped to sample %s", cs.RowIdx, prev))
		}
		m.rowToSample[cs.RowIdx] = sample
		m.sampleToRow[sample] = cs.RowIdx
		if cs.RowIdx > m.maxRow {
			m.maxRow = cs.RowIdx
		}
	}
	if len(m.rowToSample) == 0 {
		return nil, pfx.Err(configErrorf(callsetFile, "callset map declares no callsets"))
	}

	return m, nil
}

func parseFieldType(name string, f vidDocField) (FieldType, error) {
	var ft FieldType
	switch strings.ToLower(f.Type) {
	case "int", "int32", "integer":
		ft.Kind = FieldInt32
	case "float", "float32":
		ft.Kind = FieldFloat32
	case "char", "string":
		ft.Kind = FieldChar
	default:
		return ft, schemaErrorf(name, "unknown field type %q", f.Type)
	}
	ft.Dimensions = 1
	ft.ContainsPhase = f.Phased
	for _, cls := range f.Class {
		if strings.EqualFold(cls, "FORMAT") {
			ft.FormatClass = true
		}
	}
	if name == "GT" {
		ft.FormatClass = true
	}
	switch l := f.Length.(type) {
	case nil:
		ft.FixedArity = true
		ft.ElementCount = 1
	case string:
		// Any symbolic length descriptor ("VAR", ploidy-dependent) means
		// variable arity.
		ft.FixedArity = false
	case float64:
		ft.FixedArity = true
		ft.ElementCount = int(l)
	case int:
		ft.FixedArity = true
		ft.ElementCount = l
	default:
		return ft, schemaErrorf(name, "unsupported length descriptor %v", f.Length)
	}
	if ft.Kind == FieldChar && !ft.FixedArity {
		// Variable-arity char is a string field.
		ft.ElementCount = 0
	}
	return ft, nil
}

// orderFields produces the emitter field ordering: the explicit order from
// the document first, then REF and ALT, then the rest alphabetically.
func orderFields(explicit []string, fields map[string]FieldType) []string {
	seen := make(map[string]bool, len(fields))
	var order []string
	add := func(name string) {
		if _, ok := fields[name]; ok && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	for _, name := range explicit {
		add(name)
	}
	add("REF")
	add("ALT")
	rest := make([]string, 0, len(fields))
	for name := range fields {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)
	return order
}

// RowToSample maps a row coordinate to its sample name.
func (m *Metadata) RowToSample(row int64) (string, error) {
	s, ok := m.rowToSample[row]
	if !ok {
		return "", pfx.Err(notFoundErrorf("row", "no sample mapped to row %d", row))
	}
	return s, nil
}

// SampleToRow maps a sample name to its row coordinate.
func (m *Metadata) SampleToRow(sample string) (int64, error) {
	r, ok := m.sampleToRow[sample]
	if !ok {
		return 0, pfx.Err(notFoundErrorf(sample, "sample not present in callset map"))
	}
	return r, nil
}

// NumCallsets returns the number of mapped callsets.
func (m *Metadata) NumCallsets() int {
	return len(m.rowToSample)
}

// MaxRow returns the highest mapped row coordinate.
func (m *Metadata) MaxRow() int64 {
	return m.maxRow
}

// TotalColumns returns the extent of the flattened column axis.
func (m *Metadata) TotalColumns() int64 {
	return m.totalColumns
}

// ColumnToGenomic maps a flattened column coordinate to a contig and a
// 1-based position. The lookup is a binary search over contig offsets.
func (m *Metadata) ColumnToGenomic(col int64) (Contig, int64, error) {
	i := sort.Search(len(m.contigs), func(i int) bool { return m.contigs[i].Offset > col })
	if i == 0 {
		return Contig{}, 0, pfx.Err(notFoundErrorf("column", "column %d precedes every contig", col))
	}
	c := m.contigs[i-1]
	if col >= c.Offset+c.Length {
		return Contig{}, 0, pfx.Err(notFoundErrorf("column", "column %d falls in no contig span", col))
	}
	return c, col - c.Offset + 1, nil
}

// GenomicToColumn maps a contig name and 1-based position to the flattened
// column coordinate.
func (m *Metadata) GenomicToColumn(contig string, pos int64) (int64, error) {
	for _, c := range m.contigs {
		if c.Name == contig {
			if pos < 1 || pos > c.Length {
				return 0, pfx.Err(notFoundErrorf(contig, "position %d outside contig of length %d", pos, c.Length))
			}
			return c.Offset + pos - 1, nil
		}
	}
	return 0, pfx.Err(notFoundErrorf(contig, "contig not present in vid map"))
}

// GenomicIntervalOf converts a column interval to a genomic interval on the
// contig containing its start column.
func (m *Metadata) GenomicIntervalOf(lo, hi int64) (GenomicInterval, error) {
	c, pos, err := m.ColumnToGenomic(lo)
	if err != nil {
		return GenomicInterval{}, pfx.Err(err)
	}
	end := hi - c.Offset + 1
	if end > c.Length {
		end = c.Length
	}
	return GenomicInterval{Contig: c.Name, Lo: pos, Hi: end}, nil
}

// FieldType returns the schema of the named field.
func (m *Metadata) FieldType(name string) (FieldType, error) {
	ft, ok := m.fields[name]
	if !ok {
		return FieldType{}, pfx.Err(schemaErrorf(name, "field not declared in vid map"))
	}
	return ft, nil
}

// FieldTypes returns the full name to type map.
func (m *Metadata) FieldTypes() map[string]FieldType {
	out := make(map[string]FieldType, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// FieldOrdering returns the ordered field names used by the emitters.
func (m *Metadata) FieldOrdering() []string {
	out := make([]string, len(m.fieldOrder))
	copy(out, m.fieldOrder)
	return out
}

// Contigs returns the contigs sorted by column offset.
func (m *Metadata) Contigs() []Contig {
	out := make([]Contig, len(m.contigs))
	copy(out, m.contigs)
	return out
}

// decodeDocumentFile reads a JSON or YAML document, transparently handling
// gzip-compressed files, and decodes it into out.
func decodeDocumentFile(path string, out interface{}) error {
	if path == "" {
		return configErrorf("", "empty document path")
	}
	rdr, err := xopen.Ropen(path)
	if err != nil {
		return ioErrorf(path, "cannot open document: %v", err)
	}
	defer rdr.Close()
	data, err := io.ReadAll(rdr)
	if err != nil {
		return ioErrorf(path, "cannot read document: %v", err)
	}
	return decodeDocumentBytes(path, data, out)
}

// decodeDocumentBytes decodes a JSON or YAML document held in memory. YAML
// documents pass through a generic map and mapstructure so that both formats
// land in identical struct state.
func decodeDocumentBytes(ident string, data []byte, out interface{}) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, out); err != nil {
			return configErrorf(ident, "malformed json document: %v", err)
		}
		return nil
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return configErrorf(ident, "malformed yaml document: %v", err)
	}
	cfg := &mapstructure.DecoderConfig{Result: out, WeaklyTypedInput: true}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return configErrorf(ident, "decoder setup: %v", err)
	}
	if err := dec.Decode(normalizeMapKeys(raw)); err != nil {
		return configErrorf(ident, "document does not match schema: %v", err)
	}
	return nil
}

// normalizeMapKeys converts the map[interface{}]interface{} values produced
// by the YAML decoder into map[string]interface{} so mapstructure can walk
// them.
func normalizeMapKeys(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeMapKeys(val)
			}
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalizeMapKeys(val)
		}
		return out
	case []interface{}:
		for i := range vv {
			vv[i] = normalizeMapKeys(vv[i])
		}
		return vv
	default:
		return v
	}
}
