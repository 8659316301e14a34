package varquery

import (
	"math"

	"github.com/carbocation/pfx"
	"github.com/kelseyhightower/envconfig"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultSegmentSize is the default read window, in bytes, for one scan
// segment.
const DefaultSegmentSize = uint64(10 * 1024 * 1024)

// scanFullHi is the highest addressable coordinate on either axis.
const scanFullHi = math.MaxInt64 - 1

// Range is an inclusive coordinate interval on the row or column axis.
type Range struct {
	Lo int64
	Hi int64
}

// Width returns the number of coordinates the range covers.
func (r Range) Width() int64 {
	return r.Hi - r.Lo + 1
}

// RangeList is an ordered set of ranges on one axis.
type RangeList []Range

// ScanFull denotes the whole axis.
func ScanFull() RangeList {
	return RangeList{{Lo: 0, Hi: scanFullHi}}
}

// TotalWidth sums the widths of all ranges.
func (rl RangeList) TotalWidth() int64 {
	var total int64
	for _, r := range rl {
		total += r.Width()
	}
	return total
}

// intersect clips every range against [lo, hi], dropping ranges that fall
// outside entirely.
func (rl RangeList) intersect(lo, hi int64) RangeList {
	var out RangeList
	for _, r := range rl {
		a, b := r.Lo, r.Hi
		if a < lo {
			a = lo
		}
		if b > hi {
			b = hi
		}
		if a <= b {
			out = append(out, Range{Lo: a, Hi: b})
		}
	}
	return out
}

// contains reports whether v falls in any range of the list. An empty list
// matches everything (empty row ranges denote all rows).
func (rl RangeList) contains(v int64) bool {
	if len(rl) == 0 {
		return true
	}
	for _, r := range rl {
		if v >= r.Lo && v <= r.Hi {
			return true
		}
	}
	return false
}

// QueryConfig is the normalized description of one query: which array of
// which workspace to scan, over which ranges, projecting which attributes.
type QueryConfig struct {
	Workspace    string
	Array        string
	Attributes   []string
	RowRanges    RangeList
	ColumnRanges RangeList
	SegmentSize  uint64
	Rank         int

	CallsetFile     string
	VidFile         string
	ReferenceGenome string
}

// queryDoc is the on-disk document shape. Vector-valued fields carry one
// element per concurrency rank.
type queryDoc struct {
	Workspace         interface{}  `json:"workspace" mapstructure:"workspace" msgpack:"workspace"`
	Array             interface{}  `json:"array" mapstructure:"array" msgpack:"array"`
	QueryColumnRanges [][][2]int64 `json:"query_column_ranges" mapstructure:"query_column_ranges" msgpack:"query_column_ranges"`
	QueryRowRanges    [][][2]int64 `json:"query_row_ranges" mapstructure:"query_row_ranges" msgpack:"query_row_ranges"`
	Attributes        []string     `json:"query_attributes" mapstructure:"query_attributes" msgpack:"query_attributes"`
	SegmentSize       uint64       `json:"segment_size" mapstructure:"segment_size" msgpack:"segment_size"`
	CallsetFile       string       `json:"callset_mapping_file" mapstructure:"callset_mapping_file" msgpack:"callset_mapping_file"`
	VidFile           string       `json:"vid_mapping_file" mapstructure:"vid_mapping_file" msgpack:"vid_mapping_file"`
	ReferenceGenome   string       `json:"reference_genome" mapstructure:"reference_genome" msgpack:"reference_genome"`
	Version           int          `json:"version" mapstructure:"version" msgpack:"version"`
}

// loaderDoc supplies defaults that the query document can override.
type loaderDoc struct {
	CallsetFile     string `json:"callset_mapping_file" mapstructure:"callset_mapping_file"`
	VidFile         string `json:"vid_mapping_file" mapstructure:"vid_mapping_file"`
	ReferenceGenome string `json:"reference_genome" mapstructure:"reference_genome"`
	SegmentSize     uint64 `json:"segment_size" mapstructure:"segment_size"`
}

// envOverrides are honored over any document value.
type envOverrides struct {
	SegmentSize uint64 `envconfig:"SEGMENT_SIZE"`
	Rank        int    `envconfig:"RANK" default:"-1"`
}

// LoadQueryConfigFile reads a query configuration document from disk.
func LoadQueryConfigFile(path, loaderPath string, rank int) (*QueryConfig, error) {
	var doc queryDoc
	if err := decodeDocumentFile(path, &doc); err != nil {
		return nil, pfx.Err(err)
	}
	return finishConfig(path, &doc, loaderPath, rank)
}

// ParseQueryConfig reads a query configuration from a document held in a
// string.
func ParseQueryConfig(document, loaderPath string, rank int) (*QueryConfig, error) {
	if document == "" {
		return nil, pfx.Err(configErrorf("", "empty query configuration document"))
	}
	var doc queryDoc
	if err := decodeDocumentBytes("inline", []byte(document), &doc); err != nil {
		return nil, pfx.Err(err)
	}
	return finishConfig("inline", &doc, loaderPath, rank)
}

// UnpackQueryConfig decodes a binary schema payload. The payload carries the
// same logical fields as the text documents.
func UnpackQueryConfig(payload []byte, loaderPath string, rank int) (*QueryConfig, error) {
	if len(payload) == 0 {
		return nil, pfx.Err(configErrorf("", "empty query configuration payload"))
	}
	var doc queryDoc
	if err := msgpack.Unmarshal(payload, &doc); err != nil {
		return nil, pfx.Err(configErrorf("payload", "malformed binary configuration: %v", err))
	}
	return finishConfig("payload", &doc, loaderPath, rank)
}

// PackQueryConfig encodes a configuration document into the binary schema
// form accepted by UnpackQueryConfig.
func PackQueryConfig(cfg *QueryConfig) ([]byte, error) {
	doc := queryDoc{
		Workspace:         cfg.Workspace,
		Array:             cfg.Array,
		QueryColumnRanges: [][][2]int64{rangesToPairs(cfg.ColumnRanges)},
		QueryRowRanges:    [][][2]int64{rangesToPairs(cfg.RowRanges)},
		Attributes:        cfg.Attributes,
		SegmentSize:       cfg.SegmentSize,
		CallsetFile:       cfg.CallsetFile,
		VidFile:           cfg.VidFile,
		ReferenceGenome:   cfg.ReferenceGenome,
	}
	out, err := msgpack.Marshal(&doc)
	if err != nil {
		return nil, pfx.Err(codecErrorf("payload", "cannot encode configuration: %v", err))
	}
	return out, nil
}

func rangesToPairs(rl RangeList) [][2]int64 {
	out := make([][2]int64, 0, len(rl))
	for _, r := range rl {
		out = append(out, [2]int64{r.Lo, r.Hi})
	}
	return out
}

func pairsToRanges(ident string, pairs [][2]int64) (RangeList, error) {
	out := make(RangeList, 0, len(pairs))
	for _, p := range pairs {
		if p[1] < p[0] {
			return nil, configErrorf(ident, "range [%d, %d] ends before it starts", p[0], p[1])
		}
		out = append(out, Range{Lo: p[0], Hi: p[1]})
	}
	return out, nil
}

// finishConfig folds in the loader document, applies rank selection over
// vector-valued fields and environment overrides, and validates the result.
func finishConfig(ident string, doc *queryDoc, loaderPath string, rank int) (*QueryConfig, error) {
	if rank < 0 {
		return nil, pfx.Err(configErrorf(ident, "concurrency rank must be >= 0, got %d", rank))
	}

	var loader loaderDoc
	if loaderPath != "" {
		if err := decodeDocumentFile(loaderPath, &loader); err != nil {
			return nil, pfx.Err(err)
		}
	}

	cfg := &QueryConfig{
		Attributes:      doc.Attributes,
		SegmentSize:     doc.SegmentSize,
		Rank:            rank,
		CallsetFile:     doc.CallsetFile,
		VidFile:         doc.VidFile,
		ReferenceGenome: doc.ReferenceGenome,
	}
	if cfg.CallsetFile == "" {
		cfg.CallsetFile = loader.CallsetFile
	}
	if cfg.VidFile == "" {
		cfg.VidFile = loader.VidFile
	}
	if cfg.ReferenceGenome == "" {
		cfg.ReferenceGenome = loader.ReferenceGenome
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = loader.SegmentSize
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}

	ws, err := selectString(ident, "workspace", doc.Workspace, rank)
	if err != nil {
		return nil, pfx.Err(err)
	}
	cfg.Workspace = ws

	arr, err := selectString(ident, "array", doc.Array, rank)
	if err != nil {
		return nil, pfx.Err(err)
	}
	cfg.Array = arr

	if len(doc.QueryColumnRanges) == 0 {
		cfg.ColumnRanges = ScanFull()
	} else {
		pairs, err := selectVector(ident, "query_column_ranges", doc.QueryColumnRanges, rank)
		if err != nil {
			return nil, pfx.Err(err)
		}
		if cfg.ColumnRanges, err = pairsToRanges(ident, pairs); err != nil {
			return nil, pfx.Err(err)
		}
	}
	if len(doc.QueryRowRanges) > 0 {
		pairs, err := selectVector(ident, "query_row_ranges", doc.QueryRowRanges, rank)
		if err != nil {
			return nil, pfx.Err(err)
		}
		if cfg.RowRanges, err = pairsToRanges(ident, pairs); err != nil {
			return nil, pfx.Err(err)
		}
	}

	if cfg.Workspace == "" {
		return nil, pfx.Err(configErrorf(ident, "query configuration names no workspace"))
	}

	var env envOverrides
	if err := envconfig.Process("varquery", &env); err != nil {
		return nil, pfx.Err(configErrorf(ident, "environment overrides: %v", err))
	}
	if env.SegmentSize > 0 {
		cfg.SegmentSize = env.SegmentSize
	}
	if env.Rank >= 0 {
		cfg.Rank = env.Rank
	}

	return cfg, nil
}

// selectString resolves a scalar-or-vector string field under the given
// rank: rank k selects the k-th element of a vector, while a scalar applies
// to every rank.
func selectString(ident, field string, v interface{}, rank int) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case string:
		return vv, nil
	case []interface{}:
		if rank >= len(vv) {
			return "", configErrorf(ident, "%s holds %d entries, rank %d is out of range", field, len(vv), rank)
		}
		s, ok := vv[rank].(string)
		if !ok {
			return "", configErrorf(ident, "%s entry %d is not a string", field, rank)
		}
		return s, nil
	case []string:
		if rank >= len(vv) {
			return "", configErrorf(ident, "%s holds %d entries, rank %d is out of range", field, len(vv), rank)
		}
		return vv[rank], nil
	default:
		return "", configErrorf(ident, "%s must be a string or a vector of strings", field)
	}
}

func selectVector(ident, field string, v [][][2]int64, rank int) ([][2]int64, error) {
	if rank >= len(v) {
		return nil, configErrorf(ident, "%s holds %d entries, rank %d is out of range", field, len(v), rank)
	}
	return v[rank], nil
}
