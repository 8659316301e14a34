// Package varquery is an embedded query and export engine over a columnar,
// sparse, two-dimensional array store persisting genomic variant calls. Rows
// are callsets, columns are flattened genomic positions across concatenated
// contigs. Queries select row and column ranges of a named array and
// materialize variants, stream per-cell calls into a processor, or export
// VCF and the PLINK family of genotype matrices (TPED/TFAM, BED/BIM/FAM,
// BGEN v1.2).
package varquery

import (
	"sort"

	"github.com/carbocation/pfx"
)

// Engine is the embedded query engine. Construct one per goroutine; the
// loaded metadata is immutable and safe to share, the engine itself performs
// single-threaded cooperative scans.
type Engine struct {
	store   ArrayStore
	meta    *Metadata
	base    *QueryConfig
	rank    int
	verbose bool
	configs map[string]*QueryConfig
	closed  bool
}

// New constructs an engine from explicit workspace and mapping documents.
// The workspace, both mapping file paths and the reference genome are all
// required.
func New(workspace, callsetFile, vidFile, referenceGenome string, attributes []string, segmentSize uint64) (*Engine, error) {
	switch {
	case workspace == "":
		return nil, pfx.Err(configErrorf("workspace", "workspace path is required"))
	case callsetFile == "":
		return nil, pfx.Err(configErrorf("callset", "callset mapping file is required"))
	case vidFile == "":
		return nil, pfx.Err(configErrorf("vid", "vid mapping file is required"))
	case referenceGenome == "":
		return nil, pfx.Err(configErrorf("reference", "reference genome is required"))
	}
	if segmentSize == 0 {
		segmentSize = DefaultSegmentSize
	}
	cfg := &QueryConfig{
		Workspace:       workspace,
		Attributes:      attributes,
		ColumnRanges:    ScanFull(),
		SegmentSize:     segmentSize,
		CallsetFile:     callsetFile,
		VidFile:         vidFile,
		ReferenceGenome: referenceGenome,
	}
	return newFromQueryConfig(cfg)
}

// NewFromConfig constructs an engine from a query configuration document on
// disk, with optional loader document defaults. When rank is greater than
// zero, vector-valued configuration fields are indexed by it.
func NewFromConfig(queryConfigFile, loaderConfigFile string, rank int) (*Engine, error) {
	if queryConfigFile == "" {
		return nil, pfx.Err(configErrorf("query", "query configuration file is required"))
	}
	cfg, err := LoadQueryConfigFile(queryConfigFile, loaderConfigFile, rank)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return newFromQueryConfig(cfg)
}

// NewFromConfigString constructs an engine from a query configuration
// document held in a string.
func NewFromConfigString(document, loaderConfigFile string, rank int) (*Engine, error) {
	cfg, err := ParseQueryConfig(document, loaderConfigFile, rank)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return newFromQueryConfig(cfg)
}

// NewFromConfigPayload constructs an engine from the binary schema form of
// the query configuration.
func NewFromConfigPayload(payload []byte, loaderConfigFile string, rank int) (*Engine, error) {
	cfg, err := UnpackQueryConfig(payload, loaderConfigFile, rank)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return newFromQueryConfig(cfg)
}

func newFromQueryConfig(cfg *QueryConfig) (*Engine, error) {
	if cfg.CallsetFile == "" || cfg.VidFile == "" {
		return nil, pfx.Err(configErrorf(cfg.Workspace, "configuration names no callset or vid mapping file"))
	}
	meta, err := LoadMetadata(cfg.CallsetFile, cfg.VidFile, cfg.ReferenceGenome)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return &Engine{
		store:   NewSQLiteStore(),
		meta:    meta,
		base:    cfg,
		rank:    cfg.Rank,
		configs: make(map[string]*QueryConfig),
	}, nil
}

// SetStore replaces the storage back-end. It must be called before the
// first query.
func (e *Engine) SetStore(store ArrayStore) error {
	if len(e.configs) > 0 {
		return pfx.Err(stateErrorf("engine", "store replaced after queries began"))
	}
	e.store = store
	return nil
}

// SetVerbose toggles emitter trace output.
func (e *Engine) SetVerbose(v bool) {
	e.verbose = v
}

// Metadata exposes the engine's metadata resolver.
func (e *Engine) Metadata() *Metadata {
	return e.meta
}

// Rank returns the concurrency rank the engine was configured with.
func (e *Engine) Rank() int {
	return e.rank
}

// Close releases the storage back-end. Closing twice is a StateError.
func (e *Engine) Close() error {
	if e.closed {
		return pfx.Err(stateErrorf("engine", "engine closed twice"))
	}
	e.closed = true
	return e.store.Close()
}

// configFor returns the normalized per-array configuration, populating the
// cache on first use. An empty array name selects the configured array.
func (e *Engine) configFor(array string) (*QueryConfig, error) {
	if array == "" {
		array = e.base.Array
	}
	if array == "" {
		return nil, pfx.Err(configErrorf("array", "no array named in call or configuration"))
	}
	if cfg, ok := e.configs[array]; ok {
		return cfg, nil
	}
	cfg := *e.base
	cfg.Array = array
	e.configs[array] = &cfg
	return &cfg, nil
}

// orderFields rearranges a call's fields into the resolver's emitter
// ordering.
func (e *Engine) orderFields(fields []GenomicField) []GenomicField {
	rank := make(map[string]int, len(fields))
	for i, name := range e.meta.FieldOrdering() {
		rank[name] = i
	}
	out := make([]GenomicField, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Name]
		rj, jok := rank[out[j].Name]
		if iok != jok {
			return iok
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// QueryVariants scans the array restricted to the given ranges and buffers
// the reconciled variants. Nil ranges fall back to the configured ones.
func (e *Engine) QueryVariants(array string, colRanges, rowRanges RangeList) (*VariantResults, error) {
	if e.closed {
		return nil, pfx.Err(stateErrorf("engine", "query on closed engine"))
	}
	cfg, err := e.configFor(array)
	if err != nil {
		return nil, pfx.Err(err)
	}
	s, err := openScan(e.store, cfg, rowRanges, colRanges)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer s.close()

	res := &VariantResults{}
	callIdx := make(map[int]int) // reconciler call index -> results call index

	_, err = runReconciled(s, func(rc *reconciler, span variantSpan) error {
		v := Variant{lo: span.lo, hi: span.hi, res: res}
		for _, ci := range span.calls {
			ri, ok := callIdx[ci]
			if !ok {
				c := rc.calls[ci]
				sample, err := e.meta.RowToSample(c.row)
				if err != nil {
					return err
				}
				gi, err := e.meta.GenomicIntervalOf(c.colBegin, c.colEnd)
				if err != nil {
					return err
				}
				ri = len(res.calls)
				res.calls = append(res.calls, VariantCall{
					row:      c.row,
					colBegin: c.colBegin,
					colEnd:   c.colEnd,
					sample:   sample,
					genomic:  gi,
					fields:   e.orderFields(c.fields),
				})
				callIdx[ci] = ri
			}
			v.calls = append(v.calls, ri)
		}
		res.variants = append(res.variants, v)
		return nil
	})
	if err != nil {
		return nil, pfx.Err(err)
	}

	return res, nil
}

// QueryVariantsDefault runs QueryVariants with the configuration the engine
// was constructed with.
func (e *Engine) QueryVariantsDefault() (*VariantResults, error) {
	return e.QueryVariants("", nil, nil)
}

// QueryVariantCalls streams reconciled variants into the processor. A nil
// processor prints each call.
func (e *Engine) QueryVariantCalls(p VariantCallProcessor, array string, colRanges, rowRanges RangeList) error {
	if e.closed {
		return pfx.Err(stateErrorf("engine", "query on closed engine"))
	}
	if p == nil {
		p = newPrintProcessor(nil)
	}
	cfg, err := e.configFor(array)
	if err != nil {
		return pfx.Err(err)
	}
	s, err := openScan(e.store, cfg, rowRanges, colRanges)
	if err != nil {
		return pfx.Err(err)
	}
	defer s.close()

	if err := p.Initialize(e.meta.FieldTypes()); err != nil {
		return pfx.Err(err)
	}

	_, err = runReconciled(s, func(rc *reconciler, span variantSpan) error {
		if err := p.ProcessInterval(Interval{Lo: span.lo, Hi: span.hi}); err != nil {
			return err
		}
		for _, ci := range span.calls {
			c := rc.calls[ci]
			sample, err := e.meta.RowToSample(c.row)
			if err != nil {
				return err
			}
			gi, err := e.meta.GenomicIntervalOf(c.colBegin, c.colEnd)
			if err != nil {
				return err
			}
			err = p.ProcessCall(sample, [2]int64{c.row, c.colBegin}, gi, e.orderFields(c.fields))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pfx.Err(err)
	}
	return nil
}

// GenomicInterval converts a variant's reconciled interval into genomic
// coordinates.
func (e *Engine) GenomicInterval(v *Variant) (GenomicInterval, error) {
	lo, hi := v.Interval()
	gi, err := e.meta.GenomicIntervalOf(lo, hi)
	if err != nil {
		return GenomicInterval{}, pfx.Err(err)
	}
	return gi, nil
}
