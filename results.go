package varquery

import (
	"github.com/carbocation/pfx"
)

// VariantCall is one callset's contribution to a reconciled variant. It owns
// its field buffers.
type VariantCall struct {
	row      int64
	colBegin int64
	colEnd   int64
	sample   string
	genomic  GenomicInterval
	fields   []GenomicField
}

// Row returns the row coordinate of the originating callset.
func (c *VariantCall) Row() int64 {
	return c.row
}

// Interval returns the call's original column interval.
func (c *VariantCall) Interval() (int64, int64) {
	return c.colBegin, c.colEnd
}

// GenomicInterval returns the call interval in genomic coordinates.
func (c *VariantCall) GenomicInterval() GenomicInterval {
	return c.genomic
}

// SampleName returns the callset name.
func (c *VariantCall) SampleName() string {
	return c.sample
}

// Fields returns the call's genomic fields in emitter order.
func (c *VariantCall) Fields() []GenomicField {
	return c.fields
}

// Variant is one reconciled interval with its participating calls. Calls are
// stored once in the owning result set; a call spanning several variants is
// shared by index.
type Variant struct {
	lo    int64
	hi    int64
	calls []int
	res   *VariantResults
}

// Interval returns the reconciled column interval.
func (v *Variant) Interval() (int64, int64) {
	return v.lo, v.hi
}

// Calls returns the participating calls in ascending row order.
func (v *Variant) Calls() []*VariantCall {
	out := make([]*VariantCall, 0, len(v.calls))
	for _, i := range v.calls {
		out = append(out, &v.res.calls[i])
	}
	return out
}

// VariantResults is the buffered result of a variant query. The handle owns
// its storage until Free is called.
type VariantResults struct {
	variants []Variant
	calls    []VariantCall
	pos      int
	freed    bool
}

// Size returns the number of reconciled variants.
func (r *VariantResults) Size() int {
	return len(r.variants)
}

// At returns the i-th variant, or nil when i is out of range.
func (r *VariantResults) At(i int) *Variant {
	if r.freed || i < 0 || i >= len(r.variants) {
		return nil
	}
	return &r.variants[i]
}

// Next returns the variant at the internal cursor and advances it, nil once
// the results are exhausted.
func (r *VariantResults) Next() *Variant {
	v := r.At(r.pos)
	if v != nil {
		r.pos++
	}
	return v
}

// Free releases the result storage. Freeing twice is a StateError.
func (r *VariantResults) Free() error {
	if r.freed {
		return pfx.Err(stateErrorf("results", "results freed twice"))
	}
	r.freed = true
	r.variants = nil
	r.calls = nil
	return nil
}
