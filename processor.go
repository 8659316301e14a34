package varquery

import (
	"fmt"
	"io"
	"log"
)

// Interval is an inclusive column interval on the flattened axis.
type Interval struct {
	Lo int64
	Hi int64
}

// VariantCallProcessor receives the reconciled stream of a variant-call
// query. Initialize is called once with the full field type map before the
// first variant; ProcessInterval once per reconciled variant before its
// calls; ProcessCall once per participating call, ascending by row.
//
// Field buffers handed to ProcessCall are borrowed: a processor must copy
// anything it wants to keep past the callback.
type VariantCallProcessor interface {
	Initialize(fieldTypes map[string]FieldType) error
	ProcessInterval(interval Interval) error
	ProcessCall(sampleName string, coordinates [2]int64, genomicInterval GenomicInterval, fields []GenomicField) error
}

// printProcessor is the default processor used when a caller passes no
// processor: it prints each call to its writer.
type printProcessor struct {
	w     io.Writer
	types map[string]FieldType
}

func newPrintProcessor(w io.Writer) *printProcessor {
	if w == nil {
		w = log.Writer()
	}
	return &printProcessor{w: w}
}

func (p *printProcessor) Initialize(fieldTypes map[string]FieldType) error {
	p.types = fieldTypes
	return nil
}

func (p *printProcessor) ProcessInterval(interval Interval) error {
	_, err := fmt.Fprintf(p.w, "interval [%d, %d]\n", interval.Lo, interval.Hi)
	return err
}

func (p *printProcessor) ProcessCall(sampleName string, coordinates [2]int64, gi GenomicInterval, fields []GenomicField) error {
	if _, err := fmt.Fprintf(p.w, "  %s (%d, %d) %s:%d-%d", sampleName,
		coordinates[0], coordinates[1], gi.Contig, gi.Lo, gi.Hi); err != nil {
		return err
	}
	for _, f := range fields {
		rendered := f.StrValue()
		if t, ok := p.types[f.Name]; ok {
			rendered = f.ToString(t)
		}
		if _, err := fmt.Fprintf(p.w, " %s=%s", f.Name, rendered); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(p.w)
	return err
}
