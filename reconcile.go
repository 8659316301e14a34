package varquery

import (
	"sort"

	"github.com/carbocation/pfx"
)

// call is one cell lifted out of the scan, with field buffers owned by the
// reconciler (scan buffers die on the next pull).
type call struct {
	row      int64
	colBegin int64
	colEnd   int64
	fields   []GenomicField
}

// variantSpan is one reconciled interval: the calls whose intervals contain
// [lo, hi] are referenced by index into the reconciler's backing call slice,
// ascending by row.
type variantSpan struct {
	lo    int64
	hi    int64
	calls []int
}

// reconciler converts the (col, row)-ordered cell stream into variant
// intervals. Between two consecutive boundary columns the active call set is
// constant; each such span is one variant. Boundaries arise at a fresh start
// column and one past the END of any active call.
type reconciler struct {
	calls  []call
	active []int // indices into calls, kept sorted by row
	open   bool
	start  int64 // start column of the currently open span
	emit   func(variantSpan) error
}

func newReconciler(emit func(variantSpan) error) *reconciler {
	return &reconciler{emit: emit}
}

// push feeds the next cell from the scan. Cells must arrive ordered by
// (ColBegin, Row).
func (rc *reconciler) push(cell *Cell) error {
	if cell.ColEnd < cell.ColBegin {
		return pfx.Err(dataErrorf("cell", "END %d precedes begin column %d at row %d",
			cell.ColEnd, cell.ColBegin, cell.Row))
	}

	// Close out any spans that end before this cell begins.
	if err := rc.flushBefore(cell.ColBegin); err != nil {
		return pfx.Err(err)
	}

	// A still-open span is split at the fresh start column.
	if rc.open && rc.start < cell.ColBegin {
		if err := rc.emitSpan(cell.ColBegin - 1); err != nil {
			return pfx.Err(err)
		}
		rc.start = cell.ColBegin
	}

	owned := make([]GenomicField, len(cell.Fields))
	for i, f := range cell.Fields {
		owned[i] = f.clone()
	}
	idx := len(rc.calls)
	rc.calls = append(rc.calls, call{
		row:      cell.Row,
		colBegin: cell.ColBegin,
		colEnd:   cell.ColEnd,
		fields:   owned,
	})

	pos := sort.Search(len(rc.active), func(i int) bool {
		return rc.calls[rc.active[i]].row >= cell.Row
	})
	rc.active = append(rc.active, 0)
	copy(rc.active[pos+1:], rc.active[pos:])
	rc.active[pos] = idx

	if !rc.open {
		rc.open = true
		rc.start = cell.ColBegin
	}
	return nil
}

// finish flushes every remaining span after the scan is exhausted.
func (rc *reconciler) finish() error {
	if err := rc.flushBefore(scanFullHi + 1); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// flushBefore emits all spans that are fully determined below column limit:
// every active call whose END precedes limit closes its span at that END.
func (rc *reconciler) flushBefore(limit int64) error {
	for rc.open {
		minEnd := rc.minActiveEnd()
		if minEnd >= limit {
			return nil
		}
		if err := rc.emitSpan(minEnd); err != nil {
			return err
		}
		rc.dropEnded(minEnd)
		if len(rc.active) == 0 {
			rc.open = false
			return nil
		}
		rc.start = minEnd + 1
	}
	return nil
}

func (rc *reconciler) minActiveEnd() int64 {
	min := int64(scanFullHi) + 1
	for _, i := range rc.active {
		if rc.calls[i].colEnd < min {
			min = rc.calls[i].colEnd
		}
	}
	return min
}

func (rc *reconciler) dropEnded(end int64) {
	kept := rc.active[:0]
	for _, i := range rc.active {
		if rc.calls[i].colEnd > end {
			kept = append(kept, i)
		}
	}
	rc.active = kept
}

func (rc *reconciler) emitSpan(hi int64) error {
	if hi < rc.start {
		return nil
	}
	span := variantSpan{lo: rc.start, hi: hi, calls: make([]int, len(rc.active))}
	copy(span.calls, rc.active)
	return rc.emit(span)
}

// runReconciled drives a full scan through the reconciler.
func runReconciled(s *scanner, emit func(rc *reconciler, span variantSpan) error) (*reconciler, error) {
	var rc *reconciler
	rc = newReconciler(func(span variantSpan) error {
		return emit(rc, span)
	})
	for {
		cell, err := s.next()
		if err != nil {
			return nil, pfx.Err(err)
		}
		if cell == nil {
			break
		}
		if err := rc.push(cell); err != nil {
			return nil, pfx.Err(err)
		}
	}
	if err := rc.finish(); err != nil {
		return nil, pfx.Err(err)
	}
	return rc, nil
}
