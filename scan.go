package varquery

import (
	"github.com/carbocation/pfx"
)

// scanner drives one query pass over an array: it opens the array, clips the
// configured ranges against the array domain, and pulls cells in
// column-major order.
type scanner struct {
	handle ArrayHandle
	iter   CellIterator
	cfg    *QueryConfig
	empty  bool
}

// openScan prepares a scan. When the intersection of the requested ranges
// with the array domain is empty, the scan is marked empty and no fragments
// are touched.
func openScan(store ArrayStore, cfg *QueryConfig, rowRanges, colRanges RangeList) (*scanner, error) {
	handle, err := store.OpenArray(cfg.Workspace, cfg.Array, cfg)
	if err != nil {
		return nil, pfx.Err(err)
	}

	rowLo, rowHi, colLo, colHi, err := handle.Domain()
	if err != nil {
		handle.Close()
		return nil, pfx.Err(err)
	}

	if len(rowRanges) == 0 {
		rowRanges = cfg.RowRanges
	}
	if len(colRanges) == 0 {
		colRanges = cfg.ColumnRanges
	}
	if len(colRanges) == 0 {
		colRanges = ScanFull()
	}

	s := &scanner{handle: handle, cfg: cfg}

	clippedCols := colRanges.intersect(colLo, colHi)
	clippedRows := rowRanges
	if len(rowRanges) > 0 {
		clippedRows = rowRanges.intersect(rowLo, rowHi)
		if len(clippedRows) == 0 {
			s.empty = true
			return s, nil
		}
	}
	if len(clippedCols) == 0 {
		s.empty = true
		return s, nil
	}

	iter, err := handle.Scan(cfg.Attributes, clippedRows, clippedCols)
	if err != nil {
		handle.Close()
		return nil, pfx.Err(err)
	}
	s.iter = iter
	return s, nil
}

// next pulls the next cell, or nil at the end of the scan.
func (s *scanner) next() (*Cell, error) {
	if s.empty || s.iter == nil {
		return nil, nil
	}
	cell, err := s.iter.Next()
	if err != nil {
		return nil, pfx.Err(err)
	}
	return cell, nil
}

func (s *scanner) close() error {
	var firstErr error
	if s.iter != nil {
		if err := s.iter.Close(); err != nil {
			firstErr = err
		}
		s.iter = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.handle = nil
	}
	if firstErr != nil {
		return pfx.Err(firstErr)
	}
	return nil
}
