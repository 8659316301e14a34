package varquery

import (
	"encoding/binary"

	"github.com/carbocation/pfx"
)

// Cell is one occupant of the sparse array: a call by one callset (row) over
// an inclusive column interval, with its typed field bag. The field buffers
// of a cell returned by a CellIterator are only valid until the next cell is
// pulled.
type Cell struct {
	Row      int64
	ColBegin int64
	ColEnd   int64
	Fields   []GenomicField
}

// Field returns the named field of the cell, or false when the cell does not
// carry it.
func (c *Cell) Field(name string) (GenomicField, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return GenomicField{}, false
}

// CellIterator streams cells ordered by (ColBegin, Row). Next returns
// (nil, nil) after the last cell.
type CellIterator interface {
	Next() (*Cell, error)
	Close() error
}

// ArrayHandle is an open array inside a workspace.
type ArrayHandle interface {
	// Scan streams the cells whose start column falls in colRanges and whose
	// row falls in rowRanges, projecting only the requested attributes. An
	// empty attribute list projects every field; an empty row range list
	// matches all rows.
	Scan(attributes []string, rowRanges, colRanges RangeList) (CellIterator, error)
	// Domain returns the populated bounds of the array on both axes.
	Domain() (rowLo, rowHi, colLo, colHi int64, err error)
	Close() error
}

// ArrayStore is the storage back-end contract the engine consumes. The
// engine never touches fragments or tiles directly.
type ArrayStore interface {
	OpenArray(workspace, array string, cfg *QueryConfig) (ArrayHandle, error)
	Close() error
}

// Field bags are persisted as a single buffer per cell:
// for each field, a 1-byte name length, the name, and a 4-byte little-endian
// data length followed by the data. Projection skips unrequested fields at
// decode time without copying them.

func encodeFieldBag(fields []GenomicField) []byte {
	size := 0
	for _, f := range fields {
		size += 1 + len(f.Name) + 4 + len(f.Data)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, f := range fields {
		out = append(out, byte(len(f.Name)))
		out = append(out, f.Name...)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, f.Data...)
	}
	return out
}

// decodeFieldBag decodes the buffer, keeping only the requested attributes.
// A nil want set keeps everything. The returned fields alias buf.
func decodeFieldBag(buf []byte, want map[string]bool) ([]GenomicField, error) {
	var fields []GenomicField
	off := 0
	for off < len(buf) {
		nameLen := int(buf[off])
		off++
		if off+nameLen+4 > len(buf) {
			return nil, pfx.Err(dataErrorf("cell", "truncated field bag at offset %d", off))
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		dataLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+dataLen > len(buf) {
			return nil, pfx.Err(dataErrorf(name, "field data overruns bag by %d bytes", off+dataLen-len(buf)))
		}
		if want == nil || want[name] {
			fields = append(fields, GenomicField{Name: name, Data: buf[off : off+dataLen]})
		}
		off += dataLen
	}
	return fields, nil
}
