package varquery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// SQLiteStore is the reference ArrayStore: each array of a workspace lives
// in its own SQLite database under the workspace directory. Cells are keyed
// by (column, row) so a plain index walk yields column-major order.
type SQLiteStore struct {
	dbs    map[string]*sqlx.DB
	closed bool
}

// NewSQLiteStore returns an empty store; databases are opened lazily per
// array.
func NewSQLiteStore() *SQLiteStore {
	return &SQLiteStore{dbs: make(map[string]*sqlx.DB)}
}

func arrayDBPath(workspace, array string) string {
	return filepath.Join(workspace, array+".db")
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS array_info (
	name    TEXT PRIMARY KEY,
	row_lo  INTEGER NOT NULL,
	row_hi  INTEGER NOT NULL,
	col_lo  INTEGER NOT NULL,
	col_hi  INTEGER NOT NULL,
	codec   INTEGER NOT NULL,
	last_write_time INTEGER
);
CREATE TABLE IF NOT EXISTS cells (
	row_idx INTEGER NOT NULL,
	col_idx INTEGER NOT NULL,
	end_col INTEGER NOT NULL,
	fields  BLOB,
	PRIMARY KEY (col_idx, row_idx)
);
`

func (s *SQLiteStore) open(workspace, array string, mustExist bool) (*sqlx.DB, error) {
	if s.closed {
		return nil, pfx.Err(stateErrorf(array, "store used after close"))
	}
	path := arrayDBPath(workspace, array)
	if db, ok := s.dbs[path]; ok {
		return db, nil
	}
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, pfx.Err(ioErrorf(array, "array database %s is not readable: %v", path, err))
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, pfx.Err(ioErrorf(array, "cannot open array database: %v", err))
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, pfx.Err(ioErrorf(array, "cannot prepare array schema: %v", err))
	}
	s.dbs[path] = db
	return db, nil
}

// OpenArray opens the named array for scanning. A missing array is an
// IOError.
func (s *SQLiteStore) OpenArray(workspace, array string, cfg *QueryConfig) (ArrayHandle, error) {
	db, err := s.open(workspace, array, true)
	if err != nil {
		return nil, pfx.Err(err)
	}
	var info arrayInfoRow
	if err := db.Get(&info, "SELECT * FROM array_info WHERE name = ?", array); err != nil {
		return nil, pfx.Err(ioErrorf(array, "array is not registered in workspace %s: %v", workspace, err))
	}
	segment := DefaultSegmentSize
	if cfg != nil && cfg.SegmentSize > 0 {
		segment = cfg.SegmentSize
	}
	codec, err := NewCodec(CodecKind(info.Codec), 0)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return &sqliteArray{db: db, info: info, segment: segment, codec: codec}, nil
}

// Close closes every database the store has opened.
func (s *SQLiteStore) Close() error {
	if s.closed {
		return pfx.Err(stateErrorf("store", "store closed twice"))
	}
	s.closed = true
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = pfx.Err(ioErrorf("store", "closing database: %v", err))
		}
	}
	return firstErr
}

type arrayInfoRow struct {
	Name          string `db:"name"`
	RowLo         int64  `db:"row_lo"`
	RowHi         int64  `db:"row_hi"`
	ColLo         int64  `db:"col_lo"`
	ColHi         int64  `db:"col_hi"`
	Codec         int64  `db:"codec"`
	LastWriteTime Time   `db:"last_write_time"`
}

type sqliteArray struct {
	db      *sqlx.DB
	info    arrayInfoRow
	segment uint64
	codec   Codec
	closed  bool
}

func (a *sqliteArray) Domain() (int64, int64, int64, int64, error) {
	if a.closed {
		return 0, 0, 0, 0, pfx.Err(stateErrorf(a.info.Name, "array used after close"))
	}
	return a.info.RowLo, a.info.RowHi, a.info.ColLo, a.info.ColHi, nil
}

func (a *sqliteArray) Close() error {
	if a.closed {
		return pfx.Err(stateErrorf(a.info.Name, "array closed twice"))
	}
	a.closed = true
	return a.codec.Close()
}

func (a *sqliteArray) Scan(attributes []string, rowRanges, colRanges RangeList) (CellIterator, error) {
	if a.closed {
		return nil, pfx.Err(stateErrorf(a.info.Name, "scan on closed array"))
	}
	var want map[string]bool
	if len(attributes) > 0 {
		want = make(map[string]bool, len(attributes))
		for _, attr := range attributes {
			want[attr] = true
		}
	}
	return &sqliteCellIterator{
		arr:       a,
		want:      want,
		rowRanges: rowRanges,
		colRanges: colRanges,
		lastCol:   -1,
		lastRow:   -1,
	}, nil
}

type cellRow struct {
	Row    int64  `db:"row_idx"`
	Col    int64  `db:"col_idx"`
	EndCol int64  `db:"end_col"`
	Fields []byte `db:"fields"`
}

// sqliteCellIterator pages cells out of the database in batches bounded by
// the configured segment size, in (col, row) order via keyset pagination.
type sqliteCellIterator struct {
	arr       *sqliteArray
	want      map[string]bool
	rowRanges RangeList
	colRanges RangeList

	batch   []cellRow
	pos     int
	lastCol int64
	lastRow int64
	done    bool
	cur     Cell
}

func (it *sqliteCellIterator) Next() (*Cell, error) {
	if it.pos >= len(it.batch) {
		if it.done {
			return nil, nil
		}
		if err := it.fetch(); err != nil {
			return nil, pfx.Err(err)
		}
		if len(it.batch) == 0 {
			return nil, nil
		}
	}
	row := it.batch[it.pos]
	it.pos++

	bag := row.Fields
	if it.arr.codec.Kind() != CodecNone && len(bag) > 0 {
		var err error
		if bag, err = it.arr.codec.Decompress(bag); err != nil {
			return nil, pfx.Err(err)
		}
	}
	fields, err := decodeFieldBag(bag, it.want)
	if err != nil {
		return nil, pfx.Err(err)
	}
	it.cur = Cell{Row: row.Row, ColBegin: row.Col, ColEnd: row.EndCol, Fields: fields}
	return &it.cur, nil
}

// fetch loads the next batch. Batch row count is derived from the segment
// size so that no more than one segment of cell data is resident at a time.
func (it *sqliteCellIterator) fetch() error {
	where, args := it.whereClause()
	limit := int(it.arr.segment / 256)
	if limit < 16 {
		limit = 16
	}
	q := fmt.Sprintf(
		"SELECT row_idx, col_idx, end_col, fields FROM cells WHERE %s ORDER BY col_idx ASC, row_idx ASC LIMIT %d",
		where, limit)

	rows, err := it.arr.db.Queryx(q, args...)
	if err != nil {
		return ioErrorf(it.arr.info.Name, "scan query failed: %v", err)
	}
	defer rows.Close()

	it.batch = it.batch[:0]
	it.pos = 0
	var used uint64
	var r cellRow
	for rows.Next() {
		if err := rows.StructScan(&r); err != nil {
			return ioErrorf(it.arr.info.Name, "scan decode failed: %v", err)
		}
		it.batch = append(it.batch, r)
		it.lastCol, it.lastRow = r.Col, r.Row
		used += uint64(len(r.Fields)) + 24
		if used >= it.arr.segment {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return ioErrorf(it.arr.info.Name, "scan cursor failed: %v", err)
	}
	if len(it.batch) < limit && used < it.arr.segment {
		it.done = true
	}
	return nil
}

func (it *sqliteCellIterator) whereClause() (string, []interface{}) {
	var conds []string
	var args []interface{}

	var colConds []string
	for _, r := range it.colRanges {
		colConds = append(colConds, "(col_idx BETWEEN ? AND ?)")
		args = append(args, r.Lo, r.Hi)
	}
	if len(colConds) > 0 {
		conds = append(conds, "("+strings.Join(colConds, " OR ")+")")
	}

	var rowConds []string
	for _, r := range it.rowRanges {
		rowConds = append(rowConds, "(row_idx BETWEEN ? AND ?)")
		args = append(args, r.Lo, r.Hi)
	}
	if len(rowConds) > 0 {
		conds = append(conds, "("+strings.Join(rowConds, " OR ")+")")
	}

	// Keyset cursor over (col, row).
	conds = append(conds, "(col_idx > ? OR (col_idx = ? AND row_idx > ?))")
	args = append(args, it.lastCol, it.lastCol, it.lastRow)

	return strings.Join(conds, " AND "), args
}

func (it *sqliteCellIterator) Close() error {
	it.batch = nil
	it.done = true
	return nil
}

// ArrayWriter populates an array database. It exists for workspace fixtures
// and the example loader; bulk ingestion is a separate concern.
type ArrayWriter struct {
	db     *sqlx.DB
	array  string
	codec  Codec
	info   arrayInfoRow
	wrote  bool
	closed bool
}

// CreateArray creates (or opens) the named array for writing. Field bags are
// compressed with the given codec kind.
func (s *SQLiteStore) CreateArray(workspace, array string, codec CodecKind) (*ArrayWriter, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, pfx.Err(ioErrorf(workspace, "cannot create workspace: %v", err))
	}
	db, err := s.open(workspace, array, false)
	if err != nil {
		return nil, pfx.Err(err)
	}
	c, err := NewCodec(codec, 0)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return &ArrayWriter{
		db:    db,
		array: array,
		codec: c,
		info:  arrayInfoRow{Name: array, Codec: int64(codec)},
	}, nil
}

// Write persists one cell.
func (w *ArrayWriter) Write(cell Cell) error {
	if w.closed {
		return pfx.Err(stateErrorf(w.array, "write on closed array"))
	}
	if cell.ColEnd < cell.ColBegin {
		return pfx.Err(dataErrorf(w.array, "cell END %d precedes begin column %d", cell.ColEnd, cell.ColBegin))
	}
	bag := encodeFieldBag(cell.Fields)
	if w.codec.Kind() != CodecNone {
		var err error
		if bag, err = w.codec.Compress(bag); err != nil {
			return pfx.Err(err)
		}
	}
	_, err := w.db.Exec(
		"INSERT OR REPLACE INTO cells (row_idx, col_idx, end_col, fields) VALUES (?, ?, ?, ?)",
		cell.Row, cell.ColBegin, cell.ColEnd, bag)
	if err != nil {
		return pfx.Err(ioErrorf(w.array, "cell insert failed: %v", err))
	}
	if !w.wrote {
		w.info.RowLo, w.info.RowHi = cell.Row, cell.Row
		w.info.ColLo, w.info.ColHi = cell.ColBegin, cell.ColEnd
		w.wrote = true
	} else {
		if cell.Row < w.info.RowLo {
			w.info.RowLo = cell.Row
		}
		if cell.Row > w.info.RowHi {
			w.info.RowHi = cell.Row
		}
		if cell.ColBegin < w.info.ColLo {
			w.info.ColLo = cell.ColBegin
		}
		if cell.ColEnd > w.info.ColHi {
			w.info.ColHi = cell.ColEnd
		}
	}
	return nil
}

// Close registers the array domain and finalizes the writer.
func (w *ArrayWriter) Close() error {
	if w.closed {
		return pfx.Err(stateErrorf(w.array, "writer closed twice"))
	}
	w.closed = true
	_, err := w.db.Exec(
		"INSERT OR REPLACE INTO array_info (name, row_lo, row_hi, col_lo, col_hi, codec, last_write_time) VALUES (?, ?, ?, ?, ?, ?, ?)",
		w.info.Name, w.info.RowLo, w.info.RowHi, w.info.ColLo, w.info.ColHi, w.info.Codec, time.Now().Unix())
	if err != nil {
		return pfx.Err(ioErrorf(w.array, "array registration failed: %v", err))
	}
	return w.codec.Close()
}
