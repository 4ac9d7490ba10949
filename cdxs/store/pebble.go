package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const driverPebble = "pebble"

func init() {
	registerDriver(driverPebble, openPebble)
}

// Key layout:
//
//	t\x00<table>                                        table marker
//	i\x00<table>\x00<index>\x00<key>\x00<canon_surt>\x00<ts><id>   index entry, value is the JSON record
//
// Keys never contain NUL, so the \x00 terminators keep byte order equal to
// key order. Entries sharing an abbreviated key sort by the full canon_surt.
// <ts> is the big-endian unix time with the sign bit flipped.
const sep = 0x00

// pebbleEngine keeps captures in an ordered key-value store.
type pebbleEngine struct {
	db      *pebble.DB
	release func() error
	// path of a store that does not exist yet; prepare opens it
	path string
}

// in-memory stores are shared by database name for the life of the process
// while any session holds them, the way sqlite's shared cache behaves.
var (
	memMu  sync.Mutex
	memDBs = map[string]*memDB{}
)

type memDB struct {
	db   *pebble.DB
	refs int
}

func openPebble(ctx context.Context, server string, opts Options) (engine, error) {
	if server == MemoryServer {
		return openMemPebble(opts.Database)
	}
	if isRemote(server) {
		return nil, fmt.Errorf("driver %q only supports local directories, got %s", driverPebble, server)
	}
	path := filepath.Join(strings.TrimPrefix(server, "file:"), opts.Database)
	if !dirExists(path) {
		// pebble.Open creates directories, so opening waits until Dial picks this server
		return &pebbleEngine{path: path, release: func() error { return nil }}, nil
	}
	return openPebbleDir(path)
}

func openPebbleDir(path string) (*pebbleEngine, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store %s: %w", path, err)
	}
	return &pebbleEngine{db: db, release: db.Close}, nil
}

func (e *pebbleEngine) prepare(ctx context.Context) error {
	if e.db != nil {
		return nil
	}
	opened, err := openPebbleDir(e.path)
	if err != nil {
		return err
	}
	e.db, e.release, e.path = opened.db, opened.release, ""
	return e.ping(ctx)
}

func openMemPebble(database string) (engine, error) {
	memMu.Lock()
	defer memMu.Unlock()

	m, ok := memDBs[database]
	if !ok {
		db, err := pebble.Open(database, &pebble.Options{FS: vfs.NewMem()})
		if err != nil {
			return nil, fmt.Errorf("failed to open in-memory pebble store %s: %w", database, err)
		}
		m = &memDB{db: db}
		memDBs[database] = m
	}
	m.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			memMu.Lock()
			defer memMu.Unlock()
			m.refs--
			if m.refs == 0 {
				delete(memDBs, database)
				err = m.db.Close()
			}
		})
		return err
	}
	return &pebbleEngine{db: m.db, release: release}, nil
}

func (e *pebbleEngine) name() string {
	return driverPebble
}

func (e *pebbleEngine) ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.db == nil {
		return creatable(e.path)
	}
	// a read round trip proves the store is open
	_, closer, err := e.db.Get([]byte{'t', sep})
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (e *pebbleEngine) close() error {
	return e.release()
}

func tableKey(table string) []byte {
	return []byte("t\x00" + table)
}

func indexPrefix(table, index string) []byte {
	return []byte("i\x00" + table + "\x00" + index + "\x00")
}

func encodeTime(sec int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(sec)^(1<<63))
	return b[:]
}

func entryKey(table, index string, r *Record) []byte {
	cols := indexes[index]
	key, _ := r.Field(cols[0])
	var b bytes.Buffer
	b.Write(indexPrefix(table, index))
	b.WriteString(key)
	b.WriteByte(sep)
	b.WriteString(r.CanonSurt)
	b.WriteByte(sep)
	b.Write(encodeTime(unixSeconds(r.Timestamp)))
	b.Write(r.ID[:])
	return b.Bytes()
}

// boundKey positions b in the index. MinVal sorts before every entry of
// b.Key and MaxVal after all of them.
func boundKey(prefix []byte, b Bound) []byte {
	out := append(append([]byte(nil), prefix...), b.Key...)
	if b.Time == MaxVal {
		return append(out, sep+1)
	}
	return append(out, sep)
}

func (e *pebbleEngine) hasTable(table string) error {
	_, closer, err := e.db.Get(tableKey(table))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNoTable
		}
		return err
	}
	return closer.Close()
}

func (e *pebbleEngine) create(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.db.Set(tableKey(table), nil, pebble.Sync); err != nil {
		return &QueryError{Table: table, Op: "create", Err: err}
	}
	return nil
}

func (e *pebbleEngine) insert(ctx context.Context, table string, recs []*Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.hasTable(table); err != nil {
		return &QueryError{Table: table, Op: "insert", Err: err}
	}

	wb := e.db.NewBatch()
	defer wb.Close()
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return &QueryError{Table: table, Op: "insert", Err: fmt.Errorf("failed to marshal record: %w", err)}
		}
		for index := range indexes {
			if err := wb.Set(entryKey(table, index, r), data, nil); err != nil {
				return &QueryError{Table: table, Op: "insert", Err: err}
			}
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return &QueryError{Table: table, Op: "insert", Err: err}
	}
	return nil
}

func (e *pebbleEngine) scan(ctx context.Context, plan Plan) (Cursor, error) {
	if err := e.hasTable(plan.Table); err != nil {
		return nil, &QueryError{Table: plan.Table, Op: "scan", Err: err}
	}
	prefix := indexPrefix(plan.Table, plan.Index)
	lower, upper := boundKey(prefix, plan.Lower), boundKey(prefix, plan.Upper)
	if bytes.Compare(lower, upper) >= 0 {
		return &pebbleCursor{ctx: ctx, plan: plan, done: true}, nil
	}
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, &QueryError{Table: plan.Table, Op: "scan", Err: err}
	}
	return &pebbleCursor{ctx: ctx, plan: plan, iter: iter}, nil
}

// pebbleCursor walks the index range and applies filters and limit in
// process.
type pebbleCursor struct {
	ctx     context.Context
	plan    Plan
	iter    *pebble.Iterator
	started bool
	done    bool
	seen    int
	rec     *Record
	err     error
}

func (c *pebbleCursor) Next() bool {
	for !c.done {
		if err := c.ctx.Err(); err != nil {
			c.err = err
			c.done = true
			break
		}
		if c.plan.Limit > 0 && c.seen >= c.plan.Limit {
			c.done = true
			break
		}

		var ok bool
		if !c.started {
			c.started = true
			ok = c.iter.First()
		} else {
			ok = c.iter.Next()
		}
		if !ok {
			c.done = true
			break
		}

		var r Record
		if err := json.Unmarshal(c.iter.Value(), &r); err != nil {
			c.err = &QueryError{Table: c.plan.Table, Op: "scan", Err: fmt.Errorf("corrupt record at %q: %w", c.iter.Key(), err)}
			c.done = true
			break
		}
		if !matchAll(c.plan.Filters, &r) {
			continue
		}
		c.seen++
		c.rec = &r
		return true
	}
	c.rec = nil
	return false
}

func (c *pebbleCursor) Record() *Record {
	return c.rec
}

func (c *pebbleCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.iter != nil {
		if err := c.iter.Error(); err != nil {
			return &QueryError{Table: c.plan.Table, Op: "scan", Err: err}
		}
	}
	return nil
}

func (c *pebbleCursor) Close() error {
	c.done = true
	if c.iter == nil {
		return nil
	}
	iter := c.iter
	c.iter = nil
	return iter.Close()
}
