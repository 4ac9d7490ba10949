package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite = "sqlite"
	driverLibSQL = "libsql"
)

func init() {
	registerDriver(driverSQLite, openSQL(driverSQLite))
}

// sqlEngine stores captures in a relational table with a composite
// (abbr_canon_surt, timestamp) index.
type sqlEngine struct {
	driver string
	db     *sql.DB
	// dir is a local index directory still to be created by prepare
	dir string
}

func openSQL(driver string) opener {
	return func(ctx context.Context, server string, opts Options) (engine, error) {
		dsn, dir, memory, err := sqlDSN(driver, server, opts.Database, opts.AuthToken)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connector for %s: %w", server, err)
		}

		// pool tuning
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		// an in-memory database lives only as long as one of its connections
		if !memory {
			if opts.ConnMaxIdle > 0 {
				db.SetConnMaxIdleTime(opts.ConnMaxIdle)
			}
			if opts.ConnMaxLifetime > 0 {
				db.SetConnMaxLifetime(opts.ConnMaxLifetime)
			}
		}
		e := &sqlEngine{driver: driver, db: db}
		if dir != "" && !dirExists(dir) {
			e.dir = dir
		}
		return e, nil
	}
}

// sqlDSN maps an index server to a driver DSN. Local servers are
// directories holding <database>.db and are returned as dir; remote libsql
// servers may name the database with a {database} placeholder. It touches
// nothing on disk.
func sqlDSN(driver, server, database, authToken string) (dsn, dir string, memory bool, err error) {
	if server == MemoryServer {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(database)), "", true, nil
	}

	if isRemote(server) {
		if driver != driverLibSQL {
			return "", "", false, fmt.Errorf("driver %q cannot reach remote server %s", driver, server)
		}
		remote := strings.ReplaceAll(server, "{database}", database)
		if authToken == "" {
			return remote, "", false, nil
		}
		u, err := url.Parse(remote)
		if err != nil {
			return "", "", false, fmt.Errorf("invalid server url %s: %w", server, err)
		}
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		return u.String(), "", false, nil
	}

	dir = strings.TrimPrefix(server, "file:")
	path := filepath.Join(dir, database+".db")
	if driver == driverLibSQL {
		return "file:" + path, dir, false, nil
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)", dir, false, nil
}

func (e *sqlEngine) name() string {
	return e.driver
}

// ping does not create a missing index directory; it only checks that one
// could be created. prepare does the rest once the server is chosen.
func (e *sqlEngine) ping(ctx context.Context) error {
	if e.dir != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		return creatable(e.dir)
	}
	return e.db.PingContext(ctx)
}

func (e *sqlEngine) prepare(ctx context.Context) error {
	if e.dir == "" {
		return nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory %s: %w", e.dir, err)
	}
	e.dir = ""
	return e.db.PingContext(ctx)
}

func (e *sqlEngine) close() error {
	return e.db.Close()
}

func (e *sqlEngine) create(ctx context.Context, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"id" TEXT PRIMARY KEY,
			"canon_surt" TEXT NOT NULL,
			"abbr_canon_surt" TEXT NOT NULL,
			"timestamp" INTEGER NOT NULL,
			"url" TEXT NOT NULL,
			"content_type" TEXT NOT NULL DEFAULT '',
			"response_code" INTEGER NOT NULL DEFAULT 0,
			"sha1base32" TEXT NOT NULL DEFAULT '',
			"length" INTEGER NOT NULL DEFAULT 0,
			"offset" INTEGER NOT NULL DEFAULT 0,
			"filename" TEXT NOT NULL DEFAULT '',
			"http_method" TEXT NOT NULL
		)`, quoteIdent(table)),
	}
	// canon_surt breaks ties between records sharing an abbreviated key
	for name, cols := range indexes {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s, %s)`,
			quoteIdent(table+"_"+name), quoteIdent(table), quoteIdent(cols[0]), quoteIdent(FieldCanonSurt), quoteIdent(cols[1])))
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &QueryError{Table: table, Op: "create", Err: err}
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &QueryError{Table: table, Op: "create", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &QueryError{Table: table, Op: "create", Err: err}
	}
	return nil
}

func (e *sqlEngine) insert(ctx context.Context, table string, recs []*Record) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &QueryError{Table: table, Op: "insert", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		("id", "canon_surt", "abbr_canon_surt", "timestamp", "url", "content_type",
		 "response_code", "sha1base32", "length", "offset", "filename", "http_method")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(table)))
	if err != nil {
		return &QueryError{Table: table, Op: "insert", Err: err}
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err := stmt.ExecContext(ctx, r.ID.String(), r.CanonSurt, r.AbbrCanonSurt(), unixSeconds(r.Timestamp),
			r.URL, r.ContentType, r.ResponseCode, r.SHA1Base32, r.Length, r.Offset, r.Filename, r.HTTPMethod)
		if err != nil {
			return &QueryError{Table: table, Op: "insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &QueryError{Table: table, Op: "insert", Err: err}
	}
	return nil
}

// compile renders plan as a single ordered SELECT. The composite bounds use
// row-value comparisons so the index can serve both the range and the order.
func compile(plan Plan) (string, []any, error) {
	cols := indexes[plan.Index]
	key, ts := quoteIdent(cols[0]), quoteIdent(cols[1])

	var b strings.Builder
	args := []any{plan.Lower.Key, plan.Lower.Time.unix(), plan.Upper.Key, plan.Upper.Time.unix()}
	fmt.Fprintf(&b, `SELECT "id", "canon_surt", "timestamp", "url", "content_type", "response_code",
		"sha1base32", "length", "offset", "filename", "http_method"
		FROM %s WHERE (%s, %s) >= (?, ?) AND (%s, %s) < (?, ?)`,
		quoteIdent(plan.Table), key, ts, key, ts)

	for _, f := range plan.Filters {
		switch p := f.(type) {
		case *InPredicate:
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(p.Values)), ", ")
			fmt.Fprintf(&b, ` AND %s IN (%s)`, quoteIdent(p.Field), marks)
			for _, v := range p.Values {
				args = append(args, v)
			}
		case *RangePredicate:
			fmt.Fprintf(&b, ` AND %s >= ? AND %s < ?`, quoteIdent(p.Field), quoteIdent(p.Field))
			args = append(args, p.Lo, p.Hi)
		default:
			return "", nil, fmt.Errorf("unsupported predicate %T", f)
		}
	}

	fmt.Fprintf(&b, ` ORDER BY %s ASC, "canon_surt" ASC, %s ASC, "id" ASC`, key, ts)
	if plan.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, plan.Limit)
	}
	return b.String(), args, nil
}

func (e *sqlEngine) scan(ctx context.Context, plan Plan) (Cursor, error) {
	query, args, err := compile(plan)
	if err != nil {
		return nil, &QueryError{Table: plan.Table, Op: "scan", Err: err}
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Table: plan.Table, Op: "scan", Err: err}
	}
	return &sqlCursor{rows: rows, table: plan.Table}, nil
}

type sqlCursor struct {
	rows  *sql.Rows
	table string
	rec   *Record
	err   error
}

func (c *sqlCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var (
		id string
		ts int64
		r  Record
	)
	if err := c.rows.Scan(&id, &r.CanonSurt, &ts, &r.URL, &r.ContentType, &r.ResponseCode,
		&r.SHA1Base32, &r.Length, &r.Offset, &r.Filename, &r.HTTPMethod); err != nil {
		c.err = &QueryError{Table: c.table, Op: "scan", Err: err}
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		c.err = &QueryError{Table: c.table, Op: "scan", Err: fmt.Errorf("bad id %q: %w", id, err)}
		return false
	}
	r.ID = parsed
	r.Timestamp = fromUnixSeconds(ts)
	c.rec = &r
	return true
}

func (c *sqlCursor) Record() *Record {
	return c.rec
}

func (c *sqlCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.rows.Err(); err != nil {
		return &QueryError{Table: c.table, Op: "scan", Err: err}
	}
	return nil
}

func (c *sqlCursor) Close() error {
	return c.rows.Close()
}

// isRemote reports whether server names a network endpoint rather than a
// local directory.
func isRemote(server string) bool {
	u, err := url.Parse(server)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "libsql", "http", "https", "ws", "wss":
		return true
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
