// Package store implements the ordered capture index the CDX source scans.
//
// Queries are staged the way rethinkdb's planner requires:
//
//	session.Table("captures").
//		Between(Bound{start, MinVal}, Bound{end, MaxVal}, IndexAbbrCanonSurtTimestamp).
//		OrderBy(IndexAbbrCanonSurtTimestamp).
//		Filter(In(FieldHTTPMethod, MethodGET)).
//		Limit(10).
//		Run(ctx)
//
// Filters are only reachable after OrderBy. None of the engines here needs
// that ordering; it is kept so plans read the same against every backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrUnknownDriver = errors.New("unknown index driver")
	ErrNoServers     = errors.New("no index servers configured")
	ErrUnknownIndex  = errors.New("unknown index")
	ErrUnknownField  = errors.New("unknown or non-string field")
	ErrNoTable       = errors.New("table does not exist")
	ErrInvalidKey    = errors.New("canon_surt must be valid UTF-8 without NUL bytes")
	ErrClosed        = errors.New("session closed")

	reIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// QueryError is returned when the store fails to execute a request.
type QueryError struct {
	Table string
	Op    string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// MemoryServer selects an in-process, non-persistent store. Supported by
// the sqlite and pebble drivers.
const MemoryServer = ":memory:"

// Options configures Dial.
type Options struct {
	Servers         []string
	Database        string
	Driver          string
	AuthToken       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdle     time.Duration
	ConnMaxLifetime time.Duration
	Logger          *zerolog.Logger
	Metrics         *Metrics
}

// engine is one backend connection. Implementations must be safe for
// concurrent use.
type engine interface {
	name() string
	ping(ctx context.Context) error
	create(ctx context.Context, table string) error
	insert(ctx context.Context, table string, recs []*Record) error
	scan(ctx context.Context, plan Plan) (Cursor, error)
	close() error
}

type opener func(ctx context.Context, server string, opts Options) (engine, error)

// preparer is implemented by engines that defer side effects, such as
// creating a local index directory, until Dial has chosen them.
type preparer interface {
	prepare(ctx context.Context) error
}

func prepare(ctx context.Context, e engine) error {
	if p, ok := e.(preparer); ok {
		return p.prepare(ctx)
	}
	return nil
}

// creatable reports whether dir exists or could be created: its nearest
// existing ancestor must be a directory.
func creatable(dir string) error {
	for p := filepath.Clean(dir); ; p = filepath.Dir(p) {
		fi, err := os.Stat(p)
		if err == nil {
			if !fi.IsDir() {
				return fmt.Errorf("index path %s: %s is not a directory", dir, p)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if parent := filepath.Dir(p); parent == p {
			return err
		}
	}
}

func dirExists(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]opener{}
)

func registerDriver(name string, open opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = open
}

func lookupDriver(name string) (opener, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	open, ok := drivers[name]
	return open, ok
}

// DriverAvailable reports whether the named driver is linked into this
// binary.
func DriverAvailable(name string) bool {
	_, ok := lookupDriver(name)
	return ok
}

// Drivers lists the available driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Session is a live connection to one index server. It is safe for
// concurrent use.
type Session struct {
	engine  engine
	server  string
	logger  zerolog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the first healthy server. All servers are probed
// concurrently; preference follows the configured order.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	open, ok := lookupDriver(opts.Driver)
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, opts.Driver, Drivers())
	}
	if len(opts.Servers) == 0 {
		return nil, ErrNoServers
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	start := time.Now()
	engines := make([]engine, len(opts.Servers))
	errs := make([]error, len(opts.Servers))
	p := pool.New().WithMaxGoroutines(len(opts.Servers))
	for i, server := range opts.Servers {
		p.Go(func() {
			e, err := open(ctx, server, opts)
			if err == nil {
				if err = e.ping(ctx); err != nil {
					_ = e.close()
					e = nil
				}
			}
			engines[i], errs[i] = e, err
		})
	}
	p.Wait()
	opts.Metrics.observeDial(time.Since(start))

	chosen := -1
	for i, e := range engines {
		if e == nil {
			continue
		}
		if chosen < 0 {
			if err := prepare(ctx, e); err != nil {
				_ = e.close()
				errs[i] = err
				continue
			}
			chosen = i
			continue
		}
		_ = e.close()
	}
	if chosen < 0 {
		for i := range errs {
			errs[i] = fmt.Errorf("%s: %w", opts.Servers[i], errs[i])
		}
		return nil, fmt.Errorf("no reachable index server: %w", errors.Join(errs...))
	}

	logger.Debug().
		Str("driver", opts.Driver).
		Str("server", opts.Servers[chosen]).
		Str("database", opts.Database).
		Msg("connected to capture index")

	return &Session{
		engine:  engines[chosen],
		server:  opts.Servers[chosen],
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Server is the endpoint the session is connected to.
func (s *Session) Server() string {
	return s.server
}

// Driver is the name of the backing engine.
func (s *Session) Driver() string {
	return s.engine.name()
}

// Table starts a query against the named table.
func (s *Session) Table(name string) *Table {
	return &Table{session: s, name: name}
}

// Create makes the table and its index if they do not exist.
func (t *Table) Create(ctx context.Context) error {
	if err := validIdentifier(t.name); err != nil {
		return err
	}
	return t.session.do(func(e engine) error { return e.create(ctx, t.name) })
}

// Insert stores recs, assigning IDs to records that have none. Timestamps
// are truncated to whole seconds in UTC.
func (t *Table) Insert(ctx context.Context, recs ...*Record) error {
	if err := validIdentifier(t.name); err != nil {
		return err
	}
	for _, r := range recs {
		if !validKey(r.CanonSurt) {
			return &QueryError{Table: t.name, Op: "insert", Err: fmt.Errorf("%w: %q", ErrInvalidKey, r.CanonSurt)}
		}
		assignID(r)
		r.Timestamp = fromUnixSeconds(unixSeconds(r.Timestamp))
	}
	if len(recs) == 0 {
		return nil
	}
	return t.session.do(func(e engine) error { return e.insert(ctx, t.name, recs) })
}

func (s *Session) do(fn func(e engine) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.engine)
}

func (s *Session) scan(ctx context.Context, plan Plan) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.metrics.incScan(s.engine.name())
	cur, err := s.engine.scan(ctx, plan)
	if err != nil {
		s.metrics.incScanError(s.engine.name())
		return nil, err
	}
	return &meteredCursor{Cursor: cur, engine: s.engine.name(), metrics: s.metrics, logger: s.logger}, nil
}

// Close releases the connection. Cursors must be closed first.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.engine.close()
}

func validIdentifier(name string) error {
	if !reIdentifier.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

type meteredCursor struct {
	Cursor
	engine  string
	metrics *Metrics
	logger  zerolog.Logger
	rows    int
	closed  bool
}

func (c *meteredCursor) Next() bool {
	if c.Cursor.Next() {
		c.rows++
		return true
	}
	return false
}

func (c *meteredCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.Cursor.Err() != nil {
		c.metrics.incScanError(c.engine)
	}
	c.metrics.addRows(c.engine, c.rows)
	c.logger.Debug().Str("engine", c.engine).Int("rows", c.rows).Msg("scan cursor closed")
	return c.Cursor.Close()
}
