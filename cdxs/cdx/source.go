// Package cdx serves CDX lines for URL key ranges out of the capture index.
//
// A Source is created once per process and queried per replay request:
//
//	src, _ := cdx.NewSource([]string{"libsql://{database}.example.io"}, "brozzler", "captures")
//	q, _ := cdx.NewQuery(canon.New(true), "https://archive.org/", cdx.MatchExact, 0)
//	lines, err := src.Load(ctx, q)
//	for line, err := range lines { ... }
package cdx

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	internal "github.com/seweissman/brozzler/cdxs"
	"github.com/seweissman/brozzler/cdxs/config"
	"github.com/seweissman/brozzler/cdxs/store"

	"github.com/rs/zerolog"
)

// Source answers CDX queries from one capture table. It connects on first
// use and keeps the session for its lifetime. Safe for concurrent use.
type Source struct {
	table  string
	opts   store.Options
	logger zerolog.Logger

	mu      sync.RWMutex
	session *store.Session
}

// Option configures a Source.
type Option func(*Source)

// WithDriver selects the index driver (libsql, sqlite or pebble).
func WithDriver(name string) Option {
	return func(s *Source) { s.opts.Driver = name }
}

// WithAuthToken sets the token sent to remote libsql servers.
func WithAuthToken(token string) Option {
	return func(s *Source) { s.opts.AuthToken = token }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithMetrics records store traffic on m.
func WithMetrics(m *store.Metrics) Option {
	return func(s *Source) { s.opts.Metrics = m }
}

// WithPool tunes the connection pool of SQL drivers. Zero values keep the
// driver defaults.
func WithPool(maxOpen, maxIdle int, maxIdleTime, maxLifetime time.Duration) Option {
	return func(s *Source) {
		s.opts.MaxOpenConns = maxOpen
		s.opts.MaxIdleConns = maxIdle
		s.opts.ConnMaxIdle = maxIdleTime
		s.opts.ConnMaxLifetime = maxLifetime
	}
}

// NewSource prepares a Source for table in database, reachable through any
// of servers. No connection is made until the first Load.
func NewSource(servers []string, database, table string, opts ...Option) (*Source, error) {
	s := &Source{
		table:  table,
		logger: zerolog.Nop(),
		opts: store.Options{
			Servers:  append([]string(nil), servers...),
			Database: database,
			Driver:   internal.DefaultIndexDriver,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if !store.DriverAvailable(s.opts.Driver) {
		return nil, fmt.Errorf("%w: driver %q is not built in (available: %v)", ErrBackendUnavailable, s.opts.Driver, store.Drivers())
	}
	if len(s.opts.Servers) == 0 {
		return nil, store.ErrNoServers
	}
	if database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if table == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	s.opts.Logger = &s.logger
	return s, nil
}

// NewSourceFromConfig builds a Source from the index and log sections of
// cfg. opts are applied after the configured values.
func NewSourceFromConfig(cfg *config.Config, opts ...Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ic := cfg.Index
	base := []Option{
		WithDriver(ic.Driver),
		WithAuthToken(ic.AuthToken),
		WithLogger(internal.GetLeveledLogger(cfg.Log.Level)),
		WithPool(ic.MaxOpenConns, ic.MaxIdleConns,
			time.Duration(ic.ConnMaxIdleSec)*time.Second,
			time.Duration(ic.ConnMaxLifeSec)*time.Second),
	}
	return NewSource(ic.Servers, ic.Database, ic.Table, append(base, opts...)...)
}

// getSession returns the memoized session, dialing on first use. A failed
// dial is not cached.
func (s *Source) getSession(ctx context.Context) (*store.Session, error) {
	// Fast path: check if session already exists
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess != nil {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if s.session != nil {
		return s.session, nil
	}

	sess, err := store.Dial(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	s.session = sess
	return sess, nil
}

// rangeQuery stages the scan for [start, end). The abbreviated bounds only
// narrow the index range; the canon_surt filter makes it exact.
func (s *Source) rangeQuery(sess *store.Session, start, end string, limit int) *store.Sequence {
	seq := sess.Table(s.table).
		Between(
			store.Bound{Key: store.Abbreviate(start), Time: store.MinVal},
			store.Bound{Key: store.Abbreviate(end) + "!", Time: store.MaxVal},
			store.IndexAbbrCanonSurtTimestamp).
		OrderBy(store.IndexAbbrCanonSurtTimestamp).
		Filter(store.In(store.FieldHTTPMethod, store.MethodWriteRecord, store.MethodGET)).
		Filter(store.Range(store.FieldCanonSurt, start, end))
	if limit > 0 {
		seq = seq.Limit(limit)
	}
	return seq
}

// Load returns the CDX lines for q in index order. Bad bounds and
// connection failures are returned directly; scan and projection failures
// are yielded by the sequence, which then stops.
//
// The scan starts when iteration starts and its cursor is released when
// iteration ends, including on break. The sequence can be iterated once.
func (s *Source) Load(ctx context.Context, q Query) (iter.Seq2[[]byte, error], error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	sess, err := s.getSession(ctx)
	if err != nil {
		return nil, err
	}

	seq := s.rangeQuery(sess, string(q.Key), string(q.EndKey), q.Limit)
	s.logger.Debug().Str("table", s.table).Stringer("query", seq).Msg("cdx range query")

	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrConsumed)
			return
		}

		cur, err := seq.Run(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close()

		for cur.Next() {
			line, err := FormatLine(cur.Record())
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
		}
	}, nil
}

// Close releases the session, if one was opened. Sequences must be fully
// consumed or abandoned first.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}
