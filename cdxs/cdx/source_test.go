package cdx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seweissman/brozzler/cdxs/canon"
	"github.com/seweissman/brozzler/cdxs/config"
	"github.com/seweissman/brozzler/cdxs/store"
)

const archiveLine = `https://(org,archive,)/ 20160427215530 {"url": "https://archive.org/", "mime": "text/html", "status": "200", "digest": "VILUFXZD232SLUA6XROZQIMEVUPW6EIE", "length": "16001", "offset": "90144", "filename": "ARCHIVEIT-261-ONE_TIME-JOB209607-20160427215508135-00000.warc.gz"}`

var testDrivers = []string{"sqlite", "pebble"}

func newTestSource(t *testing.T, driver string, opts ...Option) *Source {
	t.Helper()
	db := "cdx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	src, err := NewSource([]string{store.MemoryServer}, db, "captures", append([]Option{WithDriver(driver)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func newIndexedSource(t *testing.T, driver string, captures []Capture, opts ...Option) *Source {
	t.Helper()
	src := newTestSource(t, driver, opts...)
	ix := NewIndexer(src, canon.New(true))
	require.NoError(t, ix.Init(context.Background()))
	require.NoError(t, ix.Index(context.Background(), captures...))
	return src
}

func archiveCapture() Capture {
	return Capture{
		URL:          "https://archive.org/",
		Timestamp:    time.Date(2016, 4, 27, 21, 55, 30, 0, time.UTC),
		ContentType:  "text/html",
		ResponseCode: 200,
		Digest:       "VILUFXZD232SLUA6XROZQIMEVUPW6EIE",
		Length:       16001,
		Offset:       90144,
		Filename:     "ARCHIVEIT-261-ONE_TIME-JOB209607-20160427215508135-00000.warc.gz",
	}
}

func simpleCapture(url string, ts time.Time, method string) Capture {
	return Capture{URL: url, Timestamp: ts, ContentType: "text/html", ResponseCode: 200, Method: method}
}

func loadAll(t *testing.T, src *Source, q Query) []string {
	t.Helper()
	seq, err := src.Load(context.Background(), q)
	require.NoError(t, err)
	var out []string
	for line, err := range seq {
		require.NoError(t, err)
		out = append(out, string(line))
	}
	return out
}

func keys(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l[:strings.IndexByte(l, ' ')]
	}
	return out
}

func TestLoad_ArchiveOrgLine(t *testing.T) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			src := newIndexedSource(t, driver, []Capture{archiveCapture()})

			q, err := NewQuery(canon.New(true), "https://archive.org/", MatchExact, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{archiveLine}, loadAll(t, src, q))
		})
	}
}

func TestLoad_RangeSemantics(t *testing.T) {
	t0 := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	captures := []Capture{
		simpleCapture("http://example.com/b", t0, ""),
		simpleCapture("http://example.com/a", t0.Add(time.Hour), store.MethodGET),
		simpleCapture("http://example.com/a", t0, store.MethodWriteRecord),
		simpleCapture("http://example.com/form", t0, "POST"),
		simpleCapture("http://www.example.com/", t0, ""),
		simpleCapture("http://example.org/", t0, ""),
		simpleCapture("http://examples.com/", t0, ""),
	}

	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			src := newIndexedSource(t, driver, captures)
			c := canon.New(true)

			t.Run("key inside the range is returned and keys outside are not", func(t *testing.T) {
				lines := loadAll(t, src, Query{
					Key:    []byte("http://(com,example,)/a"),
					EndKey: []byte("http://(com,example,)/b"),
				})
				assert.Equal(t, []string{"http://(com,example,)/a", "http://(com,example,)/a"}, keys(lines))
			})

			t.Run("lines ascend by key then timestamp", func(t *testing.T) {
				lines := loadAll(t, src, Query{
					Key:    []byte("http://(com,example,)/"),
					EndKey: []byte("http://(com,example,)/z"),
				})
				require.Len(t, lines, 3)
				assert.Equal(t, []string{
					"http://(com,example,)/a",
					"http://(com,example,)/a",
					"http://(com,example,)/b",
				}, keys(lines))
				assert.Contains(t, lines[0], " 20200501120000 ")
				assert.Contains(t, lines[1], " 20200501130000 ")
			})

			t.Run("limit caps the number of lines", func(t *testing.T) {
				lines := loadAll(t, src, Query{
					Key:    []byte("http://(com,example,)/"),
					EndKey: []byte("http://(com,example,)/z"),
					Limit:  2,
				})
				assert.Len(t, lines, 2)
			})

			t.Run("methods other than GET and the write marker are excluded", func(t *testing.T) {
				q, err := NewQuery(c, "http://example.com/form", MatchExact, 0)
				require.NoError(t, err)
				assert.Empty(t, loadAll(t, src, q))
			})

			t.Run("domain match covers subdomains only", func(t *testing.T) {
				q, err := NewQuery(c, "http://example.com/", MatchDomain, 0)
				require.NoError(t, err)
				assert.Equal(t, []string{
					"http://(com,example,)/a",
					"http://(com,example,)/a",
					"http://(com,example,)/b",
					"http://(com,example,www,)/",
				}, keys(loadAll(t, src, q)))
			})

			t.Run("host match keeps www distinct", func(t *testing.T) {
				q, err := NewQuery(c, "http://www.example.com/anything", MatchHost, 0)
				require.NoError(t, err)
				assert.Equal(t, []string{"http://(com,example,www,)/"}, keys(loadAll(t, src, q)))
			})
		})
	}
}

func TestLoad_LongKeys(t *testing.T) {
	long := "http://example.com/" + strings.Repeat("p", 200)
	key := "http://(com,example,)/" + strings.Repeat("p", 200)
	t0 := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			// timestamps run against key order
			src := newIndexedSource(t, driver, []Capture{
				simpleCapture(long+"/2", t0, ""),
				simpleCapture(long+"/1", t0.Add(time.Hour), ""),
				simpleCapture(long+"/3", t0.Add(2*time.Hour), ""),
			})
			c := canon.New(true)

			t.Run("records sharing an abbreviated key are told apart", func(t *testing.T) {
				q, err := NewQuery(c, long+"/2", MatchExact, 0)
				require.NoError(t, err)
				lines := loadAll(t, src, q)
				require.Len(t, lines, 1)
				assert.True(t, strings.HasPrefix(lines[0], key+"/2 "))
			})

			t.Run("records sharing an abbreviated key come back in key order", func(t *testing.T) {
				q, err := NewQuery(c, long+"/", MatchPrefix, 0)
				require.NoError(t, err)
				assert.Equal(t, []string{key + "/1", key + "/2", key + "/3"}, keys(loadAll(t, src, q)))
			})

			t.Run("limit keeps the lowest keys", func(t *testing.T) {
				q, err := NewQuery(c, long+"/", MatchPrefix, 2)
				require.NoError(t, err)
				assert.Equal(t, []string{key + "/1", key + "/2"}, keys(loadAll(t, src, q)))
			})
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid UTF-8 fails before connecting", func(t *testing.T) {
		src, err := NewSource([]string{"https://unreachable.invalid"}, "db", "captures", WithDriver("sqlite"))
		require.NoError(t, err)

		_, err = src.Load(ctx, Query{Key: []byte{0xff, 0xfe}, EndKey: []byte("z")})
		var de *DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "key", de.Field)

		_, err = src.Load(ctx, Query{Key: []byte("a"), EndKey: []byte{0xc3}})
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "end_key", de.Field)
	})

	t.Run("negative limit", func(t *testing.T) {
		src := newTestSource(t, "sqlite")
		_, err := src.Load(ctx, Query{Key: []byte("a"), EndKey: []byte("b"), Limit: -1})
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})

	t.Run("connection failures surface from Load", func(t *testing.T) {
		src, err := NewSource([]string{"https://unreachable.invalid"}, "db", "captures", WithDriver("pebble"))
		require.NoError(t, err)
		_, err = src.Load(ctx, Query{Key: []byte("a"), EndKey: []byte("b")})
		assert.Error(t, err)
	})

	t.Run("scan failures are yielded unchanged", func(t *testing.T) {
		src := newTestSource(t, "pebble")
		seq, err := src.Load(ctx, Query{Key: []byte("a"), EndKey: []byte("b")})
		require.NoError(t, err, "the scan has not run yet")

		var got []error
		for _, err := range seq {
			got = append(got, err)
		}
		require.Len(t, got, 1)
		var qe *store.QueryError
		require.ErrorAs(t, got[0], &qe)
		assert.ErrorIs(t, got[0], store.ErrNoTable)
	})

	t.Run("sequence is single use", func(t *testing.T) {
		src := newIndexedSource(t, "sqlite", []Capture{archiveCapture()})
		q, err := NewQuery(canon.New(true), "https://archive.org/", MatchExact, 0)
		require.NoError(t, err)

		seq, err := src.Load(ctx, q)
		require.NoError(t, err)
		for _, err := range seq {
			require.NoError(t, err)
		}
		for _, err := range seq {
			assert.ErrorIs(t, err, ErrConsumed)
		}
	})
}

func TestLoad_Lazy(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := newIndexedSource(t, "sqlite", []Capture{archiveCapture()}, WithMetrics(store.NewMetrics(reg)))

	q, err := NewQuery(canon.New(true), "https://archive.org/", MatchPrefix, 0)
	require.NoError(t, err)
	seq, err := src.Load(context.Background(), q)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "cdxs_store_scans_total")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no scan before iteration")

	for _, err := range seq {
		require.NoError(t, err)
	}
	n, err = testutil.GatherAndCount(reg, "cdxs_store_scans_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoad_EarlyBreakReleasesCursor(t *testing.T) {
	t0 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	var captures []Capture
	for i := 0; i < 20; i++ {
		captures = append(captures, simpleCapture("http://example.com/", t0.Add(time.Duration(i)*time.Minute), ""))
	}
	// a single connection: a leaked cursor would starve the next query
	src := newIndexedSource(t, "sqlite", captures, WithPool(1, 1, 0, 0))

	q, err := NewQuery(canon.New(true), "http://example.com/", MatchExact, 0)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		seq, err := src.Load(ctx, q)
		require.NoError(t, err)
		for _, err := range seq {
			require.NoError(t, err)
			break
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := src.Load(ctx, q)
	require.NoError(t, err)
	count := 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 20, count)
}

func TestLoad_Concurrent(t *testing.T) {
	src := newIndexedSource(t, "pebble", []Capture{archiveCapture()})
	q, err := NewQuery(canon.New(true), "https://archive.org/", MatchExact, 0)
	require.NoError(t, err)

	var wg conc.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Go(func() {
			seq, err := src.Load(context.Background(), q)
			if err != nil {
				return
			}
			for line, err := range seq {
				if err != nil {
					return
				}
				results[i] = append(results[i], string(line))
			}
		})
	}
	wg.Wait()

	for _, lines := range results {
		assert.Equal(t, []string{archiveLine}, lines)
	}
}

func TestNewSource(t *testing.T) {
	t.Run("unknown driver is reported at construction", func(t *testing.T) {
		_, err := NewSource([]string{"x"}, "db", "captures", WithDriver("rethinkdb"))
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("servers are required", func(t *testing.T) {
		_, err := NewSource(nil, "db", "captures", WithDriver("sqlite"))
		assert.ErrorIs(t, err, store.ErrNoServers)
	})

	t.Run("construction does no I/O", func(t *testing.T) {
		src, err := NewSource([]string{"https://unreachable.invalid"}, "db", "captures", WithDriver("sqlite"))
		require.NoError(t, err)
		assert.NoError(t, src.Close())
	})

	t.Run("from config", func(t *testing.T) {
		cfg := &config.Config{
			Index: config.IndexConfig{
				Servers:  []string{store.MemoryServer},
				Database: "cfg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Table:    "captures",
				Driver:   "pebble",
			},
			Log: config.LogConfig{Level: "error"},
		}
		src, err := NewSourceFromConfig(cfg)
		require.NoError(t, err)
		defer src.Close()

		ix := NewIndexer(src, nil)
		require.NoError(t, ix.Init(context.Background()))
		require.NoError(t, ix.Index(context.Background(), archiveCapture()))

		q, err := NewQuery(canon.New(false), "https://archive.org/", MatchExact, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{archiveLine}, loadAll(t, src, q))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewSourceFromConfig(&config.Config{})
		assert.Error(t, err)
	})
}

func TestIndexer_RejectsBadURLs(t *testing.T) {
	src := newTestSource(t, "sqlite")
	ix := NewIndexer(src, canon.New(true))
	require.NoError(t, ix.Init(context.Background()))

	err := ix.Index(context.Background(), archiveCapture(), simpleCapture("", time.Now(), ""))
	assert.True(t, errors.Is(err, canon.ErrInvalidURL))

	q, err := NewQuery(canon.New(true), "https://archive.org/", MatchExact, 0)
	require.NoError(t, err)
	assert.Empty(t, loadAll(t, src, q), "a failed batch writes nothing")
}
