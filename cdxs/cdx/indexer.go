package cdx

import (
	"context"
	"time"

	"github.com/seweissman/brozzler/cdxs/canon"
	"github.com/seweissman/brozzler/cdxs/store"
)

// Capture is a fetched resource as reported by the crawler, before its sort
// key is known.
type Capture struct {
	URL          string
	Timestamp    time.Time
	ContentType  string
	ResponseCode int
	Digest       string
	Length       int64
	Offset       int64
	Filename     string
	// Method defaults to GET.
	Method string
}

// Indexer writes captures into the table a Source reads, keyed by the same
// canonicalizer used to build queries.
type Indexer struct {
	src   *Source
	canon *canon.Canonicalizer
}

func NewIndexer(src *Source, c *canon.Canonicalizer) *Indexer {
	if c == nil {
		c = canon.New(true)
	}
	return &Indexer{src: src, canon: c}
}

// Init creates the capture table and its index if needed.
func (ix *Indexer) Init(ctx context.Context) error {
	sess, err := ix.src.getSession(ctx)
	if err != nil {
		return err
	}
	return sess.Table(ix.src.table).Create(ctx)
}

// Index canonicalizes and stores captures in one batch. Nothing is written
// if any URL fails to canonicalize.
func (ix *Indexer) Index(ctx context.Context, captures ...Capture) error {
	recs := make([]*store.Record, 0, len(captures))
	for _, c := range captures {
		key, err := ix.canon.Canonicalize(c.URL)
		if err != nil {
			return err
		}
		method := c.Method
		if method == "" {
			method = store.MethodGET
		}
		recs = append(recs, &store.Record{
			CanonSurt:    key,
			Timestamp:    c.Timestamp,
			URL:          c.URL,
			ContentType:  c.ContentType,
			ResponseCode: c.ResponseCode,
			SHA1Base32:   c.Digest,
			Length:       c.Length,
			Offset:       c.Offset,
			Filename:     c.Filename,
			HTTPMethod:   method,
		})
	}

	sess, err := ix.src.getSession(ctx)
	if err != nil {
		return err
	}
	if err := sess.Table(ix.src.table).Insert(ctx, recs...); err != nil {
		return err
	}
	ix.src.logger.Debug().Int("records", len(recs)).Str("table", ix.src.table).Msg("indexed captures")
	return nil
}
