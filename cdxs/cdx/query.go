package cdx

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/seweissman/brozzler/cdxs/canon"
)

// Query is one CDX lookup: the canonical key range [Key, EndKey) and an
// optional cap on the number of lines. Limit 0 means no cap.
type Query struct {
	Key    []byte
	EndKey []byte
	Limit  int
}

func (q Query) validate() error {
	if !utf8.Valid(q.Key) {
		return &DecodeError{Field: "key", Value: q.Key}
	}
	if !utf8.Valid(q.EndKey) {
		return &DecodeError{Field: "end_key", Value: q.EndKey}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, q.Limit)
	}
	return nil
}

// MatchType selects how a URL is widened into a key range.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchHost   MatchType = "host"
	MatchDomain MatchType = "domain"
)

// ParseMatchType accepts the names used by replay front-ends. An empty name
// means exact.
func ParseMatchType(s string) (MatchType, error) {
	switch m := MatchType(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MatchExact, nil
	case MatchExact, MatchPrefix, MatchHost, MatchDomain:
		return m, nil
	}
	return "", fmt.Errorf("unknown match type %q", s)
}

// NewQuery canonicalizes rawURL with c and derives the key range for m.
func NewQuery(c *canon.Canonicalizer, rawURL string, m MatchType, limit int) (Query, error) {
	if limit < 0 {
		return Query{}, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	key, err := c.Canonicalize(rawURL)
	if err != nil {
		return Query{}, err
	}

	var start, end string
	switch m {
	case MatchExact, "":
		start, end = key, key+"!"
	case MatchPrefix:
		start = key
		if strings.HasSuffix(rawURL, "/") && !strings.HasSuffix(start, "/") {
			start += "/"
		}
		end = incLast(start)
	case MatchHost:
		host := hostSegment(key)
		start, end = host+")/", host+")0"
	case MatchDomain:
		host := hostSegment(key)
		start, end = host, incLast(host)
	default:
		return Query{}, fmt.Errorf("unknown match type %q", m)
	}
	return Query{Key: []byte(start), EndKey: []byte(end), Limit: limit}, nil
}

// hostSegment returns the key up to and including the trailing comma of
// the reversed host, e.g. "https://(org,archive," for
// "https://(org,archive,)/about".
func hostSegment(key string) string {
	if i := strings.Index(key, ")/"); i >= 0 {
		return key[:i]
	}
	if i := strings.LastIndexByte(key, ')'); i >= 0 {
		return key[:i]
	}
	return key
}

// incLast returns the smallest string greater than every string prefixed
// by s.
func incLast(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// canonical keys are ASCII, so this is only reached for hand-built input
	return s
}
