// Package canon produces the sort keys the capture index is ordered by.
//
// Keys are SURTs (Sort-friendly URI Reordering Transform) in the variant the
// index writer uses: the scheme is kept, the reversed host is closed with a
// trailing comma and a leading "www." is never stripped.
//
//	https://archive.org/            -> https://(org,archive,)/
//	http://www.Example.com:8080/A?b=2&a=1#frag
//	                                -> http://(com,example,www:8080,)/a?a=1&b=2
//
// The same function must be used when writing canon_surt and when computing
// query bounds, otherwise range scans silently miss captures.
package canon

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidURL is matched by every canonicalization failure.
var ErrInvalidURL = errors.New("invalid url")

// InvalidURLError carries the URL that could not be canonicalized.
type InvalidURLError struct {
	URL string
	Err error
}

func (e *InvalidURLError) Error() string {
	return "Invalid Url: " + e.URL
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

func (e *InvalidURLError) Is(target error) bool {
	return target == ErrInvalidURL
}

// Canonicalizer turns URLs into index sort keys.
type Canonicalizer struct {
	surtOrdered bool
}

// New returns a Canonicalizer. Keys are always surt-ordered; the argument is
// accepted for interface compatibility and ignored.
func New(surtOrdered bool) *Canonicalizer {
	_ = surtOrdered
	return &Canonicalizer{surtOrdered: true}
}

// SurtOrdered always reports true.
func (c *Canonicalizer) SurtOrdered() bool {
	return c.surtOrdered
}

// Canonicalize returns the sort key for rawURL.
func (c *Canonicalizer) Canonicalize(rawURL string) (string, error) {
	return Canonicalize(rawURL)
}

// Canonicalize returns the sort key for rawURL, or an *InvalidURLError.
func Canonicalize(rawURL string) (key string, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, err = "", &InvalidURLError{URL: rawURL}
		}
	}()

	u, err := parse(rawURL)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Err: err}
	}
	googleCanonicalize(u)
	iaCanonicalize(u)
	if u.host == "" {
		return "", &InvalidURLError{URL: rawURL, Err: errNoHost}
	}
	return u.surt(), nil
}

// googleCanonicalize applies the escaping and host/path normalization rules
// of Google's safe-browsing canonicalization.
func googleCanonicalize(u *parsedURL) {
	u.fragment = nil
	if u.query != nil {
		q := minimalEscape(*u.query)
		u.query = &q
	}
	if u.host != "" {
		u.host = normalizeHost(u.host)
	}
	u.path = escapeOnce(normalizePath(unescapeRepeatedly(u.path)))
}

// iaCanonicalize applies the Internet Archive rules, minus host massaging.
func iaCanonicalize(u *parsedURL) {
	u.host = asciiLower(u.host)
	u.user = ""

	if u.port != 0 && u.port == defaultPort(u.scheme) {
		u.port = 0
	}

	path := asciiLower(u.path)
	path = stripPathSessionID(path)
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	u.path = path

	if u.query != nil {
		q := *u.query
		if q != "" {
			q = stripQuerySessionID(q)
			q = asciiLower(q)
			q = alphaReorderQuery(q)
		}
		if q == "" {
			u.query = nil
		} else {
			u.query = &q
		}
	}
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}

// surt renders scheme://(reversed,host[:port],)path[?query].
func (u *parsedURL) surt() string {
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteString("://(")
	b.WriteString(hostToSurt(u.host))
	if u.port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.port))
	}
	b.WriteString(",)")
	if u.path != "" {
		b.WriteString(u.path)
	} else if u.query != nil {
		b.WriteByte('/')
	}
	if u.query != nil {
		b.WriteByte('?')
		b.WriteString(*u.query)
	}
	return b.String()
}

// hostToSurt reverses the dot separated labels of host. IP addresses are
// reversed as well.
func hostToSurt(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ",")
}
