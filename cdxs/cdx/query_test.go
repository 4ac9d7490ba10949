package cdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seweissman/brozzler/cdxs/canon"
)

func TestNewQuery(t *testing.T) {
	c := canon.New(true)
	tests := []struct {
		url       string
		match     MatchType
		wantStart string
		wantEnd   string
	}{
		{"https://archive.org/", MatchExact, "https://(org,archive,)/", "https://(org,archive,)/!"},
		{"http://example.com/foo/", MatchPrefix, "http://(com,example,)/foo/", "http://(com,example,)/foo0"},
		{"http://example.com/foo", MatchPrefix, "http://(com,example,)/foo", "http://(com,example,)/fop"},
		{"http://www.example.com/a/b", MatchHost, "http://(com,example,www,)/", "http://(com,example,www,)0"},
		{"http://example.com/a/b", MatchDomain, "http://(com,example,", "http://(com,example-"},
	}
	for _, tt := range tests {
		t.Run(string(tt.match)+" "+tt.url, func(t *testing.T) {
			q, err := NewQuery(c, tt.url, tt.match, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, string(q.Key))
			assert.Equal(t, tt.wantEnd, string(q.EndKey))
			assert.Equal(t, 5, q.Limit)
			assert.Less(t, string(q.Key), string(q.EndKey))
		})
	}

	t.Run("invalid url", func(t *testing.T) {
		_, err := NewQuery(c, "", MatchExact, 0)
		assert.ErrorIs(t, err, canon.ErrInvalidURL)
	})

	t.Run("negative limit", func(t *testing.T) {
		_, err := NewQuery(c, "http://example.com/", MatchExact, -1)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})

	t.Run("unknown match type", func(t *testing.T) {
		_, err := NewQuery(c, "http://example.com/", MatchType("fuzzy"), 0)
		assert.Error(t, err)
	})
}

func TestParseMatchType(t *testing.T) {
	m, err := ParseMatchType("")
	require.NoError(t, err)
	assert.Equal(t, MatchExact, m)

	m, err = ParseMatchType(" Domain ")
	require.NoError(t, err)
	assert.Equal(t, MatchDomain, m)

	_, err = ParseMatchType("regex")
	assert.Error(t, err)
}

func TestIncLast(t *testing.T) {
	assert.Equal(t, "abd", incLast("abc"))
	assert.Equal(t, "http://(com,example-", incLast("http://(com,example,"))
	assert.Equal(t, "b", incLast("a\xff"))
}
