package cdx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seweissman/brozzler/cdxs/store"
)

func TestFormatLine(t *testing.T) {
	rec := &store.Record{
		CanonSurt:    "https://(org,archive,)/",
		Timestamp:    time.Date(2016, 4, 27, 21, 55, 30, 0, time.UTC),
		URL:          "https://archive.org/",
		ContentType:  "text/html",
		ResponseCode: 200,
		SHA1Base32:   "VILUFXZD232SLUA6XROZQIMEVUPW6EIE",
		Length:       16001,
		Offset:       90144,
		Filename:     "ARCHIVEIT-261-ONE_TIME-JOB209607-20160427215508135-00000.warc.gz",
	}

	line, err := FormatLine(rec)
	require.NoError(t, err)
	assert.Equal(t, archiveLine, string(line))

	t.Run("timestamp is rendered in UTC", func(t *testing.T) {
		r := *rec
		r.Timestamp = time.Date(2016, 4, 27, 23, 55, 30, 0, time.FixedZone("CEST", 2*60*60))
		line, err := FormatLine(&r)
		require.NoError(t, err)
		assert.Contains(t, string(line), " 20160427215530 ")
	})

	t.Run("year outside four digits fails", func(t *testing.T) {
		r := *rec
		r.Timestamp = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := FormatLine(&r)
		var le *LineError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, rec.CanonSurt, le.CanonSurt)
	})

	t.Run("delete in a url is escaped", func(t *testing.T) {
		r := *rec
		r.URL = "http://example.com/x\x7f"
		line, err := FormatLine(&r)
		require.NoError(t, err)
		assert.Contains(t, string(line), `"url": "http://example.com/x\u007f"`)
		assert.NotContains(t, string(line), "\x7f")
	})

	t.Run("nil record fails", func(t *testing.T) {
		_, err := FormatLine(nil)
		assert.Error(t, err)
	})
}

func TestAppendPyString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain ascii", "text/html", `"text/html"`},
		{"slash is not escaped", "a/b", `"a/b"`},
		{"quote and backslash", `say "hi" \o/`, `"say \"hi\" \\o/"`},
		{"named control escapes", "a\nb\rc\td\be\ff", `"a\nb\rc\td\be\ff"`},
		{"other control characters", "\x00\x1f", `"\u0000\u001f"`},
		{"delete is escaped", "\x7f", `"\u007f"`},
		{"latin-1", "café", `"caf\u00e9"`},
		{"bmp", "日本", `"\u65e5\u672c"`},
		{"astral uses surrogate pairs", "😀", `"\ud83d\ude00"`},
		{"invalid utf-8", "a\xffb", `"a\ufffdb"`},
		{"empty", "", `""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(appendPyString(nil, tt.in)))
		})
	}
}
