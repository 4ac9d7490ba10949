package cdx

import (
	"errors"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/seweissman/brozzler/cdxs/store"
)

// TimestampLayout is the 14-digit CDX capture time.
const TimestampLayout = "20060102150405"

var errNilRecord = errors.New("nil record")

// FormatLine projects r into `<canon_surt> <YYYYMMDDHHMMSS> <json>`. The
// JSON object is byte-compatible with python's json.dumps defaults, which
// is what the replay layer parses.
func FormatLine(r *store.Record) ([]byte, error) {
	if r == nil {
		return nil, &LineError{Err: errNilRecord}
	}
	ts := r.Timestamp.UTC()
	if y := ts.Year(); y < 1000 || y > 9999 {
		return nil, &LineError{CanonSurt: r.CanonSurt, Err: errors.New("timestamp year " + strconv.Itoa(y) + " does not fit 14 digits")}
	}

	fields := [...][2]string{
		{"url", r.URL},
		{"mime", r.ContentType},
		{"status", strconv.Itoa(r.ResponseCode)},
		{"digest", r.SHA1Base32},
		{"length", strconv.FormatInt(r.Length, 10)},
		{"offset", strconv.FormatInt(r.Offset, 10)},
		{"filename", r.Filename},
	}

	buf := make([]byte, 0, len(r.CanonSurt)+len(r.URL)+len(r.Filename)+160)
	buf = append(buf, r.CanonSurt...)
	buf = append(buf, ' ')
	buf = ts.AppendFormat(buf, TimestampLayout)
	buf = append(buf, ' ', '{')
	for i, kv := range fields {
		if i > 0 {
			buf = append(buf, ',', ' ')
		}
		buf = appendPyString(buf, kv[0])
		buf = append(buf, ':', ' ')
		buf = appendPyString(buf, kv[1])
	}
	buf = append(buf, '}')
	return buf, nil
}

const hexDigits = "0123456789abcdef"

// appendPyString appends s as a JSON string literal escaped the way python's
// json.dumps does with ensure_ascii: everything outside printable ASCII
// becomes \uXXXX, astral runes as surrogate pairs. Invalid UTF-8 is written
// as U+FFFD.
func appendPyString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf = append(buf, '\\', '"')
			case '\\':
				buf = append(buf, '\\', '\\')
			case '\n':
				buf = append(buf, '\\', 'n')
			case '\r':
				buf = append(buf, '\\', 'r')
			case '\t':
				buf = append(buf, '\\', 't')
			case '\b':
				buf = append(buf, '\\', 'b')
			case '\f':
				buf = append(buf, '\\', 'f')
			default:
				if c < 0x20 || c == 0x7f {
					buf = appendU(buf, rune(c))
				} else {
					buf = append(buf, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			buf = appendU(buf, hi)
			buf = appendU(buf, lo)
			continue
		}
		buf = appendU(buf, r)
	}
	return append(buf, '"')
}

func appendU(buf []byte, r rune) []byte {
	return append(buf, '\\', 'u',
		hexDigits[(r>>12)&0xf], hexDigits[(r>>8)&0xf], hexDigits[(r>>4)&0xf], hexDigits[r&0xf])
}
