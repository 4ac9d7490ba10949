package canon

import (
	"strings"
)

const upperhex = "0123456789ABCDEF"

// escapeSafe lists the bytes left as-is by escapeOnce in addition to ASCII
// letters, digits and "_.-~".
const escapeSafe = "!\"$&'()*+,-./:;<=>?@[\\]^_`{|}~"

func shouldEscape(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	case c == '_' || c == '.' || c == '-' || c == '~':
		return false
	}
	return strings.IndexByte(escapeSafe, c) < 0
}

// escapeOnce fully unescapes s and then percent-encodes every byte outside
// the safe set, so the result is stable under repeated application.
func escapeOnce(s string) string {
	s = unescapeRepeatedly(s)
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func minimalEscape(s string) string {
	return escapeOnce(unescapeRepeatedly(s))
}

// unescapeRepeatedly decodes %XX sequences until the string stops changing.
// Malformed sequences are kept verbatim.
func unescapeRepeatedly(s string) string {
	for {
		u := unescape(s)
		if u == s {
			return s
		}
		s = u
	}
}

func unescape(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

// asciiLower lowercases ASCII letters only; percent escapes and other bytes
// are otherwise untouched.
func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if 'A' <= s[i] && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if 'A' <= b[j] && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
