package canon

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var (
	idnaProfile = idna.New(idna.MapForLookup(), idna.Transitional(true), idna.StrictDomainName(false))

	reDottedQuad = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)

	rePathSessionID = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.*/)(\((?:[a-z]\([0-9a-z]{24}\))+\)/)([^\?]+\.aspx.*)$`),
		regexp.MustCompile(`(?i)^(.*/)(\([0-9a-z]{24}\)/)([^\?]+\.aspx.*)$`),
	}

	reQuerySessionID = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.*)(?:jsessionid=[0-9a-zA-Z]{32})(?:&(.*))?$`),
		regexp.MustCompile(`(?i)^(.*)(?:phpsessid=[0-9a-zA-Z]{32})(?:&(.*))?$`),
		regexp.MustCompile(`(?i)^(.*)(?:sid=[0-9a-zA-Z]{32})(?:&(.*))?$`),
		regexp.MustCompile(`(?i)^(.*)(?:aspsessionid[a-zA-Z]{8}=[a-zA-Z]{24})(?:&(.*))?$`),
		regexp.MustCompile(`(?i)^(.*)(?:cfid=[^&]+&cftoken=[^&]+)(?:&(.*))?$`),
	}
)

// normalizeHost unescapes the host, converts IDNs to punycode, drops empty
// labels at the edges and normalizes IPv4 notations.
func normalizeHost(host string) string {
	host = unescapeRepeatedly(host)
	if !isASCII(host) {
		if ascii, err := idnaProfile.ToASCII(strings.ToValidUTF8(host, "")); err == nil {
			host = ascii
		}
	}
	host = strings.Trim(strings.ReplaceAll(host, "..", ""), ".")
	if ip := attemptIPFormats(host); ip != "" {
		return ip
	}
	return escapeOnce(asciiLower(host))
}

// attemptIPFormats returns the dotted quad for integer and dotted decimal
// IPv4 hosts, or "" when host is not one.
func attemptIPFormats(host string) string {
	if host == "" {
		return ""
	}
	if isDigits(host) {
		n, err := strconv.ParseUint(host, 10, 64)
		if err != nil {
			return ""
		}
		n &= 0xffffffff
		return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).String()
	}
	if reDottedQuad.MatchString(host) {
		if ip := net.ParseIP(host).To4(); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// normalizePath resolves dot segments and collapses empty segments. A
// trailing slash is preserved.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	var kept []string
	for i, p := range strings.Split(path, "/") {
		switch {
		case i == 0:
		case p == ".":
		case p == "..":
			if len(kept) > 0 {
				kept = kept[:len(kept)-1]
			} else {
				kept = append(kept, p)
			}
		default:
			kept = append(kept, p)
		}
	}

	var b strings.Builder
	b.WriteByte('/')
	if n := len(kept); n > 0 {
		for _, p := range kept[:n-1] {
			if p != "" {
				b.WriteString(p)
				b.WriteByte('/')
			}
		}
		b.WriteString(kept[n-1])
	}
	return b.String()
}

func stripPathSessionID(path string) string {
	for _, re := range rePathSessionID {
		if m := re.FindStringSubmatch(path); m != nil {
			path = m[1] + m[3]
		}
	}
	return path
}

func stripQuerySessionID(query string) string {
	for _, re := range reQuerySessionID {
		if m := re.FindStringSubmatch(query); m != nil {
			if m[2] != "" {
				query = m[1] + m[2]
			} else {
				query = m[1]
			}
		}
	}
	return query
}

type queryArg struct {
	key      string
	value    string
	hasValue bool
}

// alphaReorderQuery sorts the & separated arguments by key, then value. An
// argument without "=" sorts before the same key with a value.
func alphaReorderQuery(q string) string {
	if len(q) <= 1 {
		return q
	}
	parts := strings.Split(q, "&")
	args := make([]queryArg, len(parts))
	for i, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		args[i] = queryArg{key: k, value: v, hasValue: ok}
	}
	sort.SliceStable(args, func(i, j int) bool {
		a, b := args[i], args[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if a.hasValue != b.hasValue {
			return !a.hasValue
		}
		return a.value < b.value
	})

	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(a.key)
		if a.hasValue {
			b.WriteByte('=')
			b.WriteString(a.value)
		}
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
