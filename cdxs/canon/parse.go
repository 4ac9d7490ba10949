package canon

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	errEmpty       = errors.New("empty url")
	errNoHost      = errors.New("url has no host")
	errInvalidPort = errors.New("invalid port")

	reSchemePrefix      = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+\-.]*):`)
	reMultipleProtocols = regexp.MustCompile(`^(?:https?://)+`)
	stripControl        = strings.NewReplacer("\n", "", "\r", "", "\t", "")
)

// parsedURL is a lenient split of a URL. Unlike net/url it never rejects
// malformed escapes; those are resolved by the canonicalization passes.
type parsedURL struct {
	scheme   string
	user     string
	host     string
	port     int
	path     string
	query    *string
	fragment *string
}

func parse(raw string) (*parsedURL, error) {
	s := strings.TrimSpace(stripControl.Replace(raw))
	if s == "" {
		return nil, errEmpty
	}
	if !reSchemePrefix.MatchString(s) {
		s = "http://" + s
	}
	if loc := reMultipleProtocols.FindStringIndex(s); loc != nil {
		// http://https://host keeps only the last protocol
		s = s[strings.LastIndex(s[:loc[1]], "http"):]
	}

	u := &parsedURL{}
	m := reSchemePrefix.FindStringSubmatch(s)
	u.scheme = strings.ToLower(m[1])
	rest := s[len(m[0]):]

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		frag := rest[i+1:]
		rest = rest[:i]
		if frag != "" {
			u.fragment = &frag
		}
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		q := rest[i+1:]
		rest = rest[:i]
		if q != "" {
			u.query = &q
		}
	}

	if !strings.HasPrefix(rest, "//") {
		// opaque urls such as mailto: have no authority
		u.path = rest
		return u, nil
	}
	rest = rest[2:]
	netloc := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		netloc, u.path = rest[:i], rest[i:]
	}
	if err := u.splitNetloc(netloc); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *parsedURL) splitNetloc(netloc string) error {
	if i := strings.LastIndexByte(netloc, '@'); i >= 0 {
		u.user, netloc = netloc[:i], netloc[i+1:]
	}

	hostPort := netloc
	portStr := ""
	if strings.HasPrefix(hostPort, "[") {
		end := strings.IndexByte(hostPort, ']')
		if end < 0 {
			return errNoHost
		}
		u.host = hostPort[:end+1]
		tail := hostPort[end+1:]
		if strings.HasPrefix(tail, ":") {
			portStr = tail[1:]
		} else if tail != "" {
			return errInvalidPort
		}
	} else if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		u.host, portStr = hostPort[:i], hostPort[i+1:]
	} else {
		u.host = hostPort
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return errInvalidPort
		}
		u.port = port
	}
	return nil
}
