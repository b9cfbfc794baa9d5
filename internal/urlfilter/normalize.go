// Package urlfilter canonicalizes URLs and decides which of them a crawl may queue.
package urlfilter

import (
	"net/url"
	"strings"
)

// Normalize returns the canonical form of rawURL used for deduplication.
//
// URLs that do not start with "http" are resolved against baseURL. The
// fragment, the scheme's default port and any trailing slashes are removed,
// and the scheme and host are lowercased. A "%" that does not start a valid
// escape is encoded as "%25". When parsing fails the input is returned
// unchanged.
func Normalize(rawURL, baseURL string) string {
	u, err := resolve(rawURL, baseURL)
	if err != nil {
		return rawURL
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port, ok := defaultPorts[u.Scheme]; ok {
		u.Host = strings.TrimSuffix(u.Host, port)
	}

	s := u.String()
	trimmed := strings.TrimRight(s, "/")
	if trimmed == "" || strings.HasSuffix(trimmed, ":") {
		// "http://" and friends have nothing left to strip.
		return s
	}
	return trimmed
}

var defaultPorts = map[string]string{
	"http":  ":80",
	"https": ":443",
}

func resolve(rawURL, baseURL string) (*url.URL, error) {
	rawURL = escapeStrayPercents(rawURL)
	if strings.HasPrefix(rawURL, "http") {
		return url.Parse(rawURL)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

// escapeStrayPercents rewrites every "%" not followed by two hex digits as "%25".
func escapeStrayPercents(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
