// Package canonical normalizes source URLs so that equivalent addresses compare equal.
package canonical

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when the input cannot be parsed as an absolute URL.
var ErrInvalidURL = errors.New("invalid url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize returns the canonical form of raw.
//
// Scheme and host are lower-cased, the fragment is dropped, the scheme's
// default port is removed and the trailing slash is stripped from the path
// unless the path is the root. Canonicalize is idempotent.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, trimmed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q: scheme and host are required", ErrInvalidURL, trimmed)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q: empty host", ErrInvalidURL, trimmed)
	}
	port := u.Port()
	if port == defaultPorts[u.Scheme] {
		port = ""
	}
	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	u.Fragment = ""
	u.RawFragment = ""

	// A run of trailing slashes counts as a single one. Only literal slashes
	// are stripped: an encoded %2F is part of the last segment.
	if escaped := u.EscapedPath(); escaped != "/" && strings.HasSuffix(escaped, "/") {
		trimmed := trimTrailingSlash(escaped)
		decoded, err := url.PathUnescape(trimmed)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, trimmed, err)
		}
		u.Path = decoded
		u.RawPath = trimmed
	}

	return u.String(), nil
}

func trimTrailingSlash(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// CanonicalizeAll canonicalizes every entry, failing on the first invalid one.
func CanonicalizeAll(raws []string) ([]string, error) {
	out := make([]string, 0, len(raws))
	for i, raw := range raws {
		c, err := Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("url %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}
