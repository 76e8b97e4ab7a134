package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, drops the query
// and fragment, and trims a trailing slash from non-root paths.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url: missing host in %q", rawURL)
	}

	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = ""
	u.ForceQuery = false
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "/" {
		u.Path = ""
	}

	return u.String(), nil
}

// EnsureScheme prefixes bare hosts with https:// and validates the result.
func EnsureScheme(rawURL string) (*url.URL, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, errors.New("empty url")
	}
	if !strings.HasPrefix(strings.ToLower(raw), "http://") && !strings.HasPrefix(strings.ToLower(raw), "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" || !strings.Contains(u.Hostname(), ".") && u.Hostname() != "localhost" && u.Port() == "" {
		return nil, fmt.Errorf("parse url: invalid host in %q", rawURL)
	}
	return u, nil
}

// HostOf returns the lower-cased host (with port) of rawURL, or "" if unparsable.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SiteKey strips a leading "www." so both forms of a host compare equal.
func SiteKey(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// SameSite reports whether two URLs share a host, ignoring a www. prefix.
func SameSite(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return SiteKey(a.Host) == SiteKey(b.Host)
}

// Resolve resolves href relative to base and keeps only http(s) results.
func Resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if base == nil || href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	return abs, true
}
