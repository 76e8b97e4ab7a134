package extract

import (
	"encoding/hex"
	"html"
	"net/url"
	"regexp"
	"strings"
)

const maxEmailLength = 254

var (
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+(?:\.[a-zA-Z0-9-]+)*\.[a-zA-Z]{2,}`)
	fullEmailPattern = regexp.MustCompile(`^[a-z0-9_.+-]+@[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,}$`)

	// "info at shop dot com" style spelling.
	spelledPattern = regexp.MustCompile(`(?i)\b([a-z0-9._%+-]+)\s+at\s+([a-z0-9-]+(?:\s+dot\s+[a-z0-9-]+)*)\s+dot\s+([a-z]{2,})\b`)
	spelledDot     = regexp.MustCompile(`(?i)\s+dot\s+`)

	obfuscation = strings.NewReplacer(
		" [at] ", "@", " (at) ", "@", " {at} ", "@",
		"[at]", "@", "(at)", "@", "{at}", "@",
		" [dot] ", ".", " (dot) ", ".", " {dot} ", ".",
		"[dot]", ".", "(dot)", ".", "{dot}", ".",
		"&#64;", "@", "&#064;", "@", "&#46;", ".", "&#046;", ".",
	)
)

var assetExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "svg": {}, "webp": {}, "avif": {},
	"bmp": {}, "ico": {}, "css": {}, "js": {}, "json": {}, "woff": {}, "woff2": {},
	"ttf": {}, "mp4": {}, "webm": {}, "pdf": {},
}

var placeholderDomains = map[string]struct{}{
	"example.com": {}, "example.org": {}, "example.net": {}, "domain.com": {},
	"yourdomain.com": {}, "yoursite.com": {}, "yourstore.com": {}, "email.com": {},
	"test.com": {}, "sentry.io": {}, "sentry.wixpress.com": {},
	"sentry-next.wixpress.com": {},
}

var placeholderLocals = map[string]struct{}{
	"test": {}, "noreply": {}, "no-reply": {}, "donotreply": {}, "do-not-reply": {},
	"version": {}, "youremail": {}, "your-email": {}, "yourname": {},
}

// NormalizeEmail cleans a raw candidate (strips mailto:, query and
// surrounding punctuation, percent-decodes, lower-cases) and reports whether
// the result is a plausible contact address.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) >= len("mailto:") && strings.EqualFold(s[:len("mailto:")], "mailto:") {
		s = s[len("mailto:"):]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if unescaped, err := url.PathUnescape(s); err == nil {
		s = unescaped
	}
	s = strings.Trim(strings.TrimSpace(s), ".,;:<>()[]{}'\"")
	s = strings.ToLower(s)
	if !Plausible(s) {
		return "", false
	}
	return s, true
}

// Plausible reports whether an already lower-cased address looks like a real
// mailbox rather than an asset name, version string or placeholder.
func Plausible(email string) bool {
	if email == "" || len(email) > maxEmailLength || !fullEmailPattern.MatchString(email) {
		return false
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	labels := strings.Split(domain, ".")
	tld := labels[len(labels)-1]
	if allDigits(tld) || allDigits(strings.ReplaceAll(domain, ".", "")) {
		return false
	}
	if _, ok := assetExtensions[tld]; ok {
		return false
	}
	if _, ok := placeholderDomains[domain]; ok {
		return false
	}
	if _, ok := placeholderLocals[local]; ok {
		return false
	}
	return true
}

// Dedupe removes duplicates while preserving first-seen order. Gmail
// aliases (dots and +tags in the local part) collapse onto one entry.
func Dedupe(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		key := dedupeKey(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func dedupeKey(email string) string {
	local, domain, ok := strings.Cut(strings.ToLower(email), "@")
	if !ok {
		return email
	}
	if domain == "gmail.com" || domain == "googlemail.com" {
		local, _, _ = strings.Cut(local, "+")
		return strings.ReplaceAll(local, ".", "") + "@gmail.com"
	}
	return local + "@" + domain
}

// FindInText returns every plausible address in text, trying the literal
// text plus its entity-decoded and de-obfuscated forms.
func FindInText(text string) []string {
	if text == "" {
		return nil
	}
	decoded := html.UnescapeString(text)
	variants := []string{text, decoded, obfuscation.Replace(decoded)}
	if spelled := despell(decoded); spelled != "" {
		variants = append(variants, spelled)
	}

	var out []string
	for _, v := range variants {
		for _, m := range emailPattern.FindAllString(v, -1) {
			if e, ok := NormalizeEmail(m); ok {
				out = append(out, e)
			}
		}
	}
	return Dedupe(out)
}

func despell(text string) string {
	matches := spelledPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		domain := spelledDot.ReplaceAllString(m[2], ".")
		parts = append(parts, m[1]+"@"+domain+"."+m[3])
	}
	return strings.Join(parts, " ")
}

// DecodeCFEmail reverses Cloudflare's email protection: the first byte is
// the XOR key for the rest of the hex string.
func DecodeCFEmail(encoded string) (string, bool) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(raw) < 2 {
		return "", false
	}
	key := raw[0]
	out := make([]byte, len(raw)-1)
	for i, b := range raw[1:] {
		out[i] = b ^ key
	}
	return NormalizeEmail(string(out))
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
