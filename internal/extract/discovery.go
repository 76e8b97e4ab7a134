package extract

import (
	"path"
	"strings"
)

// Keywords mark URLs that usually carry contact details.
var Keywords = []string{
	"contact", "about", "privacy", "terms", "help", "support",
	"team", "careers", "email", "faq", "policy", "policies", "legal",
}

// TargetPaths are well-known contact and policy pages probed on every site.
var TargetPaths = []string{
	"/contact", "/contact-us", "/pages/contact", "/pages/contact-us",
	"/about", "/about-us", "/pages/about", "/pages/about-us",
	"/policies/privacy-policy", "/policies/terms-of-service", "/policies/refund-policy",
	"/pages/privacy-policy", "/pages/faq", "/privacy", "/terms",
}

var skipPaths = []string{
	"/cart", "/checkout", "/account", "/search", "/products/",
	"/collections/", "/apps/", "/pages/product", "/cdn-cgi/",
}

var skipExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".ico": {}, ".css": {}, ".js": {}, ".json": {}, ".pdf": {}, ".zip": {},
	".mp4": {}, ".mp3": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".xml": {},
}

// HasKeyword reports whether rawURL mentions a contact-related keyword.
func HasKeyword(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, kw := range Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SkipPath reports whether a URL path is unlikely to hold contact details
// (carts, product listings, assets).
func SkipPath(urlPath string) bool {
	lower := strings.ToLower(urlPath)
	for _, p := range skipPaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	_, asset := skipExtensions[path.Ext(lower)]
	return asset
}
