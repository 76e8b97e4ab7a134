// Package extract finds candidate emails and follow-up links in fetched pages.
// Everything here is a pure function of its input.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/PuerkitoBio/goquery"
)

const cfProtectionPath = "/cdn-cgi/l/email-protection"

var footerSelectors = []string{
	"footer", `[role="contentinfo"]`, ".footer", "#footer",
	".site-footer", "#site-footer", ".main-footer", "#main-footer",
}

// Page is one fetched document.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Link is a same-site URL discovered on a page.
type Link struct {
	URL    string
	Footer bool
}

// Result holds everything extracted from a single page.
type Result struct {
	Emails []string
	Links  []Link
}

// Extract parses page as HTML and returns its plausible emails (normalized,
// deduplicated) and same-site links. Non-HTML bodies only get a text scan.
func Extract(page Page) (Result, error) {
	if len(page.Body) == 0 {
		return Result{}, nil
	}
	if !isHTML(page) {
		return Result{Emails: FindInText(string(page.Body))}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	var found []string
	add := func(raw string) {
		if e, ok := NormalizeEmail(raw); ok {
			found = append(found, e)
		}
	}

	doc.Find(`a[href^="mailto:"], a[href^="MAILTO:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		for _, addr := range strings.Split(strings.SplitN(href, ":", 2)[1], ",") {
			add(addr)
		}
	})
	doc.Find("[data-email], [data-contact]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"data-email", "data-contact"} {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		}
	})
	doc.Find("a[title], a[aria-label]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"title", "aria-label"} {
			if v, ok := s.Attr(attr); ok {
				found = append(found, FindInText(v)...)
			}
		}
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		if i := strings.Index(href, cfProtectionPath+"#"); i >= 0 {
			if e, ok := DecodeCFEmail(href[i+len(cfProtectionPath)+1:]); ok {
				found = append(found, e)
			}
			return
		}
		if strings.Contains(href, "@") {
			found = append(found, FindInText(href)...)
		}
	})
	doc.Find("[data-cfemail]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("data-cfemail")
		if e, ok := DecodeCFEmail(v); ok {
			found = append(found, e)
		}
	})
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		found = append(found, jsonLDEmails(s.Text())...)
	})
	found = append(found, FindInText(string(page.Body))...)

	return Result{
		Emails: Dedupe(found),
		Links:  links(doc, page.URL),
	}, nil
}

func isHTML(page Page) bool {
	ct := strings.ToLower(page.ContentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	head := bytes.ToLower(bytes.TrimSpace(page.Body[:min(len(page.Body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.Contains(head, []byte("<html"))
}

func links(doc *goquery.Document, pageURL string) []Link {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, ok := crawler.Resolve(base, href); ok {
			base = b
		}
	}

	inFooter := doc.Find(strings.Join(footerSelectors, ", ")).Find("a[href]")

	var out []Link
	index := make(map[string]int)
	collect := func(s *goquery.Selection, isFooter bool) {
		href, _ := s.Attr("href")
		abs, ok := crawler.Resolve(base, href)
		if !ok || !crawler.SameSite(base, abs) || SkipPath(abs.Path) {
			return
		}
		norm, err := crawler.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if i, ok := index[norm]; ok {
			out[i].Footer = out[i].Footer || isFooter
			return
		}
		index[norm] = len(out)
		out = append(out, Link{URL: norm, Footer: isFooter})
	}

	inFooter.Each(func(_ int, s *goquery.Selection) {
		collect(s, true)
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if inFooter.IsSelection(s) {
			return
		}
		collect(s, false)
	})
	return out
}

func jsonLDEmails(raw string) []string {
	var data any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err != nil {
		return nil
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		case string:
			if strings.Contains(t, "@") {
				if e, ok := NormalizeEmail(t); ok {
					out = append(out, e)
				}
			}
		}
	}
	walk(data)
	return out
}
