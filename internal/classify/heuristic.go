// Package classify ranks candidate emails by how likely they are to reach
// the store that owns a site.
package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
)

// Category buckets an address relative to the site it was found on.
type Category string

// Categories, strongest first.
const (
	CategoryDomain              Category = "domain"
	CategorySubdomain           Category = "subdomain"
	CategoryThirdPartyLegit     Category = "third_party_legitimate"
	CategoryThirdPartyAmbiguous Category = "third_party_ambiguous"
	CategoryOther               Category = "other"
)

var baseScores = map[Category]float64{
	CategoryDomain:              1.0,
	CategorySubdomain:           0.95,
	CategoryThirdPartyLegit:     0.8,
	CategoryThirdPartyAmbiguous: 0.3,
	CategoryOther:               0.5,
}

var categoryOrder = map[Category]int{
	CategoryDomain:              0,
	CategorySubdomain:           1,
	CategoryThirdPartyLegit:     2,
	CategoryThirdPartyAmbiguous: 3,
	CategoryOther:               4,
}

var freeMailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "yahoo.co.uk": {}, "yahoo.fr": {},
	"outlook.com": {}, "hotmail.com": {}, "hotmail.co.uk": {}, "live.com": {}, "msn.com": {},
	"icloud.com": {}, "me.com": {}, "mac.com": {}, "aol.com": {}, "protonmail.com": {},
	"proton.me": {}, "zoho.com": {}, "yandex.com": {}, "mail.com": {}, "gmx.com": {},
}

var businessWords = []string{
	"contact", "info", "hello", "support", "help", "sales", "business",
	"service", "team", "inquir", "enquir", "admin", "office", "general",
	"mail", "care", "assistance", "reach", "getintouch", "get-in-touch", "orders", "shop", "store",
}

var spamWords = []string{
	"noreply", "no-reply", "donotreply", "do-not-reply", "no.reply",
	"test", "example", "demo", "sample", "spam", "trash",
}

// Verdict is a secondary opinion on one ambiguous address.
type Verdict struct {
	Legitimate bool
	Confidence float64
	Reasoning  string
}

// Validator gives a second opinion on free-mail addresses the heuristics
// cannot place (for example an LLM-backed service).
type Validator interface {
	Validate(ctx context.Context, email string, request crawler.ClassifyRequest) (Verdict, error)
}

// Heuristic implements crawler.Classifier using domain matching.
type Heuristic struct {
	secondary Validator
	logger    *zap.Logger
}

// NewHeuristic builds a Heuristic classifier. secondary may be nil, in which
// case ambiguous free-mail addresses keep their low base score.
func NewHeuristic(secondary Validator, logger *zap.Logger) *Heuristic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heuristic{secondary: secondary, logger: logger.Named("classifier")}
}

// Rank scores every candidate and returns them best first. Ties keep the
// category order and then the input order.
func (h *Heuristic) Rank(ctx context.Context, request crawler.ClassifyRequest) ([]crawler.Candidate, error) {
	site := siteDomain(request.BaseURL)
	out := make([]crawler.Candidate, 0, len(request.Candidates))
	for _, email := range request.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rank emails: %w", err)
		}
		cat := Categorize(email, site)
		c := crawler.Candidate{Email: email, Category: string(cat), Score: baseScores[cat]}
		if cat == CategoryThirdPartyAmbiguous && h.secondary != nil {
			verdict, err := h.secondary.Validate(ctx, email, request)
			switch {
			case err != nil:
				h.logger.Warn("secondary validation failed", zap.String("email", email), zap.Error(err))
				c.Reason = "secondary validation failed"
			case verdict.Legitimate:
				c.Score = verdict.Confidence
				c.Reason = verdict.Reasoning
			default:
				c.Score = min(c.Score, verdict.Confidence)
				c.Reason = verdict.Reasoning
			}
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return categoryOrder[Category(out[i].Category)] < categoryOrder[Category(out[j].Category)]
	})
	return out, nil
}

// Categorize places email relative to the site's registrable host
// (lower-cased, without www.).
func Categorize(email, site string) Category {
	local, domain, ok := strings.Cut(strings.ToLower(email), "@")
	if !ok {
		return CategoryOther
	}
	switch {
	case site != "" && domain == site:
		return CategoryDomain
	case site != "" && strings.HasSuffix(domain, "."+site):
		return CategorySubdomain
	}
	if _, free := freeMailDomains[domain]; free {
		if legitimateLocal(local) {
			return CategoryThirdPartyLegit
		}
		return CategoryThirdPartyAmbiguous
	}
	return CategoryOther
}

func legitimateLocal(local string) bool {
	for _, w := range spamWords {
		if strings.Contains(local, w) {
			return false
		}
	}
	for _, w := range businessWords {
		if strings.Contains(local, w) {
			return true
		}
	}
	// Short plain handles such as "mystore@gmail.com" are usually the shop's own.
	clean := strings.NewReplacer(".", "", "-", "", "_", "").Replace(local)
	return len(local) < 20 && clean != "" && isAlnum(clean)
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func siteDomain(baseURL string) string {
	u, err := crawler.EnsureScheme(baseURL)
	if err != nil {
		return ""
	}
	return crawler.SiteKey(u.Hostname())
}
