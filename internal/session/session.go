// Package session runs the end-to-end crawl of a single store's website.
// A session fetches one page at a time; parallelism lives in the scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/extract"
)

const (
	acceptHTML = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"
	acceptXML  = "application/xml,text/xml;q=0.9,*/*;q=0.5"

	maxChildSitemaps = 5
)

// Page priorities, most urgent first.
const (
	priorityHigh = iota
	priorityMedium
	priorityLow
	priorityLevels
)

// Config bounds a single session.
type Config struct {
	MaxPages      int
	MaxDepth      int
	SitemapLimit  int
	Deadline      time.Duration
	TargetEmails  int
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.SitemapLimit <= 0 {
		c.SitemapLimit = 100
	}
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Minute
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	return c
}

// Runner executes sessions. It is safe for concurrent use; each Run owns its
// own crawl state.
type Runner struct {
	fetcher    crawler.Fetcher
	classifier crawler.Classifier
	robots     crawler.RobotsPolicy
	policy     crawler.FetchPolicy
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Runner. classifier, robots and policy may be nil.
func New(
	fetcher crawler.Fetcher,
	classifier crawler.Classifier,
	robots crawler.RobotsPolicy,
	policy crawler.FetchPolicy,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Runner{
		fetcher:    fetcher,
		classifier: classifier,
		robots:     robots,
		policy:     policy,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("session"),
	}
}

type target struct {
	url   string
	depth int
}

// crawlState lives for one Run.
type crawlState struct {
	item    crawler.WorkItem
	base    *url.URL
	visited *crawler.VisitSet
	queues  [priorityLevels][]target
	emails  []string

	pagesVisited int
	pagesOK      int
	pagesFailed  int
	satisfied    bool

	// halt is the reason the crawl stopped before its budget ran out.
	halt error
}

func (s *crawlState) push(t target, priority int) bool {
	if !s.visited.MarkIfNew(t.url) {
		return false
	}
	s.queues[priority] = append(s.queues[priority], t)
	return true
}

func (s *crawlState) pop() (target, bool) {
	for p := range s.queues {
		if len(s.queues[p]) > 0 {
			t := s.queues[p][0]
			s.queues[p] = s.queues[p][1:]
			return t, true
		}
	}
	return target{}, false
}

func (s *crawlState) addEmails(found []string) {
	if len(found) == 0 {
		return
	}
	s.emails = extract.Dedupe(append(s.emails, found...))
}

// Run crawls item's site and returns its JobResult. Run never panics on bad
// input; callers still guard against bugs.
func (r *Runner) Run(ctx context.Context, item crawler.WorkItem) crawler.JobResult {
	start := r.clock.Now()
	logger := r.logger.With(zap.String("item_id", item.ID), zap.String("base_url", item.BaseURL))

	base, err := crawler.EnsureScheme(item.BaseURL)
	if err != nil {
		return r.finish(start, crawler.JobResult{Item: item}, crawler.OutcomeFailed, fmt.Sprintf("invalid base url: %v", err))
	}
	base.Path, base.RawPath, base.RawQuery, base.Fragment = "", "", "", ""

	sessCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	st := &crawlState{
		item:    item,
		base:    base,
		visited: crawler.NewVisitSet(max(r.cfg.MaxPages*20, 1000)),
	}
	if !r.enqueue(st, base.String(), 0, priorityHigh) {
		return r.finish(start, crawler.JobResult{Item: item}, crawler.OutcomeFailed, "base url rejected by fetch policy")
	}

	r.discoverSitemap(sessCtx, st)
	for _, p := range extract.TargetPaths {
		if abs, ok := crawler.Resolve(base, p); ok {
			r.enqueue(st, abs.String(), 1, priorityHigh)
		}
	}
	r.crawl(sessCtx, st)

	res := crawler.JobResult{
		Item:            item,
		RawEmails:       st.emails,
		PagesVisited:    st.pagesVisited,
		PagesFailed:     st.pagesFailed,
		PagesDiscovered: st.visited.Len(),
	}
	outcome, reason := r.conclude(ctx, sessCtx, st, &res)
	logger.Info("session finished",
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int("pages_visited", st.pagesVisited),
		zap.Int("pages_failed", st.pagesFailed),
		zap.Int("emails", len(res.Emails)),
	)
	return r.finish(start, res, outcome, reason)
}

func (r *Runner) finish(start time.Time, res crawler.JobResult, outcome crawler.Outcome, reason string) crawler.JobResult {
	now := r.clock.Now()
	res.Outcome = outcome
	res.Reason = reason
	res.Duration = now.Sub(start)
	res.FinishedAt = now
	return res
}

// enqueue schedules rawURL once, subject to the fetch policy.
func (r *Runner) enqueue(st *crawlState, rawURL string, depth, priority int) bool {
	norm, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if r.policy != nil && !r.policy.AllowFetch(st.item.ID, norm, depth) {
		return false
	}
	return st.push(target{url: norm, depth: depth}, priority)
}

func (r *Runner) crawl(ctx context.Context, st *crawlState) {
	for st.halt == nil && !st.satisfied && st.pagesVisited < r.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			st.halt = err
			return
		}
		t, ok := st.pop()
		if !ok {
			return
		}
		if r.robots != nil && !r.robots.Allowed(ctx, t.url) {
			r.logger.Debug("robots disallowed", zap.String("item_id", st.item.ID), zap.String("url", t.url))
			continue
		}
		r.visit(ctx, st, t)
	}
}

func (r *Runner) visit(ctx context.Context, st *crawlState, t target) {
	st.pagesVisited++
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     t.url,
		Headers: http.Header{"Accept": []string{acceptHTML}},
	})
	if err != nil {
		if !r.halts(ctx, st, err) {
			st.pagesFailed++
			r.logger.Debug("page failed", zap.String("item_id", st.item.ID), zap.String("url", t.url), zap.Error(err))
		}
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		st.pagesFailed++
		return
	}
	st.pagesOK++

	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = t.url
	}
	page, err := extract.Extract(extract.Page{URL: pageURL, ContentType: resp.ContentType(), Body: resp.Body})
	if err != nil {
		r.logger.Debug("extract failed", zap.String("item_id", st.item.ID), zap.String("url", pageURL), zap.Error(err))
		return
	}
	st.addEmails(page.Emails)

	for _, link := range page.Links {
		priority := priorityLow
		if link.Footer || extract.HasKeyword(link.URL) {
			priority = priorityMedium
		}
		r.enqueue(st, link.URL, t.depth+1, priority)
	}

	if r.cfg.TargetEmails > 0 && len(st.emails) >= r.cfg.TargetEmails {
		st.satisfied = len(r.validate(ctx, st)) >= r.cfg.TargetEmails
	}
}

// halts records err as the session's stop reason when it ends the crawl:
// cancellation, an open circuit, or a permanent failure before any page loaded.
func (r *Runner) halts(ctx context.Context, st *crawlState, err error) bool {
	switch {
	case ctx.Err() != nil:
		st.halt = ctx.Err()
	case crawler.IsCircuitOpen(err):
		st.halt = err
	case crawler.IsPermanent(err) && st.pagesOK == 0:
		st.halt = err
	default:
		return false
	}
	return true
}

func (r *Runner) discoverSitemap(ctx context.Context, st *crawlState) {
	root, ok := crawler.Resolve(st.base, "/sitemap.xml")
	if !ok {
		return
	}
	urls := r.readSitemap(ctx, st, root.String(), true)
	for _, u := range extract.PrioritizeSitemap(urls, r.cfg.SitemapLimit) {
		abs, err := url.Parse(u)
		if err != nil || !crawler.SameSite(st.base, abs) {
			continue
		}
		priority := priorityLow
		if extract.HasKeyword(u) {
			priority = priorityHigh
		}
		r.enqueue(st, u, 1, priority)
	}
}

func (r *Runner) readSitemap(ctx context.Context, st *crawlState, rawURL string, followIndex bool) []string {
	if st.halt != nil {
		return nil
	}
	if r.robots != nil && !r.robots.Allowed(ctx, rawURL) {
		return nil
	}
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     rawURL,
		Headers: http.Header{"Accept": []string{acceptXML}},
	})
	if err != nil {
		if !r.halts(ctx, st, err) {
			r.logger.Debug("sitemap fetch failed", zap.String("item_id", st.item.ID), zap.String("url", rawURL), zap.Error(err))
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}
	sm, err := extract.ParseSitemap(resp.Body)
	if err != nil {
		r.logger.Debug("sitemap unreadable", zap.String("item_id", st.item.ID), zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	urls := sm.URLs
	if !followIndex {
		return urls
	}
	for i, child := range orderChildSitemaps(sm.Children) {
		if i >= maxChildSitemaps || len(urls) >= r.cfg.SitemapLimit {
			break
		}
		urls = append(urls, r.readSitemap(ctx, st, child, false)...)
	}
	return urls
}

// orderChildSitemaps puts page and policy sitemaps ahead of product feeds.
func orderChildSitemaps(children []string) []string {
	var first, rest []string
	for _, c := range children {
		lower := strings.ToLower(c)
		if strings.Contains(lower, "page") || extract.HasKeyword(lower) {
			first = append(first, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(first, rest...)
}

// validate ranks the collected emails and keeps the confident ones. A
// classifier failure falls back to every plausible email.
func (r *Runner) validate(ctx context.Context, st *crawlState) []string {
	if len(st.emails) == 0 {
		return nil
	}
	if r.classifier == nil {
		return st.emails
	}
	ranked, err := r.classifier.Rank(ctx, crawler.ClassifyRequest{
		BaseURL:    st.base.String(),
		StoreName:  st.item.StoreName,
		Candidates: st.emails,
	})
	if err != nil {
		r.logger.Warn("classifier failed", zap.String("item_id", st.item.ID), zap.Error(err))
		return st.emails
	}
	out := make([]string, 0, len(ranked))
	for _, c := range ranked {
		if c.Score >= r.cfg.MinConfidence {
			out = append(out, c.Email)
		}
	}
	return out
}

// conclude maps the crawl state onto an outcome. parent is the scheduler's
// context; sessCtx additionally carries the session deadline.
func (r *Runner) conclude(parent, sessCtx context.Context, st *crawlState, res *crawler.JobResult) (crawler.Outcome, string) {
	if parent.Err() != nil {
		return crawler.OutcomeDeferred, "session cancelled"
	}
	res.Emails = r.validate(parent, st)

	switch {
	case crawler.IsPermanent(st.halt):
		return crawler.OutcomeFailed, st.halt.Error()
	case crawler.IsCircuitOpen(st.halt):
		if len(res.Emails) > 0 {
			return crawler.OutcomeEmailsFound, "stopped early: " + st.halt.Error()
		}
		return crawler.OutcomeDeferred, st.halt.Error()
	case len(res.Emails) > 0:
		return crawler.OutcomeEmailsFound, deadlineNote(sessCtx)
	case st.pagesOK == 0:
		// Only an unreachable target is final; refusals and timeouts are retried later.
		return crawler.OutcomeDeferred, "no page could be fetched"
	default:
		return crawler.OutcomeNoEmailsFound, deadlineNote(sessCtx)
	}
}

func deadlineNote(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "session deadline reached"
	}
	return ""
}
