package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsRetryAfter is how long a failed robots.txt lookup is remembered
// before the host is asked again.
const robotsRetryAfter = time.Minute

type robotsEntry struct {
	data    *robotstxt.RobotsData
	retryAt time.Time
}

// RobotsEnforcer enforces robots.txt directives per host. robots.txt is
// requested through the same Fetcher as pages, so it is paced by the host's
// rate controller and refused while the host's circuit is open. Parsed files
// are cached for the life of the enforcer; failed lookups for robotsRetryAfter.
type RobotsEnforcer struct {
	fetcher   Fetcher
	userAgent string
	now       func() time.Time
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]robotsEntry
}

// NewRobotsEnforcer builds a RobotsPolicy respecting the config toggle.
// fetcher is required when respect is set.
func NewRobotsEnforcer(respect bool, userAgent string, fetcher Fetcher, logger *zap.Logger) RobotsPolicy {
	if !respect || fetcher == nil {
		return &allowAllPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{
		fetcher:   fetcher,
		userAgent: userAgent,
		now:       time.Now,
		logger:    logger.Named("robots"),
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed implements RobotsPolicy. A host whose robots.txt cannot be read is
// treated as allowing everything.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := r.load(ctx, parsed)
	if data == nil {
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(parsed.Host)
	now := r.now()

	r.mu.Lock()
	entry, ok := r.cache[hostKey]
	r.mu.Unlock()
	if ok && (entry.data != nil || now.Before(entry.retryAt)) {
		return entry.data
	}

	data, err := r.fetch(ctx, parsed)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		entry = robotsEntry{retryAt: now.Add(robotsRetryAfter)}
	} else {
		entry = robotsEntry{data: data}
	}
	r.mu.Lock()
	r.cache[hostKey] = entry
	r.mu.Unlock()
	return entry.data
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	resp, err := r.fetcher.Fetch(ctx, FetchRequest{
		URL:     robotsURL.String(),
		Headers: http.Header{"Accept": []string{"text/plain"}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

type allowAllPolicy struct{}

func (a *allowAllPolicy) Allowed(context.Context, string) bool { return true }
