// Package paced wraps a raw crawler.Fetcher with per-host rate control and a
// per-page retry budget.
package paced

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/metrics"
	"github.com/JakeFAU/store-email-crawler/internal/policy/ratelimit"
)

// maxRateLimitedAttempts bounds 429 retries for one page in case other
// sessions keep resetting the host's counter before the circuit opens.
const maxRateLimitedAttempts = 10

// RateController is the subset of ratelimit.Controller used here.
type RateController interface {
	BeforeRequest(host string) (time.Duration, error)
	Allow(host string) error
	AfterResponse(host string, statusCode int, retryAfter time.Duration)
}

// RetryPolicy decides whether and when a failed page fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Fetcher paces requests per host and retries transient failures.
type Fetcher struct {
	base   crawler.Fetcher
	rc     RateController
	retry  RetryPolicy
	now    func() time.Time
	pause  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New builds a paced Fetcher.
func New(base crawler.Fetcher, rc RateController, retry RetryPolicy, logger *zap.Logger) *Fetcher {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		base:   base,
		rc:     rc,
		retry:  retry,
		now:    time.Now,
		pause:  crawler.Pause,
		logger: logger.Named("fetcher"),
	}
}

// Fetch returns the first non-throttled, non-5xx response for the page.
// Transient failures are retried within the policy's budget; rate-limit
// responses are paced by the controller until the host's circuit opens.
// A 4xx other than 429 is returned as a response, not an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	host := crawler.HostOf(request.URL)
	if host == "" {
		return crawler.FetchResponse{}, &crawler.PermanentTargetError{URL: request.URL, Err: errors.New("missing host")}
	}

	var (
		lastErr     error
		transient   int
		rateLimited int
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
		resp, err := f.attempt(ctx, host, request)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}
		if ctx.Err() != nil || crawler.IsCircuitOpen(err) || crawler.IsPermanent(err) {
			return crawler.FetchResponse{}, err
		}
		lastErr = err

		var limited *crawler.RateLimitedError
		if errors.As(err, &limited) {
			rateLimited++
			if rateLimited >= maxRateLimitedAttempts {
				return crawler.FetchResponse{}, lastErr
			}
			// The controller already pushed the host's next slot out.
			continue
		}

		transient++
		if !f.retry.ShouldRetry(lastErr, transient) {
			return crawler.FetchResponse{}, lastErr
		}
		backoff := f.retry.Backoff(transient - 1)
		f.logger.Debug("retrying page",
			zap.String("url", request.URL),
			zap.Int("attempt", transient),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		if err := f.pause(ctx, backoff); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, host string, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	wait, err := f.rc.BeforeRequest(host)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if err := f.pause(ctx, wait); err != nil {
		// Hand back a reserved probe slot.
		f.rc.AfterResponse(host, 0, 0)
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	if err := f.rc.Allow(host); err != nil {
		return crawler.FetchResponse{}, err
	}

	resp, err := f.base.Fetch(ctx, request)
	if err != nil {
		f.rc.AfterResponse(host, 0, 0)
		metrics.ObservePage(0, 0)
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctx.Err())
		}
		// The caller is still waiting, so the deadline was the per-page timeout.
		if errors.Is(err, context.DeadlineExceeded) {
			return crawler.FetchResponse{}, &crawler.TransientFetchError{URL: request.URL, Err: err}
		}
		return crawler.FetchResponse{}, crawler.ClassifyFetchError(request.URL, err)
	}

	var retryAfter time.Duration
	if resp.Headers != nil {
		retryAfter = crawler.ParseRetryAfter(resp.Headers.Get("Retry-After"), f.now())
	}
	f.rc.AfterResponse(host, resp.StatusCode, retryAfter)
	metrics.ObservePage(resp.StatusCode, len(resp.Body))

	switch {
	case ratelimit.IsRateLimitSignal(resp.StatusCode, retryAfter):
		return crawler.FetchResponse{}, &crawler.RateLimitedError{Host: host, StatusCode: resp.StatusCode, RetryAfter: retryAfter}
	case resp.StatusCode >= http.StatusInternalServerError:
		return crawler.FetchResponse{}, &crawler.TransientFetchError{
			URL: request.URL,
			Err: &crawler.HTTPStatusError{URL: request.URL, StatusCode: resp.StatusCode},
		}
	default:
		return resp, nil
	}
}
