package paced

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/store-email-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/store-email-crawler/internal/policy/ratelimit"
)

type scriptedStep struct {
	status     int
	retryAfter string
	err        error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	steps []scriptedStep
	calls int
	times []time.Time
	now   func() time.Time
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if f.now != nil {
		f.times = append(f.times, f.now())
	}
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	step := f.steps[idx]
	if step.err != nil {
		return crawler.FetchResponse{}, step.err
	}
	headers := http.Header{}
	if step.retryAfter != "" {
		headers.Set("Retry-After", step.retryAfter)
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: step.status, Headers: headers, Body: []byte("ok")}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock   *fakeClock
	rc      *ratelimit.Controller
	base    *scriptedFetcher
	fetcher *Fetcher
	pauses  []time.Duration
}

func newHarness(t *testing.T, rcCfg ratelimit.Config, steps ...scriptedStep) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clock: clock,
		rc:    ratelimit.New(rcCfg, ratelimit.WithClock(clock.Now)),
		base:  &scriptedFetcher{steps: steps, now: clock.Now},
	}
	h.fetcher = New(h.base, h.rc, crawler.NewRetryPolicy(3, 100*time.Millisecond, time.Second), zap.NewNop())
	h.fetcher.now = clock.Now
	h.fetcher.pause = func(ctx context.Context, d time.Duration) error {
		h.pauses = append(h.pauses, d)
		h.clock.Advance(d)
		return ctx.Err()
	}
	return h
}

func TestFetcher_ThreeRateLimitsThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{BaseDelay: 2 * time.Second},
		scriptedStep{status: http.StatusTooManyRequests},
		scriptedStep{status: http.StatusTooManyRequests},
		scriptedStep{status: http.StatusTooManyRequests},
		scriptedStep{status: http.StatusOK},
	)

	resp, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/contact"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 4, resp.Attempts)
	require.Equal(t, 4, h.base.calls)
	require.Equal(t, []time.Duration{0, 4 * time.Second, 8 * time.Second, 16 * time.Second}, h.pauses)

	snap, ok := h.rc.Snapshot("x.test")
	require.True(t, ok)
	require.Zero(t, snap.Consecutive429)
}

func TestFetcher_CircuitOpensAndStopsTraffic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{BaseDelay: time.Second, CircuitThreshold: 3, CircuitCooldown: time.Minute},
		scriptedStep{status: http.StatusTooManyRequests},
	)

	_, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/contact"})
	require.True(t, crawler.IsCircuitOpen(err), "got %v", err)
	require.Equal(t, 3, h.base.calls)

	snap, _ := h.rc.Snapshot("x.test")
	for _, at := range h.base.times {
		require.False(t, at.After(snap.CircuitOpenUntil.Add(-time.Minute)) && at.Before(snap.CircuitOpenUntil),
			"request fired inside the open window")
	}

	_, err = h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/about"})
	require.True(t, crawler.IsCircuitOpen(err))
	require.Equal(t, 3, h.base.calls, "fail fast without touching the network")
}

func TestFetcher_RobotsLookupRespectsOpenCircuit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{BaseDelay: time.Second, CircuitThreshold: 2, CircuitCooldown: time.Minute},
		scriptedStep{status: http.StatusOK},
	)
	h.rc.AfterResponse("x.test", http.StatusTooManyRequests, 0)
	h.rc.AfterResponse("x.test", http.StatusTooManyRequests, 0)
	snap, ok := h.rc.Snapshot("x.test")
	require.True(t, ok)
	require.Equal(t, ratelimit.StateCircuitOpen, snap.State)

	robots := crawler.NewRobotsEnforcer(true, "test-agent", h.fetcher, zap.NewNop())
	require.True(t, robots.Allowed(context.Background(), "https://x.test/contact"))
	require.True(t, robots.Allowed(context.Background(), "https://x.test/about"))
	require.Zero(t, h.base.calls, "robots.txt must not be requested while the circuit is open")
}

func TestFetcher_RobotsLookupIsPaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{BaseDelay: 2 * time.Second},
		scriptedStep{status: http.StatusTooManyRequests},
		scriptedStep{status: http.StatusOK},
	)

	robots := crawler.NewRobotsEnforcer(true, "test-agent", h.fetcher, zap.NewNop())
	require.True(t, robots.Allowed(context.Background(), "https://x.test/contact"))
	require.Equal(t, 2, h.base.calls)

	snap, ok := h.rc.Snapshot("x.test")
	require.True(t, ok)
	require.Zero(t, snap.Consecutive429)
	require.Equal(t, []time.Duration{0, 4 * time.Second}, h.pauses)
}

func TestFetcher_RetriesTransientWithinBudget(t *testing.T) {
	t.Parallel()

	reset := &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}
	h := newHarness(t, ratelimit.Config{BaseDelay: time.Second},
		scriptedStep{err: reset},
	)

	_, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/"})
	require.Error(t, err)
	require.True(t, crawler.IsTransient(err))
	require.Equal(t, 3, h.base.calls)
}

func TestFetcher_PageTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	timeout := fmt.Errorf("colly fetch canceled: %w", context.DeadlineExceeded)
	h := newHarness(t, ratelimit.Config{BaseDelay: time.Second},
		scriptedStep{err: timeout},
		scriptedStep{status: http.StatusOK},
	)

	resp, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/contact"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, 2, h.base.calls)
}

func TestFetcher_SlowPageRetriedThroughColly(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-time.After(400 * time.Millisecond):
			case <-r.Context().Done():
			}
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	h := newHarness(t, ratelimit.Config{BaseDelay: time.Millisecond})
	h.fetcher.base = collyfetcher.New(collyfetcher.Config{Timeout: 150 * time.Millisecond})

	resp, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/contact"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, resp.Attempts)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetcher_ServerErrorThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{BaseDelay: time.Second},
		scriptedStep{status: http.StatusBadGateway},
		scriptedStep{status: http.StatusOK},
	)
	resp, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
}

func TestFetcher_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	dns := &net.DNSError{Err: "no such host", Name: "x.test", IsNotFound: true}
	h := newHarness(t, ratelimit.Config{}, scriptedStep{err: dns})

	_, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/"})
	require.True(t, crawler.IsPermanent(err))
	require.Equal(t, 1, h.base.calls)
}

func TestFetcher_NotFoundIsAResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{}, scriptedStep{status: http.StatusNotFound})
	resp, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "https://x.test/contact"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetcher_MissingHostIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{}, scriptedStep{status: http.StatusOK})
	_, err := h.fetcher.Fetch(context.Background(), crawler.FetchRequest{URL: "/relative"})
	require.True(t, crawler.IsPermanent(err))
	require.Zero(t, h.base.calls)
}

func TestFetcher_CanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{}, scriptedStep{status: http.StatusOK})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.fetcher.Fetch(ctx, crawler.FetchRequest{URL: "https://x.test/"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.base.calls)
}
