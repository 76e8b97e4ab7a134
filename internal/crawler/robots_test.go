package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type robotsFetcher struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	urls   []string
}

func (f *robotsFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, req.URL)
	if f.err != nil {
		return FetchResponse{}, f.err
	}
	return FetchResponse{URL: req.URL, StatusCode: f.status, Body: []byte(f.body)}, nil
}

func (f *robotsFetcher) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func TestRobotsEnforcer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := NewRobotsEnforcer(false, "test-agent", &robotsFetcher{}, logger)
	require.True(t, allowAll.Allowed(ctx, "https://example.com/whatever"))

	f := &robotsFetcher{status: http.StatusOK, body: "User-agent: *\nDisallow: /blocked\n"}
	enforcer := NewRobotsEnforcer(true, "test-agent", f, logger)
	require.True(t, enforcer.Allowed(ctx, "https://shop.test/allowed"))
	require.False(t, enforcer.Allowed(ctx, "https://shop.test/blocked/page"))
	require.True(t, enforcer.Allowed(ctx, "https://SHOP.test/other"))
	require.Equal(t, []string{"https://shop.test/robots.txt"}, f.urls)
}

func TestRobotsEnforcer_MissingFileAllows(t *testing.T) {
	t.Parallel()

	f := &robotsFetcher{status: http.StatusNotFound}
	enforcer := NewRobotsEnforcer(true, "test-agent", f, zap.NewNop())
	require.True(t, enforcer.Allowed(context.Background(), "https://shop.test/contact"))
	require.True(t, enforcer.Allowed(context.Background(), "https://shop.test/about"))
	require.Equal(t, 1, f.hits())
}

func TestRobotsEnforcer_FailureCachedBriefly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &robotsFetcher{err: &TransientFetchError{URL: "https://slow.test/robots.txt", Err: errors.New("i/o timeout")}}
	policy := NewRobotsEnforcer(true, "test-agent", f, zap.NewNop())
	enforcer, ok := policy.(*RobotsEnforcer)
	require.True(t, ok)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	enforcer.now = func() time.Time { return now }

	for range 5 {
		require.True(t, enforcer.Allowed(ctx, "https://slow.test/page"))
	}
	require.Equal(t, 1, f.hits(), "failed lookups must not be repeated per page")

	now = now.Add(robotsRetryAfter)
	require.True(t, enforcer.Allowed(ctx, "https://slow.test/page"))
	require.Equal(t, 2, f.hits())
}

func TestRobotsEnforcer_NilFetcherAllows(t *testing.T) {
	t.Parallel()

	enforcer := NewRobotsEnforcer(true, "test-agent", nil, zap.NewNop())
	require.True(t, enforcer.Allowed(context.Background(), "http://127.0.0.1:1/page"))
}
