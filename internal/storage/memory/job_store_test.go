package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

func newStore(t *testing.T, cfg store.LeaseConfig) (*JobStore, *system.Manual) {
	t.Helper()
	clk := system.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewJobStore(cfg, clk, nil), clk
}

func enqueue(t *testing.T, s *JobStore, baseURL, scope string) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), store.NewItem{TargetID: "t-" + baseURL, BaseURL: baseURL, Scope: scope})
	require.NoError(t, err)
	return id
}

func TestClaimIsFIFOAndExclusive(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{})
	ctx := context.Background()
	first := enqueue(t, s, "a.com", "")
	second := enqueue(t, s, "b.com", "")

	item, ok, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, item.ID)
	require.Equal(t, 1, item.Attempts)
	require.NotEmpty(t, item.LeaseToken)

	item, ok, err = s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, item.ID)

	_, ok, err = s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimHonoursScope(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{})
	enqueue(t, s, "a.com", "shopify")
	want := enqueue(t, s, "b.com", "wix")

	n, err := s.PendingCount(context.Background(), "wix")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	item, ok, err := s.ClaimNext(context.Background(), "wix")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, item.ID)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()

	s, clk := newStore(t, store.LeaseConfig{Lease: time.Minute})
	ctx := context.Background()
	enqueue(t, s, "a.com", "")

	stale, ok, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	fresh, ok, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stale.ID, fresh.ID)
	require.Equal(t, 2, fresh.Attempts)

	require.ErrorIs(t, s.RecordResult(ctx, crawler.JobResult{Item: stale, Outcome: crawler.OutcomeNoEmailsFound}), crawler.ErrLeaseLost)
	require.NoError(t, s.RecordResult(ctx, crawler.JobResult{Item: fresh, Outcome: crawler.OutcomeNoEmailsFound}))
}

func TestRecordResultIsIdempotent(t *testing.T) {
	t.Parallel()

	s, clk := newStore(t, store.LeaseConfig{})
	ctx := context.Background()
	id := enqueue(t, s, "a.com", "")
	item, _, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)

	res := crawler.JobResult{
		Item:         item,
		Outcome:      crawler.OutcomeEmailsFound,
		Emails:       []string{"info@a.com"},
		RawEmails:    []string{"info@a.com", "x@vendor.com"},
		PagesVisited: 4,
		FinishedAt:   clk.Now(),
	}
	require.NoError(t, s.RecordResult(ctx, res))
	once, err := s.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.RecordResult(ctx, res))
	twice, err := s.Get(ctx, id)
	require.NoError(t, err)

	require.Equal(t, once, twice)
	require.Equal(t, store.StatusEmailsFound, twice.Status)
	require.Equal(t, []string{"info@a.com"}, twice.Emails)
	require.Equal(t, 4, twice.PagesVisited)
	require.Empty(t, twice.Item.LeaseToken)

	n, err := s.PendingCount(ctx, "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFailedOutcomeIsPermanent(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{})
	ctx := context.Background()
	id := enqueue(t, s, "nxdomain.invalid", "")
	item, _, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)

	require.NoError(t, s.RecordResult(ctx, crawler.JobResult{Item: item, Outcome: crawler.OutcomeFailed, Reason: "no such host"}))
	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPermanentFailure, rec.Status)
	require.Equal(t, "no such host", rec.LastError)
}

func TestReleaseCooldownAndAttemptCap(t *testing.T) {
	t.Parallel()

	s, clk := newStore(t, store.LeaseConfig{FailedCooldown: time.Hour, MaxAttempts: 2})
	ctx := context.Background()
	id := enqueue(t, s, "a.com", "")

	item, _, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, item, "circuit open"))
	require.ErrorIs(t, s.Release(ctx, item, "again"), crawler.ErrLeaseLost)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, rec.Status)

	_, ok, err := s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.False(t, ok, "released item must wait out the cooldown")

	clk.Advance(time.Hour)
	item, ok, err = s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, item.Attempts)

	require.NoError(t, s.Release(ctx, item, "circuit open"))
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPermanentFailure, rec.Status)

	clk.Advance(2 * time.Hour)
	_, ok, err = s.ClaimNext(ctx, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentClaimsNeverShareAnItem(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{})
	for i := range 50 {
		enqueue(t, s, fmt.Sprintf("s%d.com", i), "")
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := s.ClaimNext(context.Background(), "")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{})
	_, err := s.Get(context.Background(), "404")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Enqueue(context.Background(), store.NewItem{})
	require.Error(t, err)
}

func TestReturnRefundsAttemptWithoutCooldown(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t, store.LeaseConfig{FailedCooldown: time.Hour, MaxAttempts: 2})
	ctx := context.Background()
	id := enqueue(t, s, "a.com", "")

	for range 3 {
		item, ok, err := s.ClaimNext(ctx, "")
		require.NoError(t, err)
		require.True(t, ok, "returned item must be claimable at once")
		require.Equal(t, 1, item.Attempts)
		require.NoError(t, s.Return(ctx, item))
		require.ErrorIs(t, s.Return(ctx, item), crawler.ErrLeaseLost)
	}

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusURLVerified, rec.Status)
	require.Zero(t, rec.Item.Attempts)
	require.Nil(t, rec.FailedAt)
}
