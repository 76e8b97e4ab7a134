package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/publisher/memory"
)

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) RecordResult(context.Context, crawler.JobResult) error {
	s.calls++
	return s.err
}

func result() crawler.JobResult {
	return crawler.JobResult{
		Item:         crawler.WorkItem{ID: "7", TargetID: "store-7", BaseURL: "https://acme.com", Scope: "wix"},
		Outcome:      crawler.OutcomeEmailsFound,
		Emails:       []string{"info@acme.com"},
		PagesVisited: 3,
		Duration:     1500 * time.Millisecond,
		FinishedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestNotifyingSinkPublishesAfterRecord(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	pub := memory.New()
	n := NewNotifyingSink(sink, pub, "email-results", zaptest.NewLogger(t))

	require.NoError(t, n.RecordResult(context.Background(), result()))
	require.Equal(t, 1, sink.calls)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "email-results", msgs[0].Topic)
	ev, ok := msgs[0].Payload.(ResultEvent)
	require.True(t, ok)
	require.Equal(t, "7", ev.ItemID)
	require.Equal(t, "emails_found", ev.Outcome)
	require.Equal(t, int64(1500), ev.DurationMS)
	require.Equal(t, map[string]string{"outcome": "emails_found", "item_id": "7", "scope": "wix"}, ev.Attributes())
}

func TestNotifyingSinkSkipsPublishWhenRecordFails(t *testing.T) {
	t.Parallel()

	sink := &stubSink{err: crawler.ErrLeaseLost}
	pub := memory.New()
	n := NewNotifyingSink(sink, pub, "email-results", nil)

	require.ErrorIs(t, n.RecordResult(context.Background(), result()), crawler.ErrLeaseLost)
	require.Empty(t, pub.Messages())
}

func TestNotifyingSinkIgnoresPublishFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("topic not found"))
	n := NewNotifyingSink(&stubSink{}, pub, "email-results", nil)

	require.NoError(t, n.RecordResult(context.Background(), result()))
	require.NoError(t, NewNotifyingSink(&stubSink{}, nil, "", nil).RecordResult(context.Background(), result()))
}
