package crawler

import (
	"context"
	"time"
)

// JobSource hands out claimable work items under a lease.
type JobSource interface {
	// ClaimNext leases the next eligible item. ok is false when nothing is claimable.
	ClaimNext(ctx context.Context, scope string) (item WorkItem, ok bool, err error)
	// Release ends a claim without a terminal result so the item can be retried later.
	Release(ctx context.Context, item WorkItem, reason string) error
	// Return hands back a claim the worker never got to finish. The attempt is
	// refunded and the item is claimable again at once.
	Return(ctx context.Context, item WorkItem) error
}

// ResultSink durably records terminal results. RecordResult must be idempotent.
type ResultSink interface {
	RecordResult(ctx context.Context, result JobResult) error
}

// BacklogCounter is optionally implemented by job sources that can estimate
// how many items are waiting.
type BacklogCounter interface {
	PendingCount(ctx context.Context, scope string) (int, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Classifier ranks candidate emails for a target, best first.
type Classifier interface {
	Rank(ctx context.Context, request ClassifyRequest) ([]Candidate, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// FetchPolicy decides whether a discovered URL may be fetched at a depth.
type FetchPolicy interface {
	AllowFetch(itemID, rawURL string, depth int) bool
}
