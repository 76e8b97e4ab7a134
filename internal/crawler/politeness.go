package crawler

import (
	"context"
	"time"
)

// VisitSet remembers URLs already scheduled by a single session. It is not
// safe for concurrent use; sessions crawl one page at a time.
type VisitSet struct {
	limit int
	seen  map[string]struct{}
}

// NewVisitSet builds a set that refuses new entries once limit is reached.
// A non-positive limit means unbounded.
func NewVisitSet(limit int) *VisitSet {
	return &VisitSet{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
// It returns false for duplicates and once the set is full.
func (s *VisitSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	if _, ok := s.seen[url]; ok {
		return false
	}
	if s.limit > 0 && len(s.seen) >= s.limit {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// Len returns the number of marked URLs.
func (s *VisitSet) Len() int {
	return len(s.seen)
}

// Pause waits for delay or until ctx is done, whichever comes first.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
