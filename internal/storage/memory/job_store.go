// Package memory provides an in-process job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/id/uuid"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

type entry struct {
	rec           store.Record
	leaseToken    string
	recordedToken string
}

// JobStore implements store.Queue in memory. Items are claimed in insertion order.
type JobStore struct {
	cfg   store.LeaseConfig
	clock crawler.Clock
	ids   crawler.IDGenerator

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	nextID  int
}

// NewJobStore constructs a JobStore. Nil clock and ids fall back to the system
// clock and UUID tokens.
func NewJobStore(cfg store.LeaseConfig, clock crawler.Clock, ids crawler.IDGenerator) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{
		cfg:     cfg.WithDefaults(),
		clock:   clock,
		ids:     ids,
		entries: make(map[string]*entry),
	}
}

// Enqueue adds a url_verified item.
func (s *JobStore) Enqueue(_ context.Context, item store.NewItem) (string, error) {
	if item.BaseURL == "" {
		return "", fmt.Errorf("base url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.entries[id] = &entry{rec: store.Record{
		Item: crawler.WorkItem{
			ID:        id,
			TargetID:  item.TargetID,
			StoreName: item.StoreName,
			BaseURL:   item.BaseURL,
			Scope:     item.Scope,
		},
		Status: store.StatusURLVerified,
	}}
	s.order = append(s.order, id)
	return id, nil
}

// ClaimNext leases the oldest eligible item.
func (s *JobStore) ClaimNext(ctx context.Context, scope string) (crawler.WorkItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("claim next: %w", err)
	}
	token, err := s.ids.NewID()
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("lease token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, id := range s.order {
		e := s.entries[id]
		if !s.eligible(e, scope, now) {
			continue
		}
		e.rec.Status = store.StatusScraping
		e.rec.Item.Attempts++
		e.rec.Item.LeaseToken = token
		e.rec.Item.LeaseExpires = now.Add(s.cfg.Lease)
		e.leaseToken = token
		return e.rec.Item, true, nil
	}
	return crawler.WorkItem{}, false, nil
}

// Release returns a deferred item to the failed pool, or to permanent failure
// once it has used its attempts.
func (s *JobStore) Release(_ context.Context, item crawler.WorkItem, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[item.ID]
	if !ok || item.LeaseToken == "" || e.leaseToken != item.LeaseToken {
		return crawler.ErrLeaseLost
	}
	now := s.clock.Now()
	e.rec.Status = store.StatusFailed
	if e.rec.Item.Attempts >= s.cfg.MaxAttempts {
		e.rec.Status = store.StatusPermanentFailure
	}
	e.rec.LastError = reason
	e.rec.FailedAt = &now
	e.clearLease()
	return nil
}

// Return restores the item to its pre-claim status and refunds the attempt.
func (s *JobStore) Return(_ context.Context, item crawler.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[item.ID]
	if !ok || item.LeaseToken == "" || e.leaseToken != item.LeaseToken {
		return crawler.ErrLeaseLost
	}
	e.rec.Status = store.StatusURLVerified
	if e.rec.FailedAt != nil {
		e.rec.Status = store.StatusFailed
	}
	e.rec.Item.Attempts = max(e.rec.Item.Attempts-1, 0)
	e.clearLease()
	return nil
}

// RecordResult writes a terminal result. Replaying the same result is a no-op.
func (s *JobStore) RecordResult(_ context.Context, res crawler.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[res.Item.ID]
	token := res.Item.LeaseToken
	switch {
	case !ok || token == "":
		return crawler.ErrLeaseLost
	case e.leaseToken == token:
	case e.leaseToken == "" && e.recordedToken == token:
	default:
		return crawler.ErrLeaseLost
	}
	finished := res.FinishedAt
	e.rec.Status = store.StatusFor(res.Outcome)
	e.rec.Emails = slices.Clone(res.Emails)
	e.rec.RawEmails = slices.Clone(res.RawEmails)
	e.rec.PagesVisited = res.PagesVisited
	e.rec.LastError = res.Reason
	e.rec.ScrapedAt = &finished
	e.recordedToken = token
	e.clearLease()
	return nil
}

// PendingCount counts items a ClaimNext call could return right now.
func (s *JobStore) PendingCount(_ context.Context, scope string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	n := 0
	for _, e := range s.entries {
		if s.eligible(e, scope, now) {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of one item.
func (s *JobStore) Get(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	rec := e.rec
	rec.Emails = slices.Clone(rec.Emails)
	rec.RawEmails = slices.Clone(rec.RawEmails)
	return rec, nil
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *JobStore) Close() error { return nil }

func (s *JobStore) eligible(e *entry, scope string, now time.Time) bool {
	if scope != "" && e.rec.Item.Scope != scope {
		return false
	}
	switch e.rec.Status {
	case store.StatusURLFound, store.StatusURLVerified:
		return true
	case store.StatusFailed:
		return e.rec.FailedAt != nil && !now.Before(e.rec.FailedAt.Add(s.cfg.FailedCooldown))
	case store.StatusScraping:
		return !now.Before(e.rec.Item.LeaseExpires)
	default:
		return false
	}
}

func (e *entry) clearLease() {
	e.leaseToken = ""
	e.rec.Item.LeaseToken = ""
	e.rec.Item.LeaseExpires = time.Time{}
}
