package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
)

// ErrNotFound signals that the requested work item does not exist.
var ErrNotFound = errors.New("work item not found")

// Status mirrors the status column of the stores table.
type Status string

// Persisted statuses. Items enter as url_found or url_verified (written by the
// upstream URL-finding flow) and leave through one of the terminal statuses.
const (
	StatusURLFound         Status = "url_found"
	StatusURLVerified      Status = "url_verified"
	StatusScraping         Status = "email_scraping"
	StatusEmailsFound      Status = "emails_found"
	StatusNoEmailsFound    Status = "no_emails_found"
	StatusFailed           Status = "email_scraping_failed"
	StatusPermanentFailure Status = "email_scraping_permanent_failure"
)

// StatusFor maps a session outcome to the status it is persisted as.
func StatusFor(outcome crawler.Outcome) Status {
	switch outcome {
	case crawler.OutcomeEmailsFound:
		return StatusEmailsFound
	case crawler.OutcomeNoEmailsFound:
		return StatusNoEmailsFound
	case crawler.OutcomeFailed:
		return StatusPermanentFailure
	default:
		return StatusFailed
	}
}

// Record is the full persisted view of one work item.
type Record struct {
	Item         crawler.WorkItem
	Status       Status
	Emails       []string
	RawEmails    []string
	PagesVisited int
	LastError    string
	FailedAt     *time.Time
	ScrapedAt    *time.Time
}

// NewItem describes a store to enqueue.
type NewItem struct {
	TargetID  string
	StoreName string
	BaseURL   string
	Scope     string
}

// LeaseConfig controls claim leases and retry eligibility.
type LeaseConfig struct {
	// Lease is how long a claim stays exclusive (15m).
	Lease time.Duration
	// FailedCooldown is how long a released item waits before it is claimable again (60m).
	FailedCooldown time.Duration
	// MaxAttempts moves an item to permanent failure once reached on release (3).
	MaxAttempts int
}

// WithDefaults fills zero fields.
func (c LeaseConfig) WithDefaults() LeaseConfig {
	if c.Lease <= 0 {
		c.Lease = 15 * time.Minute
	}
	if c.FailedCooldown <= 0 {
		c.FailedCooldown = 60 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Queue is a job source and result sink over one table of work items.
type Queue interface {
	crawler.JobSource
	crawler.ResultSink
	crawler.BacklogCounter
	// Enqueue inserts a claimable item and returns its id.
	Enqueue(ctx context.Context, item NewItem) (string, error)
	// Get loads one item or returns ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
