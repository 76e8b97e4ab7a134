// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"strings"
	"time"
)

// Outcome is the disposition of one crawl session.
type Outcome string

// Session outcomes. Only the first three are terminal; OutcomeDeferred items
// go back to the job source for a later pass.
const (
	OutcomeEmailsFound   Outcome = "emails_found"
	OutcomeNoEmailsFound Outcome = "no_emails_found"
	OutcomeFailed        Outcome = "failed"
	OutcomeDeferred      Outcome = "deferred"
)

// Terminal reports whether the outcome ends the item's lifecycle.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeEmailsFound, OutcomeNoEmailsFound, OutcomeFailed:
		return true
	default:
		return false
	}
}

// WorkItem is one store awaiting email extraction. It is immutable once
// claimed and owned by exactly one session.
type WorkItem struct {
	// ID uniquely identifies the item inside the job source.
	ID string `json:"id"`
	// TargetID is the opaque key of the target (for example a store id).
	TargetID string `json:"target_id"`
	// StoreName is optional context handed to the classifier.
	StoreName string `json:"store_name,omitempty"`
	// BaseURL is the site root to crawl.
	BaseURL string `json:"base_url"`
	// Scope optionally groups items (the owning batch or app name).
	Scope string `json:"scope,omitempty"`
	// Attempts counts claims so far, including the current one.
	Attempts int `json:"attempts"`
	// LeaseToken identifies the current claim; sinks use it to reject stale writers.
	LeaseToken string `json:"-"`
	// LeaseExpires is when the claim lapses and the item becomes claimable again.
	LeaseExpires time.Time `json:"-"`
}

// JobResult is produced once per WorkItem and consumed by the result sink.
type JobResult struct {
	Item    WorkItem `json:"item"`
	Outcome Outcome  `json:"outcome"`
	// Emails holds validated addresses, best first.
	Emails []string `json:"emails,omitempty"`
	// RawEmails holds every plausible address seen, validated or not.
	RawEmails       []string      `json:"raw_emails,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	PagesVisited    int           `json:"pages_visited"`
	PagesFailed     int           `json:"pages_failed"`
	PagesDiscovered int           `json:"pages_discovered"`
	Duration        time.Duration `json:"duration"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// ContentType returns the response's declared media type, lower-cased.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return strings.ToLower(r.Headers.Get("Content-Type"))
}

// Candidate is one ranked email produced by a Classifier.
type Candidate struct {
	Email    string  `json:"email"`
	Score    float64 `json:"score"`
	Category string  `json:"category"`
	Reason   string  `json:"reason,omitempty"`
}

// ClassifyRequest carries the context a Classifier needs to rank emails.
type ClassifyRequest struct {
	BaseURL    string
	StoreName  string
	Candidates []string
}

// SchedulerStatus is the read-only snapshot exposed to operators.
type SchedulerStatus struct {
	Running          bool     `json:"running"`
	Draining         bool     `json:"draining"`
	Scope            string   `json:"scope,omitempty"`
	Capacity         int      `json:"capacity"`
	ActiveCount      int      `json:"active_count"`
	AvailableSlots   int      `json:"available_slots"`
	PendingCountHint int      `json:"pending_count_hint"`
	ActiveIDs        []string `json:"active_ids"`
}
