package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLeaseLost is returned by result sinks when another claimant owns the item.
// Retrying cannot succeed, so callers treat it as permanent.
var ErrLeaseLost = errors.New("lease lost")

// TransientFetchError marks a page fetch that may succeed on retry.
type TransientFetchError struct {
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RateLimitedError reports a 429 (or equivalent) from a host.
type RateLimitedError struct {
	Host       string
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (status %d, retry after %s)", e.Host, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s (status %d)", e.Host, e.StatusCode)
}

// CircuitOpenError is returned while a host's breaker refuses traffic.
type CircuitOpenError struct {
	Host  string
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Host, e.Until.Format(time.RFC3339))
}

// PermanentTargetError marks a target that cannot be reached at all.
type PermanentTargetError struct {
	URL string
	Err error
}

func (e *PermanentTargetError) Error() string {
	return fmt.Sprintf("permanent target error for %s: %v", e.URL, e.Err)
}

func (e *PermanentTargetError) Unwrap() error { return e.Err }

// SchedulerInternalError wraps a panic recovered from a session.
type SchedulerInternalError struct {
	ItemID string
	Value  any
	Stack  []byte
}

func (e *SchedulerInternalError) Error() string {
	return fmt.Sprintf("session panic for item %s: %v", e.ItemID, e.Value)
}

// HTTPStatusError reports a non-success status that is not a rate-limit signal.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// IsCircuitOpen reports whether err carries a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// IsPermanent reports whether err carries a PermanentTargetError.
func IsPermanent(err error) bool {
	var target *PermanentTargetError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying within the page budget.
func IsTransient(err error) bool {
	var transient *TransientFetchError
	if errors.As(err, &transient) {
		return true
	}
	var limited *RateLimitedError
	return errors.As(err, &limited)
}

// ClassifyFetchError maps a raw transport error onto the fetch taxonomy.
// Context errors are returned untouched so callers can tell cancellation apart.
func ClassifyFetchError(rawURL string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsPermanent(err) || IsTransient(err) || IsCircuitOpen(err) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return &TransientFetchError{URL: rawURL, Err: err}
		}
		return &PermanentTargetError{URL: rawURL, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return &PermanentTargetError{URL: rawURL, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return &PermanentTargetError{URL: rawURL, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientFetchError{URL: rawURL, Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &TransientFetchError{URL: rawURL, Err: err}
	}
	// colly flattens some transport errors into strings.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused") {
		return &PermanentTargetError{URL: rawURL, Err: err}
	}
	return &TransientFetchError{URL: rawURL, Err: err}
}

// ParseRetryAfter reads a Retry-After header given either as delta seconds or
// an HTTP date. It returns zero when the header is absent or unusable.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
