// Package sqlite provides an embedded job source and result sink for
// single-node runs. Claims are one UPDATE ... RETURNING statement, so an item
// is never handed to two callers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/id/uuid"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS stores (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id           TEXT NOT NULL DEFAULT '',
	store_name          TEXT NOT NULL DEFAULT '',
	base_url            TEXT NOT NULL,
	scope               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'url_verified',
	attempts            INTEGER NOT NULL DEFAULT 0,
	lease_token         TEXT,
	lease_expires_at    INTEGER,
	recorded_token      TEXT,
	outcome             TEXT,
	emails              TEXT,
	raw_emails          TEXT,
	emails_found        INTEGER NOT NULL DEFAULT 0,
	pages_visited       INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	failed_at           INTEGER,
	scraping_started_at INTEGER,
	emails_scraped_at   INTEGER,
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stores_claim ON stores (status, id);`

// eligibleClause selects claimable rows: ?1 scope, ?2 failed-cooldown cutoff,
// ?3 now. Times are unix milliseconds.
const eligibleClause = `(scope = ?1 OR ?1 = '') AND (
	status IN ('url_found', 'url_verified')
	OR (status = 'email_scraping_failed' AND failed_at <= ?2)
	OR (status = 'email_scraping' AND lease_expires_at <= ?3)
)`

// JobStore implements store.Queue on a SQLite database.
type JobStore struct {
	db    *sql.DB
	lease store.LeaseConfig
	clock crawler.Clock
	ids   crawler.IDGenerator
}

// Open opens (creating if needed) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, lease store.LeaseConfig, clock crawler.Clock) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 10000", "PRAGMA synchronous = NORMAL"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := New(db, lease, clock, nil)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *sql.DB, lease store.LeaseConfig, clock crawler.Clock, ids crawler.IDGenerator) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{db: db, lease: lease.WithDefaults(), clock: clock, ids: ids}
}

// EnsureSchema creates the stores table and its claim index.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Enqueue inserts a url_verified row.
func (s *JobStore) Enqueue(ctx context.Context, item store.NewItem) (string, error) {
	if item.BaseURL == "" {
		return "", fmt.Errorf("base url is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stores (target_id, store_name, base_url, scope, status, created_at) VALUES (?, ?, ?, ?, 'url_verified', ?)`,
		item.TargetID, item.StoreName, item.BaseURL, item.Scope, s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue work item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("enqueue work item: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// ClaimNext leases the lowest-id eligible row.
func (s *JobStore) ClaimNext(ctx context.Context, scope string) (crawler.WorkItem, bool, error) {
	token, err := s.ids.NewID()
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("lease token: %w", err)
	}
	now := s.clock.Now()
	expires := now.Add(s.lease.Lease)

	var (
		item crawler.WorkItem
		id   int64
	)
	err = s.db.QueryRowContext(ctx, `
UPDATE stores SET status = 'email_scraping',
	attempts = attempts + 1,
	lease_token = ?4,
	lease_expires_at = ?5,
	scraping_started_at = ?3
WHERE id = (
	SELECT id FROM stores WHERE `+eligibleClause+`
	ORDER BY id
	LIMIT 1
)
RETURNING id, target_id, store_name, base_url, scope, attempts`,
		scope, now.Add(-s.lease.FailedCooldown).UnixMilli(), now.UnixMilli(), token, expires.UnixMilli(),
	).Scan(&id, &item.TargetID, &item.StoreName, &item.BaseURL, &item.Scope, &item.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.WorkItem{}, false, nil
	}
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("claim work item: %w", err)
	}
	item.ID = strconv.FormatInt(id, 10)
	item.LeaseToken = token
	item.LeaseExpires = time.UnixMilli(expires.UnixMilli()).UTC()
	return item, true, nil
}

// Release returns a deferred item to the failed pool, or to permanent failure
// once it has used its attempts.
func (s *JobStore) Release(ctx context.Context, item crawler.WorkItem, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE stores SET status = CASE WHEN attempts >= ? THEN 'email_scraping_permanent_failure' ELSE 'email_scraping_failed' END,
	last_error = ?,
	failed_at = ?,
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = ? AND lease_token = ?`,
		s.lease.MaxAttempts, reason, s.clock.Now().UnixMilli(), item.ID, item.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	return leaseCheck(res)
}

// Return hands an unfinished claim back and refunds its attempt.
func (s *JobStore) Return(ctx context.Context, item crawler.WorkItem) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE stores SET status = CASE WHEN failed_at IS NULL THEN 'url_verified' ELSE 'email_scraping_failed' END,
	attempts = MAX(attempts - 1, 0),
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = ? AND lease_token = ?`,
		item.ID, item.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("return work item: %w", err)
	}
	return leaseCheck(res)
}

// RecordResult writes a terminal result. The write is accepted from the
// current lease holder, or replayed by the holder that already recorded it.
func (s *JobStore) RecordResult(ctx context.Context, res crawler.JobResult) error {
	if res.Item.LeaseToken == "" {
		return crawler.ErrLeaseLost
	}
	emails, err := marshalEmails(res.Emails)
	if err != nil {
		return err
	}
	raw, err := marshalEmails(res.RawEmails)
	if err != nil {
		return err
	}
	out, err := s.db.ExecContext(ctx, `
UPDATE stores SET status = ?1,
	outcome = ?2,
	emails = ?3,
	raw_emails = ?4,
	emails_found = ?5,
	pages_visited = ?6,
	last_error = ?7,
	emails_scraped_at = ?8,
	recorded_token = ?9,
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = ?10 AND (lease_token = ?9 OR (lease_token IS NULL AND recorded_token = ?9))`,
		string(store.StatusFor(res.Outcome)), string(res.Outcome), emails, raw,
		len(res.Emails), res.PagesVisited, res.Reason, res.FinishedAt.UnixMilli(),
		res.Item.LeaseToken, res.Item.ID,
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return leaseCheck(out)
}

// PendingCount counts rows a ClaimNext call could return right now.
func (s *JobStore) PendingCount(ctx context.Context, scope string) (int, error) {
	now := s.clock.Now()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM stores WHERE `+eligibleClause,
		scope, now.Add(-s.lease.FailedCooldown).UnixMilli(), now.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Get loads one row or returns store.ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (store.Record, error) {
	var (
		rec                       store.Record
		rowID                     int64
		status                    string
		emails, rawEmails, errMsg sql.NullString
		failedAt, scrapedAt       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, target_id, store_name, base_url, scope, attempts, status,
	emails, raw_emails, pages_visited, last_error, failed_at, emails_scraped_at
FROM stores WHERE id = ?`, id,
	).Scan(&rowID, &rec.Item.TargetID, &rec.Item.StoreName, &rec.Item.BaseURL, &rec.Item.Scope,
		&rec.Item.Attempts, &status, &emails, &rawEmails, &rec.PagesVisited, &errMsg, &failedAt, &scrapedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get work item: %w", err)
	}
	rec.Item.ID = strconv.FormatInt(rowID, 10)
	rec.Status = store.Status(status)
	rec.LastError = errMsg.String
	rec.FailedAt = millis(failedAt)
	rec.ScrapedAt = millis(scrapedAt)
	if rec.Emails, err = unmarshalEmails(emails); err != nil {
		return store.Record{}, err
	}
	if rec.RawEmails, err = unmarshalEmails(rawEmails); err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// Ping checks the database handle.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *JobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func leaseCheck(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

func millis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func marshalEmails(emails []string) (string, error) {
	if emails == nil {
		emails = []string{}
	}
	b, err := json.Marshal(emails)
	if err != nil {
		return "", fmt.Errorf("marshal emails: %w", err)
	}
	return string(b), nil
}

func unmarshalEmails(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}
	return out, nil
}
