// Package postgres provides the Postgres-backed job source and result sink.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/id/uuid"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and the work item table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Lease           store.LeaseConfig
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore leases rows of the stores table to schedulers. Claims use
// FOR UPDATE SKIP LOCKED so concurrent schedulers never share an item.
type JobStore struct {
	pool  pgxPool
	table string
	lease store.LeaseConfig
	ids   crawler.IDGenerator
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewJobStoreWithPool(pool, cfg.Table, cfg.Lease, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool, table string, lease store.LeaseConfig, ids crawler.IDGenerator) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "stores"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{pool: pool, table: table, lease: lease.WithDefaults(), ids: ids}, nil
}

// EnsureSchema creates the work item table and its claim index.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                  BIGSERIAL PRIMARY KEY,
	target_id           TEXT NOT NULL DEFAULT '',
	store_name          TEXT NOT NULL DEFAULT '',
	base_url            TEXT NOT NULL,
	scope               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'url_verified',
	attempts            INTEGER NOT NULL DEFAULT 0,
	lease_token         TEXT,
	lease_expires_at    TIMESTAMPTZ,
	recorded_token      TEXT,
	outcome             TEXT,
	emails              JSONB,
	raw_emails          JSONB,
	emails_found        INTEGER NOT NULL DEFAULT 0,
	pages_visited       INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	failed_at           TIMESTAMPTZ,
	scraping_started_at TIMESTAMPTZ,
	emails_scraped_at   TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (status, id);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// eligibleClause selects claimable rows. $1 is the scope, $2 the failed
// cooldown in seconds.
const eligibleClause = `(scope = $1 OR $1 = '') AND (
	status IN ('url_found', 'url_verified')
	OR (status = 'email_scraping_failed' AND failed_at <= now() - make_interval(secs => $2))
	OR (status = 'email_scraping' AND lease_expires_at <= now())
)`

// ClaimNext leases the lowest-id eligible row.
func (s *JobStore) ClaimNext(ctx context.Context, scope string) (crawler.WorkItem, bool, error) {
	token, err := s.ids.NewID()
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("lease token: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'email_scraping',
	attempts = attempts + 1,
	lease_token = $3,
	lease_expires_at = now() + make_interval(secs => $4),
	scraping_started_at = now()
WHERE id = (
	SELECT id FROM %[1]s
	WHERE %[2]s
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id::text, target_id, store_name, base_url, scope, attempts, lease_expires_at`, s.table, eligibleClause)

	item := crawler.WorkItem{LeaseToken: token}
	err = s.pool.QueryRow(ctx, query,
		scope,
		s.lease.FailedCooldown.Seconds(),
		token,
		s.lease.Lease.Seconds(),
	).Scan(&item.ID, &item.TargetID, &item.StoreName, &item.BaseURL, &item.Scope, &item.Attempts, &item.LeaseExpires)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkItem{}, false, nil
	}
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("claim work item: %w", err)
	}
	return item, true, nil
}

// Release returns a deferred item to the failed pool, or to permanent failure
// once it has used its attempts.
func (s *JobStore) Release(ctx context.Context, item crawler.WorkItem, reason string) error {
	id, err := parseID(item.ID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = CASE WHEN attempts >= $1 THEN 'email_scraping_permanent_failure' ELSE 'email_scraping_failed' END,
	last_error = $2,
	failed_at = now(),
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = $3 AND lease_token = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.lease.MaxAttempts, reason, id, item.LeaseToken)
	if err != nil {
		return fmt.Errorf("release work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// Return hands an unfinished claim back. Items that had never failed go back
// to url_verified; retried items keep their earlier failed_at, so they stay
// claimable.
func (s *JobStore) Return(ctx context.Context, item crawler.WorkItem) error {
	id, err := parseID(item.ID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = CASE WHEN failed_at IS NULL THEN 'url_verified' ELSE 'email_scraping_failed' END,
	attempts = GREATEST(attempts - 1, 0),
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = $1 AND lease_token = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, item.LeaseToken)
	if err != nil {
		return fmt.Errorf("return work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// RecordResult writes a terminal result. The write is accepted from the
// current lease holder, or replayed by the holder that already recorded it.
func (s *JobStore) RecordResult(ctx context.Context, res crawler.JobResult) error {
	id, err := parseID(res.Item.ID)
	if err != nil {
		return err
	}
	if res.Item.LeaseToken == "" {
		return crawler.ErrLeaseLost
	}
	emailsJSON, err := marshalEmails(res.Emails)
	if err != nil {
		return err
	}
	rawJSON, err := marshalEmails(res.RawEmails)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $1,
	outcome = $2,
	emails = $3,
	raw_emails = $4,
	emails_found = $5,
	pages_visited = $6,
	last_error = $7,
	emails_scraped_at = $8,
	recorded_token = $9,
	lease_token = NULL,
	lease_expires_at = NULL
WHERE id = $10 AND (lease_token = $9 OR (lease_token IS NULL AND recorded_token = $9))`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(store.StatusFor(res.Outcome)),
		string(res.Outcome),
		emailsJSON,
		rawJSON,
		len(res.Emails),
		res.PagesVisited,
		res.Reason,
		res.FinishedAt,
		res.Item.LeaseToken,
		id,
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrLeaseLost
	}
	return nil
}

// PendingCount counts rows a ClaimNext call could return right now.
func (s *JobStore) PendingCount(ctx context.Context, scope string) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, s.table, eligibleClause)
	var n int64
	if err := s.pool.QueryRow(ctx, query, scope, s.lease.FailedCooldown.Seconds()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return int(n), nil
}

// Enqueue inserts a url_verified row.
func (s *JobStore) Enqueue(ctx context.Context, item store.NewItem) (string, error) {
	if item.BaseURL == "" {
		return "", fmt.Errorf("base url is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (target_id, store_name, base_url, scope, status)
VALUES ($1, $2, $3, $4, 'url_verified')
RETURNING id::text`, s.table)
	var id string
	if err := s.pool.QueryRow(ctx, query, item.TargetID, item.StoreName, item.BaseURL, item.Scope).Scan(&id); err != nil {
		return "", fmt.Errorf("enqueue work item: %w", err)
	}
	return id, nil
}

// Get loads one row or returns store.ErrNotFound.
func (s *JobStore) Get(ctx context.Context, rawID string) (store.Record, error) {
	id, err := parseID(rawID)
	if err != nil {
		return store.Record{}, store.ErrNotFound
	}
	query := fmt.Sprintf(`
SELECT id::text, target_id, store_name, base_url, scope, attempts, status,
	coalesce(emails, '[]'::jsonb), coalesce(raw_emails, '[]'::jsonb), pages_visited,
	coalesce(last_error, ''), failed_at, emails_scraped_at
FROM %s WHERE id = $1`, s.table)

	var (
		rec               store.Record
		status            string
		emails, rawEmails []byte
	)
	err = s.pool.QueryRow(ctx, query, id).Scan(
		&rec.Item.ID, &rec.Item.TargetID, &rec.Item.StoreName, &rec.Item.BaseURL, &rec.Item.Scope,
		&rec.Item.Attempts, &status, &emails, &rawEmails, &rec.PagesVisited, &rec.LastError,
		&rec.FailedAt, &rec.ScrapedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get work item: %w", err)
	}
	rec.Status = store.Status(status)
	if err := json.Unmarshal(emails, &rec.Emails); err != nil {
		return store.Record{}, fmt.Errorf("decode emails: %w", err)
	}
	if err := json.Unmarshal(rawEmails, &rec.RawEmails); err != nil {
		return store.Record{}, fmt.Errorf("decode raw emails: %w", err)
	}
	return rec, nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed item id %q", crawler.ErrLeaseLost, raw)
	}
	return id, nil
}

func marshalEmails(emails []string) ([]byte, error) {
	if emails == nil {
		emails = []string{}
	}
	b, err := json.Marshal(emails)
	if err != nil {
		return nil, fmt.Errorf("marshal emails: %w", err)
	}
	return b, nil
}
