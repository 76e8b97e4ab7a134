package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/config"
	"github.com/JakeFAU/store-email-crawler/internal/scheduler"
	"github.com/JakeFAU/store-email-crawler/internal/storage/memory"
	sqlitestore "github.com/JakeFAU/store-email-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Scheduler.Capacity = 2
	cfg.Rate.BaseDelay = time.Millisecond
	cfg.Rate.MaxDelay = 10 * time.Millisecond
	cfg.Fetch.Timeout = 2 * time.Second
	cfg.Fetch.RetryBaseDelay = time.Millisecond
	cfg.Fetch.RetryMaxDelay = time.Millisecond
	cfg.Session.MaxPages = 4
	cfg.Session.Deadline = 10 * time.Second
	return &cfg
}

func TestOpenQueueSelectsBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	q, err := OpenQueue(context.Background(), cfg, system.New())
	require.NoError(t, err)
	require.IsType(t, &memory.JobStore{}, q)

	cfg.Storage.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "jobs.db")
	q, err = OpenQueue(context.Background(), cfg, system.New())
	require.NoError(t, err)
	require.IsType(t, &sqlitestore.JobStore{}, q)
	require.NoError(t, q.Close())
}

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "data", "jobs.db")
	require.NoError(t, Migrate(context.Background(), cfg, zaptest.NewLogger(t)))
	require.FileExists(t, cfg.SQLite.Path)
}

func TestBuildServesOperatorSurface(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/scheduler/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildCrawlsEnqueuedStore(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><footer>Write to <a href="mailto:hello@acmestore.com">us</a></footer></body></html>`))
	}))
	t.Cleanup(site.Close)

	app, err := BuildWithLogger(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx := context.Background()
	id, err := app.Queue().Enqueue(ctx, store.NewItem{TargetID: "store-1", StoreName: "Acme", BaseURL: site.URL})
	require.NoError(t, err)

	require.NoError(t, app.Scheduler().Start(ctx, scheduler.Options{}))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Scheduler().Stop(stopCtx)
	})

	var rec store.Record
	require.Eventually(t, func() bool {
		rec, err = app.Queue().Get(ctx, id)
		return err == nil && (rec.Status == store.StatusEmailsFound || rec.Status == store.StatusNoEmailsFound)
	}, 10*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, rec.PagesVisited, 1)
	require.Contains(t, rec.RawEmails, "hello@acmestore.com")
}
