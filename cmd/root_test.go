package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/store-email-crawler/internal/config"
	sqlitestore "github.com/JakeFAU/store-email-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "storage:\n  backend: sqlite\nsqlite:\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	out, err := run(t, "", "migrate", "--config", writeConfig(t, dbPath))
	require.NoError(t, err)
	require.Contains(t, out, "schema ready (sqlite)")
	require.FileExists(t, dbPath)
}

func TestEnqueueCommandFromStdin(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	input := "# stores\nhttps://Acme.com/,Acme,store-1\nshop.example.org\n\n"
	out, err := run(t, input, "enqueue", "--config", writeConfig(t, dbPath), "--scope", "wix")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued 2 stores")

	q, err := sqlitestore.Open(context.Background(), dbPath, store.LeaseConfig{}, nil)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()

	n, err := q.PendingCount(context.Background(), "wix")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	item, ok, err := q.ClaimNext(context.Background(), "wix")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://acme.com", item.BaseURL)
	require.Equal(t, "Acme", item.StoreName)
	require.Equal(t, "store-1", item.TargetID)
}

func TestEnqueueRejectsMemoryBackend(t *testing.T) {
	t.Parallel()

	_, err := run(t, "https://acme.com\n", "enqueue")
	require.ErrorContains(t, err, "persistent storage.backend")
}

func TestParseItemsRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := parseItems(strings.NewReader("not a url\n"), "")
	require.Error(t, err)
}

func TestResolveConfigRequiresLoad(t *testing.T) {
	t.Parallel()

	_, err := resolveConfig(context.Background())
	require.Error(t, err)

	cfg := config.Config{}
	got, err := resolveConfig(context.WithValue(context.Background(), configKey, &cfg))
	require.NoError(t, err)
	require.Same(t, &cfg, got)
}
