package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/config"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/server"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

// newEnqueueCmd loads base URLs into a persistent job store for local runs.
func newEnqueueCmd() *cobra.Command {
	var (
		file  string
		scope string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue store base URLs as work items",
		Long: `Reads one store per line as "base_url[,store_name[,target_id]]" from
--file (or stdin when the file is "-") and enqueues it. Lines starting with #
are ignored. The memory backend is rejected since nothing would survive the
command.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == config.BackendMemory {
				return errors.New("enqueue needs a persistent storage.backend (sqlite or postgres)")
			}

			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			items, err := parseItems(in, scope)
			if err != nil {
				return err
			}

			q, err := server.OpenQueue(cmd.Context(), cfg, system.New())
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			for _, item := range items {
				if _, err := q.Enqueue(cmd.Context(), item); err != nil {
					return fmt.Errorf("enqueue %s: %w", item.BaseURL, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d stores\n", len(items))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "file with one store per line, - for stdin")
	cmd.Flags().StringVar(&scope, "scope", "", "scope tag attached to every item")
	return cmd
}

func parseItems(r io.Reader, scope string) ([]store.NewItem, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var items []store.NewItem
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stores: %w", err)
		}
		raw := strings.TrimSpace(rec[0])
		if raw == "" {
			continue
		}
		u, err := crawler.EnsureScheme(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
		}
		base, err := crawler.NormalizeURL(u.String())
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
		}
		item := store.NewItem{BaseURL: base, TargetID: base, StoreName: base, Scope: scope}
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			item.StoreName = strings.TrimSpace(rec[1])
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			item.TargetID = strings.TrimSpace(rec[2])
		}
		items = append(items, item)
	}
	return items, nil
}
