package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	core "github.com/liliang-cn/sqvect/v2/pkg/core"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/search"
	"github.com/quarryhq/quarry/internal/store"
	"github.com/quarryhq/quarry/internal/store/columnar"
	"github.com/quarryhq/quarry/internal/store/postgres"
	"github.com/quarryhq/quarry/internal/store/sqlite"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Maintenance CLI for the quarry document index",
	Long:  `Inspect and maintain a quarry document index: initialize databases, run backups and integrity checks, watch the indexing queue, and query the index.`,
}

// openAdapter loads the configuration and returns an initialized adapter.
// The caller must Close it.
func openAdapter(ctx context.Context) (store.Adapter, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var adapter store.Adapter
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		adapter, err = sqlite.New(sqlite.Options{
			Path:           cfg.Storage.Path,
			VectorDim:      cfg.Storage.VectorDim,
			Mode:           sqlite.VectorMode(cfg.Storage.VectorMode),
			ReadOnly:       cfg.Storage.ReadOnly,
			BackupPath:     cfg.Storage.BackupPath,
			BackupMaxBytes: cfg.Storage.BackupMaxBytes,
			HNSW: sqlite.HNSWParams{
				M:              cfg.HNSW.M,
				EfConstruction: cfg.HNSW.EfConstruction,
				EfSearch:       cfg.HNSW.EfSearch,
			},
			Logger: logger,
		})
	case config.BackendPostgres:
		adapter, err = postgres.New(postgres.Options{
			DSN:              cfg.Storage.PostgresDSN,
			VectorDim:        cfg.Storage.VectorDim,
			ReadOnly:         cfg.Storage.ReadOnly,
			TextSearchConfig: cfg.Storage.TextSearchConfig,
			BackupMaxBytes:   cfg.Storage.BackupMaxBytes,
			Logger:           logger,
		})
	case config.BackendColumnar:
		adapter, err = columnar.New(columnar.Options{
			Path:           cfg.Storage.Path,
			VectorDim:      cfg.Storage.VectorDim,
			ReadOnly:       cfg.Storage.ReadOnly,
			BackupPath:     cfg.Storage.BackupPath,
			BackupMaxBytes: cfg.Storage.BackupMaxBytes,
			HNSW: core.HNSWConfig{
				Enabled:        cfg.HNSW.Enabled,
				M:              cfg.HNSW.M,
				EfConstruction: cfg.HNSW.EfConstruction,
				EfSearch:       cfg.HNSW.EfSearch,
			},
			Logger: logger,
		})
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize %s backend: %w", cfg.Storage.Backend, err)
	}
	return adapter, cfg, nil
}

func closeAdapter(adapter store.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), store.CloseTimeout)
	defer cancel()
	_ = adapter.Close(ctx)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cfg := config.Default(filepath.Dir(configPath))
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", configPath)
		}

		ctx := cmd.Context()
		adapter, cfg, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		fmt.Printf("Initialized %s backend\n", cfg.Storage.Backend)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		stats, err := adapter.GetStats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		fmt.Printf("Backend:     %s\n", stats.Backend)
		fmt.Printf("Documents:   %d\n", stats.Documents)
		for status, n := range stats.DocumentsByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
		fmt.Printf("Chunks:      %d (%d embedded)\n", stats.Chunks, stats.ChunksWithEmbeddings)
		fmt.Printf("Tags:        %d\n", stats.Tags)
		fmt.Printf("Queue depth: %d\n", stats.QueueDepth)
		fmt.Printf("Size:        %d bytes\n", stats.DatabaseSizeBytes)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run integrity checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		report, err := adapter.CheckIntegrity(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		for _, e := range report.Errors {
			fmt.Printf("ERROR: %s\n", e)
		}
		for _, w := range report.Warnings {
			fmt.Printf("WARN:  %s\n", w)
		}
		if report.OK {
			fmt.Println("Integrity check passed")
			return nil
		}
		return fmt.Errorf("integrity check failed with %d error(s)", len(report.Errors))
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup of the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		result, err := adapter.CreateBackup(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		if !result.Performed {
			fmt.Printf("Backup skipped: %s\n", result.SkipReason)
			return nil
		}
		fmt.Printf("Backup written to %s (%d bytes, %s)\n", result.Path, result.SizeBytes, result.Duration.Round(time.Millisecond))
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover documents stuck mid-pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		report, err := adapter.RecoverStuckDocuments(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		fmt.Printf("Recovered %d document(s)\n", report.RecoveredDocuments)
		for _, p := range report.RequeuedPaths {
			fmt.Printf("  requeued %s\n", p)
		}
		for _, e := range report.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the indexing queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		status, err := adapter.GetQueueStatus(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(status)
		}
		fmt.Printf("Pending:    %d\n", status.Pending)
		fmt.Printf("Processing: %d\n", status.Processing)
		fmt.Printf("Completed:  %d\n", status.Completed)
		fmt.Printf("Failed:     %d\n", status.Failed)
		fmt.Printf("Total:      %d\n", status.Total)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed queue items, or everything with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		var removed int
		if all {
			removed, err = adapter.ClearQueue(ctx)
		} else {
			removed, err = adapter.ClearCompletedQueueItems(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d queue item(s)\n", removed)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a keyword search against the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		web, _ := cmd.Flags().GetBool("web-syntax")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		folders, _ := cmd.Flags().GetStringSlice("folder")

		ctx := cmd.Context()
		adapter, _, err := openAdapter(ctx)
		if err != nil {
			return err
		}
		defer closeAdapter(adapter)

		var filters *store.Filters
		if len(tags) > 0 || len(folders) > 0 {
			filters = &store.Filters{Tags: tags, Folders: folders}
		}

		svc := search.New(adapter)
		resp, err := svc.Search(ctx, search.Request{
			Query:     query,
			Limit:     limit,
			Mode:      search.ModeKeyword,
			Filters:   filters,
			QueryOpts: &store.QueryOptions{UseWebSearchSyntax: web},
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp.Results)
		}
		if len(resp.Results) == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, r := range resp.Results {
			fmt.Printf("%2d. [%.4f] %s\n", i+1, r.Score, r.FilePath)
			fmt.Printf("    %s\n", snippet(r.ChunkText, 160))
		}
		fmt.Printf("(%d results in %s)\n", resp.TotalResults, resp.Duration.Round(time.Millisecond))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quarry %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("SQLite Build: %s (driver %s)\n", sqlite.BuildMode, sqlite.DriverName)
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// snippet collapses whitespace and truncates for one-line display.
func snippet(text string, max int) string {
	s := strings.Join(strings.Fields(text), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "quarry.toml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")

	queueClearCmd.Flags().Bool("all", false, "Remove every queue item regardless of state")

	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().Bool("web-syntax", false, "Interpret OR, -term, and quoted phrases")
	searchCmd.Flags().StringSlice("tag", nil, "Filter by tag (repeatable)")
	searchCmd.Flags().StringSlice("folder", nil, "Filter by folder substring (repeatable)")

	queueCmd.AddCommand(queueStatusCmd, queueClearCmd)
	rootCmd.AddCommand(
		initCmd,
		statsCmd,
		checkCmd,
		backupCmd,
		recoverCmd,
		queueCmd,
		searchCmd,
		versionCmd,
	)
}

func main() {
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
