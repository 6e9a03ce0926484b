package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/pagesync/internal/config"
	"github.com/Sternrassler/pagesync/pkg/client"
	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/lock"
	"github.com/Sternrassler/pagesync/pkg/logging"
	"github.com/Sternrassler/pagesync/pkg/metrics"
	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/scheduler"
	"github.com/Sternrassler/pagesync/pkg/source"
	"github.com/Sternrassler/pagesync/pkg/store"
)

// statusProbeAttempts bounds page retries for status, which must not hang on
// a flaky source.
const statusProbeAttempts = 3

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pagesync",
		Short:         "Incremental, resumable harvesting of paginated sources",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.String("url", "", "Page URL template containing {page}")
	pf.Int("items-per-page", 0, "Items on a full page of the source")
	pf.String("store", "", "Store driver: memory|postgres|pebble|redis|blob")
	pf.String("store-path", "", "Pebble data directory")
	pf.String("store-dsn", "", "Postgres DSN")
	pf.String("bucket-url", "", "Blob bucket URL (file://, mem://)")

	rootCmd.AddCommand(newRunCmd(), newStatusCmd(), newGapsCmd(), newVersionCmd())
	return rootCmd
}

// loadConfig builds the configuration from file, environment and flags, in
// increasing precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("url") {
		cfg.Source.URLTemplate, _ = flags.GetString("url")
	}
	if flags.Changed("items-per-page") {
		cfg.Source.ItemsPerPage, _ = flags.GetInt("items-per-page")
	}
	if flags.Changed("store") {
		cfg.Store.Driver, _ = flags.GetString("store")
	}
	if flags.Changed("store-path") {
		cfg.Store.Path, _ = flags.GetString("store-path")
	}
	if flags.Changed("store-dsn") {
		cfg.Store.DSN, _ = flags.GetString("store-dsn")
	}
	if flags.Changed("bucket-url") {
		cfg.Store.BucketURL, _ = flags.GetString("bucket-url")
	}

	logging.Setup(cfg.LoggingConfig())
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch every missing range and commit it to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if metricsAddr, _ := cmd.Flags().GetString("metrics-addr"); metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			if maxAttempts, _ := cmd.Flags().GetInt("max-attempts"); cmd.Flags().Changed("max-attempts") {
				cfg.Sync.MaxAttempts = maxAttempts
			}
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				cfg.Store = store.Config{Driver: store.DriverMemory}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSync(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Int("max-attempts", 0, "Bound page retries (0 retries forever)")
	cmd.Flags().Bool("dry-run", false, "Harvest into memory and discard the result")
	return cmd
}

func runSync(ctx context.Context, cfg config.Config, out io.Writer) error {
	runID := uuid.NewString()
	logger := logging.WithRun(logging.NewLogger("cli"), runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics listener failed")
			}
		}()
	}

	if cfg.Lock.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr, DB: cfg.Lock.RedisDB})
		defer rc.Close()

		locker := lock.NewLocker(rc, cfg.Lock.TTL, logging.NewLogger("lock"))
		lease, err := locker.Acquire(ctx, cfg.Lock.Key)
		if err != nil {
			return err
		}
		defer lease.Release(context.Background())

		go func() {
			select {
			case <-lease.Lost():
				logger.Error().Msg("Run lock lost, stopping")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	st, err := store.Open(ctx, cfg.Store, runID)
	if err != nil {
		return err
	}
	defer st.Close()

	cl, err := client.New(cfg.ClientConfig())
	if err != nil {
		return err
	}

	logger.Info().
		Str("url_template", cfg.Source.URLTemplate).
		Str("store", cfg.Store.Driver).
		Msg("Starting sync")

	sum, runErr := scheduler.New(cl, st, cfg.SchedulerConfig(runID)).RunWithRestarts(ctx)
	if sum != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the source shape and report ledger coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	st, err := store.Open(ctx, cfg.Store, "")
	if err != nil {
		return err
	}
	defer st.Close()

	cl, err := client.New(cfg.ClientConfig())
	if err != nil {
		return err
	}

	retry := source.RetryConfig{Delay: cfg.Sync.RetryDelay, MaxAttempts: cfg.Sync.MaxAttempts}
	if !retry.Bounded() {
		retry.MaxAttempts = statusProbeAttempts
	}
	shape, err := scheduler.StabilizeShape(ctx,
		scheduler.FetcherProbe{Fetcher: cl, Retry: retry},
		cfg.Source.ItemsPerPage,
		scheduler.ShapeConfig{Samples: cfg.Sync.ShapeSamples, Delay: cfg.Sync.ShapeDelay})
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	bounds := index.New(shape).TotalRange()

	ledger, err := st.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	merged := ranges.Merge(ledger)
	gaps := ranges.FindGaps(merged, bounds)
	covered := ranges.Covered(merged, bounds)

	fmt.Fprintf(out, "total pages:    %d\n", shape.TotalPages)
	fmt.Fprintf(out, "items per page: %d\n", shape.ItemsPerPage)
	fmt.Fprintf(out, "last page:      %d\n", shape.LastPageItemCount)
	fmt.Fprintf(out, "total items:    %d\n", shape.TotalItems())
	fmt.Fprintf(out, "ledger entries: %d (%d merged)\n", len(ledger), len(merged))
	fmt.Fprintf(out, "committed:      %d/%d (%.1f%%)\n", covered, bounds.Len(), 100*float64(covered)/float64(bounds.Len()))
	printGaps(out, gaps)
	return nil
}

func newGapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List uncommitted ranges within explicit bounds without contacting the source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			start, _ := cmd.Flags().GetInt("start")
			end, _ := cmd.Flags().GetInt("end")
			bounds := ranges.New(start, end)
			if !bounds.Valid() {
				return fmt.Errorf("invalid bounds %s", bounds)
			}
			return runGaps(cmd.Context(), cfg, bounds, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int("start", 1, "First id of the bounds")
	cmd.Flags().Int("end", 0, "Last id of the bounds")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func runGaps(ctx context.Context, cfg config.Config, bounds ranges.Range, out io.Writer) error {
	st, err := store.Open(ctx, cfg.Store, "")
	if err != nil {
		return err
	}
	defer st.Close()

	ledger, err := st.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	printGaps(out, ranges.FindGaps(ranges.Merge(ledger), bounds))
	return nil
}

func printGaps(out io.Writer, gaps []ranges.Range) {
	if len(gaps) == 0 {
		fmt.Fprintln(out, "gaps:           none")
		return
	}
	missing := 0
	for _, g := range gaps {
		missing += g.Len()
	}
	fmt.Fprintf(out, "gaps:           %d (%d ids)\n", len(gaps), missing)
	for _, g := range gaps {
		fmt.Fprintf(out, "  %s\n", g)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pagesync %s\n", version)
		},
	}
}
