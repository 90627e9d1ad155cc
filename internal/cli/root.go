// Package cli provides the command-line interface for vectra.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/config"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/worker"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and clients
	cfg      config.Config
	log      *slog.Logger
	logClose func() error

	st    *store.Postgres
	rdb   *redis.Client
	blobs blob.Store
	jobs  queue.Queue
	coord *worker.Coordinator
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vectra",
	Short: "Document-to-vector transform pipeline",
	Long: `Vectra turns collections of raw documents into searchable vector
datasets: extraction, chunking, batched embedding across multiple
providers, and optional reduction/clustering for visualization.

Commands trigger transform runs, inspect their progress and query the
resulting embedded datasets. The heavy lifting happens in the worker
daemon (vectra-worker).`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		log, logClose = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(log)

		ctx := context.Background()
		var err error
		st, err = store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to metadata store: %w", err)
		}

		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		jobs = queue.NewRedis(rdb)

		blobs, err = blob.NewS3(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("connect to object storage: %w", err)
		}

		coord = worker.NewCoordinator(st, blobs, jobs,
			models.VectorStoreConfig{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey}, log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			st.Close()
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close redis: %v\n", err)
			}
		}
		if logClose != nil {
			_ = logClose()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
