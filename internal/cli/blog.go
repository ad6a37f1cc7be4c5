package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/calunde/nameforge/internal/blog"
	"github.com/calunde/nameforge/internal/blogstore"
	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/enrich"
	"github.com/calunde/nameforge/internal/metrics"
	"github.com/calunde/nameforge/internal/retry"
	"github.com/spf13/cobra"
)

var (
	blogDryRun     bool
	blogLimit      int
	blogBatchSize  int
	blogCheckpoint string
)

var blogCmd = &cobra.Command{
	Use:   "blog",
	Short: "Blog post enrichment",
}

var blogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fill in missing SEO metadata on blog posts",
	Long: `Sync lists blog posts from the document store and enriches those
missing a meta description, batch by batch, with the same retry and
checkpoint behavior as the name pipeline. Interrupted syncs resume from the
blog checkpoint file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		docs, err := blogstore.NewStore(ctx, blogstore.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to blog store: %w", err)
		}
		defer docs.Close(ctx)

		if err := docs.InitSchema(ctx); err != nil {
			return err
		}

		stats := metrics.NewCollector()

		var client enrich.Client
		if !blogDryRun {
			llm, err := enrich.NewLLMClient(cfg, enrich.WithMetrics(stats))
			if err != nil {
				return err
			}
			client = llm
		}

		batchSize := cfg.BatchSize
		if blogBatchSize > 0 {
			batchSize = blogBatchSize
		}

		retrier := retry.New(cfg.MaxRetries, cfg.BaseDelay, retry.WithLogger(logger))
		updater := blog.New(docs, client, retrier, checkpoint.NewStore(blogCheckpoint), blog.Config{
			BatchSize:  batchSize,
			BatchDelay: cfg.BatchDelay,
			DryRun:     blogDryRun,
			Limit:      blogLimit,
			Source:     fmt.Sprintf("%s/%s", cfg.LLMProvider, cfg.LLMModel),
		}, logger, blog.WithMetrics(stats))

		runErr := updater.Run(ctx)
		logUsage(stats)
		return runErr
	},
}

func init() {
	blogSyncCmd.Flags().BoolVar(&blogDryRun, "dry-run", false, "list the posts that would be enriched without calling the service")
	blogSyncCmd.Flags().IntVar(&blogLimit, "limit", 0, "cap the number of posts considered (0 = all)")
	blogSyncCmd.Flags().IntVar(&blogBatchSize, "batch-size", 0, "posts per API call (default from config)")
	blogSyncCmd.Flags().StringVar(&blogCheckpoint, "checkpoint", "blog-sync-progress.json", "blog sync checkpoint file")

	blogCmd.AddCommand(blogSyncCmd)
}
