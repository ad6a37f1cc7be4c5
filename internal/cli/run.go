package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/enrich"
	"github.com/calunde/nameforge/internal/metrics"
	"github.com/calunde/nameforge/internal/pipeline"
	"github.com/calunde/nameforge/internal/retry"
	"github.com/calunde/nameforge/internal/shard"
	"github.com/spf13/cobra"
)

var (
	runReset      bool
	runDryRun     bool
	runReEnrich   bool
	runBatchSize  int
	runMaxRetries int
	runDelayMS    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the name enrichment pipeline",
	Long: `Run drives batch enrichment over the shard files until every record
carries a meaning and a real origin.

Progress is committed to the checkpoint file after each batch. Ctrl+C pauses
the run after the in-flight batch is fully merged; invoking run again resumes
from the checkpoint. --reset discards the checkpoint and starts over.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// SIGINT/SIGTERM cancel the context; the orchestrator finishes the
		// in-flight batch, marks the checkpoint paused and returns nil.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runBatchSize > 0 {
			cfg.BatchSize = runBatchSize
		}
		if runMaxRetries >= 0 {
			cfg.MaxRetries = runMaxRetries
		}
		if runDelayMS >= 0 {
			cfg.BatchDelay = time.Duration(runDelayMS) * time.Millisecond
		}

		ckpts := checkpoint.NewStore(cfg.CheckpointPath)
		if runReset {
			if err := ckpts.Reset(); err != nil {
				return err
			}
			logger.Info("checkpoint reset", "path", cfg.CheckpointPath)
		}

		store := shard.NewStore(cfg.DataDir, cfg.ShardFiles, cfg.BackupShards, logger)

		stats := metrics.NewCollector()

		var client enrich.Client
		if !runDryRun {
			llm, err := enrich.NewLLMClient(cfg, enrich.WithMetrics(stats))
			if err != nil {
				return err
			}
			client = llm
		}

		retrier := retry.New(cfg.MaxRetries, cfg.BaseDelay, retry.WithLogger(logger))

		orch := pipeline.New(store, ckpts, client, retrier, pipeline.Config{
			BatchSize:    cfg.BatchSize,
			BatchDelay:   cfg.BatchDelay,
			SkipDone:     !runReEnrich,
			DryRun:       runDryRun,
			Instructions: enrich.DefaultInstructions,
			Source:       fmt.Sprintf("%s/%s", cfg.LLMProvider, cfg.LLMModel),
		}, logger)

		runErr := orch.Run(ctx)
		logUsage(stats)
		return runErr
	},
}

// logUsage reports the enrichment service usage for this invocation.
func logUsage(stats *metrics.Collector) {
	snap := stats.Snapshot()
	if snap.Enrich == nil {
		return
	}
	logger.Info("enrichment service usage",
		"calls", snap.Enrich.Count,
		"avg_ms", int64(snap.Enrich.AvgTimeMs),
		"input_tokens", snap.Enrich.TotalInputTokens,
		"output_tokens", snap.Enrich.TotalOutputTokens)
}

func init() {
	runCmd.Flags().BoolVar(&runReset, "reset", false, "discard the checkpoint and start from the beginning")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "log the batches that would be submitted without calling the service")
	runCmd.Flags().BoolVar(&runReEnrich, "re-enrich", false, "re-submit records that already carry enrichment")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "names per API call (default from config)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "retries per batch after the initial attempt (default from config)")
	runCmd.Flags().IntVar(&runDelayMS, "delay-ms", -1, "delay between batches in milliseconds (default from config)")
}
