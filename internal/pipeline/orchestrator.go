// Package pipeline drives the checkpointed enrichment loop: draw a batch,
// call the enrichment service through the retry controller, merge outcomes
// into the owning shard, and commit the checkpoint — strictly in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/enrich"
	"github.com/calunde/nameforge/internal/retry"
	"github.com/calunde/nameforge/internal/shard"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// SkipDone omits records that already carry the completion marker.
	// Disabled by the re-enrich mode.
	SkipDone bool
	// DryRun logs the batches that would be submitted without calling the
	// service or touching any file.
	DryRun bool
	// Instructions is the per-batch instruction block sent to the service.
	Instructions string
	// Source is recorded as enrichment provenance on every updated record,
	// e.g. "openai/gpt-4o-mini".
	Source string
}

// Orchestrator owns the run loop. It holds no business logic: batching,
// classification, backoff and persistence all live in their own components.
type Orchestrator struct {
	store   *shard.Store
	ckpts   *checkpoint.Store
	client  enrich.Client
	retrier *retry.Controller
	cfg     Config
	log     *slog.Logger

	sleep retry.SleepFunc
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the inter-batch delay function (for tests).
func WithSleep(sleep retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithNow replaces the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(store *shard.Store, ckpts *checkpoint.Store, client enrich.Client, retrier *retry.Controller, cfg Config, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:   store,
		ckpts:   ckpts,
		client:  client,
		retrier: retrier,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the pipeline until the dataset is exhausted, a fatal error
// aborts it, or ctx is cancelled. Cancellation is cooperative: the in-flight
// flush+advance pair always completes, the checkpoint is marked paused, and
// Run returns nil so the process can exit cleanly and be re-invoked later.
func (o *Orchestrator) Run(ctx context.Context) error {
	cp, err := o.ckpts.Load()
	if err != nil {
		return err
	}
	if cp.Status == checkpoint.StatusCompleted {
		o.log.Info("run already completed, nothing to do",
			"run_id", cp.RunID, "processed", cp.TotalProcessed)
		return nil
	}

	if err := o.store.Load(ctx); err != nil {
		return err
	}

	if cp.StartedAt.IsZero() {
		cp.StartedAt = o.now()
	}
	cp.Status = checkpoint.StatusRunning
	if !o.cfg.DryRun {
		if err := o.ckpts.Save(cp); err != nil {
			return err
		}
	}

	o.log.Info("pipeline starting",
		"run_id", cp.RunID,
		"shard", cp.LastShard, "index", cp.LastIndexInShard,
		"batch_size", o.cfg.BatchSize,
		"total_records", o.store.TotalRecords(),
		"dry_run", o.cfg.DryRun)

	batcher := NewBatcher(o.store, o.cfg.BatchSize, o.cfg.SkipDone)
	cur := Cursor{Shard: cp.LastShard, Index: cp.LastIndexInShard}

	for {
		select {
		case <-ctx.Done():
			return o.pause(cp)
		default:
		}

		items, next, exhausted := batcher.Next(cur)
		if exhausted {
			cp.Status = checkpoint.StatusCompleted
			if o.cfg.DryRun {
				o.log.Info("dry run complete")
				return nil
			}
			if err := o.ckpts.Save(cp); err != nil {
				return err
			}
			o.log.Info("enrichment complete",
				"run_id", cp.RunID,
				"processed", cp.TotalProcessed,
				"errors", cp.TotalErrors,
				"batches", cp.TotalBatches)
			return nil
		}

		names := make([]string, len(items))
		for i, it := range items {
			names[i] = it.Record.Name
		}

		if o.cfg.DryRun {
			o.log.Info("dry run: would submit batch",
				"shard", next.Shard, "through_index", next.Index, "names", names)
			cur = next
			continue
		}

		results, attempts, err := o.retrier.Run(ctx, func(ctx context.Context) ([]enrich.RecordResult, error) {
			return o.client.Enrich(ctx, names, o.cfg.Instructions)
		})

		var outcomes []checkpoint.Outcome
		switch {
		case err == nil:
			if len(results) != len(items) {
				// The client validates cardinality; reaching this means a
				// test double misbehaved. Fail the batch, not the run.
				err = enrich.Errorf(enrich.KindMalformed, "client returned %d results for %d items", len(results), len(items))
				outcomes = failAll(items, err, attempts)
				o.log.Error("batch result misaligned", "shard", next.Shard, "error", err)
				break
			}

			outcomes = make([]checkpoint.Outcome, 0, len(items))
			updates := make(map[int]map[string]any, len(results))
			enrichedAt := o.now().UTC().Format(time.RFC3339)
			for i, res := range results {
				if !res.OK {
					outcomes = append(outcomes, checkpoint.Outcome{
						ID: res.ID, OK: false, Reason: res.Reason, Attempts: attempts,
					})
					continue
				}
				fields := make(map[string]any, len(res.Fields)+2)
				for k, v := range res.Fields {
					fields[k] = v
				}
				fields[shard.FieldEnrichedAt] = enrichedAt
				fields[shard.FieldEnrichmentSource] = o.cfg.Source
				updates[items[i].Pos] = fields
				outcomes = append(outcomes, checkpoint.Outcome{
					ID: res.ID, OK: true, Attempts: attempts,
				})
			}

			if len(updates) > 0 {
				if applyErr := o.store.ApplyUpdates(next.Shard, updates); applyErr != nil {
					return o.fail(cp, applyErr)
				}
				// A failed flush never advances the checkpoint: the batch
				// counts as not-yet-merged and is re-submitted on resume.
				if flushErr := o.store.Flush(next.Shard); flushErr != nil {
					return o.fail(cp, flushErr)
				}
			}

			o.log.Info("batch merged",
				"shard", next.Shard, "through_index", next.Index,
				"records", len(items), "attempts", attempts)

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Shutdown arrived mid-retry. Nothing was merged, so the batch
			// is re-submitted on resume.
			return o.pause(cp)

		case enrich.KindOf(err) == enrich.KindFatal:
			o.log.Error("fatal enrichment error, aborting run",
				"shard", next.Shard, "names", names, "error", err)
			return o.fail(cp, err)

		default:
			// Retry budget exhausted: every record in the batch is recorded
			// as failed, and the run moves on. Failed records keep missing
			// their done marker, so a later run naturally retries them.
			outcomes = failAll(items, err, attempts)
			o.log.Error("batch failed after retries, continuing",
				"shard", next.Shard, "records", len(items),
				"attempts", attempts, "error", err)
		}

		if err := o.ckpts.Advance(cp, next.Shard, next.Index, outcomes); err != nil {
			return o.fail(cp, err)
		}
		cur = next

		if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
			return o.pause(cp)
		}
	}
}

// pause marks the checkpoint paused at its current committed position and
// returns nil: a paused run is a clean exit.
func (o *Orchestrator) pause(cp *checkpoint.Checkpoint) error {
	cp.Status = checkpoint.StatusPaused
	if o.cfg.DryRun {
		return nil
	}
	if err := o.ckpts.Save(cp); err != nil {
		return err
	}
	o.log.Info("pipeline paused, re-run to resume",
		"run_id", cp.RunID,
		"shard", cp.LastShard, "index", cp.LastIndexInShard,
		"processed", cp.TotalProcessed)
	return nil
}

// fail marks the checkpoint failed (best effort) and surfaces the error.
func (o *Orchestrator) fail(cp *checkpoint.Checkpoint, err error) error {
	cp.Status = checkpoint.StatusFailed
	if saveErr := o.ckpts.Save(cp); saveErr != nil {
		o.log.Error("could not persist failed status", "error", saveErr)
	}
	return fmt.Errorf("pipeline aborted: %w", err)
}

func failAll(items []Item, err error, attempts int) []checkpoint.Outcome {
	outcomes := make([]checkpoint.Outcome, len(items))
	for i, it := range items {
		outcomes[i] = checkpoint.Outcome{
			ID:       it.Record.Name,
			OK:       false,
			Reason:   err.Error(),
			Attempts: attempts,
		}
	}
	return outcomes
}
