// Package blog drives the blog-metadata variant of the enrichment pipeline:
// same batching, retry and checkpoint machinery, with the document store as
// the outcome sink instead of shard files.
package blog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calunde/nameforge/internal/blogstore"
	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/enrich"
	"github.com/calunde/nameforge/internal/metrics"
	"github.com/calunde/nameforge/internal/retry"
)

// Documents is the slice of the blog store the updater needs.
type Documents interface {
	ListPosts(ctx context.Context, limit int) ([]blogstore.Post, error)
	UpdateFields(ctx context.Context, slug string, fields map[string]any) error
}

// Config holds the updater's tuning knobs.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	DryRun     bool
	// Limit caps how many posts are considered (0 means all).
	Limit int
	// Source is recorded as enrichment provenance.
	Source string
}

// Updater enriches blog posts that are missing SEO metadata.
type Updater struct {
	docs    Documents
	client  enrich.Client
	retrier *retry.Controller
	ckpts   *checkpoint.Store
	cfg     Config
	log     *slog.Logger
	stats   *metrics.Collector

	sleep retry.SleepFunc
	now   func() time.Time
}

// Option configures an Updater.
type Option func(*Updater)

// WithSleep replaces the inter-batch delay function (for tests).
func WithSleep(sleep retry.SleepFunc) Option {
	return func(u *Updater) { u.sleep = sleep }
}

// WithNow replaces the clock (for tests).
func WithNow(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithMetrics records document write timings into the collector.
func WithMetrics(stats *metrics.Collector) Option {
	return func(u *Updater) { u.stats = stats }
}

// New creates an updater.
func New(docs Documents, client enrich.Client, retrier *retry.Controller, ckpts *checkpoint.Store, cfg Config, log *slog.Logger, opts ...Option) *Updater {
	if log == nil {
		log = slog.Default()
	}
	u := &Updater{
		docs:    docs,
		client:  client,
		retrier: retrier,
		ckpts:   ckpts,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
	u.sleep = func(ctx context.Context, d time.Duration) error {
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
		opt(u)
	}
	return u
}

// Run enriches pending posts in slug order, committing the checkpoint after
// every batch of document updates. The post listing is ordered, so the
// checkpoint index means "every post before this position has been
// considered", exactly like a shard index.
func (u *Updater) Run(ctx context.Context) error {
	cp, err := u.ckpts.Load()
	if err != nil {
		return err
	}
	if cp.Status == checkpoint.StatusCompleted {
		u.log.Info("blog sync already completed", "run_id", cp.RunID)
		return nil
	}

	posts, err := u.docs.ListPosts(ctx, u.cfg.Limit)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}

	if cp.StartedAt.IsZero() {
		cp.StartedAt = u.now()
	}
	cp.Status = checkpoint.StatusRunning
	if !u.cfg.DryRun {
		if err := u.ckpts.Save(cp); err != nil {
			return err
		}
	}

	u.log.Info("blog sync starting",
		"run_id", cp.RunID, "posts", len(posts), "from_index", cp.LastIndexInShard)

	pos := cp.LastIndexInShard
	for {
		select {
		case <-ctx.Done():
			return u.pause(cp)
		default:
		}

		batch, next := nextBatch(posts, pos, u.cfg.BatchSize)
		if len(batch) == 0 {
			cp.Status = checkpoint.StatusCompleted
			if u.cfg.DryRun {
				u.log.Info("dry run complete")
				return nil
			}
			if err := u.ckpts.Save(cp); err != nil {
				return err
			}
			u.log.Info("blog sync complete",
				"run_id", cp.RunID, "processed", cp.TotalProcessed, "errors", cp.TotalErrors)
			return nil
		}

		titles := make([]string, len(batch))
		for i, p := range batch {
			titles[i] = p.Title
		}

		if u.cfg.DryRun {
			u.log.Info("dry run: would enrich posts", "titles", titles)
			pos = next
			continue
		}

		results, attempts, err := u.retrier.Run(ctx, func(ctx context.Context) ([]enrich.RecordResult, error) {
			return u.client.Enrich(ctx, titles, enrich.BlogInstructions)
		})

		var outcomes []checkpoint.Outcome
		switch {
		case err == nil:
			outcomes, err = u.applyResults(ctx, batch, results, attempts)
			if err != nil {
				// A document-store write failure must not advance the
				// checkpoint; the batch is re-submitted on resume.
				return u.fail(cp, err)
			}

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return u.pause(cp)

		case enrich.KindOf(err) == enrich.KindFatal:
			u.log.Error("fatal enrichment error, aborting blog sync", "titles", titles, "error", err)
			return u.fail(cp, err)

		default:
			outcomes = make([]checkpoint.Outcome, len(batch))
			for i, p := range batch {
				outcomes[i] = checkpoint.Outcome{
					ID: p.Slug, OK: false, Reason: err.Error(), Attempts: attempts,
				}
			}
			u.log.Error("post batch failed after retries, continuing",
				"posts", len(batch), "attempts", attempts, "error", err)
		}

		if err := u.ckpts.Advance(cp, 0, next, outcomes); err != nil {
			return u.fail(cp, err)
		}
		pos = next

		if err := u.sleep(ctx, u.cfg.BatchDelay); err != nil {
			return u.pause(cp)
		}
	}
}

// applyResults writes enriched metadata through the document store, one
// update per post. The field names written are fixed here; response keys
// never reach the query builder.
func (u *Updater) applyResults(ctx context.Context, batch []blogstore.Post, results []enrich.RecordResult, attempts int) ([]checkpoint.Outcome, error) {
	outcomes := make([]checkpoint.Outcome, 0, len(batch))
	enrichedAt := u.now().UTC().Format(time.RFC3339)

	for i, res := range results {
		post := batch[i]
		if !res.OK {
			outcomes = append(outcomes, checkpoint.Outcome{
				ID: post.Slug, OK: false, Reason: res.Reason, Attempts: attempts,
			})
			continue
		}

		meta, _ := res.Fields["metaDescription"].(string)
		keywords, _ := res.Fields["keywords"].(string)
		fields := map[string]any{
			"meta_description":  meta,
			"keywords":          keywords,
			"enriched_at":       enrichedAt,
			"enrichment_source": u.cfg.Source,
		}
		writeStart := time.Now()
		if err := u.docs.UpdateFields(ctx, post.Slug, fields); err != nil {
			return nil, fmt.Errorf("update post %s: %w", post.Slug, err)
		}
		if u.stats != nil {
			u.stats.RecordTiming(metrics.OpDocUpdate, time.Since(writeStart))
		}

		outcomes = append(outcomes, checkpoint.Outcome{
			ID: post.Slug, OK: true, Attempts: attempts,
		})
	}

	u.log.Info("post batch merged", "posts", len(batch), "attempts", attempts)
	return outcomes, nil
}

// nextBatch collects up to size posts needing enrichment starting at pos,
// returning the batch and the position after the last considered post.
func nextBatch(posts []blogstore.Post, pos, size int) ([]blogstore.Post, int) {
	var batch []blogstore.Post
	for pos < len(posts) {
		p := posts[pos]
		pos++
		if !p.NeedsEnrichment() {
			continue
		}
		batch = append(batch, p)
		if len(batch) == size {
			break
		}
	}
	return batch, pos
}

func (u *Updater) pause(cp *checkpoint.Checkpoint) error {
	cp.Status = checkpoint.StatusPaused
	if u.cfg.DryRun {
		return nil
	}
	if err := u.ckpts.Save(cp); err != nil {
		return err
	}
	u.log.Info("blog sync paused, re-run to resume",
		"run_id", cp.RunID, "index", cp.LastIndexInShard)
	return nil
}

func (u *Updater) fail(cp *checkpoint.Checkpoint, err error) error {
	cp.Status = checkpoint.StatusFailed
	if saveErr := u.ckpts.Save(cp); saveErr != nil {
		u.log.Error("could not persist failed status", "error", saveErr)
	}
	return fmt.Errorf("blog sync aborted: %w", err)
}
