package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calunde/nameforge/internal/checkpoint"
	"github.com/calunde/nameforge/internal/enrich"
	"github.com/calunde/nameforge/internal/retry"
	"github.com/calunde/nameforge/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// step is one scripted response of the fake enrichment client.
type step struct {
	err error
	// succeed fills every submitted item with a meaning and origin.
	succeed bool
}

// scriptedClient plays back a fixed sequence of responses and records every
// batch it was asked to enrich.
type scriptedClient struct {
	t       *testing.T
	steps   []step
	calls   int
	batches [][]string
}

func (c *scriptedClient) Enrich(ctx context.Context, items []string, instructions string) ([]enrich.RecordResult, error) {
	c.batches = append(c.batches, items)
	if c.calls >= len(c.steps) {
		c.t.Fatalf("unexpected enrichment call %d with %v", c.calls+1, items)
	}
	s := c.steps[c.calls]
	c.calls++

	if s.err != nil {
		return nil, s.err
	}
	results := make([]enrich.RecordResult, len(items))
	for i, name := range items {
		results[i] = enrich.RecordResult{
			ID: name,
			Fields: map[string]any{
				"meaning": "meaning of " + name,
				"origin":  "Latin",
			},
			OK: true,
		}
	}
	return results, nil
}

// makeShardFiles writes one chunk file per shard into a temp dir. Names
// ending in ":done" get the completion marker.
func makeShardFiles(t *testing.T, shards ...[]string) (string, []string) {
	t.Helper()
	dir := t.TempDir()

	files := make([]string, len(shards))
	for i, names := range shards {
		records := make([]map[string]any, 0, len(names))
		for _, entry := range names {
			rec := map[string]any{"name": entry}
			if n, found := stripDoneSuffix(entry); found {
				rec["name"] = n
				rec["meaning"] = "a meaning"
				rec["origin"] = "Latin"
			}
			records = append(records, rec)
		}
		data, err := json.Marshal(records)
		require.NoError(t, err)

		files[i] = fmt.Sprintf("chunk%d.json", i+1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, files[i]), data, 0644))
	}
	return dir, files
}

func names(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}

func newOrchestrator(t *testing.T, dir string, files []string, client enrich.Client, maxRetries int, cfg Config) (*Orchestrator, *checkpoint.Store) {
	t.Helper()

	store := shard.NewStore(dir, files, false, testLog)
	ckpts := checkpoint.NewStore(filepath.Join(dir, "progress.json"))
	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	retrier := retry.New(maxRetries, time.Millisecond, retry.WithSleep(noSleep), retry.WithLogger(testLog))

	orch := New(store, ckpts, client, retrier, cfg, testLog,
		WithSleep(noSleep),
		WithNow(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }),
	)
	return orch, ckpts
}

func readRecords(t *testing.T, dir, file string) []shard.Record {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, file))
	require.NoError(t, err)
	var records []shard.Record
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestRun_EnrichesWholeDatasetInBatches(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 23))
	client := &scriptedClient{t: t, steps: []step{{succeed: true}, {succeed: true}, {succeed: true}}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true, Source: "openai/gpt-4o-mini",
	})
	require.NoError(t, orch.Run(context.Background()))

	require.Len(t, client.batches, 3)
	assert.Len(t, client.batches[0], 10)
	assert.Len(t, client.batches[1], 10)
	assert.Len(t, client.batches[2], 3)

	cp, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, 23, cp.TotalProcessed)
	assert.Equal(t, 0, cp.TotalErrors)
	assert.Equal(t, 3, cp.TotalBatches)
	assert.Equal(t, 23, cp.LastIndexInShard)

	records := readRecords(t, dir, files[0])
	require.Len(t, records, 23)
	for _, rec := range records {
		assert.Equal(t, "meaning of "+rec.Name, rec.Field(shard.FieldMeaning))
		assert.Equal(t, "Latin", rec.Field(shard.FieldOrigin))
		assert.Equal(t, "openai/gpt-4o-mini", rec.Field(shard.FieldEnrichmentSource))
		assert.Equal(t, "2025-06-01T12:00:00Z", rec.Field(shard.FieldEnrichedAt))
	}
}

func TestRun_FatalAbortsWithoutChargingTheBatch(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 23))
	client := &scriptedClient{t: t, steps: []step{
		{succeed: true},
		{err: enrich.Errorf(enrich.KindRateLimited, "429")},
		{err: enrich.Errorf(enrich.KindRateLimited, "429")},
		{err: enrich.Errorf(enrich.KindFatal, "invalid api key")},
	}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true, Source: "test",
	})

	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 4, client.calls)

	cp, loadErr := ckpts.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 10, cp.TotalProcessed)
	assert.Equal(t, 0, cp.TotalErrors)
	assert.Equal(t, 10, cp.LastIndexInShard, "position stays at the last committed batch")
	assert.Empty(t, cp.ErrorRecords, "an aborted batch is not recorded as failed records")

	records := readRecords(t, dir, files[0])
	for i, rec := range records {
		if i < 10 {
			assert.NotEmpty(t, rec.Field(shard.FieldMeaning), "record %d should be enriched", i)
		} else {
			assert.Empty(t, rec.Field(shard.FieldMeaning), "record %d must be untouched", i)
		}
	}
}

func TestRun_CompletedRunMakesNoCalls(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 5))
	client := &scriptedClient{t: t, steps: []step{{succeed: true}}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true,
	})
	require.NoError(t, orch.Run(context.Background()))
	require.Equal(t, 1, client.calls)

	before, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)

	// second invocation against the completed checkpoint
	orch2, _ := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true,
	})
	require.NoError(t, orch2.Run(context.Background()))
	assert.Equal(t, 1, client.calls, "a completed run must not call the service again")

	after, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	assert.Equal(t, before, after, "shard file must be byte-identical")

	cp, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cp.TotalProcessed, "no double counting")
}

func TestRun_ResumeAfterCrashBetweenFlushAndCommit(t *testing.T) {
	// Records already carrying the done marker with a checkpoint still at the
	// start model a crash after the shard flush but before the checkpoint
	// advance. They are skipped, not re-submitted or double-counted.
	dir, files := makeShardFiles(t, []string{"A:done", "B:done", "C", "D"})
	client := &scriptedClient{t: t, steps: []step{{succeed: true}}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true,
	})
	require.NoError(t, orch.Run(context.Background()))

	require.Len(t, client.batches, 1)
	assert.Equal(t, []string{"C", "D"}, client.batches[0])

	cp, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, 2, cp.TotalProcessed)
}

func TestRun_ExhaustedBatchIsAbsorbed(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 4))
	client := &scriptedClient{t: t, steps: []step{
		{err: enrich.Errorf(enrich.KindTransient, "connection reset")},
		{succeed: true},
	}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 0, Config{
		BatchSize: 2, SkipDone: true,
	})
	require.NoError(t, orch.Run(context.Background()), "an exhausted batch fails its records, not the run")

	cp, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, 2, cp.TotalProcessed)
	assert.Equal(t, 2, cp.TotalErrors)
	require.Len(t, cp.ErrorRecords, 2)
	assert.Equal(t, "n01", cp.ErrorRecords[0].ID)
	assert.Equal(t, 1, cp.ErrorRecords[0].Attempts)
	assert.Contains(t, cp.ErrorRecords[0].Reason, "connection reset")

	records := readRecords(t, dir, files[0])
	assert.Empty(t, records[0].Field(shard.FieldMeaning), "failed records keep no partial data")
	assert.NotEmpty(t, records[2].Field(shard.FieldMeaning))
}

func TestRun_CancellationPausesCleanly(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 23))

	ctx, cancel := context.WithCancel(context.Background())
	client := &cancellingClient{cancel: cancel}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 10, SkipDone: true,
	})
	require.NoError(t, orch.Run(ctx), "pause is a clean exit")

	cp, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)
	assert.Equal(t, 0, cp.LastIndexInShard)
	assert.Equal(t, 0, cp.TotalProcessed)

	records := readRecords(t, dir, files[0])
	for _, rec := range records {
		assert.Empty(t, rec.Field(shard.FieldMeaning))
	}
}

// cancellingClient cancels the run from inside its first enrichment call,
// like SIGINT arriving while a request is in flight.
type cancellingClient struct {
	cancel context.CancelFunc
}

func (c *cancellingClient) Enrich(ctx context.Context, items []string, instructions string) ([]enrich.RecordResult, error) {
	c.cancel()
	return nil, enrich.Errorf(enrich.KindTransient, "request aborted")
}

func TestRun_ResumeFromPausedPosition(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 6))
	client := &scriptedClient{t: t, steps: []step{{succeed: true}}}

	orch, ckpts := newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 3, SkipDone: true,
	})

	// hand-craft a paused checkpoint after the first batch
	cp, err := ckpts.Load()
	require.NoError(t, err)
	cp.Status = checkpoint.StatusPaused
	cp.LastIndexInShard = 3
	cp.TotalProcessed = 3
	require.NoError(t, ckpts.Save(cp))

	orch, ckpts = newOrchestrator(t, dir, files, client, 2, Config{
		BatchSize: 3, SkipDone: true,
	})
	require.NoError(t, orch.Run(context.Background()))

	require.Len(t, client.batches, 1)
	assert.Equal(t, []string{"n04", "n05", "n06"}, client.batches[0])

	got, err := ckpts.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, got.Status)
	assert.Equal(t, 6, got.TotalProcessed)
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	dir, files := makeShardFiles(t, names("n", 5))

	before, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)

	orch, ckpts := newOrchestrator(t, dir, files, nil, 2, Config{
		BatchSize: 2, SkipDone: true, DryRun: true,
	})
	require.NoError(t, orch.Run(context.Background()))

	after, err := os.ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(ckpts.Path())
	assert.True(t, os.IsNotExist(err), "dry run must not create a checkpoint")
}
