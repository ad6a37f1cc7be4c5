// Package report derives human-readable progress from a checkpoint. It is
// purely computational: no file, network, or shard access.
package report

import (
	"sort"
	"time"

	"github.com/calunde/nameforge/internal/checkpoint"
)

// ReasonCount groups failed records by failure reason.
type ReasonCount struct {
	Reason string
	Count  int
	// SampleIDs holds up to a few record ids for the operator to inspect.
	SampleIDs []string
}

const maxSampleIDs = 5

// Summary is the derived progress view of one pipeline run.
type Summary struct {
	RunID        string
	Status       checkpoint.Status
	TotalRecords int
	Processed    int
	Errors       int
	Remaining    int
	Percent      float64
	Elapsed      time.Duration
	// PerMinute is the observed throughput in records per minute.
	PerMinute float64
	// ETA is the naive projection for the remaining records at the observed
	// throughput; zero when unknown (no progress yet or run finished).
	ETA          time.Duration
	ErrorReasons []ReasonCount
}

// Summarize computes a Summary from a checkpoint and the authoritative
// dataset size.
func Summarize(cp *checkpoint.Checkpoint, totalRecords int, now time.Time) Summary {
	s := Summary{
		RunID:        cp.RunID,
		Status:       cp.Status,
		TotalRecords: totalRecords,
		Processed:    cp.TotalProcessed,
		Errors:       cp.TotalErrors,
	}

	if totalRecords > 0 {
		s.Percent = float64(cp.TotalProcessed) / float64(totalRecords) * 100
		s.Remaining = totalRecords - cp.TotalProcessed
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}

	if !cp.StartedAt.IsZero() {
		end := now
		if cp.Status == checkpoint.StatusCompleted || cp.Status == checkpoint.StatusFailed {
			end = cp.LastUpdatedAt
		}
		if end.After(cp.StartedAt) {
			s.Elapsed = end.Sub(cp.StartedAt)
		}
	}

	if s.Elapsed > 0 && cp.TotalProcessed > 0 {
		s.PerMinute = float64(cp.TotalProcessed) / s.Elapsed.Minutes()
		if cp.Status == checkpoint.StatusRunning || cp.Status == checkpoint.StatusPaused {
			perRecord := s.Elapsed / time.Duration(cp.TotalProcessed)
			s.ETA = perRecord * time.Duration(s.Remaining)
		}
	}

	s.ErrorReasons = groupReasons(cp.ErrorRecords)
	return s
}

// groupReasons buckets error records by reason, most frequent first.
func groupReasons(records []checkpoint.ErrorRecord) []ReasonCount {
	byReason := make(map[string]*ReasonCount)
	order := []string{}
	for _, r := range records {
		rc, ok := byReason[r.Reason]
		if !ok {
			rc = &ReasonCount{Reason: r.Reason}
			byReason[r.Reason] = rc
			order = append(order, r.Reason)
		}
		rc.Count++
		if len(rc.SampleIDs) < maxSampleIDs {
			rc.SampleIDs = append(rc.SampleIDs, r.ID)
		}
	}

	out := make([]ReasonCount, 0, len(order))
	for _, reason := range order {
		out = append(out, *byReason[reason])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}
