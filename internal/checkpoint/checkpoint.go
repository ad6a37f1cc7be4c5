// Package checkpoint persists pipeline progress so an interrupted run can
// resume from its last committed batch instead of re-scanning the dataset.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrRegression is returned by Save when a checkpoint would move progress
// backwards. Progress within a run is monotonic; only Reset may rewind it.
var ErrRegression = errors.New("checkpoint would move progress backwards")

// ErrorRecord captures one record that failed enrichment.
type ErrorRecord struct {
	ID       string `json:"id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Outcome is the result of one record in a committed batch.
type Outcome struct {
	ID       string
	OK       bool
	Reason   string
	Attempts int
}

// Checkpoint is the durable progress state of one pipeline. The position
// (LastShard, LastIndexInShard) means: everything before this index in this
// shard, and every earlier shard, is durably merged.
type Checkpoint struct {
	RunID            string        `json:"runId"`
	LastShard        int           `json:"lastShard"`
	LastIndexInShard int           `json:"lastIndexInShard"`
	TotalProcessed   int           `json:"totalProcessed"`
	TotalErrors      int           `json:"totalErrors"`
	TotalBatches     int           `json:"totalBatches"`
	TotalRetries     int           `json:"totalRetries"`
	ErrorRecords     []ErrorRecord `json:"errorRecords"`
	StartedAt        time.Time     `json:"startedAt"`
	LastUpdatedAt    time.Time     `json:"lastUpdatedAt"`
	Status           Status        `json:"status"`
}

// Store reads and writes the checkpoint file. Writes are temp+rename so a
// crash mid-save leaves the previous checkpoint intact.
type Store struct {
	path string
	now  func() time.Time

	// last persisted position, for the monotonicity guard
	loaded    bool
	lastShard int
	lastIndex int
}

// NewStore creates a store for the given checkpoint path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Load reads the checkpoint file. A missing file is the normal first-run
// path and yields a fresh pending checkpoint with a new run ID; a file that
// exists but cannot be parsed is an error, since guessing a resume position
// could re-process or skip records.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		cp := &Checkpoint{
			RunID:        uuid.New().String()[:8],
			Status:       StatusPending,
			ErrorRecords: []ErrorRecord{},
		}
		s.loaded = true
		s.lastShard = 0
		s.lastIndex = 0
		return cp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint file %s is corrupt: %w", s.path, err)
	}
	if cp.ErrorRecords == nil {
		cp.ErrorRecords = []ErrorRecord{}
	}

	s.loaded = true
	s.lastShard = cp.LastShard
	s.lastIndex = cp.LastIndexInShard
	return &cp, nil
}

// Save persists the checkpoint atomically. Saving a position behind the last
// persisted one fails with ErrRegression.
func (s *Store) Save(cp *Checkpoint) error {
	if s.loaded {
		if cp.LastShard < s.lastShard ||
			(cp.LastShard == s.lastShard && cp.LastIndexInShard < s.lastIndex) {
			return fmt.Errorf("%w: have shard %d index %d, saving shard %d index %d",
				ErrRegression, s.lastShard, s.lastIndex, cp.LastShard, cp.LastIndexInShard)
		}
	}

	cp.LastUpdatedAt = s.now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	s.lastShard = cp.LastShard
	s.lastIndex = cp.LastIndexInShard
	return nil
}

// Advance merges a committed batch into the checkpoint and persists it. This
// is the single commit point per batch: the position only moves here, after
// the caller has durably merged the batch's outcomes into the shard.
func (s *Store) Advance(cp *Checkpoint, shardIdx, newIndex int, outcomes []Outcome) error {
	cp.LastShard = shardIdx
	cp.LastIndexInShard = newIndex

	if len(outcomes) > 0 {
		cp.TotalBatches++
		maxAttempts := 1
		for _, o := range outcomes {
			if o.OK {
				cp.TotalProcessed++
			} else {
				cp.TotalErrors++
				cp.ErrorRecords = append(cp.ErrorRecords, ErrorRecord{
					ID:       o.ID,
					Reason:   o.Reason,
					Attempts: o.Attempts,
				})
			}
			if o.Attempts > maxAttempts {
				maxAttempts = o.Attempts
			}
		}
		cp.TotalRetries += maxAttempts - 1
	}

	return s.Save(cp)
}

// Reset removes the checkpoint file and clears the monotonicity guard, so
// the next Load starts a fresh run.
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	s.loaded = false
	s.lastShard = 0
	s.lastIndex = 0
	return nil
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}
