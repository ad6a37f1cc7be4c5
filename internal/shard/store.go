package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Shard is one JSON file holding a contiguous slice of the dataset.
type Shard struct {
	Path    string
	Wrapped bool // file is {"names": [...]} rather than a bare array
	Records []Record
}

// ref locates a record inside the loaded dataset.
type ref struct {
	shard int
	pos   int
}

// Store loads shard files, indexes records by name, and writes shards back
// atomically. A Store is owned by exactly one pipeline process; concurrent
// processes against the same files will corrupt progress.
type Store struct {
	dir    string
	files  []string
	backup bool
	log    *slog.Logger

	mu     sync.RWMutex
	shards []*Shard
	index  map[string]ref
	total  int
}

// NewStore creates a store over the given shard files (relative to dir).
// Nothing is read until Load.
func NewStore(dir string, files []string, backup bool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:    dir,
		files:  files,
		backup: backup,
		log:    log,
	}
}

// wrappedShard is the {"names": [...]} file shape.
type wrappedShard struct {
	Names []Record `json:"names"`
}

// Load reads every shard file and builds the name index. Shard files are read
// concurrently; a missing file yields an empty shard, but a file that exists
// and fails to parse aborts the load, because a silently skipped shard would
// make the pipeline report completion without processing its records.
func (s *Store) Load(ctx context.Context) error {
	shards := make([]*Shard, len(s.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, file := range s.files {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			path := filepath.Join(s.dir, file)
			sh, err := readShard(path)
			if err != nil {
				return fmt.Errorf("shard %s: %w", file, err)
			}
			shards[i] = sh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	index := make(map[string]ref)
	total := 0
	for i, sh := range shards {
		for pos, rec := range sh.Records {
			if prev, exists := index[rec.Name]; exists {
				// Shards must not share a name. Keep the first occurrence so
				// lookups stay deterministic, and surface the duplicate.
				s.log.Warn("duplicate record name across shards",
					"name", rec.Name,
					"first_shard", prev.shard, "first_pos", prev.pos,
					"shard", i, "pos", pos)
				continue
			}
			index[rec.Name] = ref{shard: i, pos: pos}
		}
		total += len(sh.Records)
		s.log.Info("shard loaded", "file", s.files[i], "records", len(sh.Records))
	}

	s.mu.Lock()
	s.shards = shards
	s.index = index
	s.total = total
	s.mu.Unlock()

	s.log.Info("dataset loaded", "shards", len(shards), "records", total)
	return nil
}

func readShard(path string) (*Shard, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Shard{Path: path}, nil
	}
	if err != nil {
		return nil, err
	}

	var records []Record
	arrErr := json.Unmarshal(data, &records)
	if arrErr == nil {
		return &Shard{Path: path, Records: records}, nil
	}
	// A file that is an array is the bare shape; its parse error is the real
	// one, not the wrapper attempt's shape mismatch.
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		return nil, fmt.Errorf("not a valid shard file: %w", arrErr)
	}

	var wrapped wrappedShard
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("not a valid shard file: %w", err)
	}
	if wrapped.Names == nil {
		return nil, fmt.Errorf("not a valid shard file: no names array")
	}
	return &Shard{Path: path, Wrapped: true, Records: wrapped.Names}, nil
}

// NumShards returns the number of shards.
func (s *Store) NumShards() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shards)
}

// ShardLen returns the record count of one shard.
func (s *Store) ShardLen(shardIdx int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if shardIdx < 0 || shardIdx >= len(s.shards) {
		return 0
	}
	return len(s.shards[shardIdx].Records)
}

// TotalRecords returns the authoritative dataset size.
func (s *Store) TotalRecords() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Get looks a record up by name.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.index[name]
	if !ok {
		return Record{}, false
	}
	return s.shards[r.shard].Records[r.pos], true
}

// At returns the record at a shard position.
func (s *Store) At(shardIdx, pos int) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if shardIdx < 0 || shardIdx >= len(s.shards) {
		return Record{}, false
	}
	sh := s.shards[shardIdx]
	if pos < 0 || pos >= len(sh.Records) {
		return Record{}, false
	}
	return sh.Records[pos], true
}

// ApplyUpdates merges field updates into records of one shard, in memory
// only. Positions outside the shard are an error: an update addressed to a
// stale position means the caller's view has drifted from the store.
func (s *Store) ApplyUpdates(shardIdx int, updates map[int]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shardIdx < 0 || shardIdx >= len(s.shards) {
		return fmt.Errorf("shard %d out of range", shardIdx)
	}
	sh := s.shards[shardIdx]

	for pos := range updates {
		if pos < 0 || pos >= len(sh.Records) {
			return fmt.Errorf("position %d out of range for shard %d (%d records)", pos, shardIdx, len(sh.Records))
		}
	}

	for pos, fields := range updates {
		rec := &sh.Records[pos]
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
	}
	return nil
}

// Flush writes one shard back to disk: marshal to a temp file in the same
// directory, optionally copy the previous file to a .backup, then rename the
// temp file over the original. A crash at any point leaves either the old or
// the new complete file at the final path, never a truncated one.
func (s *Store) Flush(shardIdx int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if shardIdx < 0 || shardIdx >= len(s.shards) {
		return fmt.Errorf("shard %d out of range", shardIdx)
	}
	sh := s.shards[shardIdx]

	var payload any = sh.Records
	if sh.Wrapped {
		payload = wrappedShard{Names: sh.Records}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shard %d: %w", shardIdx, err)
	}

	tmp := sh.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write shard %d temp file: %w", shardIdx, err)
	}

	if s.backup {
		if err := copyFile(sh.Path, sh.Path+".backup"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("backup shard %d: %w", shardIdx, err)
		}
	}

	if err := os.Rename(tmp, sh.Path); err != nil {
		return fmt.Errorf("replace shard %d: %w", shardIdx, err)
	}

	s.log.Debug("shard flushed", "shard", shardIdx, "path", sh.Path, "bytes", len(data))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
