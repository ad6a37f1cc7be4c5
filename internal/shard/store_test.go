package shard_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/calunde/nameforge/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestStoreLoad_BothEncodings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron", "origin": "Hebrew"}, "Mia"]`)
	writeFile(t, dir, "chunk2.json", `{"names": [{"name": "Liam"}]}`)

	s := shard.NewStore(dir, []string{"chunk1.json", "chunk2.json"}, false, nil)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, 2, s.NumShards())
	assert.Equal(t, 3, s.TotalRecords())
	assert.Equal(t, 2, s.ShardLen(0))
	assert.Equal(t, 1, s.ShardLen(1))

	rec, ok := s.Get("Mia")
	require.True(t, ok, "bare-string record should be indexed")
	assert.Equal(t, "Mia", rec.Name)

	rec, ok = s.At(1, 0)
	require.True(t, ok)
	assert.Equal(t, "Liam", rec.Name)
}

func TestStoreLoad_MissingFileIsEmptyShard(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `["Aaron"]`)

	s := shard.NewStore(dir, []string{"chunk1.json", "chunk2.json"}, false, nil)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, 2, s.NumShards())
	assert.Equal(t, 1, s.TotalRecords())
	assert.Equal(t, 0, s.ShardLen(1))
}

func TestStoreLoad_CorruptShardFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `["Aaron"]`)
	writeFile(t, dir, "chunk2.json", `{"names": [truncated`)

	s := shard.NewStore(dir, []string{"chunk1.json", "chunk2.json"}, false, nil)
	err := s.Load(context.Background())
	require.Error(t, err, "a present but unparseable shard must stop the run")
	assert.Contains(t, err.Error(), "chunk2.json")
}

func TestStoreLoad_BadRecordSurfacesRecordError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron"}, ""]`)

	s := shard.NewStore(dir, []string{"chunk1.json"}, false, nil)
	err := s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty string", "the record's own error, not a shape mismatch")
	assert.NotContains(t, err.Error(), "cannot unmarshal")
}

func TestStoreLoad_DuplicateNameKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron", "origin": "Hebrew"}]`)
	writeFile(t, dir, "chunk2.json", `[{"name": "Aaron", "origin": "Duplicate"}]`)

	s := shard.NewStore(dir, []string{"chunk1.json", "chunk2.json"}, false, nil)
	require.NoError(t, s.Load(context.Background()))

	rec, ok := s.Get("Aaron")
	require.True(t, ok)
	assert.Equal(t, "Hebrew", rec.Field(shard.FieldOrigin))
}

func TestApplyUpdatesAndFlush(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron"}, {"name": "Mia"}]`)

	s := shard.NewStore(dir, []string{"chunk1.json"}, false, nil)
	require.NoError(t, s.Load(context.Background()))

	err := s.ApplyUpdates(0, map[int]map[string]any{
		0: {"meaning": "exalted", "origin": "Hebrew"},
	})
	require.NoError(t, err)

	// in-memory only until Flush
	onDisk, err := os.ReadFile(filepath.Join(dir, "chunk1.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(onDisk), "exalted")

	require.NoError(t, s.Flush(0))

	onDisk, err = os.ReadFile(filepath.Join(dir, "chunk1.json"))
	require.NoError(t, err)

	var records []shard.Record
	require.NoError(t, json.Unmarshal(onDisk, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "exalted", records[0].Field(shard.FieldMeaning))
	assert.Equal(t, "", records[1].Field(shard.FieldMeaning), "untouched record stays untouched")
}

func TestApplyUpdates_OutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron"}]`)

	s := shard.NewStore(dir, []string{"chunk1.json"}, false, nil)
	require.NoError(t, s.Load(context.Background()))

	assert.Error(t, s.ApplyUpdates(0, map[int]map[string]any{5: {"meaning": "x"}}))
	assert.Error(t, s.ApplyUpdates(3, map[int]map[string]any{0: {"meaning": "x"}}))
}

func TestFlush_PreservesWrapperAndWritesBackup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `{"names": [{"name": "Aaron"}]}`)

	s := shard.NewStore(dir, []string{"chunk1.json"}, true, nil)
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.ApplyUpdates(0, map[int]map[string]any{
		0: {"meaning": "exalted", "origin": "Hebrew"},
	}))
	require.NoError(t, s.Flush(0))

	// wrapper shape preserved
	onDisk, err := os.ReadFile(filepath.Join(dir, "chunk1.json"))
	require.NoError(t, err)
	var wrapped struct {
		Names []shard.Record `json:"names"`
	}
	require.NoError(t, json.Unmarshal(onDisk, &wrapped))
	require.Len(t, wrapped.Names, 1)
	assert.Equal(t, "exalted", wrapped.Names[0].Field(shard.FieldMeaning))

	// backup holds the pre-flush contents
	backup, err := os.ReadFile(filepath.Join(dir, "chunk1.json.backup"))
	require.NoError(t, err)
	assert.NotContains(t, string(backup), "exalted")

	// no temp file left behind
	_, err = os.Stat(filepath.Join(dir, "chunk1.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestFlush_RepeatedCallsAreSafe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "chunk1.json", `[{"name": "Aaron"}]`)

	s := shard.NewStore(dir, []string{"chunk1.json"}, true, nil)
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.Flush(0))
	require.NoError(t, s.Flush(0))

	onDisk, err := os.ReadFile(filepath.Join(dir, "chunk1.json"))
	require.NoError(t, err)
	var records []shard.Record
	require.NoError(t, json.Unmarshal(onDisk, &records))
	assert.Len(t, records, 1)
}
