package pipeline

import (
	"github.com/calunde/nameforge/internal/shard"
)

// Cursor addresses a resume position inside the dataset: the next record to
// consider is (Shard, Index).
type Cursor struct {
	Shard int
	Index int
}

// Item pairs a record with its position, so outcomes can be merged back into
// the right slot of the current shard.
type Item struct {
	Pos    int
	Record shard.Record
}

// Batcher draws fixed-size batches of not-yet-done records in dataset order.
// A batch never crosses a shard boundary: the checkpoint commits one
// (shard, index) pair per batch, so each batch must be attributable to a
// single shard. When a shard runs out mid-batch, the partial batch is
// returned and the next call rolls over to the following shard.
type Batcher struct {
	store    *shard.Store
	size     int
	skipDone bool
}

// NewBatcher creates a batcher over a loaded store.
func NewBatcher(store *shard.Store, size int, skipDone bool) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{store: store, size: size, skipDone: skipDone}
}

// Next returns the next batch at or after cur. The returned cursor is the
// commit position for the batch: every record before it has either been
// included in a batch or skipped as already done. exhausted is true once no
// shard has records left to consider.
func (b *Batcher) Next(cur Cursor) (items []Item, next Cursor, exhausted bool) {
	shardIdx := cur.Shard
	pos := cur.Index

	for shardIdx < b.store.NumShards() {
		shardLen := b.store.ShardLen(shardIdx)

		for pos < shardLen {
			rec, ok := b.store.At(shardIdx, pos)
			if !ok {
				break
			}
			pos++

			if b.skipDone && rec.Done() {
				continue
			}

			items = append(items, Item{Pos: pos - 1, Record: rec})
			if len(items) == b.size {
				return items, Cursor{Shard: shardIdx, Index: pos}, false
			}
		}

		// End of shard. A partial batch commits here; an empty scan rolls
		// over to the next shard and keeps looking.
		if len(items) > 0 {
			return items, Cursor{Shard: shardIdx, Index: pos}, false
		}
		shardIdx++
		pos = 0
	}

	return nil, cur, true
}
