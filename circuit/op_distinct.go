package circuit

import (
	"fmt"

	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// DistinctOp converts multiset deltas to set deltas. It tracks the running
// weight of every row in a spine and emits only threshold crossings: +1 when
// a row's weight moves from non-positive to positive, -1 on the way back.
// Weight changes that stay on one side of zero emit nothing.
//
// Rows are independent, so the delta is sharded by canonical row identity
// across the worker pool; per-shard partial Z-sets merge into one output so
// the result is independent of scheduling.
type DistinctOp struct {
	name  string
	spine *storage.Spine
	pool  *workerPool
}

func newDistinctOp(name string, spine *storage.Spine, pool *workerPool) *DistinctOp {
	return &DistinctOp{name: name, spine: spine, pool: pool}
}

func (o *DistinctOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	shards := o.pool.workers
	if shards < 1 {
		shards = 1
	}
	parts := make([][]zset.Entry, shards)
	for _, e := range inputs[0].Entries() {
		canon, err := zset.CanonicalKey(e.Row)
		if err != nil {
			return nil, fmt.Errorf("distinct %s: %w", o.name, err)
		}
		i := shardFor(canon, shards)
		parts[i] = append(parts[i], e)
	}

	partial := make([]*zset.ZSet, shards)
	err := o.pool.run(shards, func(shard int) error {
		z := zset.New()
		for _, e := range parts[shard] {
			old, err := o.spine.Weight(e.Row)
			if err != nil {
				return err
			}
			next := old + e.Weight
			switch {
			case old <= 0 && next > 0:
				if err := z.AddRow(e.Row, 1); err != nil {
					return err
				}
			case old > 0 && next <= 0:
				if err := z.AddRow(e.Row, -1); err != nil {
					return err
				}
			}
		}
		partial[shard] = z
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", o.name, err)
	}

	out := zset.New()
	for _, z := range partial {
		out.Merge(z)
	}
	o.spine.Stage(inputs[0])
	return out, nil
}

func (o *DistinctOp) PersistentIDs() []string {
	return []string{o.spine.PersistentID()}
}

func (o *DistinctOp) Commit() error {
	return o.spine.Commit()
}

func (o *DistinctOp) Load() error {
	return o.spine.Load()
}
