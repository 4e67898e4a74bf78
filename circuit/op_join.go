package circuit

import (
	"fmt"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// JoinOp is the incremental equi-join on index keys. It keeps both input
// sides in spines and applies the bilinear delta rule per step:
//
//	delta(L >< R) = dL >< R  +  L >< dR  +  dL >< dR
//
// where L and R are the accumulated sides as of the previous commit. Output
// rows are unkeyed; a downstream map_index re-keys them when needed.
type JoinOp struct {
	name   string
	output []plan.Field
	// key re-keys output rows for the join_index variant; empty for join.
	key   []string
	left  *storage.Spine
	right *storage.Spine
	pool  *workerPool
}

func newJoinOp(name string, p plan.Params, left, right *storage.Spine, pool *workerPool) *JoinOp {
	return &JoinOp{name: name, output: p.Output, key: p.Key, left: left, right: right, pool: pool}
}

func (o *JoinOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	dl, dr := inputs[0], inputs[1]
	out := zset.New()

	// Index dR by key so the dL pass covers both dL><R and dL><dR.
	drByKey := make(map[string][]zset.Entry)
	for _, e := range dr.Entries() {
		drByKey[e.Row.Key] = append(drByKey[e.Row.Key], e)
	}

	leftPass, err := o.probe(dl.Entries(), o.right, drByKey, false)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", o.name, err)
	}
	rightPass, err := o.probe(dr.Entries(), o.left, nil, true)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", o.name, err)
	}
	out.Merge(leftPass)
	out.Merge(rightPass)

	o.left.Stage(dl)
	o.right.Stage(dr)
	return out, nil
}

// probe matches every delta entry against the opposite committed spine and,
// for the left pass, against the opposite delta. Entries are sharded by index
// key across the worker pool; results merge into one Z-set afterwards so the
// output is independent of scheduling.
func (o *JoinOp) probe(deltas []zset.Entry, opposite *storage.Spine, oppositeDelta map[string][]zset.Entry, flipped bool) (*zset.ZSet, error) {
	shards := o.pool.workers
	if shards < 1 {
		shards = 1
	}
	parts := make([][]zset.Entry, shards)
	for _, e := range deltas {
		i := shardFor(e.Row.Key, shards)
		parts[i] = append(parts[i], e)
	}

	partial := make([]*zset.ZSet, shards)
	err := o.pool.run(shards, func(shard int) error {
		z := zset.New()
		for _, e := range parts[shard] {
			err := opposite.LookupKey(e.Row.Key, func(match zset.Entry) error {
				return o.emit(z, e, match, flipped)
			})
			if err != nil {
				return err
			}
			for _, match := range oppositeDelta[e.Row.Key] {
				if err := o.emit(z, e, match, flipped); err != nil {
					return err
				}
			}
		}
		partial[shard] = z
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := zset.New()
	for _, z := range partial {
		out.Merge(z)
	}
	return out, nil
}

func (o *JoinOp) emit(out *zset.ZSet, a, b zset.Entry, flipped bool) error {
	left, right := a, b
	if flipped {
		left, right = b, a
	}
	doc, err := joinDoc(left.Row.Doc, right.Row.Doc, o.output)
	if err != nil {
		return err
	}
	var key string
	if len(o.key) > 0 {
		if key, err = indexKey(doc, o.key); err != nil {
			return err
		}
	}
	return out.AddRow(zset.Row{Key: key, Doc: doc}, a.Weight*b.Weight)
}

func (o *JoinOp) PersistentIDs() []string {
	return []string{o.left.PersistentID(), o.right.PersistentID()}
}

func (o *JoinOp) Commit() error {
	if err := o.left.Commit(); err != nil {
		return err
	}
	return o.right.Commit()
}

func (o *JoinOp) Load() error {
	if err := o.left.Load(); err != nil {
		return err
	}
	return o.right.Load()
}
