package circuit

import (
	"fmt"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// NestedOp runs an embedded circuit to its fixed point once per outer step.
//
// The operator persists the accumulated outer input per slot and the fixed
// point it last emitted. Each outer step it seeds a fresh transient inner
// circuit with the full accumulated input through the body's delta0 nodes,
// iterates until one round produces empty deltas on every output and
// backedge, and emits the difference between the new fixed point and the
// previous one. Inner state lives in memory only and is rebuilt every step,
// so no inner spine survives between steps or appears in checkpoints.
//
// Iteration is semi-naive: each round evaluates only the previous round's
// backedge deltas against state committed so far, so an acyclic reachability
// problem of depth d converges in at most d+1 rounds.
type NestedOp struct {
	name          string
	body          *plan.Body
	order         []string
	delta0Slot    map[string]int
	inputSpines   []*storage.Spine
	outSpine      *storage.Spine
	maxIterations int
	pool          *workerPool
}

func newNestedOp(name string, node plan.Node, store storage.ObjectStore, opts storage.SpineOptions, pool *workerPool, maxIterations int) (*NestedOp, error) {
	slots := make(map[string]int)
	for inner, bn := range node.Body.Nodes {
		if bn.Operation != plan.OpDelta0 {
			continue
		}
		slot := -1
		for i, in := range node.Inputs {
			if len(bn.Inputs) == 1 && bn.Inputs[0].Node == in.Node {
				slot = i
			}
		}
		if slot < 0 {
			return nil, fmt.Errorf("%w: nested node %q: delta0 %q does not reference a parent input",
				plan.ErrMalformed, name, inner)
		}
		slots[inner] = slot
	}

	spines := make([]*storage.Spine, len(node.Inputs))
	for i := range node.Inputs {
		spines[i] = storage.NewSpine(store, fmt.Sprintf("%s.in%d", node.PersistentID, i), opts)
	}
	return &NestedOp{
		name:          name,
		body:          node.Body,
		order:         plan.TopoOrder(node.Body.Nodes),
		delta0Slot:    slots,
		inputSpines:   spines,
		outSpine:      storage.NewSpine(store, node.PersistentID+".out", opts),
		maxIterations: maxIterations,
		pool:          pool,
	}, nil
}

// buildInner instantiates fresh transient operators for the body. Stateful
// inner operators get memory-backed spines that live for this step only.
func (o *NestedOp) buildInner(seeds []*zset.ZSet) (map[string]Operator, []Stateful, error) {
	transient := storage.NewMemStore()
	env := &buildEnv{
		store:         transient,
		spineOpts:     storage.SpineOptions{},
		pool:          o.pool,
		maxIterations: o.maxIterations,
	}

	ops := make(map[string]Operator, len(o.body.Nodes))
	var statefuls []Stateful
	for inner, bn := range o.body.Nodes {
		if bn.Operation == plan.OpDelta0 {
			d := &Delta0Op{parentSlot: o.delta0Slot[inner]}
			d.setSeed(seeds[d.parentSlot])
			ops[inner] = d
			continue
		}
		op, err := makeOperator(inner, bn, "inner/"+o.name+"/"+inner, env)
		if err != nil {
			return nil, nil, fmt.Errorf("nested %s: node %q: %w", o.name, inner, err)
		}
		ops[inner] = op
		if s, ok := op.(Stateful); ok {
			statefuls = append(statefuls, s)
		}
	}
	return ops, statefuls, nil
}

func (o *NestedOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	seeds := make([]*zset.ZSet, len(inputs))
	for i, delta := range inputs {
		snap, err := o.inputSpines[i].Snapshot()
		if err != nil {
			return nil, fmt.Errorf("nested %s: input %d: %w", o.name, i, err)
		}
		seeds[i] = snap.Add(delta)
	}

	ops, statefuls, err := o.buildInner(seeds)
	if err != nil {
		return nil, err
	}

	total := zset.New()
	backVal := make(map[string]*zset.ZSet)
	for iter := 0; ; iter++ {
		if iter >= o.maxIterations {
			return nil, fmt.Errorf("nested %s: no fixed point after %d iterations: %w",
				o.name, o.maxIterations, ErrNonConvergent)
		}
		for inner := range o.delta0Slot {
			ops[inner].(*Delta0Op).setIteration(iter)
		}

		results := make(map[string]*zset.ZSet, len(o.order))
		for _, inner := range o.order {
			bn := o.body.Nodes[inner]
			var ins []*zset.ZSet
			if bn.Operation != plan.OpDelta0 {
				for _, in := range bn.Inputs {
					ins = append(ins, results[in.Node])
				}
			}
			if bv, ok := backVal[inner]; ok {
				ins = append(ins, bv)
			}
			out, err := ops[inner].Eval(ins...)
			if err != nil {
				return nil, fmt.Errorf("nested %s: node %q: %w", o.name, inner, err)
			}
			results[inner] = out
		}

		converged := true
		nextBack := make(map[string]*zset.ZSet, len(o.body.Backedges))
		for _, be := range o.body.Backedges {
			v := results[be.From]
			nextBack[be.To] = v
			if !v.IsEmpty() {
				converged = false
			}
		}
		for _, out := range o.body.Outputs {
			total.Merge(results[out])
			if !results[out].IsEmpty() {
				converged = false
			}
		}
		for _, s := range statefuls {
			if err := s.Commit(); err != nil {
				return nil, fmt.Errorf("nested %s: %w", o.name, err)
			}
		}
		if converged {
			break
		}
		backVal = nextBack
	}

	prev, err := o.outSpine.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("nested %s: %w", o.name, err)
	}
	emitted := total.Add(prev.Negate())

	for i, delta := range inputs {
		o.inputSpines[i].Stage(delta)
	}
	o.outSpine.Stage(emitted)
	return emitted, nil
}

func (o *NestedOp) PersistentIDs() []string {
	ids := make([]string, 0, len(o.inputSpines)+1)
	for _, s := range o.inputSpines {
		ids = append(ids, s.PersistentID())
	}
	return append(ids, o.outSpine.PersistentID())
}

func (o *NestedOp) Commit() error {
	for _, s := range o.inputSpines {
		if err := s.Commit(); err != nil {
			return err
		}
	}
	return o.outSpine.Commit()
}

func (o *NestedOp) Load() error {
	for _, s := range o.inputSpines {
		if err := s.Load(); err != nil {
			return err
		}
	}
	return o.outSpine.Load()
}
