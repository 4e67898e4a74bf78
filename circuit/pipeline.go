package circuit

import (
	"context"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// Pipeline couples a circuit with the store it runs on, for hosts that want a
// single handle: build once, apply input batches, checkpoint, close. Hosts
// needing finer control use Build and Circuit directly.
type Pipeline struct {
	store   storage.ObjectStore
	circuit *Circuit
}

// NewPipeline builds a circuit from the plan over the store. The pipeline
// owns the store and closes it with Close.
func NewPipeline(p *plan.Plan, store storage.ObjectStore, opts Options) (*Pipeline, error) {
	c, err := Build(p, store, opts)
	if err != nil {
		return nil, err
	}
	return &Pipeline{store: store, circuit: c}, nil
}

// Circuit exposes the underlying circuit.
func (p *Pipeline) Circuit() *Circuit {
	return p.circuit
}

// Apply pushes one delta per source node and runs a single step, returning
// the step's output delta per inspect label.
func (p *Pipeline) Apply(ctx context.Context, batches map[string]*zset.ZSet) (map[string]*zset.ZSet, error) {
	for source, delta := range batches {
		if err := p.circuit.Push(source, delta); err != nil {
			return nil, err
		}
	}
	return p.circuit.Step(ctx)
}

// OnDelta registers a step-delta handler on an inspect label.
func (p *Pipeline) OnDelta(label string, fn InspectFunc) error {
	return p.circuit.OnDelta(label, fn)
}

// Checkpoint snapshots the circuit's durable state under the given id.
func (p *Pipeline) Checkpoint(id string) (*storage.Manifest, error) {
	return p.circuit.Checkpoint(id)
}

// Restore rolls the circuit back to the named checkpoint.
func (p *Pipeline) Restore(id string) error {
	return p.circuit.Restore(id)
}

// Close releases the store.
func (p *Pipeline) Close() error {
	return p.store.Close()
}
