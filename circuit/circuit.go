package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// StepState is the scheduler's phase within one step.
type StepState int

const (
	// StateIdle accepts input batches and checkpoint requests.
	StateIdle StepState = iota
	// StateIngesting seals the staged batches for the step.
	StateIngesting
	// StateEvaluating runs every operator once in topological order.
	StateEvaluating
	// StateCommitting merges operator state deltas and fires inspect
	// handlers.
	StateCommitting
)

func (s StepState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIngesting:
		return "ingesting"
	case StateEvaluating:
		return "evaluating"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stepCounterKey stores the committed step count, written at every commit.
const stepCounterKey = "meta/step"

type stepCounter struct {
	Step uint64 `json:"step"`
}

// node is one operator instance wired into the executable graph.
type node struct {
	name   string
	kind   string
	inputs []plan.Input
	op     Operator
}

// Circuit is an executable dataflow. Hosts stage input batches with Push,
// advance the computation one atomic step at a time with Step, and observe
// output deltas through inspect handlers. All methods are safe for concurrent
// use; a step is exclusive.
type Circuit struct {
	store storage.ObjectStore
	opts  Options
	log   *zap.Logger

	order    []string
	nodes    map[string]*node
	sources  map[string]*SourceOp
	inspects map[string]*InspectOp

	statefuls []Stateful
	pids      []string

	mu sync.Mutex
	// state is atomic, not guarded by mu: a step holds mu for its whole
	// duration, so the phase must be readable without the lock to be
	// observable at all (by monitors, or by inspect handlers running
	// inside the step).
	state  atomic.Int32
	step   uint64
	failed error
}

func (c *Circuit) setState(s StepState) {
	c.state.Store(int32(s))
}

// load restores durable operator state and the step counter from the store.
func (c *Circuit) load() error {
	sort.Strings(c.pids)
	for _, s := range c.statefuls {
		if err := s.Load(); err != nil {
			return err
		}
	}

	data, err := c.store.Get(stepCounterKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.step = 0
	case err != nil:
		return fmt.Errorf("load step counter: %w", err)
	default:
		var counter stepCounter
		if err := json.Unmarshal(data, &counter); err != nil {
			return fmt.Errorf("%w: step counter: %v", storage.ErrCorrupt, err)
		}
		c.step = counter.Step
	}

	for _, n := range c.nodes {
		if op, ok := n.op.(*ConstantOp); ok {
			op.setEmitted(c.step > 0)
		}
	}
	return nil
}

func (c *Circuit) persistStep() error {
	data, err := json.Marshal(stepCounter{Step: c.step})
	if err != nil {
		return err
	}
	return c.store.Put(stepCounterKey, data)
}

// StepCount returns the number of committed steps.
func (c *Circuit) StepCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// State returns the scheduler phase. It never blocks, so it reports the
// current phase even while a step is running.
func (c *Circuit) State() StepState {
	return StepState(c.state.Load())
}

// Err returns the sticky failure, nil while the circuit is healthy.
func (c *Circuit) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Push stages an input delta on a source node for the next step. Only valid
// between steps.
func (c *Circuit) Push(source string, delta *zset.ZSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return fmt.Errorf("%w: %v", ErrHalted, c.failed)
	}
	if s := c.State(); s != StateIdle {
		return fmt.Errorf("push on source %q: circuit is %s", source, s)
	}
	src, ok := c.sources[source]
	if !ok {
		return fmt.Errorf("push: no source node %q", source)
	}
	return src.stage(delta)
}

// PushRows stages rows with weight 1 on a source node.
func (c *Circuit) PushRows(source string, rows ...zset.Row) error {
	delta, err := zset.FromRows(rows...)
	if err != nil {
		return err
	}
	return c.Push(source, delta)
}

// OnDelta registers fn as the handler of the inspect node with the given
// label. fn runs during the commit phase of every step, including steps with
// an empty delta.
func (c *Circuit) OnDelta(label string, fn InspectFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.inspects[label]
	if !ok {
		return fmt.Errorf("no inspect node labeled %q", label)
	}
	op.handler = fn
	return nil
}

// Labels returns the inspect labels in sorted order.
func (c *Circuit) Labels() []string {
	labels := make([]string, 0, len(c.inspects))
	for label := range c.inspects {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Step runs one atomic step: seal the staged batches, evaluate every operator
// once in topological order, commit state, fire inspect handlers. It returns
// the step's delta per inspect label.
//
// A step either commits fully or fails; a failed step halts the circuit and
// every later call returns ErrHalted until a checkpoint is restored.
// Cancelling ctx mid-step counts as a failure, since staged inputs are
// already partially consumed.
func (c *Circuit) Step(ctx context.Context) (map[string]*zset.ZSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrHalted, c.failed)
	}

	stepIdx := c.step
	c.setState(StateIngesting)
	c.setState(StateEvaluating)

	results := make(map[string]*zset.ZSet, len(c.order))
	for _, name := range c.order {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(stepIdx, err)
		}
		n := c.nodes[name]
		ins := make([]*zset.ZSet, len(n.inputs))
		for i, in := range n.inputs {
			ins[i] = results[in.Node]
		}
		out, err := n.op.Eval(ins...)
		if err != nil {
			return nil, c.fail(stepIdx, fmt.Errorf("node %q: %w", name, err))
		}
		results[name] = out
	}

	c.setState(StateCommitting)
	for _, s := range c.statefuls {
		if err := s.Commit(); err != nil {
			return nil, c.fail(stepIdx, err)
		}
	}
	c.step++
	if err := c.persistStep(); err != nil {
		return nil, c.fail(stepIdx, err)
	}

	labels := make([]string, 0, len(c.inspects))
	for label := range c.inspects {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	outputs := make(map[string]*zset.ZSet, len(c.inspects))
	for _, label := range labels {
		op := c.inspects[label]
		outputs[label] = op.last
		op.flush(stepIdx)
	}

	c.log.Debug("step committed",
		zap.Uint64("step", stepIdx),
		zap.Int("nodes", len(c.order)))
	c.setState(StateIdle)
	return outputs, nil
}

// fail records the sticky failure and returns the wrapped error.
func (c *Circuit) fail(stepIdx uint64, err error) error {
	wrapped := fmt.Errorf("step %d: %w", stepIdx, err)
	c.failed = wrapped
	c.setState(StateIdle)
	c.log.Error("step failed", zap.Uint64("step", stepIdx), zap.Error(err))
	return wrapped
}

// Checkpoint snapshots all durable operator state plus the step counter under
// the given id. Only valid between steps on a healthy circuit.
func (c *Circuit) Checkpoint(id string) (*storage.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrHalted, c.failed)
	}
	if s := c.State(); s != StateIdle {
		return nil, fmt.Errorf("checkpoint %q: circuit is %s", id, s)
	}
	m, err := storage.WriteCheckpoint(c.store, id, c.step, c.pids)
	if err != nil {
		return nil, err
	}
	c.log.Info("checkpoint written",
		zap.String("id", id),
		zap.Uint64("step", c.step),
		zap.Int("spines", len(m.Spines)))
	return m, nil
}

// Restore replaces all durable operator state with the named checkpoint and
// resumes from its step counter. Staged input batches are discarded; a halted
// circuit becomes healthy again.
func (c *Circuit) Restore(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.State(); s != StateIdle {
		return fmt.Errorf("restore %q: circuit is %s", id, s)
	}

	m, err := storage.RestoreCheckpoint(c.store, id)
	if err != nil {
		return err
	}
	c.step = m.Step
	if err := c.persistStep(); err != nil {
		return err
	}
	for _, s := range c.statefuls {
		if err := s.Load(); err != nil {
			return err
		}
	}
	for _, n := range c.nodes {
		switch op := n.op.(type) {
		case *ConstantOp:
			op.setEmitted(c.step > 0)
		case *SourceOp:
			op.reset()
		}
	}
	c.failed = nil
	c.log.Info("checkpoint restored",
		zap.String("id", id),
		zap.Uint64("step", c.step))
	return nil
}

// Close releases the underlying store.
func (c *Circuit) Close() error {
	return c.store.Close()
}
