package circuit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
)

// DefaultMaxIterations bounds fixed-point iteration per outer step. A nested
// circuit still diverging after this many rounds fails the step with
// ErrNonConvergent.
const DefaultMaxIterations = 1000

// Options configures a circuit.
type Options struct {
	// Workers sizes the evaluation worker pool. Zero means GOMAXPROCS.
	Workers int
	// MaxIterations overrides DefaultMaxIterations when positive.
	MaxIterations int
	// MemoryBudget is the per-spine resident byte budget. Zero means spines
	// stay fully resident.
	MemoryBudget int64
	// Retry overrides the storage retry policy. Nil means
	// storage.DefaultRetryOptions; MaxRetries zero in a non-nil value
	// disables retries.
	Retry *storage.RetryOptions
	// Logger receives structured progress events. Nil means no logging.
	Logger *zap.Logger
}

func (o Options) maxIterations() int {
	if o.MaxIterations > 0 {
		return o.MaxIterations
	}
	return DefaultMaxIterations
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// buildEnv carries the shared pieces operator constructors need.
type buildEnv struct {
	store         storage.ObjectStore
	spineOpts     storage.SpineOptions
	pool          *workerPool
	maxIterations int
}

// makeOperator instantiates one operator. pid addresses the operator's
// durable state; it is the node's persistent_id at the top level and a
// synthesized transient id inside a nested body. Nested and delta0 nodes are
// constructed by their dedicated paths, not here.
func makeOperator(name string, node plan.Node, pid string, env *buildEnv) (Operator, error) {
	switch node.Operation {
	case plan.OpSourceMap:
		return newSourceOp(name, true), nil
	case plan.OpSourceMultiset:
		return newSourceOp(name, false), nil
	case plan.OpConstant:
		return newConstantOp(node.Params.Rows), nil
	case plan.OpMap:
		return newMapOp(node.Params.Project), nil
	case plan.OpMapIndex:
		return newMapIndexOp(node.Params), nil
	case plan.OpFlatMapIndex:
		return newFlatMapIndexOp(node.Params), nil
	case plan.OpSum:
		return &SumOp{}, nil
	case plan.OpInspect:
		label := node.Params.Label
		if label == "" {
			label = name
		}
		return newInspectOp(label), nil
	case plan.OpDistinct:
		return newDistinctOp(name, storage.NewSpine(env.store, pid, env.spineOpts), env.pool), nil
	case plan.OpJoin, plan.OpJoinIndex:
		left := storage.NewSpine(env.store, pid+".left", env.spineOpts)
		right := storage.NewSpine(env.store, pid+".right", env.spineOpts)
		return newJoinOp(name, node.Params, left, right, env.pool), nil
	default:
		return nil, fmt.Errorf("%w: node %q: operation %q has no constructor",
			plan.ErrMalformed, name, node.Operation)
	}
}

// Build compiles a validated plan into an executable circuit bound to the
// given store. Durable operator state is loaded from the store, so building
// over a previously committed store resumes where the last run left off.
func Build(p *plan.Plan, store storage.ObjectStore, opts Options) (*Circuit, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	retry := storage.DefaultRetryOptions()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	if retry.MaxRetries > 0 {
		store = storage.NewRetryingStore(store, retry)
	}

	pool := newWorkerPool(opts.Workers)
	env := &buildEnv{
		store:         store,
		spineOpts:     storage.SpineOptions{MemoryBudget: opts.MemoryBudget},
		pool:          pool,
		maxIterations: opts.maxIterations(),
	}

	c := &Circuit{
		store:    store,
		opts:     opts,
		log:      opts.logger(),
		order:    plan.TopoOrder(p.Circuit.Nodes),
		nodes:    make(map[string]*node, len(p.Circuit.Nodes)),
		sources:  make(map[string]*SourceOp),
		inspects: make(map[string]*InspectOp),
	}

	for name, pn := range p.Circuit.Nodes {
		var op Operator
		var err error
		if pn.Operation == plan.OpNested {
			op, err = newNestedOp(name, pn, store, env.spineOpts, pool, env.maxIterations)
		} else {
			op, err = makeOperator(name, pn, pn.PersistentID, env)
		}
		if err != nil {
			return nil, err
		}
		c.nodes[name] = &node{name: name, kind: pn.Operation, inputs: pn.Inputs, op: op}

		switch t := op.(type) {
		case *SourceOp:
			c.sources[name] = t
		case *InspectOp:
			if _, dup := c.inspects[t.label]; dup {
				return nil, fmt.Errorf("%w: duplicate inspect label %q", plan.ErrMalformed, t.label)
			}
			c.inspects[t.label] = t
		}
		if s, ok := op.(Stateful); ok {
			c.statefuls = append(c.statefuls, s)
			c.pids = append(c.pids, s.PersistentIDs()...)
		}
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	c.log.Info("circuit built",
		zap.Int("nodes", len(c.nodes)),
		zap.Int("stateful", len(c.statefuls)),
		zap.Uint64("step", c.step))
	return c, nil
}
