package circuit

import (
	"fmt"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/zset"
)

// SourceOp is an ingestion point. The scheduler stages the host's batch into
// it during the ingest phase; evaluation drains the batch as this step's
// delta. A keyed source requires every row to carry an index key.
type SourceOp struct {
	name  string
	keyed bool
	batch *zset.ZSet
}

func newSourceOp(name string, keyed bool) *SourceOp {
	return &SourceOp{name: name, keyed: keyed, batch: zset.New()}
}

// stage merges a host batch into the pending input.
func (o *SourceOp) stage(delta *zset.ZSet) error {
	if o.keyed {
		for _, e := range delta.Entries() {
			if e.Row.Key == "" {
				return fmt.Errorf("source %s: keyed source row has no key: %v", o.name, e.Row.Doc)
			}
		}
	}
	o.batch.Merge(delta)
	return nil
}

// reset discards any staged batch. Used when restoring a checkpoint, whose
// state predates the staged input.
func (o *SourceOp) reset() {
	o.batch = zset.New()
}

func (o *SourceOp) Eval(_ ...*zset.ZSet) (*zset.ZSet, error) {
	out := o.batch
	o.batch = zset.New()
	return out, nil
}

// ConstantOp emits its fixed rows once, at the first step after the circuit
// starts from empty state, and the empty delta forever after.
type ConstantOp struct {
	rows    []plan.ConstRow
	emitted bool
}

func newConstantOp(rows []plan.ConstRow) *ConstantOp {
	return &ConstantOp{rows: rows}
}

// setEmitted records whether the initial emission already happened. True when
// the circuit resumes past step zero, where the constant already flowed;
// false again after a restore to step zero.
func (o *ConstantOp) setEmitted(v bool) {
	o.emitted = v
}

func (o *ConstantOp) Eval(_ ...*zset.ZSet) (*zset.ZSet, error) {
	if o.emitted {
		return zset.New(), nil
	}
	o.emitted = true
	out := zset.New()
	for i, r := range o.rows {
		row := zset.Row{Key: r.Key, Doc: zset.Record(r.Doc).DeepCopy()}
		if err := out.AddRow(row, r.Weight); err != nil {
			return nil, fmt.Errorf("constant row %d: %w", i, err)
		}
	}
	return out, nil
}

// MapOp projects every record, preserving weights and index keys.
type MapOp struct {
	project []plan.Field
}

func newMapOp(project []plan.Field) *MapOp {
	return &MapOp{project: project}
}

func (o *MapOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	out := zset.New()
	for _, e := range inputs[0].Entries() {
		doc, err := projectDoc(e.Row.Doc, o.project)
		if err != nil {
			return nil, err
		}
		if err := out.AddRow(zset.Row{Key: e.Row.Key, Doc: doc}, e.Weight); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MapIndexOp re-keys every record by the configured fields, optionally
// projecting the payload.
type MapIndexOp struct {
	key   []string
	value []plan.Field
}

func newMapIndexOp(p plan.Params) *MapIndexOp {
	return &MapIndexOp{key: p.Key, value: p.Value}
}

func (o *MapIndexOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	out := zset.New()
	for _, e := range inputs[0].Entries() {
		key, err := indexKey(e.Row.Doc, o.key)
		if err != nil {
			return nil, err
		}
		doc := e.Row.Doc
		if len(o.value) > 0 {
			doc, err = projectDoc(e.Row.Doc, o.value)
			if err != nil {
				return nil, err
			}
		}
		if err := out.AddRow(zset.Row{Key: key, Doc: doc}, e.Weight); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FlatMapIndexOp unnests an array field into one output row per element, each
// keyed by the configured fields and carrying the element under the As name.
// A missing or empty array yields no rows for that record.
type FlatMapIndexOp struct {
	unnest string
	as     string
	key    []string
}

func newFlatMapIndexOp(p plan.Params) *FlatMapIndexOp {
	return &FlatMapIndexOp{unnest: p.Unnest, as: p.As, key: p.Key}
}

func (o *FlatMapIndexOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	out := zset.New()
	for _, e := range inputs[0].Entries() {
		raw, ok := e.Row.Doc[o.unnest]
		if !ok || raw == nil {
			continue
		}
		elems, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("flat_map_index field %q is not an array: %T", o.unnest, raw)
		}
		for _, elem := range elems {
			doc := make(zset.Record, len(e.Row.Doc))
			for k, v := range e.Row.Doc {
				if k == o.unnest {
					continue
				}
				doc[k] = v
			}
			doc[o.as] = elem
			key, err := indexKey(doc, o.key)
			if err != nil {
				return nil, err
			}
			if err := out.AddRow(zset.Row{Key: key, Doc: doc}, e.Weight); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// SumOp adds its input deltas pointwise. Inside a nested body the iteration
// loop feeds it the previous iteration's backedge delta as an extra input.
type SumOp struct{}

func (o *SumOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	out := zset.New()
	for _, in := range inputs {
		out.Merge(in)
	}
	return out, nil
}

// Delta0Op injects the nested circuit's accumulated outer input at iteration
// zero and the empty Z-set at every later iteration.
type Delta0Op struct {
	parentSlot int
	seed       *zset.ZSet
	iteration  int
}

func (o *Delta0Op) setSeed(seed *zset.ZSet) {
	o.seed = seed
}

func (o *Delta0Op) setIteration(i int) {
	o.iteration = i
}

func (o *Delta0Op) Eval(_ ...*zset.ZSet) (*zset.ZSet, error) {
	if o.iteration > 0 || o.seed == nil {
		return zset.New(), nil
	}
	return o.seed, nil
}

// InspectOp passes its input through unchanged. The scheduler fires the
// registered handler with the step's delta during the commit phase.
type InspectOp struct {
	label   string
	handler InspectFunc
	last    *zset.ZSet
}

func newInspectOp(label string) *InspectOp {
	return &InspectOp{label: label, last: zset.New()}
}

func (o *InspectOp) Eval(inputs ...*zset.ZSet) (*zset.ZSet, error) {
	o.last = inputs[0]
	return inputs[0], nil
}

func (o *InspectOp) flush(step uint64) {
	if o.handler != nil {
		o.handler(step, o.last)
	}
	o.last = zset.New()
}
