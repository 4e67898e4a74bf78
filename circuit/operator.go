// Package circuit executes a compiled dataflow plan incrementally: it builds
// the operator graph, evaluates one step per input batch in a fixed
// topological order, iterates nested sub-circuits to their fixed point, and
// maintains per-operator durable state through the storage layer.
package circuit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/zset"
)

// ErrNonConvergent reports a fixed-point sub-circuit that exceeded its
// iteration safety bound. The step fails; the result is never truncated.
var ErrNonConvergent = errors.New("fixed point did not converge")

// ErrHalted is returned by every call after a step has failed. A circuit
// never resumes past a failed step; restore from a checkpoint instead.
var ErrHalted = errors.New("circuit halted")

// Operator consumes the current step's input deltas and emits an output
// delta. Stateful operators additionally stage their state change, merged
// durably at the step's commit phase.
type Operator interface {
	Eval(inputs ...*zset.ZSet) (*zset.ZSet, error)
}

// Stateful is implemented by operators owning durable spines.
type Stateful interface {
	Operator
	// PersistentIDs lists the spine ids this operator owns, for checkpoint
	// manifests.
	PersistentIDs() []string
	// Commit merges the staged state delta into the spines.
	Commit() error
	// Load rebuilds spine state from the store after restart or restore.
	Load() error
}

// InspectFunc observes one step's delta on an inspect node. It must not
// mutate the Z-set.
type InspectFunc func(step uint64, delta *zset.ZSet)

// fieldSep separates key field values inside a composite index key.
const fieldSep = "\x1f"

// indexKey builds the composite index key from the named record fields.
func indexKey(doc zset.Record, fields []string) (string, error) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := doc[f]
		if !ok {
			return "", fmt.Errorf("record has no key field %q", f)
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, fieldSep), nil
}

// projectDoc applies a field projection, renaming fields whose As is set.
func projectDoc(doc zset.Record, fields []plan.Field) (zset.Record, error) {
	out := make(zset.Record, len(fields))
	for _, f := range fields {
		v, ok := doc[f.Field]
		if !ok {
			return nil, fmt.Errorf("record has no field %q", f.Field)
		}
		name := f.As
		if name == "" {
			name = f.Field
		}
		out[name] = v
	}
	return out, nil
}

// joinDoc applies a join output projection over a matched pair. Fields are
// qualified "left.name" or "right.name"; the default output name is the
// unqualified part.
func joinDoc(left, right zset.Record, fields []plan.Field) (zset.Record, error) {
	out := make(zset.Record, len(fields))
	for _, f := range fields {
		var src zset.Record
		var name string
		switch {
		case strings.HasPrefix(f.Field, "left."):
			src, name = left, strings.TrimPrefix(f.Field, "left.")
		case strings.HasPrefix(f.Field, "right."):
			src, name = right, strings.TrimPrefix(f.Field, "right.")
		default:
			return nil, fmt.Errorf("join output field %q must be qualified left. or right.", f.Field)
		}
		v, ok := src[name]
		if !ok {
			return nil, fmt.Errorf("join side has no field %q", name)
		}
		if f.As != "" {
			name = f.As
		}
		out[name] = v
	}
	return out, nil
}
