// Package plan models the compiled plan consumed by the circuit engine.
//
// The plan is a JSON document with two correlated parts: a relational-algebra
// plan per named view (kept opaque, for traceability only) and the lowered
// circuit graph the engine actually executes.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrMalformed is wrapped by every build-time validation failure. A circuit
// built from a plan that fails validation refuses to start.
var ErrMalformed = errors.New("malformed plan")

// Operation names understood by the engine. The set is closed: the plan only
// selects which variant to instantiate.
const (
	OpSourceMap      = "source_map"
	OpSourceMultiset = "source_multiset"
	OpConstant       = "constant"
	OpMap            = "map"
	OpMapIndex       = "map_index"
	OpFlatMapIndex   = "flat_map_index"
	OpJoin           = "join"
	OpJoinIndex      = "join_index"
	OpDistinct       = "distinct"
	OpSum            = "sum"
	OpDelta0         = "delta0"
	OpNested         = "nested"
	OpInspect        = "inspect"
)

// Plan is the full compiled document. Views is the relational plan (part a);
// the engine never interprets it.
type Plan struct {
	Views   json.RawMessage `json:"views,omitempty"`
	Circuit Graph           `json:"circuit"`
}

// Graph is a lowered circuit graph: node name to node definition.
type Graph struct {
	Nodes map[string]Node `json:"nodes"`
}

// Node is one operator instance in the lowered graph.
type Node struct {
	Operation    string  `json:"operation"`
	Inputs       []Input `json:"inputs,omitempty"`
	PersistentID string  `json:"persistent_id,omitempty"`
	Params       Params  `json:"params,omitempty"`
	Body         *Body   `json:"body,omitempty"`
	// Calcite back-references the relational-plan node ids this node lowers
	// from. Opaque to the engine.
	Calcite []int `json:"calcite,omitempty"`
}

// Input references a producing node. Output is reserved for multi-output
// producers; every current operation emits a single output (a nested node
// merges its declared body outputs into one stream), so only index 0 is
// valid and Validate rejects anything else.
type Input struct {
	Node   string `json:"node"`
	Output int    `json:"output,omitempty"`
}

// Body is the embedded graph of a nested (fixed-point) node.
type Body struct {
	Nodes     map[string]Node `json:"nodes"`
	Backedges []Backedge      `json:"backedges"`
	Outputs   []string        `json:"outputs"`
}

// Backedge re-feeds the previous inner iteration's From output into To.
type Backedge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Field is one projected output field, optionally renamed.
type Field struct {
	Field string `json:"field"`
	As    string `json:"as,omitempty"`
}

// ConstRow is one literal row of a constant node.
type ConstRow struct {
	Key    string         `json:"key,omitempty"`
	Doc    map[string]any `json:"doc"`
	Weight int64          `json:"weight"`
}

// Params carries the declarative parameters of an operation. Which fields are
// meaningful depends on the operation; Validate rejects missing ones.
type Params struct {
	// map: output projection over the input record.
	Project []Field `json:"project,omitempty"`
	// map_index / flat_map_index: fields forming the index key.
	Key []string `json:"key,omitempty"`
	// map_index: optional value projection (default: whole record).
	Value []Field `json:"value,omitempty"`
	// flat_map_index: array field to unnest and the output field name for
	// each element.
	Unnest string `json:"unnest,omitempty"`
	As     string `json:"as,omitempty"`
	// join: output projection with "left."/"right." qualified fields.
	Output []Field `json:"output,omitempty"`
	// constant: the fixed rows emitted at the first step.
	Rows []ConstRow `json:"rows,omitempty"`
	// inspect: handler label the host registers a callback under.
	Label string `json:"label,omitempty"`
}

// Load reads and validates a plan from a file.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses and validates a plan from a reader.
func Read(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a plan from raw JSON.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// arity returns the required input count for an operation; -1 means one or
// more inputs.
func arity(op string) (int, bool) {
	switch op {
	case OpSourceMap, OpSourceMultiset, OpConstant:
		return 0, true
	case OpMap, OpMapIndex, OpFlatMapIndex, OpDistinct, OpInspect, OpDelta0:
		return 1, true
	case OpJoin, OpJoinIndex:
		return 2, true
	case OpSum, OpNested:
		return -1, true
	default:
		return 0, false
	}
}

// Validate checks the circuit graph: every operation is known, every input
// reference resolves, arities and parameters are satisfied, stateful nodes
// carry persistent ids, the top-level graph is acyclic, and every nested body
// is acyclic once its backedges are removed with each backedge targeting a
// sum accumulator.
func (p *Plan) Validate() error {
	if len(p.Circuit.Nodes) == 0 {
		return fmt.Errorf("%w: circuit has no nodes", ErrMalformed)
	}
	if err := validateGraph(p.Circuit.Nodes, false); err != nil {
		return err
	}
	for _, name := range sortedNames(p.Circuit.Nodes) {
		node := p.Circuit.Nodes[name]
		if node.Operation != OpNested {
			continue
		}
		if err := validateBody(name, node); err != nil {
			return err
		}
	}
	return nil
}

func validateGraph(nodes map[string]Node, nested bool) error {
	for _, name := range sortedNames(nodes) {
		node := nodes[name]
		want, known := arity(node.Operation)
		if !known {
			return fmt.Errorf("%w: node %q: unknown operation %q", ErrMalformed, name, node.Operation)
		}
		if node.Operation == OpDelta0 && !nested {
			return fmt.Errorf("%w: node %q: delta0 is only valid inside a nested circuit", ErrMalformed, name)
		}
		if node.Operation == OpNested && nested {
			return fmt.Errorf("%w: node %q: nested circuits may not nest", ErrMalformed, name)
		}
		if want >= 0 && len(node.Inputs) != want {
			return fmt.Errorf("%w: node %q: operation %q takes %d inputs, got %d",
				ErrMalformed, name, node.Operation, want, len(node.Inputs))
		}
		if want == -1 && len(node.Inputs) == 0 {
			return fmt.Errorf("%w: node %q: operation %q takes at least one input", ErrMalformed, name, node.Operation)
		}
		for _, in := range node.Inputs {
			if in.Output != 0 {
				return fmt.Errorf("%w: node %q input %q: output index %d, producers are single-output",
					ErrMalformed, name, in.Node, in.Output)
			}
			if _, ok := nodes[in.Node]; !ok {
				// delta0 inside a body references the parent's input slot,
				// resolved by the nested node itself.
				if nested && node.Operation == OpDelta0 {
					continue
				}
				return fmt.Errorf("%w: node %q references nonexistent input %q", ErrMalformed, name, in.Node)
			}
		}
		if err := validateParams(name, node); err != nil {
			return err
		}
		if !nested && stateful(node.Operation) && node.PersistentID == "" {
			return fmt.Errorf("%w: stateful node %q has no persistent_id", ErrMalformed, name)
		}
	}
	return checkAcyclic(nodes)
}

func stateful(op string) bool {
	switch op {
	case OpJoin, OpJoinIndex, OpDistinct, OpNested:
		return true
	}
	return false
}

func validateParams(name string, node Node) error {
	switch node.Operation {
	case OpMap:
		if len(node.Params.Project) == 0 {
			return fmt.Errorf("%w: map node %q has no projection", ErrMalformed, name)
		}
	case OpMapIndex:
		if len(node.Params.Key) == 0 {
			return fmt.Errorf("%w: map_index node %q has no key fields", ErrMalformed, name)
		}
	case OpFlatMapIndex:
		if node.Params.Unnest == "" || node.Params.As == "" {
			return fmt.Errorf("%w: flat_map_index node %q needs unnest and as", ErrMalformed, name)
		}
		if len(node.Params.Key) == 0 {
			return fmt.Errorf("%w: flat_map_index node %q has no key fields", ErrMalformed, name)
		}
	case OpJoin, OpJoinIndex:
		if len(node.Params.Output) == 0 {
			return fmt.Errorf("%w: join node %q has no output projection", ErrMalformed, name)
		}
	case OpConstant:
		if len(node.Params.Rows) == 0 {
			return fmt.Errorf("%w: constant node %q has no rows", ErrMalformed, name)
		}
	}
	return nil
}

func validateBody(name string, node Node) error {
	body := node.Body
	if body == nil {
		return fmt.Errorf("%w: nested node %q has no body", ErrMalformed, name)
	}
	if len(body.Outputs) == 0 {
		return fmt.Errorf("%w: nested node %q declares no outputs", ErrMalformed, name)
	}
	if len(body.Backedges) == 0 {
		return fmt.Errorf("%w: nested node %q has no backedge", ErrMalformed, name)
	}
	if err := validateGraph(body.Nodes, true); err != nil {
		return fmt.Errorf("nested node %q: %w", name, err)
	}
	seenDelta0 := false
	for _, inner := range body.Nodes {
		if inner.Operation == OpDelta0 {
			seenDelta0 = true
		}
	}
	if !seenDelta0 {
		return fmt.Errorf("%w: nested node %q has no delta0 input node", ErrMalformed, name)
	}
	for _, out := range body.Outputs {
		if _, ok := body.Nodes[out]; !ok {
			return fmt.Errorf("%w: nested node %q output %q does not exist", ErrMalformed, name, out)
		}
	}
	for _, be := range body.Backedges {
		if _, ok := body.Nodes[be.From]; !ok {
			return fmt.Errorf("%w: nested node %q backedge source %q does not exist", ErrMalformed, name, be.From)
		}
		target, ok := body.Nodes[be.To]
		if !ok {
			return fmt.Errorf("%w: nested node %q backedge target %q does not exist", ErrMalformed, name, be.To)
		}
		// The backedge target must be a designated accumulator, never an
		// arbitrary node.
		if target.Operation != OpSum {
			return fmt.Errorf("%w: nested node %q backedge target %q must be a sum accumulator, is %q",
				ErrMalformed, name, be.To, target.Operation)
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the forward edges. Backedges are not
// part of Node.Inputs, so a valid nested body passes too.
func checkAcyclic(nodes map[string]Node) error {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name, node := range nodes {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, in := range node.Inputs {
			if _, ok := nodes[in.Node]; !ok {
				continue
			}
			indegree[name]++
			dependents[in.Node] = append(dependents[in.Node], name)
		}
	}

	queue := make([]string, 0, len(nodes))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(nodes) {
		return fmt.Errorf("%w: circuit graph contains a cycle outside a nested backedge", ErrMalformed)
	}
	return nil
}

// TopoOrder returns the node names of a graph in a deterministic topological
// order: dependency order first, name order among ties. Validate must have
// succeeded for the graph.
func TopoOrder(nodes map[string]Node) []string {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name, node := range nodes {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, in := range node.Inputs {
			if _, ok := nodes[in.Node]; !ok {
				continue
			}
			indegree[name]++
			dependents[in.Node] = append(dependents[in.Node], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}
	return order
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

func sortedNames(nodes map[string]Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
