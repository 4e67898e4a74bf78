package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlanJSON() string {
	return `{
		"circuit": {
			"nodes": {
				"members": {"operation": "source_multiset"},
				"acl": {"operation": "source_multiset"},
				"members_by_group": {
					"operation": "map_index",
					"inputs": [{"node": "members"}],
					"params": {"key": ["group"]}
				},
				"acl_by_group": {
					"operation": "map_index",
					"inputs": [{"node": "acl"}],
					"params": {"key": ["group"]}
				},
				"joined": {
					"operation": "join",
					"inputs": [{"node": "members_by_group"}, {"node": "acl_by_group"}],
					"persistent_id": "pid-join",
					"params": {"output": [
						{"field": "left.user"},
						{"field": "right.doc_id"}
					]}
				},
				"can_read": {
					"operation": "distinct",
					"inputs": [{"node": "joined"}],
					"persistent_id": "pid-distinct"
				},
				"out": {
					"operation": "inspect",
					"inputs": [{"node": "can_read"}],
					"params": {"label": "user_can_read"}
				}
			}
		}
	}`
}

func TestParseValidPlan(t *testing.T) {
	p, err := Parse([]byte(validPlanJSON()))
	require.NoError(t, err)
	assert.Len(t, p.Circuit.Nodes, 7)
	assert.Equal(t, OpJoin, p.Circuit.Nodes["joined"].Operation)
	assert.Equal(t, "pid-join", p.Circuit.Nodes["joined"].PersistentID)
}

func TestParseRejectsBadJSON(t *testing.T) {
	_, err := Parse([]byte("{nope"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsEmptyCircuit(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {}}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsUnknownOperation(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"x": {"operation": "window"}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestValidateRejectsWrongArity(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"a": {"operation": "source_multiset"},
		"j": {
			"operation": "join",
			"inputs": [{"node": "a"}],
			"persistent_id": "p",
			"params": {"output": [{"field": "left.x"}]}
		}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "takes 2 inputs")
}

func TestValidateRejectsUnresolvedInput(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"m": {
			"operation": "map",
			"inputs": [{"node": "ghost"}],
			"params": {"project": [{"field": "x"}]}
		}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "nonexistent input")
}

func TestValidateRejectsNonzeroOutputIndex(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"a": {"operation": "source_multiset"},
		"m": {
			"operation": "map",
			"inputs": [{"node": "a", "output": 1}],
			"params": {"project": [{"field": "x"}]}
		}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "output index")
}

func TestValidateRejectsStatefulWithoutPersistentID(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"a": {"operation": "source_multiset"},
		"d": {"operation": "distinct", "inputs": [{"node": "a"}]}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "persistent_id")
}

func TestValidateRejectsDelta0AtTopLevel(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"a": {"operation": "source_multiset"},
		"d": {"operation": "delta0", "inputs": [{"node": "a"}]}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "delta0")
}

func TestValidateRejectsCycle(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"a": {"operation": "map", "inputs": [{"node": "b"}], "params": {"project": [{"field": "x"}]}},
		"b": {"operation": "map", "inputs": [{"node": "a"}], "params": {"project": [{"field": "x"}]}}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsMissingParams(t *testing.T) {
	cases := map[string]string{
		"map without projection": `{"circuit": {"nodes": {
			"a": {"operation": "source_multiset"},
			"m": {"operation": "map", "inputs": [{"node": "a"}]}
		}}}`,
		"map_index without key": `{"circuit": {"nodes": {
			"a": {"operation": "source_multiset"},
			"m": {"operation": "map_index", "inputs": [{"node": "a"}]}
		}}}`,
		"flat_map_index without unnest": `{"circuit": {"nodes": {
			"a": {"operation": "source_multiset"},
			"m": {"operation": "flat_map_index", "inputs": [{"node": "a"}], "params": {"key": ["x"]}}
		}}}`,
		"constant without rows": `{"circuit": {"nodes": {
			"c": {"operation": "constant"}
		}}}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func nestedPlanJSON(backedgeTarget string) string {
	return `{
		"circuit": {
			"nodes": {
				"edges": {"operation": "source_multiset"},
				"reach": {
					"operation": "nested",
					"inputs": [{"node": "edges"}],
					"persistent_id": "pid-reach",
					"body": {
						"nodes": {
							"seed": {"operation": "delta0", "inputs": [{"node": "edges"}]},
							"acc": {"operation": "sum", "inputs": [{"node": "seed"}]},
							"closure": {"operation": "distinct", "inputs": [{"node": "acc"}]}
						},
						"backedges": [{"from": "closure", "to": "` + backedgeTarget + `"}],
						"outputs": ["closure"]
					}
				},
				"out": {
					"operation": "inspect",
					"inputs": [{"node": "reach"}],
					"params": {"label": "reach"}
				}
			}
		}
	}`
}

func TestValidateNestedBody(t *testing.T) {
	p, err := Parse([]byte(nestedPlanJSON("acc")))
	require.NoError(t, err)
	body := p.Circuit.Nodes["reach"].Body
	require.NotNil(t, body)
	assert.Equal(t, []string{"closure"}, body.Outputs)
}

func TestValidateRejectsBackedgeToNonSum(t *testing.T) {
	_, err := Parse([]byte(nestedPlanJSON("closure")))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "sum accumulator")
}

func TestValidateRejectsNestedWithoutBody(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"edges": {"operation": "source_multiset"},
		"reach": {
			"operation": "nested",
			"inputs": [{"node": "edges"}],
			"persistent_id": "p"
		}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "body")
}

func TestValidateRejectsNestedInsideNested(t *testing.T) {
	_, err := Parse([]byte(`{"circuit": {"nodes": {
		"edges": {"operation": "source_multiset"},
		"outer": {
			"operation": "nested",
			"inputs": [{"node": "edges"}],
			"persistent_id": "p",
			"body": {
				"nodes": {
					"seed": {"operation": "delta0", "inputs": [{"node": "edges"}]},
					"acc": {"operation": "sum", "inputs": [{"node": "seed"}]},
					"inner": {
						"operation": "nested",
						"inputs": [{"node": "acc"}],
						"body": {"nodes": {}, "backedges": [], "outputs": []}
					}
				},
				"backedges": [{"from": "acc", "to": "acc"}],
				"outputs": ["acc"]
			}
		}
	}}}`))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "may not nest")
}

func TestTopoOrderIsDeterministicAndOrdered(t *testing.T) {
	p, err := Parse([]byte(validPlanJSON()))
	require.NoError(t, err)

	order := TopoOrder(p.Circuit.Nodes)
	require.Len(t, order, len(p.Circuit.Nodes))

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for name, node := range p.Circuit.Nodes {
		for _, in := range node.Inputs {
			assert.Less(t, pos[in.Node], pos[name],
				"%s must run before %s", in.Node, name)
		}
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, order, TopoOrder(p.Circuit.Nodes))
	}
}
