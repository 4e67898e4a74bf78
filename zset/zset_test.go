package zset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(fields ...any) Row {
	doc := make(Record)
	for i := 0; i < len(fields); i += 2 {
		doc[fields[i].(string)] = fields[i+1]
	}
	return Row{Doc: doc}
}

func keyedRow(key string, fields ...any) Row {
	r := row(fields...)
	r.Key = key
	return r
}

func mustFromEntries(t *testing.T, entries ...Entry) *ZSet {
	t.Helper()
	z := New()
	for _, e := range entries {
		require.NoError(t, z.AddRow(e.Row, e.Weight))
	}
	return z
}

func TestAddRemovesZeroWeights(t *testing.T) {
	z := New()
	r := row("user", "alice")

	require.NoError(t, z.AddRow(r, 2))
	require.NoError(t, z.AddRow(r, -2))

	assert.True(t, z.IsEmpty())
	w, err := z.Weight(r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w)
}

func TestAddCommutativeAssociative(t *testing.T) {
	a := mustFromEntries(t, Entry{row("x", 1), 1}, Entry{row("x", 2), -3})
	b := mustFromEntries(t, Entry{row("x", 2), 3}, Entry{row("x", 3), 5})
	c := mustFromEntries(t, Entry{row("x", 1), -1}, Entry{row("x", 3), 2})

	assert.True(t, a.Add(b).Equal(b.Add(a)), "addition must be commutative")
	assert.True(t, a.Add(b).Add(c).Equal(a.Add(b.Add(c))), "addition must be associative")

	// Empty Z-set is the identity.
	assert.True(t, a.Add(New()).Equal(a))
}

func TestNegateCancels(t *testing.T) {
	a := mustFromEntries(t, Entry{row("x", 1), 4}, Entry{row("x", 2), -2})
	assert.True(t, a.Add(a.Negate()).IsEmpty())
}

func TestDistinct(t *testing.T) {
	z := mustFromEntries(t,
		Entry{row("user", "alice"), 3},
		Entry{row("user", "bob"), 1},
		Entry{row("user", "carol"), -2},
	)

	d := z.Distinct()
	assert.Equal(t, 2, d.Len())
	for _, e := range d.Entries() {
		assert.Equal(t, int64(1), e.Weight)
	}

	// Idempotence: distinct(distinct(z)) == distinct(z).
	assert.True(t, d.Distinct().Equal(d))
}

func TestKeyedRowsAreDistinctFromUnkeyed(t *testing.T) {
	z := New()
	require.NoError(t, z.AddRow(row("user", "alice"), 1))
	require.NoError(t, z.AddRow(keyedRow("g1", "user", "alice"), 1))

	assert.Equal(t, 2, z.Len())
}

func TestEntriesDeterministicOrder(t *testing.T) {
	z := mustFromEntries(t,
		Entry{row("user", "carol"), 1},
		Entry{row("user", "alice"), 1},
		Entry{row("user", "bob"), 1},
	)

	first := z.Entries()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, z.Entries())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := mustFromEntries(t, Entry{row("x", 1), 1})
	b := a.Clone()
	require.NoError(t, b.AddRow(row("x", 2), 1))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestWeightLookup(t *testing.T) {
	z := mustFromEntries(t, Entry{keyedRow("g1", "user", "alice"), 7})

	w, err := z.Weight(keyedRow("g1", "user", "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), w)

	w, err = z.Weight(keyedRow("g2", "user", "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), w)
}
