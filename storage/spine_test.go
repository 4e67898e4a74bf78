package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-db/spindle/zset"
)

func keyedRow(key string, fields ...any) zset.Row {
	doc := make(zset.Record, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		doc[fields[i].(string)] = fields[i+1]
	}
	return zset.Row{Key: key, Doc: doc}
}

func stageRow(t *testing.T, s *Spine, row zset.Row, weight int64) {
	t.Helper()
	delta := zset.New()
	require.NoError(t, delta.AddRow(row, weight))
	s.Stage(delta)
}

func TestSpineCommitAndWeight(t *testing.T) {
	store := NewMemStore()
	s := NewSpine(store, "op1", SpineOptions{})

	row := keyedRow("g1", "user", "alice")
	stageRow(t, s, row, 2)
	require.NoError(t, s.Commit())

	w, err := s.Weight(row)
	require.NoError(t, err)
	assert.Equal(t, int64(2), w)
	assert.Equal(t, int64(1), s.Count())

	stageRow(t, s, row, -2)
	require.NoError(t, s.Commit())

	w, err = s.Weight(row)
	require.NoError(t, err)
	assert.Zero(t, w)
	assert.Zero(t, s.Count())

	keys, err := store.List(SpinePrefix("op1"))
	require.NoError(t, err)
	assert.Empty(t, keys, "zero-weight entries must be deleted from the store")
}

func TestSpineLookupKey(t *testing.T) {
	s := NewSpine(NewMemStore(), "op1", SpineOptions{})

	stageRow(t, s, keyedRow("g1", "user", "alice"), 1)
	stageRow(t, s, keyedRow("g1", "user", "bob"), 1)
	stageRow(t, s, keyedRow("g2", "user", "carol"), 1)
	require.NoError(t, s.Commit())

	var users []string
	err := s.LookupKey("g1", func(e zset.Entry) error {
		users = append(users, e.Row.Doc["user"].(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestSpineEvictionFallsBackToStore(t *testing.T) {
	s := NewSpine(NewMemStore(), "op1", SpineOptions{MemoryBudget: 1})

	rowA := keyedRow("g1", "user", "alice")
	rowB := keyedRow("g2", "user", "bob")
	stageRow(t, s, rowA, 1)
	stageRow(t, s, rowB, 3)
	require.NoError(t, s.Commit())

	assert.False(t, s.Resident(), "budget of one byte must evict the index")

	w, err := s.Weight(rowB)
	require.NoError(t, err)
	assert.Equal(t, int64(3), w)

	var seen int
	require.NoError(t, s.LookupKey("g1", func(e zset.Entry) error {
		seen++
		assert.Equal(t, "alice", e.Row.Doc["user"])
		return nil
	}))
	assert.Equal(t, 1, seen)

	// Updates still apply against spilled state.
	stageRow(t, s, rowA, -1)
	require.NoError(t, s.Commit())
	w, err = s.Weight(rowA)
	require.NoError(t, err)
	assert.Zero(t, w)
}

func TestSpineLoadRebuildsFromStore(t *testing.T) {
	store := NewMemStore()
	s := NewSpine(store, "op1", SpineOptions{})
	stageRow(t, s, keyedRow("g1", "user", "alice"), 2)
	stageRow(t, s, keyedRow("g2", "user", "bob"), 1)
	require.NoError(t, s.Commit())

	reloaded := NewSpine(store, "op1", SpineOptions{})
	require.NoError(t, reloaded.Load())
	assert.Equal(t, int64(2), reloaded.Count())

	w, err := reloaded.Weight(keyedRow("g1", "user", "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), w)
}

func TestSpineLoadRejectsCorruptEntries(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Put(SpinePrefix("op1")+"g1\x00{}", []byte("not json")))

	s := NewSpine(store, "op1", SpineOptions{})
	assert.ErrorIs(t, s.Load(), ErrCorrupt)
}

func TestSpineSnapshotMatchesCommits(t *testing.T) {
	s := NewSpine(NewMemStore(), "op1", SpineOptions{})
	rowA := keyedRow("g1", "user", "alice")
	rowB := keyedRow("g2", "user", "bob")
	stageRow(t, s, rowA, 1)
	stageRow(t, s, rowB, -2)
	require.NoError(t, s.Commit())

	snap, err := s.Snapshot()
	require.NoError(t, err)

	want := zset.New()
	require.NoError(t, want.AddRow(rowA, 1))
	require.NoError(t, want.AddRow(rowB, -2))
	assert.True(t, want.Equal(snap), "snapshot %v, want %v", snap, want)
}
