package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStoreBasicOps(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put("spine/op1/a", []byte("1")))
	require.NoError(t, store.Put("spine/op1/b", []byte("2")))
	require.NoError(t, store.Put("spine/op2/a", []byte("3")))

	val, err := store.Get("spine/op1/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)

	keys, err := store.List("spine/op1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"spine/op1/a", "spine/op1/b"}, keys)

	seen := map[string]string{}
	require.NoError(t, store.Scan("spine/", func(key string, val []byte) error {
		seen[key] = string(val)
		return nil
	}))
	assert.Len(t, seen, 3)
	assert.Equal(t, "3", seen["spine/op2/a"])

	require.NoError(t, store.Delete("spine/op1/a"))
	_, err = store.Get("spine/op1/a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete("spine/op1/a"), "double delete is not an error")
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("meta/step", []byte(`{"step":3}`)))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get("meta/step")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"step":3}`), val)
}
