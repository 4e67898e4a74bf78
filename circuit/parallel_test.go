package circuit

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEveryShard(t *testing.T) {
	pool := newWorkerPool(4)

	var ran int64
	err := pool.run(16, func(shard int) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(16), ran)
}

func TestWorkerPoolPropagatesErrors(t *testing.T) {
	pool := newWorkerPool(4)
	boom := errors.New("shard failure")

	err := pool.run(8, func(shard int) error {
		if shard == 5 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestWorkerPoolSequentialFallback(t *testing.T) {
	pool := newWorkerPool(1)

	var order []int
	err := pool.run(4, func(shard int) error {
		order = append(order, shard)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestShardForIsStableAndInRange(t *testing.T) {
	for _, key := range []string{"", "a", "group-17", "\x00weird"} {
		first := shardFor(key, 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		assert.Equal(t, first, shardFor(key, 8))
	}
}
