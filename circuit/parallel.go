package circuit

import (
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// workerPool fans shard-indexed work out over a bounded set of goroutines.
// Join probing shards its delta by index key so independent keys evaluate in
// parallel while all output assembly stays deterministic.
type workerPool struct {
	workers int
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &workerPool{workers: workers}
}

// run executes fn for every shard index and returns the first error. Shards
// never share state; callers merge per-shard results after run returns.
func (p *workerPool) run(shards int, fn func(shard int) error) error {
	if shards <= 1 || p.workers <= 1 {
		for i := 0; i < shards; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	workers := p.workers
	if workers > shards {
		workers = shards
	}
	jobs := make(chan int, shards)
	errs := make(chan error, shards)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range jobs {
				errs <- fn(shard)
			}
		}()
	}
	for i := 0; i < shards; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func shardFor(key string, shards int) int {
	return int(xxhash.Sum64String(key) % uint64(shards))
}
