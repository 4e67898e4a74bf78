package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spindle-db/spindle/zset"
)

// SpineOptions configures a single spine.
type SpineOptions struct {
	// MemoryBudget is the approximate resident-byte threshold above which the
	// spine drops its in-memory index and serves reads from the store.
	// Zero means unlimited.
	MemoryBudget int64
}

// spineRecord is the durable encoding of one spine entry.
type spineRecord struct {
	Row    zset.Row `json:"row"`
	Weight int64    `json:"w"`
}

// SpinePrefix returns the store key prefix holding a spine's entries.
func SpinePrefix(pid string) string {
	return "spine/" + pid + "/"
}

// Spine is the durable running state of one stateful operator, addressed by
// the operator's persistent id. Deltas are staged during evaluation and
// merged at the step's commit phase; every merge is written through to the
// store so a checkpoint sees exactly the state as of the last committed step.
//
// While the resident index fits the memory budget, reads are served from
// memory; past the budget the index is dropped and reads fall back to store
// scans (backpressure instead of unbounded growth).
type Spine struct {
	pid   string
	store ObjectStore
	opts  SpineOptions

	resident bool
	byKey    map[string]map[string]zset.Entry // index key -> canonical -> entry
	sizes    map[string]int64                 // canonical -> approximate bytes
	bytes    int64
	count    int64

	pending *zset.ZSet
}

// NewSpine creates an empty spine for pid backed by store.
func NewSpine(store ObjectStore, pid string, opts SpineOptions) *Spine {
	return &Spine{
		pid:      pid,
		store:    store,
		opts:     opts,
		resident: true,
		byKey:    make(map[string]map[string]zset.Entry),
		sizes:    make(map[string]int64),
		pending:  zset.New(),
	}
}

// PersistentID returns the owning operator's persistent id.
func (s *Spine) PersistentID() string {
	return s.pid
}

// Count returns the number of durable entries (excluding staged deltas).
func (s *Spine) Count() int64 {
	return s.count
}

// Resident reports whether the spine index is held in memory.
func (s *Spine) Resident() bool {
	return s.resident
}

// Stage accumulates a delta to be merged at the next Commit.
func (s *Spine) Stage(delta *zset.ZSet) {
	s.pending.Merge(delta)
}

// Pending returns the staged, not yet committed delta.
func (s *Spine) Pending() *zset.ZSet {
	return s.pending
}

// Commit merges the staged delta into the durable state. Every changed entry
// is written through to the store; entries whose weight reaches zero are
// deleted. After the merge the resident index is evicted if it exceeds the
// memory budget.
func (s *Spine) Commit() error {
	for _, e := range s.pending.Entries() {
		if err := s.mergeEntry(e); err != nil {
			return fmt.Errorf("spine %s: %w", s.pid, err)
		}
	}
	s.pending = zset.New()

	if s.resident && s.opts.MemoryBudget > 0 && s.bytes > s.opts.MemoryBudget {
		s.evict()
	}
	return nil
}

func (s *Spine) mergeEntry(e zset.Entry) error {
	canon, err := zset.CanonicalKey(e.Row)
	if err != nil {
		return err
	}
	old, err := s.weightByCanon(e.Row.Key, canon)
	if err != nil {
		return err
	}
	next := old + e.Weight
	storeKey := SpinePrefix(s.pid) + canon

	if next == 0 {
		if err := s.store.Delete(storeKey); err != nil {
			return err
		}
		if old != 0 {
			s.count--
		}
		s.dropResident(e.Row.Key, canon)
		return nil
	}

	val, err := json.Marshal(spineRecord{Row: e.Row, Weight: next})
	if err != nil {
		return err
	}
	if err := s.store.Put(storeKey, val); err != nil {
		return err
	}
	if old == 0 {
		s.count++
	}
	s.putResident(e.Row.Key, canon, zset.Entry{Row: e.Row, Weight: next}, int64(len(canon)+len(val)))
	return nil
}

func (s *Spine) putResident(indexKey, canon string, e zset.Entry, size int64) {
	if !s.resident {
		return
	}
	bucket, ok := s.byKey[indexKey]
	if !ok {
		bucket = make(map[string]zset.Entry)
		s.byKey[indexKey] = bucket
	}
	s.bytes += size - s.sizes[canon]
	s.sizes[canon] = size
	bucket[canon] = e
}

func (s *Spine) dropResident(indexKey, canon string) {
	if !s.resident {
		return
	}
	if bucket, ok := s.byKey[indexKey]; ok {
		delete(bucket, canon)
		if len(bucket) == 0 {
			delete(s.byKey, indexKey)
		}
	}
	s.bytes -= s.sizes[canon]
	delete(s.sizes, canon)
}

func (s *Spine) evict() {
	s.resident = false
	s.byKey = nil
	s.sizes = nil
	s.bytes = 0
}

func (s *Spine) weightByCanon(indexKey, canon string) (int64, error) {
	if s.resident {
		if bucket, ok := s.byKey[indexKey]; ok {
			return bucket[canon].Weight, nil
		}
		return 0, nil
	}
	val, err := s.store.Get(SpinePrefix(s.pid) + canon)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rec spineRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return 0, fmt.Errorf("%w: spine %s entry: %v", ErrCorrupt, s.pid, err)
	}
	return rec.Weight, nil
}

// Weight returns the committed weight of a row, zero if absent.
func (s *Spine) Weight(row zset.Row) (int64, error) {
	canon, err := zset.CanonicalKey(row)
	if err != nil {
		return 0, err
	}
	return s.weightByCanon(row.Key, canon)
}

// LookupKey calls fn for every committed entry under the given index key, in
// canonical order.
func (s *Spine) LookupKey(indexKey string, fn func(zset.Entry) error) error {
	if s.resident {
		bucket := s.byKey[indexKey]
		canons := make([]string, 0, len(bucket))
		for canon := range bucket {
			canons = append(canons, canon)
		}
		sort.Strings(canons)
		for _, canon := range canons {
			if err := fn(bucket[canon]); err != nil {
				return err
			}
		}
		return nil
	}
	return s.scanPrefix(SpinePrefix(s.pid)+indexKey+"\x00", fn)
}

// ForEach calls fn for every committed entry in canonical order.
func (s *Spine) ForEach(fn func(zset.Entry) error) error {
	if s.resident {
		keys := make([]string, 0, len(s.byKey))
		for key := range s.byKey {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := s.LookupKey(key, fn); err != nil {
				return err
			}
		}
		return nil
	}
	return s.scanPrefix(SpinePrefix(s.pid), fn)
}

func (s *Spine) scanPrefix(prefix string, fn func(zset.Entry) error) error {
	return s.store.Scan(prefix, func(_ string, val []byte) error {
		var rec spineRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("%w: spine %s entry: %v", ErrCorrupt, s.pid, err)
		}
		return fn(zset.Entry{Row: rec.Row, Weight: rec.Weight})
	})
}

// Load rebuilds the spine from the store, replacing any in-memory state.
// Used after restart or checkpoint restore.
func (s *Spine) Load() error {
	byKey := make(map[string]map[string]zset.Entry)
	sizes := make(map[string]int64)
	var bytes, count int64

	prefix := SpinePrefix(s.pid)
	err := s.store.Scan(prefix, func(key string, val []byte) error {
		var rec spineRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("%w: spine %s entry: %v", ErrCorrupt, s.pid, err)
		}
		canon := key[len(prefix):]
		bucket, ok := byKey[rec.Row.Key]
		if !ok {
			bucket = make(map[string]zset.Entry)
			byKey[rec.Row.Key] = bucket
		}
		if _, seen := bucket[canon]; !seen {
			count++
		}
		bucket[canon] = zset.Entry{Row: rec.Row, Weight: rec.Weight}
		bytes += int64(len(canon)+len(val)) - sizes[canon]
		sizes[canon] = int64(len(canon) + len(val))
		return nil
	})
	if err != nil {
		return err
	}

	s.resident = true
	s.byKey = byKey
	s.sizes = sizes
	s.bytes = bytes
	s.count = count
	s.pending = zset.New()

	if s.opts.MemoryBudget > 0 && s.bytes > s.opts.MemoryBudget {
		s.evict()
	}
	return nil
}

// Snapshot materializes the committed state as a Z-set. Intended for tests
// and small spines.
func (s *Spine) Snapshot() (*zset.ZSet, error) {
	out := zset.New()
	err := s.ForEach(func(e zset.Entry) error {
		return out.AddRow(e.Row, e.Weight)
	})
	return out, err
}
