package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Value is an optional string. Valid=false means the key is known to hold
// null; a key missing from the cache altogether is reported separately by
// the boolean returned from Get.
type Value struct {
	String string
	Valid  bool
}

// Some returns a non-null value.
func Some(s string) Value {
	return Value{String: s, Valid: true}
}

// Null returns the null value.
func Null() Value {
	return Value{}
}

// FromPtr converts a nil-able string into a Value.
func FromPtr(s *string) Value {
	if s == nil {
		return Null()
	}
	return Some(*s)
}

// Ptr returns nil for null values.
func (v Value) Ptr() *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// Stats provides statistics about cache operations
type Stats struct {
	Hits    int64
	Misses  int64
	Targets int
	Entries int
	Dirty   int
}

// Batch is a copy of the dirty entries of one target taken for a flush.
type Batch struct {
	Table    string
	Target   string
	Values   map[string]Value
	versions map[string]uint64
}

// Keys returns the batch keys in sorted order.
func (b Batch) Keys() []string {
	keys := make([]string, 0, len(b.Values))
	for key := range b.Values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// WriteBehind buffers values per table, target and key until they are
// flushed to a backend. Entries never expire; they leave the cache only
// through Evict or Clear.
type WriteBehind struct {
	shards  [shardCount]*shard
	version atomic.Uint64
	hits    atomic.Int64
	misses  atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	targets map[targetKey]map[string]*slot
}

type targetKey struct {
	table  string
	target string
}

type slot struct {
	value   Value
	dirty   bool
	version uint64
}

// New creates an empty write-behind cache.
func New() *WriteBehind {
	c := &WriteBehind{}
	for i := range c.shards {
		c.shards[i] = &shard{targets: make(map[targetKey]map[string]*slot)}
	}
	return c
}

func (c *WriteBehind) shardFor(table, target string) *shard {
	h := xxhash.Sum64String(table + "\x00" + target)
	return c.shards[h%shardCount]
}

// Get returns the cached value and whether the key is cached at all.
func (c *WriteBehind) Get(table, target, key string) (Value, bool) {
	s := c.shardFor(table, target)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record, ok := s.targets[targetKey{table, target}]; ok {
		if sl, ok := record[key]; ok {
			c.hits.Add(1)
			return sl.value, true
		}
	}
	c.misses.Add(1)
	return Value{}, false
}

// Put records a write that still has to reach the backend.
func (c *WriteBehind) Put(table, target, key string, value Value) {
	s := c.shardFor(table, target)
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record(table, target)
	record[key] = &slot{value: value, dirty: true, version: c.version.Add(1)}
}

// Fill stores a value read from the backend. Pending writes win over it.
func (c *WriteBehind) Fill(table, target, key string, value Value) {
	s := c.shardFor(table, target)
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record(table, target)
	if existing, ok := record[key]; ok && existing.dirty {
		return
	}
	record[key] = &slot{value: value, version: c.version.Add(1)}
}

// Update refreshes an entry that is already cached with a value that was
// just written to the backend directly. Uncached keys stay uncached.
func (c *WriteBehind) Update(table, target, key string, value Value) {
	s := c.shardFor(table, target)
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.targets[targetKey{table, target}]
	if !ok {
		return
	}
	if _, ok := record[key]; ok {
		record[key] = &slot{value: value, version: c.version.Add(1)}
	}
}

func (s *shard) record(table, target string) map[string]*slot {
	tk := targetKey{table, target}
	record, ok := s.targets[tk]
	if !ok {
		record = make(map[string]*slot)
		s.targets[tk] = record
	}
	return record
}

// Dirty snapshots every pending write, one batch per target. The cache is
// not locked while the caller writes the batches out.
func (c *WriteBehind) Dirty() []Batch {
	var batches []Batch
	for _, s := range c.shards {
		s.mu.RLock()
		for tk, record := range s.targets {
			if b, ok := snapshot(tk, record); ok {
				batches = append(batches, b)
			}
		}
		s.mu.RUnlock()
	}

	sort.Slice(batches, func(i, j int) bool {
		if batches[i].Table != batches[j].Table {
			return batches[i].Table < batches[j].Table
		}
		return batches[i].Target < batches[j].Target
	})
	return batches
}

// DirtyTarget snapshots the pending writes of a single target.
func (c *WriteBehind) DirtyTarget(table, target string) (Batch, bool) {
	s := c.shardFor(table, target)
	s.mu.RLock()
	defer s.mu.RUnlock()

	tk := targetKey{table, target}
	record, ok := s.targets[tk]
	if !ok {
		return Batch{}, false
	}
	return snapshot(tk, record)
}

func snapshot(tk targetKey, record map[string]*slot) (Batch, bool) {
	b := Batch{Table: tk.table, Target: tk.target}
	for key, sl := range record {
		if !sl.dirty {
			continue
		}
		if b.Values == nil {
			b.Values = make(map[string]Value)
			b.versions = make(map[string]uint64)
		}
		b.Values[key] = sl.value
		b.versions[key] = sl.version
	}
	return b, b.Values != nil
}

// Commit marks the entries of a flushed batch clean. Keys listed in failed
// stay dirty, as do keys rewritten since the snapshot was taken.
func (c *WriteBehind) Commit(b Batch, failed map[string]bool) {
	s := c.shardFor(b.Table, b.Target)
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.targets[targetKey{b.Table, b.Target}]
	if !ok {
		return
	}
	for key, version := range b.versions {
		if failed[key] {
			continue
		}
		if sl, ok := record[key]; ok && sl.version == version {
			sl.dirty = false
		}
	}
}

// Evict drops a target from the cache. Targets with pending writes are kept
// and false is returned.
func (c *WriteBehind) Evict(table, target string) bool {
	s := c.shardFor(table, target)
	s.mu.Lock()
	defer s.mu.Unlock()

	tk := targetKey{table, target}
	for _, sl := range s.targets[tk] {
		if sl.dirty {
			return false
		}
	}
	delete(s.targets, tk)
	return true
}

// Clear drops every entry, including pending writes.
func (c *WriteBehind) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.targets = make(map[targetKey]map[string]*slot)
		s.mu.Unlock()
	}
}

// Stats returns counters and current sizes.
func (c *WriteBehind) Stats() Stats {
	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, s := range c.shards {
		s.mu.RLock()
		stats.Targets += len(s.targets)
		for _, record := range s.targets {
			stats.Entries += len(record)
			for _, sl := range record {
				if sl.dirty {
					stats.Dirty++
				}
			}
		}
		s.mu.RUnlock()
	}
	return stats
}
