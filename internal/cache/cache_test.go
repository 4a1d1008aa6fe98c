package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestWriteBehind_BasicOperations(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("alice"))
	c.Put("players", "p1", "nick", Null())

	value, found := c.Get("players", "p1", "name")
	if !found || value != Some("alice") {
		t.Errorf("Expected to find name=alice, got found=%v, value=%+v", found, value)
	}

	value, found = c.Get("players", "p1", "nick")
	if !found || value.Valid {
		t.Errorf("Expected cached null for nick, got found=%v, value=%+v", found, value)
	}

	if _, found := c.Get("players", "p1", "missing"); found {
		t.Error("Expected not to find missing key")
	}
	if _, found := c.Get("players", "p2", "name"); found {
		t.Error("Expected not to find key of another target")
	}
	if _, found := c.Get("coins", "p1", "name"); found {
		t.Error("Expected not to find key of another table")
	}
}

func TestValue_Pointers(t *testing.T) {
	if FromPtr(nil).Valid {
		t.Error("Expected nil pointer to be null")
	}
	s := "x"
	v := FromPtr(&s)
	if !v.Valid || v.String != "x" {
		t.Errorf("Unexpected value %+v", v)
	}
	if p := v.Ptr(); p == nil || *p != "x" {
		t.Errorf("Expected pointer to x, got %v", p)
	}
	if Null().Ptr() != nil {
		t.Error("Expected null to convert to nil pointer")
	}
}

func TestWriteBehind_FillDoesNotOverrideDirty(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("new"))
	c.Fill("players", "p1", "name", Some("old"))

	value, _ := c.Get("players", "p1", "name")
	if value.String != "new" {
		t.Errorf("Expected pending write to win, got %q", value.String)
	}

	c.Fill("players", "p1", "score", Some("10"))
	if stats := c.Stats(); stats.Dirty != 1 || stats.Entries != 2 {
		t.Errorf("Expected 2 entries with 1 dirty, got %+v", stats)
	}
}

func TestWriteBehind_Update(t *testing.T) {
	c := New()

	c.Update("players", "p1", "name", Some("ignored"))
	if _, found := c.Get("players", "p1", "name"); found {
		t.Error("Expected Update to leave uncached keys alone")
	}

	c.Put("players", "p1", "name", Some("a"))
	c.Update("players", "p1", "name", Some("b"))

	value, _ := c.Get("players", "p1", "name")
	if value.String != "b" {
		t.Errorf("Expected updated value b, got %q", value.String)
	}
	if stats := c.Stats(); stats.Dirty != 0 {
		t.Errorf("Expected updated entry to be clean, got %d dirty", stats.Dirty)
	}
}

func TestWriteBehind_DirtyAndCommit(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("alice"))
	c.Put("players", "p1", "score", Some("10"))
	c.Put("coins", "p1", "balance", Some("5"))
	c.Fill("coins", "p2", "balance", Some("7"))

	batches := c.Dirty()
	if len(batches) != 2 {
		t.Fatalf("Expected 2 dirty batches, got %d", len(batches))
	}
	if batches[0].Table != "coins" || batches[1].Table != "players" {
		t.Errorf("Expected batches sorted by table, got %s, %s", batches[0].Table, batches[1].Table)
	}
	if keys := batches[1].Keys(); len(keys) != 2 || keys[0] != "name" || keys[1] != "score" {
		t.Errorf("Unexpected keys %v", keys)
	}

	c.Commit(batches[1], map[string]bool{"score": true})
	c.Commit(batches[0], nil)

	remaining := c.Dirty()
	if len(remaining) != 1 {
		t.Fatalf("Expected 1 remaining batch, got %d", len(remaining))
	}
	if _, ok := remaining[0].Values["score"]; !ok || len(remaining[0].Values) != 1 {
		t.Errorf("Expected only failed key to stay dirty, got %v", remaining[0].Values)
	}
}

func TestWriteBehind_CommitKeepsNewerWrites(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("first"))
	batch, ok := c.DirtyTarget("players", "p1")
	if !ok {
		t.Fatal("Expected dirty batch")
	}

	c.Put("players", "p1", "name", Some("second"))
	c.Commit(batch, nil)

	next, ok := c.DirtyTarget("players", "p1")
	if !ok {
		t.Fatal("Expected rewritten key to stay dirty")
	}
	if next.Values["name"].String != "second" {
		t.Errorf("Expected second, got %q", next.Values["name"].String)
	}
}

func TestWriteBehind_Evict(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("alice"))
	if c.Evict("players", "p1") {
		t.Error("Expected dirty target not to be evicted")
	}

	batch, _ := c.DirtyTarget("players", "p1")
	c.Commit(batch, nil)

	if !c.Evict("players", "p1") {
		t.Error("Expected clean target to be evicted")
	}
	if _, found := c.Get("players", "p1", "name"); found {
		t.Error("Expected evicted key to be gone")
	}
	if !c.Evict("players", "unknown") {
		t.Error("Expected eviction of unknown target to succeed")
	}
}

func TestWriteBehind_Clear(t *testing.T) {
	c := New()

	for i := 0; i < 10; i++ {
		c.Put("players", fmt.Sprintf("p%d", i), "name", Some("x"))
	}
	c.Clear()

	stats := c.Stats()
	if stats.Targets != 0 || stats.Entries != 0 || stats.Dirty != 0 {
		t.Errorf("Expected empty cache after Clear, got %+v", stats)
	}
	if len(c.Dirty()) != 0 {
		t.Error("Expected no dirty batches after Clear")
	}
}

func TestWriteBehind_Stats(t *testing.T) {
	c := New()

	c.Put("players", "p1", "name", Some("alice"))
	c.Get("players", "p1", "name")
	c.Get("players", "p1", "missing")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.Targets != 1 || stats.Entries != 1 || stats.Dirty != 1 {
		t.Errorf("Unexpected sizes %+v", stats)
	}
}

func TestWriteBehind_Concurrency(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			target := fmt.Sprintf("target-%d", id)
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d", j)
				c.Put("players", target, key, Some(fmt.Sprintf("%d", j)))
				c.Get("players", target, key)
				if j%10 == 0 {
					if batch, ok := c.DirtyTarget("players", target); ok {
						c.Commit(batch, nil)
					}
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			for _, batch := range c.Dirty() {
				c.Commit(batch, nil)
			}
		}
	}()

	wg.Wait()

	for _, batch := range c.Dirty() {
		c.Commit(batch, nil)
	}

	stats := c.Stats()
	if stats.Entries != 1000 {
		t.Errorf("Expected 1000 entries, got %d", stats.Entries)
	}
	if stats.Dirty != 0 {
		t.Errorf("Expected all entries flushed, got %d dirty", stats.Dirty)
	}
}

func BenchmarkWriteBehind_Put(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put("players", fmt.Sprintf("target-%d", i%1000), "name", Some("value"))
	}
}

func BenchmarkWriteBehind_Get(b *testing.B) {
	c := New()
	for i := 0; i < 1000; i++ {
		c.Put("players", fmt.Sprintf("target-%d", i), "name", Some("value"))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("players", fmt.Sprintf("target-%d", i%1000), "name")
	}
}
