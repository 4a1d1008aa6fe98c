package storage

import (
	"context"
	"errors"
	"testing"

	"kvdata/internal/testutil"
)

func TestCachedDialect_WritesStayInCacheUntilFlush(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	d.SetToCache("players", target, "Coins", Some("500"))

	if v, ok := d.GetFromCache("players", target, "coins"); !ok || v != Some("500") {
		t.Fatalf("Expected cached 500, got %+v (ok=%v)", v, ok)
	}
	if backend.writeCount() != 0 {
		t.Fatalf("Expected no backend write before flush, got %d", backend.writeCount())
	}
	if v, _ := backend.Get(ctx, "players", target, "coins"); v.Valid {
		t.Fatalf("Expected backend to be empty before flush, got %+v", v)
	}

	if failed := d.SaveCache(ctx); len(failed) != 0 {
		t.Fatalf("Expected clean flush, got %v", failed)
	}
	if v, _ := backend.Get(ctx, "players", target, "coins"); v != Some("500") {
		t.Errorf("Expected flushed 500, got %+v", v)
	}
	if stats := d.CacheStats(); stats.Dirty != 0 {
		t.Errorf("Expected no dirty entries after flush, got %d", stats.Dirty)
	}

	// A second flush has nothing to write.
	writes := backend.writeCount()
	d.SaveCache(ctx)
	if backend.writeCount() != writes {
		t.Errorf("Expected idle flush to skip the backend, got %d writes", backend.writeCount()-writes)
	}
}

func TestCachedDialect_MarkRemovedFlushesNull(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	backend.SetAll(ctx, "players", target, map[string]Value{"coins": Some("500")})

	d.MarkRemovedInCache("players", target, "coins")
	if v, ok := d.GetFromCache("players", target, "coins"); !ok || v.Valid {
		t.Fatalf("Expected cached null, got %+v (ok=%v)", v, ok)
	}

	d.SaveCache(ctx)
	if v, _ := backend.Get(ctx, "players", target, "coins"); v.Valid {
		t.Errorf("Expected backend value to be removed, got %+v", v)
	}
}

func TestCachedDialect_FailedKeysStayDirty(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	backend.mu.Lock()
	backend.failKeys["broken"] = true
	backend.mu.Unlock()

	d.SetToCache("players", target, "coins", Some("1"))
	d.SetToCache("players", target, "broken", Some("2"))

	failed := d.SaveCache(ctx)
	if len(failed) != 1 || failed[0].Key != "broken" || !errors.Is(failed[0].Err, errRejected) {
		t.Fatalf("Expected only broken to fail, got %v", failed)
	}
	if stats := d.CacheStats(); stats.Dirty != 1 {
		t.Errorf("Expected the failed key to stay dirty, got %d dirty", stats.Dirty)
	}

	backend.mu.Lock()
	delete(backend.failKeys, "broken")
	backend.mu.Unlock()

	if failed := d.SaveCache(ctx); len(failed) != 0 {
		t.Fatalf("Expected retry to succeed, got %v", failed)
	}
	if v, _ := backend.Get(ctx, "players", target, "broken"); v != Some("2") {
		t.Errorf("Expected retried value 2, got %+v", v)
	}
}

func TestCachedDialect_SaveTargetCache(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	a, b := testutil.NewTarget(), testutil.NewTarget()

	d.SetToCache("players", a, "coins", Some("1"))
	d.SetToCache("players", b, "coins", Some("2"))

	if failed := d.SaveTargetCache(ctx, "players", a, true); len(failed) != 0 {
		t.Fatalf("Expected clean target flush, got %v", failed)
	}
	if v, _ := backend.Get(ctx, "players", a, "coins"); v != Some("1") {
		t.Errorf("Expected target a to be written, got %+v", v)
	}
	if v, _ := backend.Get(ctx, "players", b, "coins"); v.Valid {
		t.Errorf("Expected target b to stay cached only, got %+v", v)
	}
	if _, ok := d.GetFromCache("players", a, "coins"); ok {
		t.Error("Expected target a to be evicted")
	}
	if _, ok := d.GetFromCache("players", b, "coins"); !ok {
		t.Error("Expected target b to remain cached")
	}
}

func TestCachedDialect_SaveTargetCacheKeepsFailedTarget(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	backend.mu.Lock()
	backend.failKeys["coins"] = true
	backend.mu.Unlock()

	d.SetToCache("players", target, "coins", Some("1"))
	if failed := d.SaveTargetCache(ctx, "players", target, true); len(failed) != 1 {
		t.Fatalf("Expected one failure, got %v", failed)
	}
	if _, ok := d.GetFromCache("players", target, "coins"); !ok {
		t.Error("Expected unsaved target to stay cached")
	}
}

func TestCachedDialect_ClearCacheFallsBackToDatabase(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	backend.SetAll(ctx, "players", target, map[string]Value{"coins": Some("42")})
	d.FillCache("players", target, "coins", Some("42"))

	d.ClearCache()
	if _, ok := d.GetFromCache("players", target, "coins"); ok {
		t.Fatal("Expected cache to be empty after clear")
	}
	v, err := d.GetFromDatabase(ctx, "players", target, "coins")
	if err != nil || v != Some("42") {
		t.Errorf("Expected database value 42, got %+v (%v)", v, err)
	}
}

func TestCachedDialect_FillDoesNotOverrideDirty(t *testing.T) {
	m, _ := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	target := testutil.NewTarget()

	d.SetToCache("players", target, "coins", Some("new"))
	d.FillCache("players", target, "coins", Some("stale"))

	if v, _ := d.GetFromCache("players", target, "coins"); v != Some("new") {
		t.Errorf("Expected dirty value to win over fill, got %+v", v)
	}
}

func TestCachedDialect_ReservedKeyIgnoredInCache(t *testing.T) {
	m, backend := newMemoryManager(t, storageFile("", true))
	d := m.Dialect()
	target := testutil.NewTarget()

	d.SetToCache("players", target, "TARGET", Some("x"))
	if _, ok := d.GetFromCache("players", target, "target"); ok {
		t.Error("Expected reserved key to be ignored by the cache")
	}
	d.SaveCache(context.Background())
	if backend.writeCount() != 0 {
		t.Errorf("Expected nothing to flush, got %d writes", backend.writeCount())
	}
}

func TestCachedDialect_SQLFlush(t *testing.T) {
	m := newTestManager(t, "sqlite", true)
	d := m.Dialect()
	ctx := context.Background()
	target := testutil.NewTarget()

	d.SetToCache("players", target, "coins", Some("500"))
	d.SetToCache("players", target, "name", Some("alice"))
	if failed := d.SaveCache(ctx); len(failed) != 0 {
		t.Fatalf("Expected clean flush, got %v", failed)
	}
	if v := mustGet(t, d, "players", target, "name"); v != Some("alice") {
		t.Errorf("Expected alice, got %+v", v)
	}
}
