package naivekv

import "testing"

// tinyThresholdConfig freezes the active memtable after essentially every
// write, so tests can force flush/compaction without waiting on the
// daemon's ticker.
func tinyThresholdConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.MemtableThresholdBytes = 1
	cfg.CompactionSSTableCount = 1
	cfg.CompactionFanIn = 2
	return cfg
}

func forceFlushAndCompact(t *testing.T, cat *Catalog) {
	t.Helper()
	cat.daemon.drainFlushes()
	cat.daemon.maybeCompact()
}

func TestCompactionPreservesLatestValue(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(tinyThresholdConfig(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cat.Close()

	if err := cat.Set([]byte("x"), []byte("old")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	forceFlushAndCompact(t, cat)

	if err := cat.Set([]byte("x"), []byte("new")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	forceFlushAndCompact(t, cat)

	if v, err := cat.Get([]byte("x")); err != nil || string(v) != "new" {
		t.Fatalf("Get(x) = %q, %v, want new, nil", v, err)
	}

	cat.mu.RLock()
	sstableCount := len(cat.sstables)
	cat.mu.RUnlock()
	if sstableCount != 1 {
		t.Fatalf("expected compaction to merge down to 1 sstable, got %d", sstableCount)
	}
}

func TestCompactionGarbageCollectsTombstoneWhenOldestParticipates(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(tinyThresholdConfig(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cat.Close()

	if err := cat.Set([]byte("x"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cat.daemon.drainFlushes() // flush the set, but don't compact yet: only 1 sstable so far

	if err := cat.Remove([]byte("x")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	forceFlushAndCompact(t, cat) // flush the tombstone, then compact both sstables together

	cat.mu.RLock()
	sstableCount := len(cat.sstables)
	var reader *SSTableReader
	if sstableCount > 0 {
		reader = cat.sstables[0]
	}
	cat.mu.RUnlock()

	if sstableCount != 1 {
		t.Fatalf("expected exactly 1 sstable after compacting both down, got %d", sstableCount)
	}

	it := reader.NewIterator()
	for it.Next() {
		if string(it.Key()) == "x" {
			t.Fatal("tombstone for x should have been garbage collected, but it survived compaction")
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}

	if _, err := cat.Get([]byte("x")); err != ErrKeyNotFound {
		t.Fatalf("Get(x) after tombstone GC = %v, want ErrKeyNotFound", err)
	}
}

func TestMonotonicSSTableIDs(t *testing.T) {
	dir := t.TempDir()
	cat, err := Open(tinyThresholdConfig(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cat.Close()

	var lastID uint64
	for i := 0; i < 5; i++ {
		if err := cat.Set([]byte{byte('a' + i)}, []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		cat.daemon.drainFlushes()

		cat.mu.RLock()
		id := cat.sstables[0].ID() // newest is always at the front
		cat.mu.RUnlock()

		if i > 0 && id <= lastID {
			t.Fatalf("sstable id %d did not increase past previous id %d", id, lastID)
		}
		lastID = id
	}
}
