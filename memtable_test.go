package naivekv

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestMemtable(t *testing.T) *Memtable {
	t.Helper()
	wal, err := OpenWAL(filepath.Join(t.TempDir(), "wal-1.log"))
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	return NewMemtable(wal, nil)
}

func TestMemtableReadYourWrites(t *testing.T) {
	mt := newTestMemtable(t)
	if err := mt.Insert(SetValue([]byte("a"), []byte("1"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mt.Insert(SetValue([]byte("a"), []byte("2"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	lk := mt.Get([]byte("a"))
	if lk.Kind != Found || string(lk.Value) != "2" {
		t.Fatalf("Get(a) = %+v, want Found(2)", lk)
	}
}

func TestMemtableTombstoneHiding(t *testing.T) {
	mt := newTestMemtable(t)
	if err := mt.Insert(SetValue([]byte("k"), []byte("v"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mt.Insert(Delete([]byte("k"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	lk := mt.Get([]byte("k"))
	if lk.Kind != Tombstone {
		t.Fatalf("Get(k) after delete = %+v, want Tombstone", lk)
	}
}

func TestMemtableRejectsEmptyKey(t *testing.T) {
	mt := newTestMemtable(t)
	if err := mt.Insert(SetValue(nil, []byte("v"))); err != ErrEmptyKey {
		t.Fatalf("Insert with empty key = %v, want ErrEmptyKey", err)
	}
}

func TestMemtableIntoSortedCommandsIsAscending(t *testing.T) {
	mt := newTestMemtable(t)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		if err := mt.Insert(SetValue([]byte(k), []byte("v"))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	cmds := mt.IntoSortedCommands()
	if len(cmds) != len(keys) {
		t.Fatalf("got %d commands, want %d", len(cmds), len(keys))
	}
	for i := 1; i < len(cmds); i++ {
		if bytes.Compare(cmds[i-1].Key, cmds[i].Key) >= 0 {
			t.Fatalf("commands not strictly ascending at index %d: %q >= %q", i, cmds[i-1].Key, cmds[i].Key)
		}
	}
	// The memtable must remain fully usable after a flush-style read.
	if mt.Len() != len(keys) {
		t.Fatalf("Len() = %d after IntoSortedCommands, want %d", mt.Len(), len(keys))
	}
}

func TestMemtableFlushEquivalence(t *testing.T) {
	mt := newTestMemtable(t)
	ops := []Command{
		SetValue([]byte("x"), []byte("old")),
		SetValue([]byte("y"), []byte("1")),
		SetValue([]byte("x"), []byte("new")),
		Delete([]byte("y")),
	}
	for _, cmd := range ops {
		if err := mt.Insert(cmd); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	replayed, err := ReplayWAL(mt.WAL().Path())
	if err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	lastPerKey := map[string]Command{}
	for _, cmd := range replayed {
		lastPerKey[string(cmd.Key)] = cmd
	}

	for _, cmd := range mt.IntoSortedCommands() {
		want, ok := lastPerKey[string(cmd.Key)]
		if !ok {
			t.Fatalf("memtable has key %q absent from WAL replay", cmd.Key)
		}
		if want.Kind != cmd.Kind || !bytes.Equal(want.Value, cmd.Value) {
			t.Fatalf("memtable entry for %q = %+v, want %+v", cmd.Key, cmd, want)
		}
	}
	if len(mt.IntoSortedCommands()) != len(lastPerKey) {
		t.Fatalf("memtable has %d keys, WAL's last-command view has %d", len(mt.IntoSortedCommands()), len(lastPerKey))
	}
}

func TestSkipListManyKeys(t *testing.T) {
	sl := newSkipList()
	for i := 0; i < 2000; i++ {
		sl.put(SetValue([]byte(fmt.Sprintf("key-%05d", i)), []byte("v")))
	}
	all := sl.ascending()
	if len(all) != 2000 {
		t.Fatalf("got %d entries, want 2000", len(all))
	}
	for i := 1; i < len(all); i++ {
		if bytes.Compare(all[i-1].Key, all[i].Key) >= 0 {
			t.Fatalf("skip list not sorted at %d", i)
		}
	}
}
