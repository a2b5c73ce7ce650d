package naivekv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTestSSTable(t *testing.T, cmds []Command, blockBytes int64, crypto *cryptoProvider) (*SSTableReader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sstable-1.sst")
	if err := WriteSSTable(path, cmds, blockBytes, crypto); err != nil {
		t.Fatalf("WriteSSTable: %v", err)
	}
	r, err := OpenSSTableReader(path, 1, crypto)
	if err != nil {
		t.Fatalf("OpenSSTableReader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func sortedCommands(n int) []Command {
	cmds := make([]Command, n)
	for i := 0; i < n; i++ {
		cmds[i] = SetValue([]byte(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}
	return cmds
}

func TestSSTableGetFindsEveryKey(t *testing.T) {
	cmds := sortedCommands(500)
	r, _ := writeTestSSTable(t, cmds, 512, nil)

	for _, cmd := range cmds {
		lk, err := r.Get(cmd.Key)
		if err != nil {
			t.Fatalf("Get(%s): %v", cmd.Key, err)
		}
		if lk.Kind != Found || !bytes.Equal(lk.Value, cmd.Value) {
			t.Fatalf("Get(%s) = %+v, want Found(%s)", cmd.Key, lk, cmd.Value)
		}
	}
}

func TestSSTableGetMissingKey(t *testing.T) {
	cmds := sortedCommands(50)
	r, _ := writeTestSSTable(t, cmds, 4096, nil)

	lk, err := r.Get([]byte("zzz-not-present"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lk.Kind != Absent {
		t.Fatalf("Get(missing) = %+v, want Absent", lk)
	}
}

func TestSSTableGetTombstone(t *testing.T) {
	cmds := []Command{Delete([]byte("gone"))}
	r, _ := writeTestSSTable(t, cmds, 4096, nil)

	lk, err := r.Get([]byte("gone"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lk.Kind != Tombstone {
		t.Fatalf("Get(gone) = %+v, want Tombstone", lk)
	}
}

func TestSSTableSortedness(t *testing.T) {
	cmds := sortedCommands(300)
	r, _ := writeTestSSTable(t, cmds, 256, nil)

	it := r.NewIterator()
	var prev []byte
	count := 0
	for it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("iterator not strictly increasing: %q >= %q", prev, it.Key())
		}
		prev = append([]byte(nil), it.Key()...)
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != len(cmds) {
		t.Fatalf("iterated %d records, want %d", count, len(cmds))
	}
}

func TestSSTableEncryptedValuesRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	crypto, err := newCryptoProvider(key)
	if err != nil {
		t.Fatalf("newCryptoProvider: %v", err)
	}

	cmds := []Command{SetValue([]byte("secret"), []byte("sensitive value"))}
	r, path := writeTestSSTable(t, cmds, 4096, crypto)

	// The plaintext must not appear verbatim anywhere in the file on disk.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading sstable file: %v", err)
	}
	if bytes.Contains(raw, []byte("sensitive value")) {
		t.Fatal("plaintext value found unencrypted in sstable file")
	}

	lk, err := r.Get([]byte("secret"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lk.Kind != Found || string(lk.Value) != "sensitive value" {
		t.Fatalf("Get(secret) = %+v, want Found(sensitive value)", lk)
	}
}

func TestMergeSSTablesNewestWins(t *testing.T) {
	older, _ := writeTestSSTable(t, []Command{SetValue([]byte("x"), []byte("old"))}, 4096, nil)
	newer, _ := writeTestSSTable(t, []Command{SetValue([]byte("x"), []byte("new"))}, 4096, nil)
	newer.id = 2

	merged, newestID, err := mergeSSTables([]*SSTableReader{newer, older}, false)
	if err != nil {
		t.Fatalf("mergeSSTables: %v", err)
	}
	if newestID != 2 {
		t.Fatalf("newestID = %d, want 2", newestID)
	}
	if len(merged) != 1 || string(merged[0].Value) != "new" {
		t.Fatalf("merged = %+v, want a single entry with value \"new\"", merged)
	}
}

func TestMergeSSTablesDropsTombstonesWhenOldestParticipates(t *testing.T) {
	base, _ := writeTestSSTable(t, []Command{SetValue([]byte("x"), []byte("v"))}, 4096, nil)
	tomb, _ := writeTestSSTable(t, []Command{Delete([]byte("x"))}, 4096, nil)
	tomb.id = 2

	merged, _, err := mergeSSTables([]*SSTableReader{tomb, base}, true)
	if err != nil {
		t.Fatalf("mergeSSTables: %v", err)
	}
	if len(merged) != 0 {
		t.Fatalf("merged = %+v, want no surviving entries once the oldest SSTable participates", merged)
	}
}

func TestMergeSSTablesKeepsTombstonesWhenOldestDoesNotParticipate(t *testing.T) {
	tomb, _ := writeTestSSTable(t, []Command{Delete([]byte("x"))}, 4096, nil)
	merged, _, err := mergeSSTables([]*SSTableReader{tomb}, false)
	if err != nil {
		t.Fatalf("mergeSSTables: %v", err)
	}
	if len(merged) != 1 || !merged[0].IsTombstone() {
		t.Fatalf("merged = %+v, want the tombstone preserved", merged)
	}
}
