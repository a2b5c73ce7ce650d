package naivekv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal-1.log")

	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	cmds := []Command{
		SetValue([]byte("a"), []byte("1")),
		SetValue([]byte("b"), []byte("2")),
		Delete([]byte("a")),
	}
	for _, cmd := range cmds {
		if err := wal.Append(cmd); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReplayWAL(path)
	if err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	if len(got) != len(cmds) {
		t.Fatalf("replayed %d commands, want %d", len(got), len(cmds))
	}
	for i, cmd := range cmds {
		if got[i].Kind != cmd.Kind || string(got[i].Key) != string(cmd.Key) {
			t.Fatalf("record %d mismatch: got %+v, want %+v", i, got[i], cmd)
		}
	}
}

func TestReplayWALMissingFile(t *testing.T) {
	cmds, err := ReplayWAL(filepath.Join(t.TempDir(), "does-not-exist.log"))
	if err != nil {
		t.Fatalf("ReplayWAL on missing file: %v", err)
	}
	if cmds != nil {
		t.Fatalf("expected nil commands for a missing WAL, got %v", cmds)
	}
}

func TestOpenWALTruncatesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal-1.log")

	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if err := wal.Append(SetValue([]byte("a"), []byte("1"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append: append a few garbage bytes that look
	// like the start of a length-prefixed record but aren't complete.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("opening wal for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0xff, 0xff, 0xff, 0x7f, 0x01}); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	f.Close()

	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("reopening wal after truncation: %v", err)
	}
	defer wal2.Close()

	cmds, err := ReplayWAL(path)
	if err != nil {
		t.Fatalf("ReplayWAL after truncation: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("replayed %d commands after truncation, want 1", len(cmds))
	}
}
