package naivekv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// WAL is the append-only crash-recovery journal for one memtable. It is
// uniquely paired with exactly one memtable; the pairing lives in the
// catalog, not here.
//
// Append writes and fsyncs synchronously rather than batching through an
// async flush channel: an insert must return only after its record is
// durable, so deferred flushing cannot be allowed to reorder an
// acknowledgement ahead of the fsync.
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenWAL creates or opens the WAL file at path for append. If the file
// already has a trailing partial record (left by a crash mid-append), it is
// truncated to the last valid record boundary before appends resume.
func OpenWAL(path string) (*WAL, error) {
	validLen, err := lastValidWALOffset(path)
	if err != nil {
		return nil, fmt.Errorf("naivekv: scanning wal %s: %w", path, err)
	}
	if validLen >= 0 {
		if err := truncateFile(path, validLen); err != nil {
			return nil, fmt.Errorf("naivekv: truncating wal %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("naivekv: opening wal %s: %w", path, err)
	}
	return &WAL{path: path, file: f}, nil
}

// lastValidWALOffset scans the file at path record by record and returns
// the byte offset just past the last fully-decodable record, or -1 if the
// file doesn't exist yet or has no trailing garbage to trim.
func lastValidWALOffset(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, err
	}
	defer f.Close()

	var offset int64
	for {
		cmd, err := ReadRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return -1, nil // no trailing garbage
			}
			if errors.Is(err, errTruncatedRecord) {
				return offset, nil
			}
			return -1, err
		}
		offset += int64(cmd.encodedSize())
	}
}

func truncateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// Append serializes cmd and appends it to the log, returning only once the
// write is durable on disk (fsync'd). Failures are filesystem errors; the
// caller's write did not take effect.
func (w *WAL) Append(cmd Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := WriteRecord(w.file, cmd); err != nil {
		return fmt.Errorf("naivekv: wal append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("naivekv: wal sync: %w", err)
	}
	return nil
}

// Close releases the WAL's file handle without deleting it.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Path returns the WAL's file path, used by the catalog to delete the WAL
// once its memtable has been flushed (or found empty).
func (w *WAL) Path() string {
	return w.path
}

// ReplayWAL produces the ordered sequence of commands in the file at path,
// stopping silently at the first unreadable or truncated record. A missing
// file replays to an empty sequence — a fresh catalog with no prior WAL is
// not an error.
func ReplayWAL(path string) ([]Command, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("naivekv: opening wal %s for replay: %w", path, err)
	}
	defer f.Close()

	var cmds []Command
	for {
		cmd, err := ReadRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errTruncatedRecord) {
				return cmds, nil
			}
			return cmds, fmt.Errorf("naivekv: replaying wal %s: %w", path, err)
		}
		cmds = append(cmds, cmd)
	}
}

// DeleteWAL removes the WAL file at path. Called only after the SSTable
// replacing its memtable is durably installed.
func DeleteWAL(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("naivekv: deleting wal %s: %w", path, err)
	}
	return nil
}
