package naivekv

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Catalog is the top-level handle on a NaiveKV data directory: one active
// memtable taking writes, zero or more memtables frozen and waiting to be
// flushed, and an ordered list of immutable SSTables, newest first. All
// three are protected by one mutation lock; reads take a snapshot of the
// three under a read lock and then search it without holding the lock, so
// a long-running Get never blocks a concurrent flush or compaction.
type Catalog struct {
	mu sync.RWMutex

	// writeMu serializes Set/Remove end to end, so Remove's
	// visibility-check-then-tombstone sequence is atomic with respect to
	// other writers: a second concurrent Remove of the same key always
	// observes the first one's tombstone before deciding its own outcome.
	writeMu sync.Mutex

	dir       string
	cfg       Config
	crypto    *cryptoProvider // seals SSTable values
	walCrypto *cryptoProvider // seals WAL values, under a distinct derived key

	active   *Memtable
	activeID uint64
	pending  []pendingFlush   // oldest first; awaiting the compaction daemon
	sstables []*SSTableReader // newest first, by id descending
	nextID   uint64

	daemon *compactionDaemon

	closed bool
}

// pendingFlush is a memtable that has been frozen off the write path and is
// waiting for the daemon to turn it into an SSTable.
type pendingFlush struct {
	id uint64
	mt *Memtable
}

// Open recovers (or creates) a catalog rooted at cfg.Directory: it loads
// every existing sstable-<id>.sst file, replays any wal-<id>.log files left
// over from an unclean shutdown into fresh memtables, flushes all but the
// most recent of those into new SSTables, installs the most recent as the
// active memtable, and starts the background compaction daemon.
func Open(cfg Config) (*Catalog, error) {
	cfg = cfg.withDefaults()
	if cfg.Directory == "" {
		return nil, fmt.Errorf("naivekv: Config.Directory must be set")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("naivekv: creating data directory: %w", err)
	}

	var crypto, walCrypto *cryptoProvider
	if cfg.EnableEncryption {
		key := cfg.EncryptionKey
		if len(key) == 0 {
			mgr := NewMasterKeyManager(cfg.Directory, cfg.ShamirShares, cfg.ShamirThreshold)
			resolved, err := mgr.Resolve(nil)
			if err != nil {
				return nil, fmt.Errorf("naivekv: resolving master key: %w", err)
			}
			key = resolved
		}
		cp, err := newCryptoProvider(key)
		if err != nil {
			return nil, fmt.Errorf("naivekv: initializing encryption: %w", err)
		}
		crypto = cp
		walCrypto, err = cp.forWAL()
		if err != nil {
			return nil, fmt.Errorf("naivekv: initializing wal encryption: %w", err)
		}
	}

	sstableIDs, walIDs, err := discoverDataFiles(cfg.Directory)
	if err != nil {
		return nil, err
	}

	c := &Catalog{dir: cfg.Directory, cfg: cfg, crypto: crypto, walCrypto: walCrypto}

	for _, id := range sstableIDs {
		r, err := OpenSSTableReader(sstablePath(cfg.Directory, id), id, crypto)
		if err != nil {
			return nil, fmt.Errorf("naivekv: opening sstable %d: %w", id, err)
		}
		c.sstables = append(c.sstables, r)
	}
	sort.Slice(c.sstables, func(i, j int) bool { return c.sstables[i].ID() > c.sstables[j].ID() })

	sort.Slice(walIDs, func(i, j int) bool { return walIDs[i] < walIDs[j] })
	for i, id := range walIDs {
		cmds, err := ReplayWAL(walPath(cfg.Directory, id))
		if err != nil {
			return nil, fmt.Errorf("naivekv: replaying wal %d: %w", id, err)
		}
		wal, err := OpenWAL(walPath(cfg.Directory, id))
		if err != nil {
			return nil, fmt.Errorf("naivekv: reopening wal %d: %w", id, err)
		}
		mt := NewMemtable(wal, walCrypto)
		for _, cmd := range cmds {
			if walCrypto != nil && !cmd.IsTombstone() {
				plain, err := walCrypto.open(cmd.Value, buildValueAAD(cmd.Key, false))
				if err != nil {
					return nil, fmt.Errorf("naivekv: decrypting wal %d record for %q: %w", id, cmd.Key, err)
				}
				cmd.Value = plain
			}
			mt.restore(cmd)
		}
		isNewest := i == len(walIDs)-1
		if isNewest {
			c.active = mt
			c.activeID = id
		} else if mt.Len() > 0 {
			if err := c.flushMemtableNow(id, mt); err != nil {
				return nil, fmt.Errorf("naivekv: flushing recovered memtable %d: %w", id, err)
			}
		} else {
			_ = mt.WAL().Close()
			_ = DeleteWAL(mt.WAL().Path())
		}
	}

	maxID := uint64(0)
	for _, id := range sstableIDs {
		if id > maxID {
			maxID = id
		}
	}
	for _, id := range walIDs {
		if id > maxID {
			maxID = id
		}
	}
	c.nextID = maxID + 1

	if c.active == nil {
		if err := c.rollActiveMemtable(); err != nil {
			return nil, err
		}
	}

	c.daemon = newCompactionDaemon(c)
	c.daemon.start()

	return c, nil
}

// discoverDataFiles scans dir for sstable-<id>.sst and wal-<id>.log files
// and returns their ids.
func discoverDataFiles(dir string) (sstableIDs, walIDs []uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("naivekv: scanning data directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "sstable-") && strings.HasSuffix(name, ".sst"):
			if id, ok := parseFileID(name, "sstable-", ".sst"); ok {
				sstableIDs = append(sstableIDs, id)
			}
		case strings.HasPrefix(name, "wal-") && strings.HasSuffix(name, ".log"):
			if id, ok := parseFileID(name, "wal-", ".log"); ok {
				walIDs = append(walIDs, id)
			}
		}
	}
	return sstableIDs, walIDs, nil
}

func parseFileID(name, prefix, suffix string) (uint64, bool) {
	core := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	id, err := strconv.ParseUint(core, 10, 64)
	return id, err == nil
}

func sstablePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sstable-%d.sst", id))
}

func walPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%d.log", id))
}

// rollActiveMemtable opens a fresh WAL under a new id and installs it as
// the active memtable. Callers must hold c.mu for writing.
func (c *Catalog) rollActiveMemtable() error {
	id := c.nextID
	c.nextID++
	wal, err := OpenWAL(walPath(c.dir, id))
	if err != nil {
		return fmt.Errorf("naivekv: opening wal %d: %w", id, err)
	}
	c.active = NewMemtable(wal, c.walCrypto)
	c.activeID = id
	return nil
}

// Get returns the value for key, searching the active memtable, then
// pending flushes newest-to-oldest, then SSTables newest-to-oldest,
// stopping at the first layer that has an opinion about key.
func (c *Catalog) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	active := c.active
	pending := append([]pendingFlush(nil), c.pending...)
	sstables := append([]*SSTableReader(nil), c.sstables...)
	c.mu.RUnlock()

	if lk := active.Get(key); lk.Kind != Absent {
		return lookupResult(lk)
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if lk := pending[i].mt.Get(key); lk.Kind != Absent {
			return lookupResult(lk)
		}
	}
	for _, r := range sstables {
		lk, err := r.Get(key)
		if err != nil {
			return nil, err
		}
		if lk.Kind != Absent {
			return lookupResult(lk)
		}
	}
	return nil, ErrKeyNotFound
}

func lookupResult(lk Lookup) ([]byte, error) {
	if lk.Kind == Tombstone {
		return nil, ErrKeyNotFound
	}
	return lk.Value, nil
}

// Set durably stores value for key, rolling the active memtable over to a
// fresh one (and handing the full one to the compaction daemon for
// flushing) if the write pushes it past MemtableThresholdBytes.
func (c *Catalog) Set(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	active := c.active
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := active.Insert(SetValue(key, value)); err != nil {
		return err
	}
	return c.maybeFreeze(active)
}

// Remove writes a tombstone for key. A key that is already absent (or
// already deleted) by every layer returns ErrKeyNotFound. The visibility
// check and the tombstone write happen while holding writeMu, so a second
// Remove racing on the same key always sees the first one's tombstone and
// also returns ErrKeyNotFound, rather than both succeeding.
func (c *Catalog) Remove(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	active := c.active
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, err := c.Get(key); err != nil {
		return err
	}
	if err := active.Insert(Delete(key)); err != nil {
		return err
	}
	return c.maybeFreeze(active)
}

// maybeFreeze detaches active from the write path and schedules it for
// flushing if it has grown past the configured threshold.
func (c *Catalog) maybeFreeze(mt *Memtable) error {
	if mt.ApproximateBytes() < c.cfg.MemtableThresholdBytes {
		return nil
	}

	c.mu.Lock()
	if mt != c.active || c.closed {
		c.mu.Unlock() // someone else already froze it, or we're shutting down
		return nil
	}
	id := c.activeID
	c.pending = append(c.pending, pendingFlush{id: id, mt: mt})
	if err := c.rollActiveMemtable(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.daemon.notifyFlush()
	return nil
}

// flushMemtableNow writes mt's contents to sstable-<id>.sst synchronously,
// publishes the new reader, and deletes the memtable's WAL. Used both by
// Open's recovery path and by the compaction daemon's flush stage.
func (c *Catalog) flushMemtableNow(id uint64, mt *Memtable) error {
	cmds := mt.IntoSortedCommands()
	path := sstablePath(c.dir, id)
	if len(cmds) > 0 {
		if err := WriteSSTable(path, cmds, c.cfg.SSTableBlockBytes, c.crypto); err != nil {
			return err
		}
		reader, err := OpenSSTableReader(path, id, c.crypto)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sstables = append([]*SSTableReader{reader}, c.sstables...)
		c.mu.Unlock()
	}

	walFile := mt.WAL()
	if err := walFile.Close(); err != nil {
		return err
	}
	return DeleteWAL(walFile.Path())
}

// Close stops the compaction daemon, flushes a non-empty active memtable,
// and releases every open SSTable reader.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.active
	activeID := c.activeID
	c.mu.Unlock()

	c.daemon.stop()

	if active.Len() > 0 {
		if err := c.flushMemtableNow(activeID, active); err != nil {
			return fmt.Errorf("naivekv: flushing active memtable on close: %w", err)
		}
	} else {
		_ = active.WAL().Close()
		_ = DeleteWAL(active.WAL().Path())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.sstables {
		if err := r.Close(); err != nil {
			log.Printf("naivekv: closing sstable %d: %v", r.ID(), err)
		}
	}
	return nil
}

// runID tags one flush or compaction pass for log correlation.
func runID() string {
	return uuid.NewString()
}
