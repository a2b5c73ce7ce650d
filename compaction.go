package naivekv

import (
	"bytes"
	"log"
	"os"
	"time"
)

// compactionDaemon drains pending memtable flushes and periodically merges
// the oldest SSTables once their count outgrows Config.CompactionSSTableCount.
// It runs as a single goroutine so flushes and compactions never race with
// each other, only with readers (who only ever see a consistent, published
// snapshot of the catalog's SSTable list).
type compactionDaemon struct {
	cat      *Catalog
	flushCh  chan struct{}
	closeCh  chan struct{}
	doneCh   chan struct{}
}

func newCompactionDaemon(cat *Catalog) *compactionDaemon {
	return &compactionDaemon{
		cat:     cat,
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (d *compactionDaemon) start() {
	go d.loop()
}

// notifyFlush wakes the daemon to drain a newly pending flush. The send is
// non-blocking: the channel only needs to carry "there is work," not a
// count of how much.
func (d *compactionDaemon) notifyFlush() {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

// stop asks the daemon to finish whatever it's doing and exit, then waits
// for it to do so.
func (d *compactionDaemon) stop() {
	close(d.closeCh)
	<-d.doneCh
}

func (d *compactionDaemon) loop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		d.drainFlushes()
		d.maybeCompact()

		select {
		case <-d.closeCh:
			d.drainFlushes()
			return
		case <-d.flushCh:
		case <-ticker.C:
		}
	}
}

// drainFlushes flushes every pending memtable in FIFO order, oldest first.
func (d *compactionDaemon) drainFlushes() {
	for {
		d.cat.mu.Lock()
		if len(d.cat.pending) == 0 {
			d.cat.mu.Unlock()
			return
		}
		next := d.cat.pending[0]
		d.cat.mu.Unlock()

		id := runID()
		if err := d.cat.flushMemtableNow(next.id, next.mt); err != nil {
			log.Printf("naivekv: flush %s for memtable %d failed: %v", id, next.id, err)
			return
		}
		log.Printf("naivekv: flush %s wrote sstable-%d.sst from memtable %d", id, next.id, next.id)

		d.cat.mu.Lock()
		if len(d.cat.pending) > 0 && d.cat.pending[0].id == next.id {
			d.cat.pending = d.cat.pending[1:]
		}
		d.cat.mu.Unlock()
	}
}

// maybeCompact performs at most one compaction pass: if the SSTable count
// exceeds CompactionSSTableCount, it k-way-merges the oldest CompactionFanIn
// SSTables into a single new one and retires the inputs.
func (d *compactionDaemon) maybeCompact() {
	c := d.cat

	c.mu.RLock()
	total := len(c.sstables)
	c.mu.RUnlock()
	if total <= c.cfg.CompactionSSTableCount {
		return
	}

	fanIn := c.cfg.CompactionFanIn
	if fanIn > total {
		fanIn = total
	}
	if fanIn < 2 {
		return
	}

	c.mu.RLock()
	// c.sstables is newest-first, so the tail is always the oldest fanIn
	// entries, which always includes the globally oldest SSTable. That
	// means a tombstone can never still be shadowing a value in some
	// SSTable this compaction doesn't see, so it's always safe to drop
	// tombstones here.
	inputs := append([]*SSTableReader(nil), c.sstables[total-fanIn:]...)
	const dropTombstones = true
	c.mu.RUnlock()

	id := runID()
	merged, _, err := mergeSSTables(inputs, dropTombstones)
	if err != nil {
		log.Printf("naivekv: compaction %s merge failed: %v", id, err)
		return
	}

	// allocateID always returns an id past every id ever handed out, so the
	// new SSTable's id is guaranteed to be the largest in the catalog.
	newID := c.allocateID()
	path := sstablePath(c.dir, newID)
	if err := WriteSSTable(path, merged, c.cfg.SSTableBlockBytes, c.crypto); err != nil {
		log.Printf("naivekv: compaction %s write failed: %v", id, err)
		return
	}

	newReader, err := OpenSSTableReader(path, newID, c.crypto)
	if err != nil {
		log.Printf("naivekv: compaction %s reopen failed: %v", id, err)
		return
	}

	c.mu.Lock()
	replaced := make(map[uint64]bool, len(inputs))
	for _, in := range inputs {
		replaced[in.ID()] = true
	}
	kept := make([]*SSTableReader, 0, len(c.sstables)-len(inputs)+1)
	for _, r := range c.sstables {
		if !replaced[r.ID()] {
			kept = append(kept, r)
		}
	}
	if newReader != nil {
		// kept is still newest-first; newReader's id is the largest of the
		// inputs plus one, so it belongs at the front among survivors.
		kept = append([]*SSTableReader{newReader}, kept...)
	}
	c.sstables = kept
	c.mu.Unlock()

	for _, in := range inputs {
		if err := in.Close(); err != nil {
			log.Printf("naivekv: compaction %s closing sstable %d: %v", id, in.ID(), err)
		}
		if err := os.Remove(sstablePath(c.dir, in.ID())); err != nil && !os.IsNotExist(err) {
			log.Printf("naivekv: compaction %s removing sstable %d: %v", id, in.ID(), err)
		}
	}

	log.Printf("naivekv: compaction %s merged %d sstables into sstable-%d.sst (%d live records)", id, len(inputs), newID, len(merged))
}

// allocateID hands out the next monotonically increasing SSTable id.
func (c *Catalog) allocateID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// mergeSSTables k-way merges inputs (newest first) into one ascending,
// deduplicated, optionally tombstone-free command slice, and reports the
// highest id among the inputs. On a duplicate key, the command from the
// newest (lowest-index) input wins. Tombstones are kept unless
// dropTombstones is true, since a tombstone can only be safely discarded
// once no older SSTable could still be shadowed by it.
func mergeSSTables(inputs []*SSTableReader, dropTombstones bool) ([]Command, uint64, error) {
	type cursor struct {
		it   *SSTableIterator
		rank int // lower rank = newer; breaks ties on duplicate keys
	}

	var newestID uint64
	cursors := make([]*cursor, 0, len(inputs))
	for rank, r := range inputs {
		if r.ID() > newestID {
			newestID = r.ID()
		}
		it := r.NewIterator()
		if it.Next() {
			cursors = append(cursors, &cursor{it: it, rank: rank})
		} else if err := it.Err(); err != nil {
			return nil, 0, err
		}
	}

	var out []Command
	for len(cursors) > 0 {
		minIdx := 0
		for i := 1; i < len(cursors); i++ {
			cmp := bytes.Compare(cursors[i].it.Key(), cursors[minIdx].it.Key())
			if cmp < 0 || (cmp == 0 && cursors[i].rank < cursors[minIdx].rank) {
				minIdx = i
			}
		}
		winner := cursors[minIdx]
		cmd := winner.it.Command()

		advance := make([]int, 0, 1)
		for i, c := range cursors {
			if bytes.Equal(c.it.Key(), cmd.Key) {
				advance = append(advance, i)
			}
		}

		if !(cmd.IsTombstone() && dropTombstones) {
			out = append(out, cmd)
		}

		for i := len(advance) - 1; i >= 0; i-- {
			idx := advance[i]
			c := cursors[idx]
			if !c.it.Next() {
				if err := c.it.Err(); err != nil {
					return nil, 0, err
				}
				cursors = append(cursors[:idx], cursors[idx+1:]...)
			}
		}
	}

	return out, newestID, nil
}

