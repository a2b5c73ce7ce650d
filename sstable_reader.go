package naivekv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// SSTableReader is a read-only, memory-mapped view of one immutable
// SSTable file. Opening a reader mmaps the whole file once; Get and the
// iterator both read straight out of that mapping rather than issuing
// per-call syscalls.
type SSTableReader struct {
	id     uint64
	path   string
	file   *os.File
	data   []byte
	index  []blockIndexEntry
	bloom  *bloomFilter
	minKey []byte
	maxKey []byte
	crypto *cryptoProvider
}

// OpenSSTableReader mmaps the file at path (whose SSTable id is id) and
// parses its footer and sparse index. crypto, if non-nil, is used to
// decrypt sealed values on read.
func OpenSSTableReader(path string, id uint64, crypto *cryptoProvider) (*SSTableReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("naivekv: opening sstable %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("naivekv: stat sstable %s: %w", path, err)
	}
	size := stat.Size()
	if size < 8 {
		f.Close()
		return nil, fmt.Errorf("%w: sstable %s too small to contain a footer", ErrCorrupt, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("naivekv: mmap sstable %s: %w", path, err)
	}

	r := &SSTableReader{id: id, path: path, file: f, data: data, crypto: crypto}
	if err := r.parseFooter(); err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *SSTableReader) parseFooter() error {
	n := len(r.data)
	footerOffset := binary.LittleEndian.Uint64(r.data[n-8 : n])
	if footerOffset >= uint64(n-8) {
		return fmt.Errorf("%w: sstable %s has an out-of-range footer offset", ErrCorrupt, r.path)
	}

	buf := bytes.NewReader(r.data[footerOffset : n-8])
	magic, err := readUint32(buf)
	if err != nil || magic != sstableMagic {
		return fmt.Errorf("%w: sstable %s has a bad magic number", ErrCorrupt, r.path)
	}
	version, err := readUint32(buf)
	if err != nil || version != sstableVersion {
		return fmt.Errorf("%w: sstable %s has an unsupported version", ErrCorrupt, r.path)
	}
	if _, err := readUint32(buf); err != nil { // entry count, informational only
		return fmt.Errorf("%w: sstable %s footer truncated", ErrCorrupt, r.path)
	}

	minKey, err := readLenPrefixed(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at min key", ErrCorrupt, r.path)
	}
	maxKey, err := readLenPrefixed(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at max key", ErrCorrupt, r.path)
	}
	r.minKey, r.maxKey = minKey, maxKey

	bloomOffset, err := readUint64(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at bloom offset", ErrCorrupt, r.path)
	}
	bloomLen, err := readUint32(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at bloom length", ErrCorrupt, r.path)
	}
	indexOffset, err := readUint64(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at index offset", ErrCorrupt, r.path)
	}
	indexCount, err := readUint32(buf)
	if err != nil {
		return fmt.Errorf("%w: sstable %s footer truncated at index count", ErrCorrupt, r.path)
	}

	if bloomOffset+uint64(bloomLen) > uint64(len(r.data)) {
		return fmt.Errorf("%w: sstable %s bloom region out of range", ErrCorrupt, r.path)
	}
	bloom, err := unmarshalBloomFilter(r.data[bloomOffset : bloomOffset+uint64(bloomLen)])
	if err != nil {
		return fmt.Errorf("%w: sstable %s has a corrupt bloom filter", ErrCorrupt, r.path)
	}
	r.bloom = bloom

	if indexOffset > uint64(len(r.data)) {
		return fmt.Errorf("%w: sstable %s index offset out of range", ErrCorrupt, r.path)
	}
	idxReader := bytes.NewReader(r.data[indexOffset:])
	index := make([]blockIndexEntry, 0, indexCount)
	for i := uint32(0); i < indexCount; i++ {
		keyLen, err := readUint32(idxReader)
		if err != nil {
			return fmt.Errorf("%w: sstable %s index entry %d truncated", ErrCorrupt, r.path, i)
		}
		key := make([]byte, keyLen)
		if _, err := idxReader.Read(key); err != nil {
			return fmt.Errorf("%w: sstable %s index entry %d key truncated", ErrCorrupt, r.path, i)
		}
		off, err := readUint64(idxReader)
		if err != nil {
			return fmt.Errorf("%w: sstable %s index entry %d offset truncated", ErrCorrupt, r.path, i)
		}
		length, err := readUint32(idxReader)
		if err != nil {
			return fmt.Errorf("%w: sstable %s index entry %d length truncated", ErrCorrupt, r.path, i)
		}
		index = append(index, blockIndexEntry{firstKey: key, offset: off, length: length})
	}
	r.index = index
	return nil
}

// ID returns the SSTable's id, used by the catalog to order and name files.
func (r *SSTableReader) ID() uint64 { return r.id }

// MinKey and MaxKey bound the key range the SSTable covers.
func (r *SSTableReader) MinKey() []byte { return r.minKey }
func (r *SSTableReader) MaxKey() []byte { return r.maxKey }

// Close unmaps the file and releases its handle.
func (r *SSTableReader) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return r.file.Close()
}

// Get looks up key, consulting the Bloom filter before the index so a
// definite miss costs nothing beyond a few hash computations.
func (r *SSTableReader) Get(key []byte) (Lookup, error) {
	if r.bloom != nil && !r.bloom.mayContain(key) {
		return Lookup{Kind: Absent}, nil
	}

	blockIdx := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	}) - 1
	if blockIdx < 0 {
		return Lookup{Kind: Absent}, nil
	}
	entry := r.index[blockIdx]
	block := r.data[entry.offset : entry.offset+uint64(entry.length)]

	reader := bytes.NewReader(block)
	for reader.Len() > 0 {
		cmd, err := ReadRecord(reader)
		if err != nil {
			return Lookup{}, fmt.Errorf("%w: sstable %s block at %d corrupt: %v", ErrCorrupt, r.path, entry.offset, err)
		}
		if !bytes.Equal(cmd.Key, key) {
			continue
		}
		if cmd.IsTombstone() {
			return Lookup{Kind: Tombstone}, nil
		}
		value := cmd.Value
		if r.crypto != nil {
			value, err = r.crypto.open(value, buildValueAAD(cmd.Key, false))
			if err != nil {
				return Lookup{}, fmt.Errorf("naivekv: decrypting value for key in sstable %s: %w", r.path, err)
			}
		}
		return Lookup{Kind: Found, Value: value}, nil
	}
	return Lookup{Kind: Absent}, nil
}

// SSTableIterator walks every record in a reader's data section in
// ascending key order, decrypting values as it goes. It is the building
// block for full scans and for compaction's k-way merge.
type SSTableIterator struct {
	reader *SSTableReader
	body   *bytes.Reader
	cmd    Command
	err    error
	valid  bool
}

// NewIterator returns an iterator positioned before the first record;
// call Next to advance to it.
func (r *SSTableReader) NewIterator() *SSTableIterator {
	var end uint64
	if len(r.index) > 0 {
		last := r.index[len(r.index)-1]
		end = last.offset + uint64(last.length)
	}
	return &SSTableIterator{reader: r, body: bytes.NewReader(r.data[:end])}
}

// Valid reports whether Key/Command are positioned on a record.
func (it *SSTableIterator) Valid() bool { return it.valid }

// Err returns the first error encountered while advancing, if any.
func (it *SSTableIterator) Err() error { return it.err }

// Key returns the current record's key.
func (it *SSTableIterator) Key() []byte { return it.cmd.Key }

// Command returns the current record in full, tombstone bit included.
func (it *SSTableIterator) Command() Command { return it.cmd }

// Next advances to the next record, decrypting its value (if any) against
// the iterator's crypto provider.
func (it *SSTableIterator) Next() bool {
	if it.err != nil || it.body.Len() == 0 {
		it.valid = false
		return false
	}
	cmd, err := ReadRecord(it.body)
	if err != nil {
		it.err = fmt.Errorf("%w: sstable %s iterator: %v", ErrCorrupt, it.reader.path, err)
		it.valid = false
		return false
	}
	if it.reader.crypto != nil && cmd.Kind == KindSetValue {
		plain, derr := it.reader.crypto.open(cmd.Value, buildValueAAD(cmd.Key, false))
		if derr != nil {
			it.err = fmt.Errorf("naivekv: decrypting value in sstable %s: %w", it.reader.path, derr)
			it.valid = false
			return false
		}
		cmd.Value = plain
	}
	it.cmd = cmd
	it.valid = true
	return true
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, fmt.Errorf("short read: wanted %d got %d", len(buf), n)
	}
	return n, nil
}
