package naivekv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// sstableMagic and sstableVersion identify the on-disk footer format so a
// reader can reject a file written by an incompatible version up front.
const (
	sstableMagic   uint32 = 0x4e4b5654 // "NKVT"
	sstableVersion uint32 = 1
)

// blockIndexEntry is one sparse-index row: the first key written to a data
// block, plus that block's byte range, so Get can binary-search the index
// instead of scanning every record.
type blockIndexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// WriteSSTable serializes cmds (already sorted ascending by key, with at
// most one Command per key) into a new immutable SSTable file at path. It
// groups records into blocks of roughly blockBytes, builds a sparse index
// of block-starting keys plus a Bloom filter over every key, and writes the
// whole file through a temp-file-then-rename so a crash mid-write never
// leaves a partially-written file at path. If crypto is non-nil, every
// SetValue's Value is sealed before being framed; Delete records are never
// encrypted since they carry no value.
func WriteSSTable(path string, cmds []Command, blockBytes int64, crypto *cryptoProvider) error {
	if blockBytes <= 0 {
		blockBytes = DefaultSSTableBlockBytes
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("naivekv: creating sstable temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op once the rename below succeeds
	}()

	bw := bufio.NewWriter(tmp)
	bloom := newBloomFilter(len(cmds))

	var (
		index        []blockIndexEntry
		offset       uint64
		blockStart   uint64
		blockFirstKey []byte
	)

	flushBlockBoundary := func() {
		if blockFirstKey != nil {
			index = append(index, blockIndexEntry{
				firstKey: blockFirstKey,
				offset:   blockStart,
				length:   uint32(offset - blockStart),
			})
		}
	}

	for i, cmd := range cmds {
		bloom.add(cmd.Key)

		wireCmd := cmd
		if crypto != nil && cmd.Kind == KindSetValue {
			wireCmd.Value = crypto.seal(cmd.Value, buildValueAAD(cmd.Key, false))
		}

		if blockFirstKey == nil {
			blockStart = offset
			blockFirstKey = cmd.Key
		}

		n, err := WriteRecord(bw, wireCmd)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("naivekv: writing sstable record: %w", err)
		}
		offset += uint64(n)

		atBlockLimit := int64(offset-blockStart) >= blockBytes
		if atBlockLimit || i == len(cmds)-1 {
			flushBlockBoundary()
			blockFirstKey = nil
		}
	}

	bloomBytes := bloom.marshal()
	bloomOffset := offset
	if _, err := bw.Write(bloomBytes); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: writing sstable bloom filter: %w", err)
	}
	offset += uint64(len(bloomBytes))

	indexOffset := offset
	var indexBuf bytes.Buffer
	for _, e := range index {
		writeUint32(&indexBuf, uint32(len(e.firstKey)))
		indexBuf.Write(e.firstKey)
		writeUint64(&indexBuf, e.offset)
		writeUint32(&indexBuf, e.length)
	}
	if _, err := bw.Write(indexBuf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: writing sstable index: %w", err)
	}
	offset += uint64(indexBuf.Len())

	footerOffset := offset
	var footer bytes.Buffer
	writeUint32(&footer, sstableMagic)
	writeUint32(&footer, sstableVersion)
	writeUint32(&footer, uint32(len(cmds)))

	var minKey, maxKey []byte
	if len(cmds) > 0 {
		minKey, maxKey = cmds[0].Key, cmds[len(cmds)-1].Key
	}
	writeUint32(&footer, uint32(len(minKey)))
	footer.Write(minKey)
	writeUint32(&footer, uint32(len(maxKey)))
	footer.Write(maxKey)

	writeUint64(&footer, bloomOffset)
	writeUint32(&footer, uint32(len(bloomBytes)))
	writeUint64(&footer, indexOffset)
	writeUint32(&footer, uint32(len(index)))

	if _, err := bw.Write(footer.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: writing sstable footer: %w", err)
	}

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], footerOffset)
	if _, err := bw.Write(trailer[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: writing sstable trailer: %w", err)
	}

	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: flushing sstable writer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("naivekv: syncing sstable: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("naivekv: closing sstable: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("naivekv: renaming sstable into place: %w", err)
	}
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync() // best-effort: persist the rename's directory entry
		dirFile.Close()
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
