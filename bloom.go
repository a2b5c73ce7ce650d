package naivekv

import (
	"encoding/binary"
	"hash/fnv"
)

// bloomFilter is a per-SSTable, hand-rolled Bloom filter. It never produces
// a false negative, only occasional false positives, so Reader.Get always
// falls through to the real index/block scan on a match and only skips it
// on a definite miss.
type bloomFilter struct {
	bits  []uint64
	nBits uint64
	k     int
}

const bloomBitsPerEntry = 10
const bloomHashCount = 4

func newBloomFilter(expectedEntries int) *bloomFilter {
	nBits := uint64(expectedEntries*bloomBitsPerEntry) + 64
	words := (nBits + 63) / 64
	return &bloomFilter{
		bits:  make([]uint64, words),
		nBits: words * 64,
		k:     bloomHashCount,
	}
}

func (bf *bloomFilter) add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.k; i++ {
		idx := (h1 + uint64(i)*h2) % bf.nBits
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (bf *bloomFilter) mayContain(key []byte) bool {
	if bf.nBits == 0 {
		return true
	}
	h1, h2 := bloomHashes(key)
	for i := 0; i < bf.k; i++ {
		idx := (h1 + uint64(i)*h2) % bf.nBits
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func bloomHashes(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write(key)
	h1 := h.Sum64()
	h.Reset()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{0xff})
	h2 := h.Sum64()
	return h1, h2
}

// marshal serializes the filter for its own region of the SSTable file,
// which the footer locates by offset and length.
func (bf *bloomFilter) marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.nBits)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(bf.k))
	for i, w := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:24+i*8], w)
	}
	return buf
}

func unmarshalBloomFilter(buf []byte) (*bloomFilter, error) {
	if len(buf) < 16 {
		return nil, ErrCorrupt
	}
	nBits := binary.LittleEndian.Uint64(buf[0:8])
	k := int(binary.LittleEndian.Uint64(buf[8:16]))
	words := (nBits + 63) / 64
	if uint64(len(buf)-16) < words*8 {
		return nil, ErrCorrupt
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(buf[16+i*8 : 24+i*8])
	}
	return &bloomFilter{bits: bits, nBits: nBits, k: k}, nil
}
