package naivekv

import (
	"fmt"

	"github.com/oarkflow/convert"
)

// Sensible defaults for a small-to-medium local store.
const (
	DefaultMemtableThresholdBytes = 4 * 1024 * 1024
	DefaultSSTableBlockBytes      = 4 * 1024
	DefaultCompactionSSTableCount = 8
	DefaultCompactionFanIn        = 4
)

// Config holds the catalog's tunables. Byte-size fields may be supplied as
// any numeric type or as a numeric string ("4096") via ParseByteSize's
// forgiving conversion before being assigned here.
type Config struct {
	// Directory is the data directory the catalog owns exclusively.
	Directory string

	// MemtableThresholdBytes freezes the active memtable once its
	// approximate size crosses this many bytes.
	MemtableThresholdBytes int64
	// SSTableBlockBytes is the target block size B for SSTable writer
	// block boundaries.
	SSTableBlockBytes int64
	// CompactionSSTableCount is C_max: the daemon compacts once the
	// SSTable count exceeds this.
	CompactionSSTableCount int
	// CompactionFanIn is k: how many of the oldest SSTables a single
	// compaction pass merges.
	CompactionFanIn int

	// EnableEncryption turns on transparent at-rest encryption of values
	// (not keys) in the WAL and in SSTables. With it set, EncryptionKey
	// wins if non-empty; otherwise a MasterKeyManager resolves or
	// generates one (plain file or Shamir-split, depending on
	// ShamirShares) under Directory.
	EnableEncryption bool
	// EncryptionKey, if non-empty, must be a 32-byte ChaCha20-Poly1305 key
	// used directly instead of resolving one through MasterKeyManager.
	EncryptionKey []byte
	// ShamirShares, when > 0 and EncryptionKey is empty, tells the catalog
	// to generate a master key and split it into this many Shamir shares
	// instead of writing a single master.key file.
	ShamirShares int
	// ShamirThreshold is how many of ShamirShares are needed to
	// reconstruct the key; defaults to a simple majority.
	ShamirThreshold int
}

// DefaultConfig returns a Config with every tunable at its default value
// for the given directory.
func DefaultConfig(directory string) Config {
	return Config{
		Directory:              directory,
		MemtableThresholdBytes: DefaultMemtableThresholdBytes,
		SSTableBlockBytes:      DefaultSSTableBlockBytes,
		CompactionSSTableCount: DefaultCompactionSSTableCount,
		CompactionFanIn:        DefaultCompactionFanIn,
	}
}

// withDefaults fills in zero-valued tunables with their defaults, leaving
// any value the caller set untouched.
func (c Config) withDefaults() Config {
	if c.MemtableThresholdBytes <= 0 {
		c.MemtableThresholdBytes = DefaultMemtableThresholdBytes
	}
	if c.SSTableBlockBytes <= 0 {
		c.SSTableBlockBytes = DefaultSSTableBlockBytes
	}
	if c.CompactionSSTableCount <= 0 {
		c.CompactionSSTableCount = DefaultCompactionSSTableCount
	}
	if c.CompactionFanIn <= 0 {
		c.CompactionFanIn = DefaultCompactionFanIn
	}
	return c
}

// ParseByteSize converts a human-supplied size (an int, int64, float64, or
// a numeric string) into bytes.
func ParseByteSize(v any) (int64, error) {
	f, ok := convert.ToFloat64(v)
	if !ok {
		return 0, fmt.Errorf("naivekv: cannot parse %v as a byte size", v)
	}
	if f < 0 {
		return 0, fmt.Errorf("naivekv: byte size cannot be negative: %v", v)
	}
	return int64(f), nil
}
