package naivekv

import "errors"

// Error kinds. Io errors are not wrapped in a sentinel: the underlying
// os/io error is propagated directly (wrapped with %w) so callers can still
// use errors.Is against the stdlib sentinels (os.ErrNotExist, etc).
var (
	// ErrKeyNotFound is returned by Get/Remove when the key has no visible
	// value in the memtable or any SSTable.
	ErrKeyNotFound = errors.New("naivekv: key not found")

	// ErrCorrupt is returned when a WAL or SSTable record fails to decode
	// on a read path that requires it (an SSTable footer, or a random-access
	// block scan). WAL replay treats corruption as end-of-log instead of
	// surfacing this error; see wal.go.
	ErrCorrupt = errors.New("naivekv: corrupt record")

	// ErrInternal marks an invariant violation that should never happen in
	// a correct build.
	ErrInternal = errors.New("naivekv: internal invariant violation")

	// ErrEmptyKey is returned when a caller passes an empty key to Set,
	// Get or Remove. Keys are opaque non-empty byte strings per the data
	// model.
	ErrEmptyKey = errors.New("naivekv: empty key")

	// ErrClosed is returned by any Catalog operation issued after Close.
	ErrClosed = errors.New("naivekv: catalog closed")
)
