package pagecache

// Config holds the tunables an embedder sets at open time. It is a
// plain struct, not parsed from a file: the concrete configuration
// format is an external collaborator this package doesn't define.
type Config struct {
	// IOBufSize is the segment size in bytes.
	IOBufSize uint32
	// NumIOBufs is the number of rotating write buffers.
	NumIOBufs int
	// CacheCapacity is the total resident-fragment byte budget.
	CacheCapacity uint64
	// CacheBits is log2 of the number of LRU shards.
	CacheBits uint
	// PageConsolidationThreshold is the chain length at which Get
	// forces a Replace into a single MergedResident entry.
	PageConsolidationThreshold int
	// CacheFixupThreshold is the number of traversed fragments before
	// Get rewrites the stack into a compact MergedResident, PartialFlush*,
	// Flush form.
	CacheFixupThreshold int
	// SnapshotAfterOps is the count of link+replace operations between
	// snapshot advances.
	SnapshotAfterOps uint64
	// UseCompression enables snappy-compressed snapshot bodies and
	// lz4-compressed per-message log payloads.
	UseCompression bool
	// SnapshotPrefix and Path control snapshot file layout; files are
	// named <Path>/<SnapshotPrefix>.<max_lsn>.
	SnapshotPrefix string
	Path           string
}

// DefaultConfig returns reasonable defaults for small embedded use.
func DefaultConfig() Config {
	return Config{
		IOBufSize:                  4 << 20,
		NumIOBufs:                  4,
		CacheCapacity:              256 << 20,
		CacheBits:                  6,
		PageConsolidationThreshold: 8,
		CacheFixupThreshold:        4,
		SnapshotAfterOps:           10_000,
		UseCompression:             false,
		SnapshotPrefix:             "snap",
		Path:                       ".",
	}
}
