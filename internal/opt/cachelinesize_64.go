//go:build xchg_cachelinesize_64

package opt

// CacheLineSize_ is forced to 64 bytes via the xchg_cachelinesize_64 build tag.
const CacheLineSize_ = 64
