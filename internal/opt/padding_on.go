//go:build !xchg_disable_padding

package opt

// PaddingMult_ scales the cache-line padding applied to arena slots and
// participant records. Padding is enabled by default; build with
// -tags=xchg_disable_padding to strip it on memory-constrained targets.
const PaddingMult_ = 1
