//go:build xchg_disable_padding

package opt

// PaddingMult_ scales the cache-line padding applied to arena slots and
// participant records. Padding is force-disabled via the
// xchg_disable_padding build tag.
const PaddingMult_ = 0
