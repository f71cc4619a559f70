package xchg

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/xchgo/xchg/internal/opt"
)

// arenaSlot is one exchange cell of the elimination arena, padded so
// that neighboring slots never share a cache line. Padding is advisory
// for performance, not correctness.
type arenaSlot[T any] struct {
	p atomic.Pointer[record[T]]
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(
		unsafe.Pointer(nil),
	)%opt.CacheLineSize_) % opt.CacheLineSize_ * opt.PaddingMult_]byte
}

// arenaExchange runs attempts in the elimination arena until one
// terminates. Unlike the fast path it never reroutes; this is the
// terminal layer.
//
// Each pass either releases an occupant found at the probe index, offers
// the caller's own record there, or handles a collision. Growth is driven
// only by repeated offer failures at a stable bound: an offer racing
// another offer can fail without real contention, so every active index
// must collide once before the bound moves up. An expired offer at a
// non-minimal bound shrinks it instead and retries closer to index zero;
// a deadline is only honored once the bound has collapsed to a single
// active slot, trading exact timeout latency for fewer spurious timeouts
// while contention drains.
func (e *Exchanger[T]) arenaExchange(
	ctx context.Context,
	r *record[T],
	item *T,
	timed bool,
	end time.Time,
) (*T, outcome) {
	a := *e.arena.Load()
	// The probe index never leaves [0, full]: growth is gated at
	// m == full and every other move reseats at or below m or halves,
	// while the array holds full+2 slots.
	for i := r.index; ; {
		q := a[i].p.Load()
		if q != nil && a[i].p.CompareAndSwap(q, nil) {
			// Claimed the occupant: complete the handoff.
			v := q.item
			q.match.Store(item)
			q.wake()
			return v, matched
		}
		b := e.bound.Load()
		m := int(b & topMask)
		if i <= m && q == nil {
			r.item = item
			if !a[i].p.CompareAndSwap(nil, r) {
				r.item = nil
				continue
			}

			// Offer published at i; wait for a releaser.
			h := r.seed
			spins := spinCount
			for {
				if v := r.match.Load(); v != nil {
					r.match.Store(nil)
					r.item = nil
					r.seed = h
					return v, matched
				}
				if spins > 0 {
					spinOnce(&h, &spins, r.id)
					continue
				}
				if a[i].p.Load() != r {
					// A releaser took the record; match is imminent.
					spins = spinCount
					continue
				}
				if ctx.Err() == nil && m == 0 &&
					(!timed || time.Now().Before(end)) {
					// Parking only happens at the minimal bound; at
					// larger bounds an expired spin budget descends
					// instead (below).
					if a[i].p.Load() == r {
						r.park(ctx, timed, end)
					}
					continue
				}
				if a[i].p.Load() == r && a[i].p.CompareAndSwap(r, nil) {
					if m != 0 {
						// Best-effort shrink; losing the race is fine,
						// the bound is advisory.
						e.bound.CompareAndSwap(b, b+seqStep-1)
					}
					r.item = nil
					r.seed = h
					i = r.index >> 1 // descend toward the dense end
					r.index = i
					if ctx.Err() != nil {
						return nil, canceled
					}
					if timed && m == 0 && !time.Now().Before(end) {
						return nil, expired
					}
					break // expired offer, not an expired call: retry
				}
				// Withdrawal lost to a releaser: loop, match is set
				// or about to be.
			}
		} else {
			// Collision: the slot held a non-claimable offer, or the
			// probe index fell outside the active range.
			if r.bound != b {
				// The bound moved since the last look; restart probing
				// from the top of the active range.
				r.bound = b
				r.collides = 0
				if i == m && m != 0 {
					i = m - 1
				} else {
					i = m
				}
			} else if c := r.collides; c < m || m == full ||
				!e.bound.CompareAndSwap(b, b+seqStep+1) {
				// Not every active index has collided yet (or growth is
				// impossible/raced): probe cyclically backward.
				r.collides = c + 1
				if i == 0 {
					i = m
				} else {
					i--
				}
			} else {
				// Grew the arena; take the fresh slot.
				i = m + 1
			}
			r.index = i
		}
	}
}
