package xchg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/xchgo/xchg/internal/opt"
)

// record is the reusable per-worker state threaded through every exchange
// attempt. A record cycles between "idle" and "published in a slot"; it is
// never reallocated between attempts, so a slot's occupant pointer is
// always either nil or a live record.
//
// Cross-goroutine access is restricted to match (written exactly once per
// attempt by the releaser that claimed the record) and the wake channel.
// Every other field is owned by the worker the record belongs to.
type record[T any] struct {
	// id is the worker identity the record was created for. It also
	// salts the xorshift seed so concurrent waiters spin out of phase.
	id uint64
	// index is the arena slot this worker probes next.
	index int
	// collides counts consecutive failed offers at the current bound.
	collides int
	// bound is the bound word last observed by this worker.
	bound uint32
	// seed is the xorshift state driving spin/backoff jitter.
	seed uint32
	// item is the outgoing payload, set before publishing the record and
	// cleared when the attempt ends.
	item *T
	// match receives the partner's payload; its nil -> non-nil
	// transition is the only handoff signal.
	match atomic.Pointer[T]
	// ch carries the wake token for a parked worker. Capacity 1; a stale
	// token from a prior attempt surfaces as a spurious wake-up, which
	// the wait loops tolerate by re-checking match.
	ch chan struct{}

	_ [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		id       uint64
		index    int
		collides int
		bound    uint32
		seed     uint32
		item     unsafe.Pointer
		match    unsafe.Pointer
		ch       chan struct{}
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_ * opt.PaddingMult_]byte
}

func newRecord[T any](id uint64) *record[T] {
	return &record[T]{id: id, ch: make(chan struct{}, 1)}
}

// wake hands the parked owner its wake token. The send happens after the
// releaser stored match, so an owner that consumed a token always finds
// match set. At most one token is ever buffered; if one is already
// pending the owner is guaranteed to wake from it anyway.
func (r *record[T]) wake() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// park suspends the owner until a wake token arrives, ctx is cancelled,
// or (if timed) the deadline passes. Waking proves nothing by itself;
// callers re-check match and loop.
func (r *record[T]) park(ctx context.Context, timed bool, end time.Time) {
	if !timed {
		select {
		case <-r.ch:
		case <-ctx.Done():
		}
		return
	}
	d := time.Until(end)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	select {
	case <-r.ch:
	case <-t.C:
	case <-ctx.Done():
	}
	t.Stop()
}

// Worker identities. A goroutine has no stable runtime id to key a
// registry on, so ids are leased from a pool for the duration of a call.
// sync.Pool caches per-P, so a small, mostly-stable set of ids (and
// therefore records) ends up serving any number of goroutines, and two
// concurrent calls never share an id.
var (
	workerSeq  atomic.Uint64
	workerPool = sync.Pool{New: func() any {
		id := workerSeq.Add(1)
		return &id
	}}
)

// participant returns the calling worker's record, creating it on first
// use, along with a func returning the leased id to the pool.
func (e *Exchanger[T]) participant() (*record[T], func()) {
	lease := workerPool.Get().(*uint64)
	r, _ := e.records.LoadOrStoreFn(*lease, func() *record[T] {
		return newRecord[T](*lease)
	})
	return r, func() { workerPool.Put(lease) }
}
