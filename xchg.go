package xchg

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
)

// ErrTimeout is returned by ExchangeTimeout when no partner arrived
// before the deadline. The Exchanger remains fully usable afterwards.
var ErrTimeout = errors.New("xchg: no partner arrived before the deadline")

const (
	// spinCount bounds the busy-wait before a published offer parks.
	// The budget is only spent on roughly half the iterations (seed
	// negative), so the realized spin is about twice this.
	spinCount = 1 << 10

	// Bound word layout: low byte is the top active arena index, the
	// rest is a sequence number bumped on every resize so a stale
	// snapshot is detectable by comparison alone. Zero is reserved for
	// "no arena yet".
	topMask = 0xff
	seqStep = topMask + 1
)

var (
	ncpu = runtime.NumCPU()

	// full is the largest usable top index: about half the CPUs, since an
	// exchange occupies two, capped by the bound word's index field.
	full = func() int {
		if ncpu >= topMask<<1 {
			return topMask
		}
		return ncpu >> 1
	}()
)

// Exchanger is a synchronization point at which two goroutines meet and
// swap values: each call blocks until a partner arrives, then both return
// carrying the other's payload.
//
// Types:
//   - T: The type of value being exchanged.
//
// Usage:
//
//	e := xchg.New[string]()
//	// G1
//	v := e.Exchange("from G1")
//	// G2
//	v := e.Exchange("from G2")
//
// Implementation:
// A single "slot" pointer serves uncontended use. The first time two
// releases race on it, the Exchanger switches permanently to an
// elimination arena of cache-line-padded slots whose active size grows
// on repeated offer collisions and shrinks on expiries, spreading
// independent pairs across independent memory locations. There are no
// locks; every state change is one CAS on a slot pointer or on the
// bound word.
//
// It is zero-value usable.
type Exchanger[T any] struct {
	_ noCopy

	// slot is the single-cell fast path, used only until the arena
	// exists. nil: empty. Non-nil: a waiter is present with their value.
	slot atomic.Pointer[record[T]]

	// bound is the arena's top active index plus a resize sequence
	// number (see topMask/seqStep). Zero until the arena is created.
	bound atomic.Uint32

	// arena is allocated exactly once, by whichever goroutine wins the
	// bound CAS away from zero. Its physical length never changes; only
	// slots up to the bound's top index are active.
	arena atomic.Pointer[[]arenaSlot[T]]

	// records registers each worker's reusable participant record.
	records pb.MapOf[uint64, *record[T]]
}

// New creates a new Exchanger.
func New[T any]() *Exchanger[T] {
	return &Exchanger[T]{}
}

// Exchange waits for another goroutine to arrive at this exchange point,
// hands it v, and returns the value the partner handed over. It blocks
// until a partner arrives.
func (e *Exchanger[T]) Exchange(v T) T {
	r, put := e.participant()
	defer put()
	// Untimed and uncancellable, so the attempt can only end matched.
	m, _ := e.exchange(context.Background(), r, &v, false, time.Time{})
	return *m
}

// ExchangeContext is Exchange with cancellation: if ctx is cancelled
// before a partner arrives the offer is withdrawn and ctx's error is
// returned. If cancellation loses the race to a partner that already
// claimed the offer, the exchange completes and the value is returned;
// the cancellation remains observable on ctx.
func (e *Exchanger[T]) ExchangeContext(ctx context.Context, v T) (T, error) {
	r, put := e.participant()
	defer put()
	m, err := e.exchange(ctx, r, &v, false, time.Time{})
	if err != nil {
		var zero T
		return zero, err
	}
	return *m, nil
}

// ExchangeTimeout is Exchange with a deadline: it returns ErrTimeout if
// no partner arrives within timeout. A non-positive timeout fails
// immediately without touching any slot.
func (e *Exchanger[T]) ExchangeTimeout(v T, timeout time.Duration) (T, error) {
	r, put := e.participant()
	defer put()
	m, err := e.exchange(
		context.Background(), r, &v, true, time.Now().Add(timeout),
	)
	if err != nil {
		var zero T
		return zero, err
	}
	return *m, nil
}

// outcome classifies how an attempt at one of the two layers ended.
// Internal CAS races never surface here; they are retried silently.
type outcome int8

const (
	matched  outcome = iota
	rearena          // fast path unusable, retry in the arena
	canceled         // ctx cancelled with the offer cleanly withdrawn
	expired          // deadline passed with the offer cleanly withdrawn
)

// exchange routes one attempt: fast path first, arena forever after.
// item and the returned payload are passed as pointers so that a zero
// value of T is distinguishable from "no partner yet".
func (e *Exchanger[T]) exchange(
	ctx context.Context,
	r *record[T],
	item *T,
	timed bool,
	end time.Time,
) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timed && !time.Now().Before(end) {
		return nil, ErrTimeout
	}
	var (
		v   *T
		out outcome
	)
	if e.arena.Load() == nil {
		v, out = e.slotExchange(ctx, r, item, timed, end)
		if out == rearena {
			v, out = e.arenaExchange(ctx, r, item, timed, end)
		}
	} else {
		v, out = e.arenaExchange(ctx, r, item, timed, end)
	}
	switch out {
	case matched:
		return v, nil
	case canceled:
		return nil, ctx.Err()
	default:
		return nil, ErrTimeout
	}
}

// slotExchange runs one attempt on the single-cell fast path.
func (e *Exchanger[T]) slotExchange(
	ctx context.Context,
	r *record[T],
	item *T,
	timed bool,
	end time.Time,
) (*T, outcome) {
	for {
		if q := e.slot.Load(); q != nil {
			if e.slot.CompareAndSwap(q, nil) {
				// Claimed the waiting offer: complete the handoff.
				v := q.item
				q.match.Store(item)
				q.wake()
				return v, matched
			}
			// Two releases raced for one occupant. That is the only
			// trustworthy contention signal, and it is acted on once:
			// whoever moves bound off zero allocates the arena.
			if ncpu > 1 && e.bound.Load() == 0 &&
				e.bound.CompareAndSwap(0, seqStep) {
				a := make([]arenaSlot[T], full+2)
				e.arena.Store(&a)
			}
		} else if e.arena.Load() != nil {
			// The slot is dead once the arena exists.
			return nil, rearena
		} else {
			r.item = item
			if e.slot.CompareAndSwap(nil, r) {
				break
			}
			r.item = nil
		}
	}

	// Offer published; wait for a releaser to fill match.
	h := r.seed
	spins := spinCount
	if ncpu <= 1 {
		spins = 1
	}
	var v *T
	for {
		if v = r.match.Load(); v != nil {
			break
		}
		if spins > 0 {
			spinOnce(&h, &spins, r.id)
		} else if e.slot.Load() != r {
			// A releaser took the record; match lands imminently.
			spins = spinCount
		} else if ctx.Err() == nil && e.arena.Load() == nil &&
			(!timed || time.Now().Before(end)) {
			r.park(ctx, timed, end)
		} else if e.slot.CompareAndSwap(r, nil) {
			// Withdrawn cleanly before anyone claimed it.
			r.item = nil
			r.seed = h
			switch {
			case ctx.Err() != nil:
				return nil, canceled
			case timed && !time.Now().Before(end):
				return nil, expired
			default:
				// The arena appeared while waiting here; move over.
				return nil, rearena
			}
		}
		// Withdrawal lost to a releaser: ownership already transferred,
		// so loop until match is set rather than report failure.
	}
	r.match.Store(nil)
	r.item = nil
	r.seed = h
	return v, matched
}
