package xchg

import (
	"runtime"
	_ "unsafe" // for linkname
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// spinOnce burns one busy-wait iteration while a published offer waits
// for its match. It advances the per-record xorshift state, decrementing
// the spin budget on roughly half the iterations, and occasionally yields
// the scheduler so that a partner goroutine sharing the P can run.
// The jitter decorrelates waiters that entered the arena together.
func spinOnce(h *uint32, spins *int, id uint64) {
	s := *h
	s ^= s << 1
	s ^= s >> 3
	s ^= s << 10
	if s == 0 {
		s = spinCount | uint32(id)
	} else if int32(s) < 0 {
		*spins--
		if *spins&((spinCount>>1)-1) == 0 {
			runtime.Gosched()
		}
	}
	*h = s
	runtime_doSpin()
}

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
