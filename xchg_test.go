package xchg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestExchanger_Exchange(t *testing.T) {
	e := New[string]()
	var wg sync.WaitGroup
	wg.Add(2)

	var res1, res2 string

	go func() {
		defer wg.Done()
		res1 = e.Exchange("x")
	}()

	go func() {
		defer wg.Done()
		res2 = e.Exchange("y")
	}()

	wg.Wait()

	if res1 != "y" {
		t.Errorf("G1 got %s, want y", res1)
	}
	if res2 != "x" {
		t.Errorf("G2 got %s, want x", res2)
	}
}

func TestExchanger_NilPayload(t *testing.T) {
	e := New[*int]()
	var wg sync.WaitGroup
	wg.Add(1)

	seven := 7
	var got *int
	go func() {
		defer wg.Done()
		got = e.Exchange(&seven)
	}()

	// A nil payload must still pair up; "no payload" and "no partner"
	// are different things.
	back := e.Exchange(nil)
	wg.Wait()

	if got != nil {
		t.Errorf("G1 got %v, want nil", got)
	}
	if back == nil || *back != 7 {
		t.Errorf("G2 got %v, want &7", back)
	}
}

func TestExchanger_SoloBlocks(t *testing.T) {
	e := New[string]()
	done := make(chan string, 1)
	go func() {
		done <- e.Exchange("solo")
	}()

	select {
	case v := <-done:
		t.Fatalf("solo Exchange returned %q without a partner", v)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := e.ExchangeTimeout("partner", 5*time.Second)
	if err != nil {
		t.Fatalf("partner: %v", err)
	}
	if got != "solo" {
		t.Errorf("partner got %q, want solo", got)
	}
	if v := <-done; v != "partner" {
		t.Errorf("solo side got %q, want partner", v)
	}
}

func TestExchangeTimeout_PastDeadline(t *testing.T) {
	e := New[int]()
	for _, d := range []time.Duration{0, -time.Millisecond} {
		start := time.Now()
		if _, err := e.ExchangeTimeout(1, d); !errors.Is(err, ErrTimeout) {
			t.Fatalf("timeout %v: err = %v, want ErrTimeout", d, err)
		}
		if waited := time.Since(start); waited > 100*time.Millisecond {
			t.Errorf("timeout %v: took %v, want immediate", d, waited)
		}
	}
	if e.slot.Load() != nil {
		t.Error("slot mutated by an already-expired call")
	}
	if e.arena.Load() != nil || e.bound.Load() != 0 {
		t.Error("arena state mutated by an already-expired call")
	}
}

func TestExchangeTimeout_NoPartner(t *testing.T) {
	e := New[int]()
	if _, err := e.ExchangeTimeout(1, 30*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if e.slot.Load() != nil {
		t.Error("offer left behind after timeout")
	}

	// The instance stays usable after a timeout.
	var wg sync.WaitGroup
	wg.Add(1)
	var other int
	go func() {
		defer wg.Done()
		other = e.Exchange(2)
	}()
	got, err := e.ExchangeTimeout(3, 5*time.Second)
	wg.Wait()
	if err != nil || got != 2 || other != 3 {
		t.Errorf("got (%d,%v)/(%d), want (2,nil)/(3)", got, err, other)
	}
}

func TestExchangeContext_PreCancelled(t *testing.T) {
	e := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.ExchangeContext(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if e.slot.Load() != nil {
		t.Error("slot mutated by a pre-cancelled call")
	}
}

func TestExchangeContext_Cancel(t *testing.T) {
	e := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.ExchangeContext(ctx, 1)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not return")
	}
	if e.slot.Load() != nil {
		t.Error("offer left behind after cancellation")
	}
}

// A cancellation racing a partner's release must end in exactly one of
// two clean states: the handoff completed on both sides, or the offer was
// withdrawn and the partner found nobody. Never a dropped or duplicated
// payload.
func TestExchangeContext_CancelVsHandoff(t *testing.T) {
	e := New[string]()
	type res struct {
		v   string
		err error
	}
	for range 100 {
		ctx, cancel := context.WithCancel(context.Background())
		ac := make(chan res, 1)
		go func() {
			v, err := e.ExchangeContext(ctx, "a")
			ac <- res{v, err}
		}()
		go cancel()

		bv, berr := e.ExchangeTimeout("b", 50*time.Millisecond)
		a := <-ac

		if a.err == nil {
			if a.v != "b" {
				t.Fatalf("cancelled side got %q, want b", a.v)
			}
			if berr != nil || bv != "a" {
				t.Fatalf("partner got (%q, %v), want (a, nil)", bv, berr)
			}
		} else {
			if !errors.Is(a.err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", a.err)
			}
			if berr == nil {
				t.Fatalf("partner got %q but the cancelled side reported failure", bv)
			}
		}
		cancel()
	}
}

func TestExchanger_Permutation(t *testing.T) {
	e := New[int]()
	const n = 64
	results := make([]int, n)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			v, err := e.ExchangeTimeout(i, 10*time.Second)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// The completed calls must form a perfect matching: pairwise swapped,
	// nothing dropped, nothing delivered twice.
	for i, v := range results {
		if v < 0 || v >= n || v == i {
			t.Fatalf("caller %d received %d", i, v)
		}
		if results[v] != i {
			t.Fatalf("caller %d received %d, but %d received %d",
				i, v, v, results[v])
		}
	}
}

func TestExchanger_Contention(t *testing.T) {
	e := New[uint64]()
	const calls = 512

	var g errgroup.Group
	for i := range calls {
		g.Go(func() error {
			_, err := e.ExchangeTimeout(uint64(i), 10*time.Second)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if top := int(e.bound.Load() & topMask); top > full {
		t.Errorf("bound top %d exceeds maximum %d", top, full)
	}
}

func TestParticipant_RecordReuse(t *testing.T) {
	e := New[int]()
	r1, put := e.participant()
	id := r1.id
	put()

	// The record outlives the call: a later lease of the same id finds
	// the same record, never a reallocated one.
	r2, ok := e.records.Load(id)
	if !ok || r2 != r1 {
		t.Fatalf("record for id %d not retained: %p vs %p", id, r1, r2)
	}
	if cap(r1.ch) != 1 {
		t.Errorf("wake channel capacity %d, want 1", cap(r1.ch))
	}

	// Concurrent leases never alias a record.
	r3, put3 := e.participant()
	r4, put4 := e.participant()
	if r3 == r4 {
		t.Error("two live leases share one record")
	}
	put4()
	put3()
}

func BenchmarkExchanger(b *testing.B) {
	e := New[int]()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = e.ExchangeTimeout(1, time.Second)
		}
	})
}
