package vrpc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vqwire/vqwire/internal/vring"
)

// echoLoop runs a host that copies each command payload into its result
// region. Returned stop func must be called before the test ends.
func echoLoop(t *testing.T, ring *vring.MemRing) func() {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			hb, ok := ring.HostGet()
			if !ok {
				select {
				case <-ring.KickCh():
				case <-stop:
					return
				case <-time.After(time.Millisecond):
				}
				continue
			}
			n := copy(hb.In, hb.Out)
			hb.Complete(uint32(n))
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func newTestChannel(t *testing.T, capacity int) (*Channel, *vring.MemRing, func()) {
	t.Helper()
	ring := vring.NewMemRing(capacity)
	tr := vring.NewTransport(ring)
	ch := NewChannel(tr, &Pool{}, nil)
	ring.SetCallback(ch.Schedule)
	ch.Start()
	stopEcho := echoLoop(t, ring)
	return ch, ring, func() {
		stopEcho()
		ch.Close()
	}
}

func TestCallEcho(t *testing.T) {
	ch, _, stop := newTestChannel(t, 8)
	defer stop()

	req := []byte("ping over the wire")
	resp, err := ch.Call(context.Background(), req, len(req))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !bytes.Equal(resp, req) {
		t.Fatalf("response %q, want %q", resp, req)
	}
}

// TestRefcountStress exercises concurrent Ref/Unref from many goroutines
// and checks the buffers are released exactly once, exactly when the last
// reference drops.
func TestRefcountStress(t *testing.T) {
	const workers = 8
	const rounds = 200

	for round := 0; round < rounds; round++ {
		var frees atomic.Int32
		pool := &Pool{freeHook: func(*CommandContext) { frees.Add(1) }}
		cc := pool.New(16, 16, false)

		// Hand one reference to each worker up front, all taken while the
		// creating reference is still live.
		for i := 0; i < workers; i++ {
			cc.Ref()
		}

		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				cc.Unref()
			}()
		}
		cc.Unref() // creating reference
		wg.Wait()

		if got := frees.Load(); got != 1 {
			t.Fatalf("round %d: context freed %d times, want exactly 1", round, got)
		}
		if cc.Out != nil || cc.In != nil {
			t.Fatalf("round %d: buffers not released on final unref", round)
		}
	}
}

func TestUnrefUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("double release did not panic")
		}
	}()
	pool := &Pool{}
	cc := pool.New(4, 0, false)
	cc.Unref()
	cc.Unref()
}

// TestInterruptedCallSafety cancels a call mid-wait, then lets the host
// complete it, and checks the caller's poisoned result buffer is never
// written through.
func TestInterruptedCallSafety(t *testing.T) {
	ring := vring.NewMemRing(4)
	tr := vring.NewTransport(ring)

	var frees atomic.Int32
	pool := &Pool{freeHook: func(*CommandContext) { frees.Add(1) }}
	ch := NewChannel(tr, pool, nil)
	ring.SetCallback(ch.Schedule)
	ch.Start()
	defer ch.Close()

	poison := bytes.Repeat([]byte{0xa5}, 32)
	result := make([]byte, 32)
	copy(result, poison)

	ctx, cancel := context.WithCancel(context.Background())

	callErr := make(chan error, 1)
	go func() {
		_, err := ch.CallInto(ctx, []byte("slow request"), result)
		callErr <- err
	}()

	// The host has the buffer but has not completed it; interrupt the
	// waiter first.
	hb := awaitHostBuffer(t, ring)
	cancel()

	err := <-callErr
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("interrupted call returned %v, want ErrInterrupted", err)
	}

	// Out-of-band completion arrives after the caller is gone.
	for i := range hb.In {
		hb.In[i] = 0xff
	}
	hb.Complete(uint32(len(hb.In)))

	waitFor(t, func() bool { return frees.Load() == 1 })
	if !bytes.Equal(result, poison) {
		t.Fatal("late completion wrote through the caller's detached buffer")
	}
	if ch.Pending() != 0 {
		t.Fatalf("pending count %d after completion, want 0", ch.Pending())
	}
}

func TestBrokenTransportFailsPending(t *testing.T) {
	ring := vring.NewMemRing(4)
	tr := vring.NewTransport(ring)
	ch := NewChannel(tr, &Pool{}, nil)
	ring.SetCallback(ch.Schedule)
	ch.Start()
	defer ch.Close()

	callErr := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), []byte("doomed"), 8)
		callErr <- err
	}()

	awaitHostBuffer(t, ring)
	ring.Break()

	select {
	case err := <-callErr:
		if !errors.Is(err, vring.ErrBroken) {
			t.Fatalf("pending call returned %v, want ErrBroken", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not force-completed on broken transport")
	}

	// Further submissions fail fast.
	if err := ch.Post([]byte("more")); !errors.Is(err, vring.ErrBroken) {
		t.Fatalf("post on broken channel returned %v, want ErrBroken", err)
	}
}

// TestStaleCompletionAfterBreak replays the worker's window between a
// drain pass and the broken check: a completion lands in the used queue
// after dispatch returns empty, the ring breaks, markBroken
// force-completes the context, and the next drain then sees the stale
// token. The second sighting must be dropped, not completed again.
func TestStaleCompletionAfterBreak(t *testing.T) {
	ring := vring.NewMemRing(4)
	tr := vring.NewTransport(ring)

	var frees atomic.Int32
	pool := &Pool{freeHook: func(*CommandContext) { frees.Add(1) }}
	ch := NewChannel(tr, pool, nil)
	ring.SetCallback(func() {})

	cc := pool.New(8, 8, false)
	copy(cc.Out, "doomed")
	if err := ch.submit(cc, false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Empty drain pass, as the worker would run before the host acts.
	ch.dispatch()

	// The host completes the buffer and the device resets immediately
	// after; the worker has not drained yet.
	hb, ok := ring.HostGet()
	if !ok {
		t.Fatal("host never saw the submitted buffer")
	}
	hb.Complete(0)
	ring.Break()
	ch.markBroken()

	if _, err := cc.Result(); !errors.Is(err, vring.ErrBroken) {
		t.Fatalf("forced completion status %v, want ErrBroken", err)
	}

	// Next worker pass drains the stale completion.
	ch.dispatch()

	cc.Unref() // creating reference
	if got := frees.Load(); got != 1 {
		t.Fatalf("context freed %d times, want exactly 1", got)
	}
	if ch.Pending() != 0 {
		t.Fatalf("pending count %d, want 0", ch.Pending())
	}
}

func TestPostFireAndForget(t *testing.T) {
	ring := vring.NewMemRing(4)
	tr := vring.NewTransport(ring)

	var frees atomic.Int32
	pool := &Pool{freeHook: func(*CommandContext) { frees.Add(1) }}
	ch := NewChannel(tr, pool, nil)
	ring.SetCallback(ch.Schedule)
	ch.Start()
	defer ch.Close()

	if err := ch.Post([]byte("notify")); err != nil {
		t.Fatalf("post: %v", err)
	}
	hb := awaitHostBuffer(t, ring)
	hb.Complete(0)

	waitFor(t, func() bool { return frees.Load() == 1 })
	if ch.Pending() != 0 {
		t.Fatalf("pending count %d, want 0", ch.Pending())
	}
}

func TestCallPolled(t *testing.T) {
	ch, _, stop := newTestChannel(t, 4)
	defer stop()

	req := []byte("spin")
	resp, err := ch.CallPolled(req, len(req))
	if err != nil {
		t.Fatalf("polled call: %v", err)
	}
	if !bytes.Equal(resp, req) {
		t.Fatalf("response %q, want %q", resp, req)
	}
}

func awaitHostBuffer(t *testing.T, ring *vring.MemRing) *vring.HostBuffer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hb, ok := ring.HostGet(); ok {
			return hb
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("host never saw the submitted buffer")
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
