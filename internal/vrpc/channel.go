package vrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/vqwire/vqwire/internal/trace"
	"github.com/vqwire/vqwire/internal/vring"
)

// ErrInterrupted is returned when a synchronous wait is aborted by the
// caller's context. The operation itself is left to complete; its result
// is discarded by the dispatcher.
var ErrInterrupted = errors.New("vrpc: interrupted")

// Channel is the command direction of a device: a transport, a context
// pool and the single worker that drains completions and wakes waiters.
type Channel struct {
	tx   *vring.Transport
	pool *Pool
	log  *slog.Logger

	mu       sync.Mutex
	inflight map[uint64]*CommandContext

	broken atomic.Bool
	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewChannel wires a channel to the command transport. The ring's
// completion callback must be pointed at Schedule before traffic starts;
// Start launches the completion worker.
func NewChannel(tx *vring.Transport, pool *Pool, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		tx:       tx,
		pool:     pool,
		log:      log,
		inflight: make(map[uint64]*CommandContext),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Schedule requests a dispatch pass. Safe to call from the ring's
// notification context; never blocks.
func (c *Channel) Schedule() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close stops the worker and force-completes anything still pending.
func (c *Channel) Close() {
	close(c.stop)
	c.wg.Wait()
	c.markBroken()
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.notify:
		case <-c.stop:
			return
		}
		c.dispatch()
		if c.tx.Broken() {
			c.markBroken()
		}
	}
}

// dispatch drains completions: signal the waiter (or reap a
// fire-and-forget context) and drop the ring's reference. A completion
// whose context is no longer tracked was already force-completed and
// released by markBroken; touching it again would double-complete.
func (c *Channel) dispatch() {
	c.tx.Drain(func(token any, length uint32) {
		cc := token.(*CommandContext)
		if !c.untrack(cc) {
			trace.Writef("vrpc.dispatch", "seq=%d stale completion", cc.seq)
			return
		}
		trace.Writef("vrpc.dispatch", "seq=%d len=%d async=%v", cc.seq, length, cc.async)
		cc.complete(length, nil)
		cc.Unref()
	})
}

func (c *Channel) track(cc *CommandContext) {
	c.mu.Lock()
	c.inflight[cc.seq] = cc
	c.mu.Unlock()
}

// untrack removes cc from the inflight set and reports whether it was
// still present. Exactly one of dispatch, markBroken or a submit
// rollback wins the removal and with it the right to complete and
// release the context.
func (c *Channel) untrack(cc *CommandContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[cc.seq]; !ok {
		return false
	}
	delete(c.inflight, cc.seq)
	return true
}

// markBroken fails all future submissions and force-completes pending
// contexts so no waiter is left to hang.
func (c *Channel) markBroken() {
	if !c.broken.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	pending := make([]*CommandContext, 0, len(c.inflight))
	for _, cc := range c.inflight {
		pending = append(pending, cc)
	}
	c.inflight = make(map[uint64]*CommandContext)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Warn("vrpc: transport broken, failing pending commands", "pending", len(pending))
	}
	for _, cc := range pending {
		cc.complete(0, vring.ErrBroken)
		cc.Unref()
	}
	// Wake submitters blocked on a free slot so they observe the state.
	c.tx.SlotFreed()
}

// Broken reports whether the channel has failed fast.
func (c *Channel) Broken() bool { return c.broken.Load() }

// submit takes the ring's reference, tracks the context and queues it.
// On failure both are rolled back.
func (c *Channel) submit(cc *CommandContext, block bool) error {
	if c.broken.Load() {
		return vring.ErrBroken
	}
	cc.Ref()
	c.track(cc)
	if err := c.tx.Submit(cc.Out, cc.In, cc, block); err != nil {
		if c.untrack(cc) {
			cc.Unref()
		}
		return err
	}
	c.tx.Notify()
	return nil
}

// Call submits cmd and blocks until the correlated completion arrives or
// ctx is interrupted. The result is an owned copy of the host's response.
// On interruption the in-flight operation is NOT cancelled at the
// transport level; the dispatcher completes it later and drops the last
// reference, and no result is ever copied out.
func (c *Channel) Call(ctx context.Context, cmd []byte, resultSize int) ([]byte, error) {
	cc := c.pool.New(len(cmd), resultSize, false)
	copy(cc.Out, cmd)
	// This reference keeps the context alive across the wait even if the
	// wait is interrupted before the dispatcher is done with it.
	defer cc.Unref()

	if err := c.submit(cc, true); err != nil {
		return nil, err
	}

	select {
	case <-cc.Done():
		res, err := cc.Result()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(res))
		copy(out, res)
		return out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("vrpc: call interrupted: %w", ErrInterrupted)
	}
}

// CallInto is Call with a caller-owned result buffer. The copy into
// result happens on the calling goroutine strictly after the completion
// is observed, so an interrupted call never touches result again.
func (c *Channel) CallInto(ctx context.Context, cmd []byte, result []byte) (int, error) {
	cc := c.pool.New(len(cmd), len(result), false)
	copy(cc.Out, cmd)
	defer cc.Unref()

	if err := c.submit(cc, true); err != nil {
		return 0, err
	}

	select {
	case <-cc.Done():
		res, err := cc.Result()
		if err != nil {
			return 0, err
		}
		return copy(result, res), nil
	case <-ctx.Done():
		// Detach: the context's own buffer stays valid until the
		// dispatcher's final Unref; the caller's buffer is ours no more.
		return 0, fmt.Errorf("vrpc: call interrupted: %w", ErrInterrupted)
	}
}

// CallPolled submits without blocking and spins until the completion is
// dispatched. For near-instant round trips (setup-time negotiation)
// where a sleeping wait costs more than the call itself.
func (c *Channel) CallPolled(cmd []byte, resultSize int) ([]byte, error) {
	cc := c.pool.New(len(cmd), resultSize, false)
	copy(cc.Out, cmd)
	defer cc.Unref()

	if err := c.submit(cc, false); err != nil {
		return nil, err
	}

	for {
		select {
		case <-cc.Done():
			res, err := cc.Result()
			if err != nil {
				return nil, err
			}
			out := make([]byte, len(res))
			copy(out, res)
			return out, nil
		default:
			if c.broken.Load() {
				// markBroken force-completes cc; next iteration sees it.
				runtime.Gosched()
				continue
			}
			runtime.Gosched()
		}
	}
}

// Post submits a fire-and-forget command. No result buffer is reserved;
// the dispatcher reaps the context when the host is done with it.
func (c *Channel) Post(cmd []byte) error {
	cc := c.pool.New(len(cmd), 0, true)
	copy(cc.Out, cmd)
	defer cc.Unref()
	return c.submit(cc, false)
}

// Pending returns the number of in-flight commands. Diagnostics.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
