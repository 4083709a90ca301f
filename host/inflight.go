package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Inflight is one record handed to the controller and awaiting its
// completion event.
type Inflight struct {
	key  hal.PhysAddr
	ring *ring.Ring

	once sync.Once
	done chan struct{}
	resp trb.TRB
	err  error
}

func newInflight(h ring.Handle) *Inflight {
	return &Inflight{
		key:  h.Addr(),
		ring: h.Ring(),
		done: make(chan struct{}),
	}
}

// Key returns the bus address of the record.
func (f *Inflight) Key() hal.PhysAddr {
	return f.key
}

// Done returns a channel closed when the record completes.
func (f *Inflight) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the record completes or ctx is done, and returns
// the completion event.
func (f *Inflight) Wait(ctx context.Context) (trb.TRB, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return trb.TRB{}, ctx.Err()
	}
}

// signal completes f. Only the first call has any effect.
func (f *Inflight) signal(resp trb.TRB, err error) bool {
	fired := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
		fired = true
	})
	return fired
}

// tracker maps record addresses to the requests waiting on them.
type tracker struct {
	mu      sync.Mutex
	entries map[hal.PhysAddr]*Inflight
}

func newTracker() *tracker {
	return &tracker{entries: make(map[hal.PhysAddr]*Inflight)}
}

// register tracks the record behind h.
func (t *tracker) register(h ring.Handle) (*Inflight, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(h)
}

func (t *tracker) registerLocked(h ring.Handle) (*Inflight, error) {
	if h.IsZero() {
		return nil, pkg.ErrInvalidParameter
	}
	if _, ok := t.entries[h.Addr()]; ok {
		return nil, fmt.Errorf("%w: %#x", pkg.ErrDuplicateInflight, uint64(h.Addr()))
	}
	f := newInflight(h)
	t.entries[f.key] = f
	return f, nil
}

// submit places recs on r as one chained unit and tracks every record.
// Enqueue and registration happen under one lock so a completion can
// never arrive for a record that is not yet tracked.
func (t *tracker) submit(r *ring.Ring, recs []trb.TRB) ([]ring.Handle, []*Inflight, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var handles []ring.Handle
	if len(recs) == 1 {
		h, err := r.Enqueue(recs[0])
		if err != nil {
			return nil, nil, err
		}
		handles = []ring.Handle{h}
	} else {
		var err error
		if handles, err = r.EnqueueChain(recs); err != nil {
			return nil, nil, err
		}
	}

	fs := make([]*Inflight, len(handles))
	for i, h := range handles {
		f, err := t.registerLocked(h)
		if err != nil {
			// The ring reused a slot whose completion never arrived.
			// The stale waiter cannot be completed by hardware any more.
			stale := t.entries[h.Addr()]
			pkg.LogError(pkg.ComponentTransfer, "stale inflight record replaced",
				"addr", fmt.Sprintf("%#x", uint64(h.Addr())))
			stale.signal(trb.TRB{}, err)
			delete(t.entries, h.Addr())
			f, _ = t.registerLocked(h)
		}
		fs[i] = f
	}
	return handles, fs, nil
}

// resolve completes the record at addr with the event resp and frees
// its ring space. Unknown addresses are a protocol violation by the
// controller; they are logged and otherwise ignored.
func (t *tracker) resolve(addr hal.PhysAddr, resp trb.TRB) bool {
	t.mu.Lock()
	f, ok := t.entries[addr]
	if ok {
		delete(t.entries, addr)
	}
	t.mu.Unlock()

	if !ok {
		pkg.LogWarn(pkg.ComponentEvent, "completion for untracked record",
			"addr", fmt.Sprintf("%#x", uint64(addr)),
			"type", resp.Type(),
			"code", resp.CompletionCode())
		return false
	}

	if f.ring != nil {
		f.ring.AdvanceDequeue(addr)
	}
	return f.signal(resp, nil)
}

// forget drops the record at addr, which the controller skipped, and
// frees its ring space.
func (t *tracker) forget(addr hal.PhysAddr) {
	t.mu.Lock()
	f, ok := t.entries[addr]
	if ok {
		delete(t.entries, addr)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if f.ring != nil {
		f.ring.AdvanceDequeue(addr)
	}
	f.signal(trb.TRB{}, pkg.ErrCancelled)
}

// abortRing fails every record on r with err.
func (t *tracker) abortRing(r *ring.Ring, err error) int {
	t.mu.Lock()
	var victims []*Inflight
	for addr, f := range t.entries {
		if f.ring == r {
			victims = append(victims, f)
			delete(t.entries, addr)
		}
	}
	t.mu.Unlock()

	for _, f := range victims {
		f.signal(trb.TRB{}, err)
	}
	return len(victims)
}

// abortAll fails every tracked record with err.
func (t *tracker) abortAll(err error) int {
	t.mu.Lock()
	victims := t.entries
	t.entries = make(map[hal.PhysAddr]*Inflight)
	t.mu.Unlock()

	for _, f := range victims {
		f.signal(trb.TRB{}, err)
	}
	return len(victims)
}

// count returns the number of tracked records.
func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
