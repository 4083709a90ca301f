package host

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/cpu"

	"github.com/ardnew/softxhci/pkg"
)

// interrupter is the state shared between the interrupt handler and the
// deferred work it schedules. The handler only touches this struct.
type interrupter struct {
	pending   atomic.Uint32 // Status bits observed by the handler
	scheduled atomic.Bool   // An event drain is queued or running
	count     atomic.Uint64 // Interrupts handled
	_         cpu.CacheLinePad
}

// reset forgets a drain that was queued when the deferred work queue
// halted; the halt drops it without running it.
func (i *interrupter) reset() {
	i.pending.Store(0)
	i.scheduled.Store(false)
}

// dpc runs deferred work items one at a time on a single goroutine, in
// the order they were queued.
type dpc struct {
	mu      sync.Mutex
	items   *queue.Queue
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newDPC() *dpc {
	return &dpc{
		items: queue.New(),
		wake:  make(chan struct{}, 1),
	}
}

// start launches the worker goroutine.
func (d *dpc) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
}

// halt stops the worker after the item in progress and drops the rest.
func (d *dpc) halt() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	dropped := d.items.Length()
	d.items = queue.New()
	d.mu.Unlock()
	if dropped > 0 {
		pkg.LogDebug(pkg.ComponentEvent, "deferred work dropped", "items", dropped)
	}
}

// schedule queues fn. It reports false if the worker is not running.
func (d *dpc) schedule(fn func()) bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return false
	}
	d.items.Add(fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dpc) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.items.Length() == 0 {
		return nil, false
	}
	return d.items.Remove().(func()), true
}

func (d *dpc) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-d.wake:
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			fn, ok := d.next()
			if !ok {
				break
			}
			fn()
		}
	}
}
