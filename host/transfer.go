package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/devctx"
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/ring"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Kind selects how a Request is laid out on the ring.
type Kind uint8

// Request kinds.
const (
	KindNormal  Kind = iota // Bulk or interrupt data
	KindControl             // Setup, optional data, status
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Direction is the data direction of a request.
type Direction uint8

// Data directions.
const (
	DirectionOut Direction = iota // Host to device
	DirectionIn                   // Device to host
)

// Request is one I/O request against an endpoint of an addressed slot.
//
// For KindNormal the direction follows the endpoint address. For
// KindControl it follows Setup.RequestType and Endpoint must be 0.
// Regions must describe DMA memory.
type Request struct {
	Slot      uint8
	Endpoint  uint8
	Kind      Kind
	Direction Direction
	Setup     *hal.SetupPacket
	Regions   []hal.Region

	// OnEventSet, if set, is called once when the request completes.
	OnEventSet func(*Request)

	// Results, valid after Done is closed.
	Transferred int
	Status      trb.CompletionCode
	Err         error

	mu        sync.Mutex
	done      chan struct{}
	once      sync.Once
	submitted bool
}

// Done returns a channel closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(chan struct{})
	}
	return r.done
}

// Wait blocks until the request completes or ctx is done. Records
// already handed to the controller are not withdrawn when ctx ends.
func (r *Request) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.Done():
		return r.Transferred, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// complete publishes the results and fires the completion exactly once.
func (r *Request) complete(n int, status trb.CompletionCode, err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.Transferred, r.Status, r.Err = n, status, err
		if r.done == nil {
			r.done = make(chan struct{})
		}
		done := r.done
		r.mu.Unlock()
		if r.OnEventSet != nil {
			r.OnEventSet(r)
		}
		close(done)
	})
}

// planned describes one record of a request.
type planned struct {
	length int  // Bytes described; 0 for setup and status stages
	data   bool // Record moves data
	stage  int  // Records of one stage are skipped together on a short packet
}

// dci returns the device context index a request targets.
func (r *Request) dci() (uint8, error) {
	switch r.Kind {
	case KindControl:
		if r.Endpoint&0x0F != 0 {
			return 0, fmt.Errorf("%w: control request on endpoint %#x", pkg.ErrInvalidEndpoint, r.Endpoint)
		}
		return 1, nil
	case KindNormal:
		if r.Endpoint&0x0F == 0 {
			return 0, fmt.Errorf("%w: normal request on endpoint 0", pkg.ErrInvalidEndpoint)
		}
		return devctx.DCI(r.Endpoint), nil
	default:
		return 0, fmt.Errorf("%w: kind %s", pkg.ErrInvalidParameter, r.Kind)
	}
}

// records lays out the request. Every record requests a completion
// event so each constituent can be resolved on its own.
func (r *Request) records() ([]trb.TRB, []planned, error) {
	for _, rg := range r.Regions {
		if rg.Length < 0 || rg.Length > trb.MaxTransferLength {
			return nil, nil, fmt.Errorf("%w: region of %d bytes", pkg.ErrInvalidParameter, rg.Length)
		}
	}

	var recs []trb.TRB
	var plan []planned
	add := func(t trb.TRB, p planned) {
		t.Set(trb.FlagIOC)
		if p.data && r.Direction == DirectionIn {
			t.Set(trb.FlagISP)
		}
		recs = append(recs, t)
		plan = append(plan, p)
	}

	switch r.Kind {
	case KindControl:
		if r.Setup == nil {
			return nil, nil, fmt.Errorf("%w: control request without setup packet", pkg.ErrInvalidParameter)
		}
		r.Direction = DirectionOut
		if r.Setup.IsIn() {
			r.Direction = DirectionIn
		}
		in := r.Direction == DirectionIn

		trt := trb.TransferNoData
		if len(r.Regions) > 0 {
			trt = trb.TransferOut
			if in {
				trt = trb.TransferIn
			}
		}
		add(trb.SetupStage(*r.Setup, trt), planned{stage: 0})
		for i, rg := range r.Regions {
			p := planned{length: rg.Length, data: true, stage: 1}
			if i == 0 {
				add(trb.DataStage(rg.Addr, rg.Length, in), p)
			} else {
				add(trb.Normal(rg.Addr, rg.Length), p)
			}
		}
		// The status stage runs opposite to the data stage, IN if there is none.
		add(trb.StatusStage(len(r.Regions) == 0 || !in), planned{stage: 2})

	case KindNormal:
		r.Direction = DirectionOut
		if r.Endpoint&EndpointDirectionIn != 0 {
			r.Direction = DirectionIn
		}
		if len(r.Regions) == 0 {
			add(trb.Normal(0, 0), planned{data: true})
		}
		for _, rg := range r.Regions {
			add(trb.Normal(rg.Addr, rg.Length), planned{length: rg.Length, data: true})
		}
	}
	return recs, plan, nil
}

// Submit validates req, places its records on the endpoint ring and
// rings the doorbell. It does not wait; completion is reported through
// req.Done and req.OnEventSet. A full ring returns pkg.ErrWouldBlock
// and leaves the ring untouched.
func (h *Host) Submit(ctx context.Context, req *Request) error {
	if req == nil {
		return pkg.ErrInvalidParameter
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.IsRunning() {
		return pkg.ErrNotRunning
	}

	s := h.Slot(req.Slot)
	if s == nil || !s.Allocated() {
		return fmt.Errorf("%w: slot %d", pkg.ErrNotConfigured, req.Slot)
	}
	dci, err := req.dci()
	if err != nil {
		return err
	}
	r := s.ring(dci)
	if r == nil {
		return fmt.Errorf("%w: endpoint %#x not configured", pkg.ErrInvalidEndpoint, req.Endpoint)
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if req.submitted {
		return fmt.Errorf("%w: request already submitted", pkg.ErrInvalidParameter)
	}

	recs, plan, err := req.records()
	if err != nil {
		return err
	}
	for _, rg := range req.Regions {
		if err := h.reachable("transfer region", rg.Addr, rg.Length); err != nil {
			return err
		}
	}
	if len(recs) > r.Capacity() {
		return fmt.Errorf("%w: %d records exceed ring capacity %d",
			pkg.ErrInvalidParameter, len(recs), r.Capacity())
	}

	handles, fs, err := h.tracker.submit(r, recs)
	if err != nil {
		return err
	}
	req.submitted = true
	if req.done == nil {
		req.done = make(chan struct{})
	}
	h.hc.RingDoorbell(req.Slot, dci)

	pkg.LogDebug(pkg.ComponentTransfer, "request submitted",
		"slot", req.Slot,
		"dci", dci,
		"kind", req.Kind,
		"records", len(recs))

	last := handles[len(handles)-1]
	h.goTask(func() { h.aggregate(req, s, dci, last, fs, plan) })
	return nil
}

// Do submits req, retrying while the ring is full, and waits for it.
// It returns the number of bytes transferred.
func (h *Host) Do(ctx context.Context, req *Request) (int, error) {
	if err := h.retry(ctx, func() error { return h.Submit(ctx, req) }); err != nil {
		return 0, err
	}
	return req.Wait(ctx)
}

// aggregate waits for every record of req in ring order and folds the
// completions into one result. A short packet ends its stage; any
// other failure ends the request and recovers the endpoint.
func (h *Host) aggregate(req *Request, s *Slot, dci uint8, last ring.Handle, fs []*Inflight, plan []planned) {
	var (
		n      int
		status = trb.CodeSuccess
		err    error
		skip   = -1
		halted bool
	)

	for i, f := range fs {
		if err != nil || plan[i].stage == skip {
			h.tracker.forget(f.Key())
			continue
		}

		ev, werr := f.Wait(h.ctx)
		if werr != nil {
			err = werr
			continue
		}

		code := ev.CompletionCode()
		switch code {
		case trb.CodeSuccess, trb.CodeShortPacket:
			if plan[i].data {
				n += plan[i].length - min(ev.TransferLength(), plan[i].length)
			}
			if code == trb.CodeShortPacket {
				status = code
				skip = plan[i].stage
			}
		default:
			status = code
			err = fmt.Errorf("slot %d dci %d: %w", req.Slot, dci, code.Err())
			halted = true
		}
	}

	if halted {
		pkg.LogDebug(pkg.ComponentTransfer, "request failed",
			"slot", req.Slot,
			"dci", dci,
			"code", status)
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.CommandTimeout)
		if rerr := h.recoverEndpoint(ctx, s, dci, last); rerr != nil && !h.stopped(rerr) {
			pkg.LogWarn(pkg.ComponentTransfer, "endpoint recovery failed",
				"slot", req.Slot,
				"dci", dci,
				"error", rerr)
		}
		cancel()
	}

	req.complete(n, status, err)
}
