// Package submit implements the submission gate and completion poller: the
// single-owner-thread discipline around a channel's outstanding FIFO, its
// batch pool, and the device doorbell (spec sections 4.2 and 5).
package submit

import (
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/devif"
	"github.com/ehrlich-b/dsaq/internal/fence"
	"github.com/ehrlich-b/dsaq/internal/logging"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

// Gate owns one channel's outstanding FIFO, operation pool, batch pool, and
// portal offset. Every method here assumes single-threaded access, matching
// the accelerator channel's single-owner-thread requirement; callers
// needing concurrent submission must serialize through their own lock or
// dedicate one goroutine per channel.
type Gate struct {
	Ops     *pool.OperationPool
	Batches *pool.BatchPool
	FIFO    pool.OutstandingFIFO

	dev             devif.Device
	portal          uintptr
	portalOffset    uintptr
	portalRotations uintptr // number of distinct portal addresses before wraparound
	openBatch       *pool.Batch
	log             logging.Interface
}

// NewGate builds a submission gate over a freshly created operation pool
// and batch pool, bound to dev's portal.
func NewGate(dev devif.Device, ops *pool.OperationPool, batches *pool.BatchPool, portalRotations uintptr, log logging.Interface) *Gate {
	if log == nil {
		log = logging.Default()
	}
	return &Gate{
		Ops:             ops,
		Batches:         batches,
		dev:             dev,
		portal:          dev.PortalBase(),
		portalRotations: portalRotations,
		log:             log,
	}
}

// submitToHW appends op to the outstanding FIFO, fences the store so the
// descriptor's bytes are visible before the device reads them, and writes
// it to the rotating portal offset.
func (g *Gate) submitToHW(op *pool.Operation) error {
	g.FIFO.Push(op)

	fence.Store()

	raw := marshalDescriptor(op.Descriptor)
	if err := g.dev.WriteDescriptor(g.portal+g.portalOffset, raw); err != nil {
		return err
	}

	stride := g.dev.PortalStride()
	g.portalOffset = (g.portalOffset + stride) % (stride * g.portalRotations)
	return nil
}

// marshalDescriptor copies a Descriptor's in-memory bytes out as the wire
// form WriteDescriptor expects. The struct's layout already is the wire
// layout (little-endian, 64 bytes, compile-time size checked), so this is
// a direct reinterpretation, not a field-by-field encode.
func marshalDescriptor(d *desc.Descriptor) [64]byte {
	return *(*[64]byte)(unsafe.Pointer(d))
}

// setupBatch ensures g.openBatch is non-nil, pulling a fresh batch from the
// pool if needed.
func (g *Gate) setupBatch() error {
	if g.openBatch != nil {
		return nil
	}
	b, err := g.Batches.Get()
	if err != nil {
		return err
	}
	g.openBatch = b
	return nil
}

// OpenBatch returns the currently accumulating batch, opening one if none
// is open. Request builders call this before Batch.Prepare.
func (g *Gate) OpenBatch() (*pool.Batch, error) {
	if err := g.setupBatch(); err != nil {
		return nil, err
	}
	return g.openBatch, nil
}

// FlushBatch closes and submits the open batch once it holds at least
// minFlush children. Returns (false, nil) if there's nothing to flush yet.
// A pool-exhaustion error from BatchSubmit's collapse path is swallowed,
// matching the original driver's "retry on next poll" behavior; any other
// error propagates.
func (g *Gate) FlushBatch(minFlush int) (bool, error) {
	if g.openBatch == nil || g.openBatch.Len() < minFlush {
		return false, nil
	}
	if err := g.BatchSubmit(nil, nil); err != nil {
		if err == pool.ErrPoolExhausted {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CancelBatch runs cb(arg, status) for every already-prepared child of the
// open batch (if any) and returns it to the pool. Device.ReleaseChannel
// uses it so a released channel never keeps a partial batch open.
func (g *Gate) CancelBatch(status pool.Status) error {
	b := g.openBatch
	if b == nil {
		return nil
	}
	if b.Submitted() {
		return errBatchAlreadySubmitted
	}
	g.openBatch = nil
	for i := 0; i < b.Len(); i++ {
		child := b.Child(i)
		if child.CBFn != nil {
			child.CBFn(child.CBArg, status)
		}
	}
	g.Batches.Put(b)
	return nil
}

var errBatchAlreadySubmitted = pool.ErrBatchAlreadySubmitted
