package submit

import (
	"github.com/ehrlich-b/dsaq/internal/constants"
	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

// ProcessCompletions drains completed operations from the head of the
// outstanding FIFO, in submission order, stopping at the first operation
// the device hasn't finished yet — mirroring spdk_idxd_process_events'
// assumption that a channel's single work queue completes in FIFO order.
// maxCompletions <= 0 falls back to constants.DefaultCompletionsPerPoll.
// Once the FIFO is drained (or the cap is hit), it opportunistically
// flushes an open batch that has reached constants.MinBatchFlush children;
// backpressure from that flush is not an error.
func (g *Gate) ProcessCompletions(maxCompletions int) (int, error) {
	if maxCompletions <= 0 {
		maxCompletions = constants.DefaultCompletionsPerPoll
	}

	processed := 0
	for processed < maxCompletions {
		op, ok := g.FIFO.PeekHead()
		if !ok {
			break
		}
		if !op.Completion.Done() {
			break
		}
		g.FIFO.PopHead()
		g.completeOne(op)
		processed++
	}

	if _, err := g.FlushBatch(constants.MinBatchFlush); err != nil {
		return processed, err
	}
	return processed, nil
}

// completeOne classifies one drained completion record and hands it off to
// release, extracting any opcode-specific result first.
func (g *Gate) completeOne(op *pool.Operation) {
	var status pool.Status
	switch {
	case op.Completion.IsDIFError():
		status = pool.StatusIntegrityError
	case op.Completion.Failed():
		status = pool.StatusDeviceError
		g.dev.DumpSoftwareError(g.portal)
	default:
		status = pool.StatusOK
		g.extractResult(op)
	}
	g.release(op, status)
}

// extractResult copies an opcode's private completion output into whatever
// destination the request builder registered, matching what the original
// driver's completion switch does per opcode.
func (g *Gate) extractResult(op *pool.Operation) {
	switch op.Descriptor.Opcode {
	case desc.OpCRCGenerate, desc.OpCopyCRC:
		if op.CRCDst != nil {
			*op.CRCDst = ^op.Completion.CRC32C
		}
	case desc.OpCompress:
		if op.CompressOutSize != nil {
			*op.CompressOutSize = op.Completion.OutputSize
		}
	case desc.OpCompare:
		if op.CompareResult != nil {
			*op.CompareResult = op.Completion.Result
		}
	}
}

// release fans a completed operation's status into its parent when op is
// one physical descriptor of a larger logical request (spec section 4.4,
// "parent/child fan-in"), invoking the logical request's callback only once
// the parent's count reaches zero. Standalone operations (Parent == nil)
// call back immediately. Either way the physical slot op occupied — a main
// pool arena entry or a batch child slot — is released once nothing else
// needs it.
func (g *Gate) release(op *pool.Operation, status pool.Status) {
	if op.Parent == nil {
		if op.CBFn != nil {
			op.CBFn(op.CBArg, status)
		}
		g.releaseSlot(op)
		return
	}

	parent := op.Parent
	if status != pool.StatusOK {
		parent.SetPendingStatus(status)
	}
	parent.Count--
	g.releaseSlot(op)

	if parent.Count > 0 {
		return
	}
	if parent.CBFn != nil {
		parent.CBFn(parent.CBArg, parent.PendingStatus())
	}
	g.releaseSlot(parent)
}

// releaseSlot returns op's backing storage to whichever pool owns it: a
// batch child decrements the batch's refcount and returns the batch itself
// once every child has drained; a main-pool operation goes straight back to
// the free stack.
func (g *Gate) releaseSlot(op *pool.Operation) {
	if b := op.Batch; b != nil {
		if b.AddRefcount(-1) == 0 {
			g.Batches.Put(b)
		}
		return
	}
	g.Ops.Release(op)
}
