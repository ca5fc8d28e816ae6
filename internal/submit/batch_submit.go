package submit

import (
	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

// BatchSubmit closes the open batch and hands it to the device. An empty
// batch is simply released. A single-child batch collapses into an
// ordinary standalone operation — there is no point paying for a batch
// descriptor indirection to submit one command. Everything else becomes
// one IDXD_OPCODE_BATCH-equivalent descriptor whose children are queued
// directly onto the outstanding FIFO for the poller to drain individually.
//
// cb/arg are the callback for the wrapping batch descriptor itself; most
// callers pass nil since each child already carries its own callback.
func (g *Gate) BatchSubmit(cb pool.CallbackFunc, arg any) error {
	b := g.openBatch
	if b == nil {
		return nil
	}

	if b.Len() == 0 {
		g.openBatch = nil
		g.Batches.Put(b)
		return nil
	}

	if b.Len() == 1 {
		return g.collapseSingleChildBatch(b, cb, arg)
	}

	return g.submitMultiChildBatch(b, cb, arg)
}

func (g *Gate) collapseSingleChildBatch(b *pool.Batch, cb pool.CallbackFunc, arg any) error {
	child := b.Child(0)

	op, err := g.Ops.PrepareSingle(cb, arg, 0)
	if err != nil {
		return err
	}
	completionAddr := op.Descriptor.CompletionAddr
	*op.Descriptor = *child.Descriptor
	op.Descriptor.CompletionAddr = completionAddr
	op.CBFn = child.CBFn
	op.CBArg = child.CBArg
	op.CRCDst = child.CRCDst
	op.CompressOutSize = child.CompressOutSize
	op.CompareResult = child.CompareResult

	g.openBatch = nil
	g.Batches.Put(b)

	return g.submitToHW(op)
}

func (g *Gate) submitMultiChildBatch(b *pool.Batch, cb pool.CallbackFunc, arg any) error {
	op, err := g.Ops.PrepareSingle(cb, arg, 0)
	if err != nil {
		return err
	}

	op.Descriptor.Opcode = desc.OpBatch
	op.Descriptor.SetDescriptorListAddr(b.DescListAddr())
	op.Descriptor.SetDescriptorCount(b.DescCount())
	op.Descriptor.TransferSize = b.DescCount()

	n := b.Len()
	b.AddRefcount(n)
	b.MarkSubmitted()
	for i := 0; i < n; i++ {
		g.FIFO.Push(b.Child(i))
	}

	g.openBatch = nil

	return g.submitToHW(op)
}
