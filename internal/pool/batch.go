package pool

import (
	"errors"
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/desc"
)

// ErrBatchFull is returned by Batch.Prepare once the batch has accumulated
// as many child descriptors as it was sized for.
var ErrBatchFull = errors.New("batch full")

// ErrBatchAlreadySubmitted is returned by any attempt to append to or
// cancel a batch that has already been handed to the device.
var ErrBatchAlreadySubmitted = errors.New("batch already submitted to device")

// batchIndexSubmitted is the sentinel Batch.index takes once the batch has
// been handed to the device, blocking any further Prepare or Cancel call
// (spec section 4.2, "closed batch").
const batchIndexSubmitted = -1

// Batch is a preallocated group of child Operations and their backing
// descriptors, submitted to the device as one IDXD_OPCODE_BATCH descriptor.
// Children live in their own array, separate from the channel's main
// OperationPool arena, because a batch's descriptor list must be one
// physically contiguous run for the device to walk.
type Batch struct {
	children   []Operation
	descs      []desc.Descriptor
	descsAddr  uint64 // physical address of the contiguous descriptor array
	size       int
	index      int // next free child slot; batchIndexSubmitted once closed
	refcount   int
	fifoLink   *Batch // free-list link within BatchPool
}

// Size returns the number of child slots this batch was allocated with.
func (b *Batch) Size() int { return b.size }

// Len returns the number of children appended so far.
func (b *Batch) Len() int { return b.index }

// Prepare appends one child operation to the batch, resetting its
// descriptor (preserving the latched completion address) exactly as
// OperationPool.PrepareSingle does for main-pool operations.
func (b *Batch) Prepare(cb CallbackFunc, arg any, flags desc.Flag) (*Operation, error) {
	if b.index == batchIndexSubmitted {
		return nil, ErrBatchAlreadySubmitted
	}
	if b.index >= b.size {
		return nil, ErrBatchFull
	}

	op := &b.children[b.index]
	op.Descriptor.Reset()
	op.Completion.Reset()
	op.CBFn = cb
	op.CBArg = arg
	op.Parent = nil
	op.Count = 1
	op.Batch = b
	op.CRCDst = nil
	op.CompressOutSize = nil
	op.CompareResult = nil
	op.pendingStatus = StatusOK
	op.fifoNext = nil

	op.Descriptor.SetFlag(desc.FlagCompletionAddrValid)
	op.Descriptor.SetFlag(desc.FlagRequestCompletion)
	op.Descriptor.Flags |= uint32(flags)

	b.index++
	return op, nil
}

// Rollback gives back the last n appended child slots, for builders that
// partially populate a multi-descriptor request (e.g. chained CRC32C) and
// then fail translation partway through.
func (b *Batch) Rollback(n int) {
	b.index -= n
	if b.index < 0 {
		b.index = 0
	}
}

// DescListAddr and DescCount report what the parent batch descriptor
// should point at once this batch has more than one child.
func (b *Batch) DescListAddr() uint64 { return b.descsAddr }
func (b *Batch) DescCount() uint32    { return uint32(b.index) }

// Child returns the i'th prepared child operation.
func (b *Batch) Child(i int) *Operation { return &b.children[i] }

// AddRefcount adds delta to the batch's outstanding-children refcount,
// returning the updated value. The submission gate sets this to the child
// count at submit time; the completion poller decrements it as each
// child's completion is drained, reclaiming the batch once it hits zero.
func (b *Batch) AddRefcount(delta int) int {
	b.refcount += delta
	return b.refcount
}

// Refcount returns the batch's current outstanding-children count.
func (b *Batch) Refcount() int { return b.refcount }

// MarkSubmitted closes the batch against further Prepare/Cancel calls.
func (b *Batch) MarkSubmitted() { b.index = batchIndexSubmitted }

// Submitted reports whether MarkSubmitted has been called.
func (b *Batch) Submitted() bool { return b.index == batchIndexSubmitted }

// BatchPool is a preallocated free list of Batches, sized to the number of
// descriptors a channel's work-queue allotment can hold (one batch per
// descriptor slot, mirroring idxd_batches_alloc's num_batches == num_descriptors).
type BatchPool struct {
	storage []Batch
	free    *Batch // LIFO free list via fifoLink
	freeLen int
}

// NewBatchPool preallocates numBatches batches of batchSize child slots
// each, latching every child's descriptor completion address up front.
func NewBatchPool(numBatches, batchSize int) *BatchPool {
	p := &BatchPool{storage: make([]Batch, numBatches)}
	for i := range p.storage {
		b := &p.storage[i]
		b.size = batchSize
		b.children = make([]Operation, batchSize)
		b.descs = mmapDescriptorArray(batchSize)
		b.descsAddr = uint64(uintptr(unsafe.Pointer(&b.descs[0])))
		for j := range b.children {
			b.children[j].fromPool = false
			b.children[j].Descriptor = &b.descs[j]
			b.children[j].Descriptor.CompletionAddr = uint64(uintptr(unsafe.Pointer(&b.children[j].Completion)))
		}
		p.pushFree(b)
	}
	return p
}

func (p *BatchPool) pushFree(b *Batch) {
	b.index = 0
	b.refcount = 0
	b.fifoLink = p.free
	p.free = b
	p.freeLen++
}

// Cap returns the total number of preallocated batches.
func (p *BatchPool) Cap() int { return len(p.storage) }

// FreeLen returns the number of batches currently on the free list.
func (p *BatchPool) FreeLen() int { return p.freeLen }

// Get pops a fresh, empty batch off the free list.
func (p *BatchPool) Get() (*Batch, error) {
	if p.free == nil {
		return nil, ErrPoolExhausted
	}
	b := p.free
	p.free = b.fifoLink
	p.freeLen--
	b.fifoLink = nil
	b.index = 0
	b.refcount = 0
	return b, nil
}

// Put returns an empty, zero-refcount batch to the free list.
func (p *BatchPool) Put(b *Batch) {
	p.pushFree(b)
}
