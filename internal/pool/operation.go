// Package pool implements the per-channel operation free-list, outstanding
// FIFO, and batch pool described in spec sections 3 and 4.2. Every
// structure here is preallocated once at channel-creation time; nothing on
// the hot path allocates.
package pool

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/dsaq/internal/desc"
)

// ErrPoolExhausted signals the operation free stack or the batch free list
// is empty; callers must treat this as backpressure, never as a fatal error.
var ErrPoolExhausted = errors.New("pool exhausted")

// Handle is an index into the main operation arena. Only the free stack
// uses it, since it must know which arena slot to reclaim; once an
// operation is in flight, everything else (FIFO, parent/child links) walks
// plain pointers, because batch children live in their own per-batch
// arrays and a single arena index cannot address both.
type Handle int32

// Status is the outcome reported to a user callback.
type Status int

const (
	StatusOK Status = iota
	StatusDeviceError
	StatusIntegrityError
)

// CallbackFunc is invoked exactly once when an operation's (or its parent's)
// reference count reaches zero.
type CallbackFunc func(arg any, status Status)

// Operation is the host record permanently paired with one hardware
// descriptor and completion record for its entire lifetime.
type Operation struct {
	handle   Handle // arena index; only meaningful for main-pool-owned ops
	fromPool bool   // true if Release should return this op to an OperationPool

	// Descriptor points into a tightly packed, 64-byte-stride array shared
	// by every operation of the same kind (the main pool's array for
	// standalone ops, a Batch's own array for its children), since the
	// device walks a batch's descriptors as one contiguous run.
	Descriptor *desc.Descriptor
	Completion desc.CompletionRecord

	CBFn  CallbackFunc
	CBArg any

	Parent *Operation // non-nil when this op is one descriptor of a multi-descriptor request
	Count  int        // children outstanding; >=1 while in flight
	Batch  *Batch     // non-nil when this op is a batch child

	CRCDst          *uint32 // destination for the final, inverted CRC32C
	CompressOutSize *uint32 // destination for the IAA-reported output size
	CompareResult   *uint8  // destination for the compare opcode's result byte

	pendingStatus Status // worst status seen from a child so far; parents only

	fifoNext *Operation // intrusive FIFO link; nil at tail
}

// Handle returns this operation's stable arena index (main-pool ops only).
func (op *Operation) Handle() Handle { return op.handle }

// PendingStatus returns the worst status recorded from a child so far.
func (op *Operation) PendingStatus() Status { return op.pendingStatus }

// SetPendingStatus records a failing child's status on its parent.
func (op *Operation) SetPendingStatus(s Status) { op.pendingStatus = s }

// OperationPool is the per-channel free-list over a fixed arena of
// preallocated Operations. Outstanding tracking lives in OutstandingFIFO,
// which this type does not own, since a channel's FIFO must also carry
// batch-child operations that never touch this arena.
type OperationPool struct {
	arena []Operation
	descs []desc.Descriptor // packed, 1:1 with arena; device-facing storage
	free  []Handle          // LIFO free stack
}

// mmapDescriptorArray backs a descriptor array with an anonymous mmap
// region instead of a regular Go allocation. Descriptors are handed to the
// device by virtual address and must stay put for the arena's entire
// lifetime; an explicit mapping, the same tool the teacher's queue runner
// uses for its ring buffers, makes that guarantee explicit instead of
// resting on the GC's current non-moving behavior.
func mmapDescriptorArray(n int) []desc.Descriptor {
	if n == 0 {
		return nil
	}
	size := n * int(unsafe.Sizeof(desc.Descriptor{}))
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return make([]desc.Descriptor, n)
	}
	return unsafe.Slice((*desc.Descriptor)(unsafe.Pointer(&buf[0])), n)
}

// NewOperationPool preallocates n operations and their descriptors,
// latching each descriptor's CompletionAddr to its own completion record's
// address — a latch that survives every subsequent Reset for the life of
// the pool (spec section 8, property 4).
func NewOperationPool(n int) *OperationPool {
	p := &OperationPool{
		arena: make([]Operation, n),
		descs: mmapDescriptorArray(n),
		free:  make([]Handle, n),
	}
	for i := 0; i < n; i++ {
		p.arena[i].handle = Handle(i)
		p.arena[i].fromPool = true
		p.arena[i].Descriptor = &p.descs[i]
		p.arena[i].Descriptor.CompletionAddr = uint64(uintptr(unsafe.Pointer(&p.arena[i].Completion)))
		p.free[i] = Handle(i)
	}
	return p
}

// Cap returns the total number of preallocated operations.
func (p *OperationPool) Cap() int { return len(p.arena) }

// FreeLen returns the number of operations currently on the free stack.
func (p *OperationPool) FreeLen() int { return len(p.free) }

// Get returns the operation at handle h.
func (p *OperationPool) Get(h Handle) *Operation { return &p.arena[h] }

// PrepareSingle pops an operation off the free stack, resets it (preserving
// the latched completion address), and marks it complete-on-request.
func (p *OperationPool) PrepareSingle(cb CallbackFunc, arg any, flags desc.Flag) (*Operation, error) {
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	op := &p.arena[h]
	op.Descriptor.Reset()
	op.Completion.Reset()
	op.CBFn = cb
	op.CBArg = arg
	op.Parent = nil
	op.Count = 1
	op.Batch = nil
	op.CRCDst = nil
	op.CompressOutSize = nil
	op.CompareResult = nil
	op.pendingStatus = StatusOK
	op.fifoNext = nil

	op.Descriptor.SetFlag(desc.FlagCompletionAddrValid)
	op.Descriptor.SetFlag(desc.FlagRequestCompletion)
	op.Descriptor.Flags |= uint32(flags)

	return op, nil
}

// Release returns a main-pool operation to the free stack. Callers must
// only do this once the operation's count has reached zero and it does not
// belong to a batch.
func (p *OperationPool) Release(op *Operation) {
	if !op.fromPool {
		return
	}
	p.free = append(p.free, op.handle)
}

// OutstandingFIFO is an intrusive singly linked list of in-flight
// operations, ordered oldest-first. It is indifferent to where an
// operation's backing storage lives (main arena or a batch's child array),
// since it only ever touches the Operation.fifoNext pointer, mirroring the
// device's own strict-FIFO completion order (spec section 4.2).
type OutstandingFIFO struct {
	head, tail *Operation
	len        int
}

// Push appends an operation to the tail of the outstanding FIFO.
func (f *OutstandingFIFO) Push(op *Operation) {
	op.fifoNext = nil
	if f.tail == nil {
		f.head = op
	} else {
		f.tail.fifoNext = op
	}
	f.tail = op
	f.len++
}

// PeekHead returns the oldest outstanding operation without removing it.
func (f *OutstandingFIFO) PeekHead() (*Operation, bool) {
	if f.head == nil {
		return nil, false
	}
	return f.head, true
}

// PopHead removes and returns the oldest outstanding operation.
func (f *OutstandingFIFO) PopHead() *Operation {
	op := f.head
	f.head = op.fifoNext
	if f.head == nil {
		f.tail = nil
	}
	op.fifoNext = nil
	f.len--
	return op
}

// Len returns the number of operations currently outstanding.
func (f *OutstandingFIFO) Len() int { return f.len }
