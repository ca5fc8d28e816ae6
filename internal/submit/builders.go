package submit

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/dif"
	"github.com/ehrlich-b/dsaq/internal/pool"
	"github.com/ehrlich-b/dsaq/internal/translate"
)

// Iovec is one (virtual address, length) segment of a scatter/gather list,
// the Go analogue of struct iovec in spdk_idxd_submit_copy and its sibling
// vectored entry points. A single-buffer request is simply a one-element
// slice.
type Iovec struct {
	VA  uintptr
	Len uint64
}

func iovecTotal(iovs []Iovec) uint64 {
	var total uint64
	for _, v := range iovs {
		total += v.Len
	}
	return total
}

func singleIovec(va uintptr, length uint64) []Iovec { return []Iovec{{VA: va, Len: length}} }

// ioViter zips two independently-segmented iovec lists into matched chunks,
// each bounded by whichever list's current element runs out first. This is
// the same splitting spdk_ioviter performs ahead of physical-address
// translation, which is what lets spdk_idxd_submit_copy's diov and siov
// disagree on element boundaries as long as their total lengths match.
type ioViter struct {
	a, b       []Iovec
	ai, bi     int
	aOff, bOff uint64
}

func newIOViter(a, b []Iovec) *ioViter {
	return &ioViter{a: a, b: b}
}

func (it *ioViter) next() (aVA, bVA uintptr, length uint64, ok bool) {
	for it.ai < len(it.a) && it.a[it.ai].Len == it.aOff {
		it.ai++
		it.aOff = 0
	}
	for it.bi < len(it.b) && it.b[it.bi].Len == it.bOff {
		it.bi++
		it.bOff = 0
	}
	if it.ai >= len(it.a) || it.bi >= len(it.b) {
		return 0, 0, 0, false
	}
	aRem := it.a[it.ai].Len - it.aOff
	bRem := it.b[it.bi].Len - it.bOff
	length = aRem
	if bRem < length {
		length = bRem
	}
	aVA = it.a[it.ai].VA + uintptr(it.aOff)
	bVA = it.b[it.bi].VA + uintptr(it.bOff)
	it.aOff += length
	it.bOff += length
	return aVA, bVA, length, true
}

// beginMultiSegment wires one logical request spanning seg physical descriptors
// into the parent/child fan-in the completion poller understands: a single
// bookkeeping Operation (not itself submitted) holds the caller's callback,
// and every physical child points Parent at it. A one-segment request skips
// the indirection entirely and submits the child as a standalone op.
func (g *Gate) beginMultiSegment(cb pool.CallbackFunc, arg any) (*pool.Operation, error) {
	parent, err := g.Ops.PrepareSingle(nil, nil, 0)
	if err != nil {
		return nil, err
	}
	parent.CBFn = cb
	parent.CBArg = arg
	parent.Count = 0
	return parent, nil
}

// attachChild links a freshly prepared physical descriptor op to its
// logical parent, replacing the parent's standalone completion bookkeeping
// for single-segment requests.
func attachChild(parent, child *pool.Operation) {
	child.Parent = parent
	child.CBFn = nil
	child.CBArg = nil
	parent.Count++
}

// finishMultiSegment collapses a one-child request down to a standalone
// operation (returning parent's slot, since no fan-in is needed) or leaves
// a multi-child request's parent in place for the poller to fan into.
func (g *Gate) finishMultiSegment(parent *pool.Operation, children []*pool.Operation, cb pool.CallbackFunc, arg any) {
	switch len(children) {
	case 0:
		// zero-length request: nothing was submitted, so nothing will ever
		// drive parent's count to zero on its own.
		g.Ops.Release(parent)
		if cb != nil {
			cb(arg, pool.StatusOK)
		}
	case 1:
		children[0].Parent = nil
		children[0].CBFn = cb
		children[0].CBArg = arg
		g.Ops.Release(parent)
	}
}

// SubmitCopy issues a memmove of length bytes from srcVA to dstVA.
func (g *Gate) SubmitCopy(srcVA, dstVA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitCopyV(singleIovec(srcVA, length), singleIovec(dstVA, length), pasid, cb, arg)
}

// SubmitCopyV issues a memmove from the source scatter/gather list siov into
// the destination list diov, mirroring spdk_idxd_submit_copy's vectored
// contract: the two lists need not share element boundaries, only total
// length. Every matched (siov, diov) chunk is further split across as many
// descriptors as the translator's contiguous physical runs demand.
func (g *Gate) SubmitCopyV(siov, diov []Iovec, pasid bool, cb pool.CallbackFunc, arg any) error {
	if iovecTotal(siov) != iovecTotal(diov) {
		return fmt.Errorf("submit: source and destination iovecs carry different total lengths (%d != %d)", iovecTotal(siov), iovecTotal(diov))
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	n := 0
	outer := newIOViter(siov, diov)
	for {
		chunkSrcVA, chunkDstVA, chunkLen, ok := outer.next()
		if !ok {
			break
		}
		it := translate.NewPaired(g.dev, chunkSrcVA, chunkDstVA, chunkLen, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			op, perr := b.Prepare(nil, nil, desc.FlagCacheControl)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpMemMove
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Src1Addr = seg.SrcPhys
			op.Descriptor.Dst1Addr = seg.DstPhys
			attachChild(parent, op)
			children = append(children, op)
			n++
		}
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitDualcast writes length bytes from srcVA to both dst1VA and dst2VA.
func (g *Gate) SubmitDualcast(srcVA, dst1VA, dst2VA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitDualcastV(singleIovec(srcVA, length), dst1VA, dst2VA, pasid, cb, arg)
}

// SubmitDualcastV writes the source scatter/gather list siov to both dst1VA
// and dst2VA, which stay single contiguous buffers: spdk_idxd_submit_dualcast
// itself never vectors either destination, only the source side gets a
// scatter/gather entry point here, with dst1/dst2 advancing by the same
// cumulative offset across the source list's elements.
func (g *Gate) SubmitDualcastV(siov []Iovec, dst1VA, dst2VA uintptr, pasid bool, cb pool.CallbackFunc, arg any) error {
	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	n := 0
	var offset uint64
	for _, iov := range siov {
		it := translate.NewDualCast(g.dev, iov.VA, dst1VA+uintptr(offset), dst2VA+uintptr(offset), iov.Len, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			op, perr := b.Prepare(nil, nil, desc.FlagCacheControl)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpDualcast
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Src1Addr = seg.SrcPhys
			op.Descriptor.Dst1Addr = seg.Dst1Phys
			op.Descriptor.SetDst2Addr(seg.Dst2Phys)
			attachChild(parent, op)
			children = append(children, op)
			n++
		}
		offset += iov.Len
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitCompare byte-compares length bytes at srcVA and dstVA. Result is
// written to *result (0 means equal) once the completion has drained; a
// multi-segment compare only reports the last descriptor's result, matching
// the accelerator's own "abort on first mismatch" compare semantics.
func (g *Gate) SubmitCompare(srcVA, dstVA uintptr, length uint64, pasid bool, result *uint8, cb pool.CallbackFunc, arg any) error {
	return g.SubmitCompareV(singleIovec(srcVA, length), singleIovec(dstVA, length), pasid, result, cb, arg)
}

// SubmitCompareV byte-compares the scatter/gather list aiov against biov,
// the vectored counterpart of spdk_idxd_submit_compare: the two lists need
// not share element boundaries, only total length.
func (g *Gate) SubmitCompareV(aiov, biov []Iovec, pasid bool, result *uint8, cb pool.CallbackFunc, arg any) error {
	if iovecTotal(aiov) != iovecTotal(biov) {
		return fmt.Errorf("submit: compare iovecs carry different total lengths (%d != %d)", iovecTotal(aiov), iovecTotal(biov))
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	n := 0
	outer := newIOViter(aiov, biov)
	for {
		chunkAVA, chunkBVA, chunkLen, ok := outer.next()
		if !ok {
			break
		}
		it := translate.NewPaired(g.dev, chunkAVA, chunkBVA, chunkLen, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			op, perr := b.Prepare(nil, nil, 0)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpCompare
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Src1Addr = seg.SrcPhys
			op.Descriptor.Dst1Addr = seg.DstPhys
			op.CompareResult = result
			attachChild(parent, op)
			children = append(children, op)
			n++
		}
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitFill writes the 64-bit pattern across length bytes at dstVA.
func (g *Gate) SubmitFill(dstVA uintptr, pattern uint64, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitFillV(singleIovec(dstVA, length), pattern, pasid, cb, arg)
}

// SubmitFillV writes pattern across every buffer named in the destination
// scatter/gather list diov, the vectored counterpart of
// spdk_idxd_submit_fill, which simply loops its diovcnt elements.
func (g *Gate) SubmitFillV(diov []Iovec, pattern uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	n := 0
	for _, iov := range diov {
		it := translate.NewSingle(g.dev, iov.VA, iov.Len, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			op, perr := b.Prepare(nil, nil, desc.FlagCacheControl)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpMemFill
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Dst1Addr = seg.SrcPhys
			op.Descriptor.SetPattern(pattern)
			attachChild(parent, op)
			children = append(children, op)
			n++
		}
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitCRC32C computes the CRC32C of length bytes at srcVA, seeded with
// seed, writing the final inverted value to *crcDst.
func (g *Gate) SubmitCRC32C(srcVA uintptr, length uint64, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	return g.SubmitCRC32CV(singleIovec(srcVA, length), seed, pasid, crcDst, cb, arg)
}

// SubmitCRC32CV computes the running CRC32C across every buffer in the
// source scatter/gather list siov, the vectored counterpart of
// spdk_idxd_submit_crc32c. A multi-descriptor request chains descriptors
// across both iovec elements and their physical fragments alike: the first
// carries the caller's seed, every later descriptor reads its running CRC
// from the previous descriptor's completion record, and only the last
// descriptor's completion drives *crcDst (spec section 4.4, "CRC32C
// chaining").
func (g *Gate) SubmitCRC32CV(siov []Iovec, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	var prev *pool.Operation
	n := 0
	for _, iov := range siov {
		it := translate.NewSingle(g.dev, iov.VA, iov.Len, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			flags := desc.Flag(0)
			if prev != nil {
				flags = desc.FlagFence | desc.FlagCRCSeedFromSrc2
			}
			op, perr := b.Prepare(nil, nil, flags)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpCRCGenerate
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Src1Addr = seg.SrcPhys
			if prev == nil {
				op.Descriptor.SetCRCSeed(seed)
			} else {
				op.Descriptor.SetCRCChainAddr(prev.Descriptor.CompletionAddr + crcFieldOffset)
			}
			attachChild(parent, op)
			children = append(children, op)
			prev = op
			n++
		}
	}
	if len(children) > 0 {
		children[len(children)-1].CRCDst = crcDst
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitCopyCRC32C copies length bytes from srcVA to dstVA while computing
// their running CRC32C, writing the final inverted value to *crcDst.
func (g *Gate) SubmitCopyCRC32C(srcVA, dstVA uintptr, length uint64, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	return g.SubmitCopyCRC32CV(singleIovec(srcVA, length), singleIovec(dstVA, length), seed, pasid, crcDst, cb, arg)
}

// SubmitCopyCRC32CV copies the source scatter/gather list siov into the
// destination list diov while computing their running CRC32C, the vectored
// counterpart of spdk_idxd_submit_copy_crc32c.
func (g *Gate) SubmitCopyCRC32CV(siov, diov []Iovec, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	if iovecTotal(siov) != iovecTotal(diov) {
		return fmt.Errorf("submit: source and destination iovecs carry different total lengths (%d != %d)", iovecTotal(siov), iovecTotal(diov))
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	var prev *pool.Operation
	n := 0
	outer := newIOViter(siov, diov)
	for {
		chunkSrcVA, chunkDstVA, chunkLen, ok := outer.next()
		if !ok {
			break
		}
		it := translate.NewPaired(g.dev, chunkSrcVA, chunkDstVA, chunkLen, pasid)
		for {
			seg, ok, terr := it.Next()
			if terr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return terr
			}
			if !ok {
				break
			}
			flags := desc.FlagCacheControl
			if prev != nil {
				flags |= desc.FlagFence | desc.FlagCRCSeedFromSrc2
			}
			op, perr := b.Prepare(nil, nil, flags)
			if perr != nil {
				b.Rollback(n)
				g.Ops.Release(parent)
				return perr
			}
			op.Descriptor.Opcode = desc.OpCopyCRC
			op.Descriptor.TransferSize = seg.Len
			op.Descriptor.Src1Addr = seg.SrcPhys
			op.Descriptor.Dst1Addr = seg.DstPhys
			if prev == nil {
				op.Descriptor.SetCRCSeed(seed)
			} else {
				op.Descriptor.SetCRCChainAddr(prev.Descriptor.CompletionAddr + crcFieldOffset)
			}
			attachChild(parent, op)
			children = append(children, op)
			prev = op
			n++
		}
	}
	if len(children) > 0 {
		children[len(children)-1].CRCDst = crcDst
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// crcFieldOffset is the byte offset of CompletionRecord.CRC32C within the
// record, used to build the chain address for a CRC32C descriptor's source
// (the previous descriptor's completion, not the raw completion base).
const crcFieldOffset = 8 // Status(1)+Result(1)+reserved(2)+OutputSize(4)

// errVectoredUnsupported is returned by the compress/decompress builders
// when handed more than one iovec. Upstream's own vectored entry points
// (spdk_idxd_submit_compress/spdk_idxd_submit_decompress) fall back to this
// exact error for siovcnt/diovcnt > 1, marked "TODO: vectored support" —
// IAA's compress engine has no multi-segment contiguity story to generalize
// yet, so this package doesn't invent one either.
var errVectoredUnsupported = errors.New("submit: compress/decompress does not support multi-segment iovecs")

// SubmitCompress runs deflate over length bytes at srcVA into dstVA,
// writing the number of bytes actually produced to *outSize.
func (g *Gate) SubmitCompress(srcVA, dstVA uintptr, length uint64, maxOutput uint32, pasid bool, outSize *uint32, cb pool.CallbackFunc, arg any) error {
	return g.SubmitCompressV(singleIovec(srcVA, length), dstVA, maxOutput, pasid, outSize, cb, arg)
}

// SubmitCompressV runs deflate over the single-element source list siov into
// dstVA. siov must contain exactly one element, matching
// spdk_idxd_submit_compress's own simple-case-only support.
func (g *Gate) SubmitCompressV(siov []Iovec, dstVA uintptr, maxOutput uint32, pasid bool, outSize *uint32, cb pool.CallbackFunc, arg any) error {
	if len(siov) != 1 {
		return errVectoredUnsupported
	}
	return g.submitBoundedSingleDescriptor(desc.OpCompress, siov[0].VA, dstVA, siov[0].Len, pasid, func(op *pool.Operation) {
		op.Descriptor.SetMaxOutputSize(maxOutput)
		op.Descriptor.Src2Addr = g.dev.AECSAddress()
		op.Descriptor.SetFlag(desc.FlagReadSrc2AECS)
		op.CompressOutSize = outSize
	}, cb, arg)
}

// SubmitDecompress runs inflate over length bytes at srcVA into dstVA.
func (g *Gate) SubmitDecompress(srcVA, dstVA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitDecompressV(singleIovec(srcVA, length), singleIovec(dstVA, length), pasid, cb, arg)
}

// SubmitDecompressV runs inflate over the single-element source list siov
// into the single-element destination list diov. Both must contain exactly
// one element, matching spdk_idxd_submit_decompress's own simple-case-only
// support.
func (g *Gate) SubmitDecompressV(siov, diov []Iovec, pasid bool, cb pool.CallbackFunc, arg any) error {
	if len(siov) != 1 || len(diov) != 1 {
		return errVectoredUnsupported
	}
	return g.submitBoundedSingleDescriptor(desc.OpDecompress, siov[0].VA, diov[0].VA, siov[0].Len, pasid, nil, cb, arg)
}

// submitBoundedSingleDescriptor is shared by opcodes that cannot be split
// across descriptors: the translator is asked for exactly one run covering
// the whole request, and anything less is a translation error.
func (g *Gate) submitBoundedSingleDescriptor(op desc.Opcode, srcVA, dstVA uintptr, length uint64, pasid bool, configure func(*pool.Operation), cb pool.CallbackFunc, arg any) error {
	srcPhys, srcRun, err := translateWhole(g.dev, srcVA, length, pasid)
	if err != nil {
		return err
	}
	dstPhys, _, err := translateWhole(g.dev, dstVA, length, pasid)
	if err != nil {
		return err
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	flags := desc.Flag(0)
	if op.Writes() {
		flags = desc.FlagCacheControl
	}
	child, err := b.Prepare(cb, arg, flags)
	if err != nil {
		return err
	}
	child.Descriptor.Opcode = op
	child.Descriptor.TransferSize = srcRun
	child.Descriptor.Src1Addr = srcPhys
	child.Descriptor.Dst1Addr = dstPhys
	if configure != nil {
		configure(child)
	}

	_, err = g.FlushBatch(1)
	return err
}

var errNotContiguous = &notContiguousError{}

type notContiguousError struct{}

func (*notContiguousError) Error() string {
	return "buffer is not physically contiguous across the whole requested length"
}

// SubmitDIFCheck validates PI fields over length bytes at srcVA against ctx
// without modifying the buffer.
func (g *Gate) SubmitDIFCheck(srcVA uintptr, length uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitDIFCheckV(singleIovec(srcVA, length), ctx, pasid, cb, arg)
}

// SubmitDIFCheckV validates PI fields over every buffer in the source
// scatter/gather list siov against ctx, the vectored counterpart of
// spdk_idxd_submit_dif_check. DSA processes each iovec element
// independently and never splits one: every element becomes exactly one
// descriptor bound directly to that element's base address, never
// re-fragmented across a physical discontinuity the way copy/fill/CRC are
// allowed to be.
func (g *Gate) SubmitDIFCheckV(siov []Iovec, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	for _, iov := range siov {
		if err := ctx.ValidateBufferAlignment(iov.Len); err != nil {
			return err
		}
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	var blocksDone uint32
	n := 0
	for _, iov := range siov {
		phys, run, terr := translateWhole(g.dev, iov.VA, iov.Len, pasid)
		if terr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return terr
		}
		p, perr := ctx.Params(blocksDone)
		if perr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return perr
		}
		child, perr := b.Prepare(nil, nil, 0)
		if perr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return perr
		}
		child.Descriptor.Opcode = desc.OpDIFCheck
		child.Descriptor.TransferSize = run
		child.Descriptor.Src1Addr = phys
		child.Descriptor.SetDIF(p)
		attachChild(parent, child)
		children = append(children, child)
		blocksDone += ctx.NumBlocks(iov.Len)
		n++
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// SubmitDIFStrip removes PI fields, copying length bytes (data+metadata) at
// srcVA into the shorter data-only buffer at dstVA.
func (g *Gate) SubmitDIFStrip(srcVA, dstVA uintptr, srcLen, dstLen uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitDIFStripV(singleIovec(srcVA, srcLen), singleIovec(dstVA, dstLen), ctx, pasid, cb, arg)
}

// SubmitDIFStripV removes PI fields pairwise across siov/diov, the vectored
// counterpart of spdk_idxd_submit_dif_strip.
func (g *Gate) SubmitDIFStripV(siov, diov []Iovec, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.submitDIFAsymmetricV(desc.OpDIFStrip, siov, diov, ctx, pasid,
		func(srcLen, dstLen uint64) error { return ctx.ValidateStripBufferAlignment(srcLen, dstLen) },
		cb, arg)
}

// SubmitDIFInsert generates PI fields, copying srcLen data-only bytes at
// srcVA into the wider dstLen-byte data+metadata buffer at dstVA.
func (g *Gate) SubmitDIFInsert(srcVA, dstVA uintptr, srcLen, dstLen uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	return g.SubmitDIFInsertV(singleIovec(srcVA, srcLen), singleIovec(dstVA, dstLen), ctx, pasid, cb, arg)
}

// SubmitDIFInsertV generates PI fields pairwise across siov/diov, the
// vectored counterpart of spdk_idxd_submit_dif_insert.
func (g *Gate) SubmitDIFInsertV(siov, diov []Iovec, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	if err := ctx.ValidateInsert(); err != nil {
		return err
	}
	return g.submitDIFAsymmetricV(desc.OpDIFInsert, siov, diov, ctx, pasid,
		func(srcLen, dstLen uint64) error { return ctx.ValidateInsertBufferAlignment(srcLen, dstLen) },
		cb, arg)
}

// submitDIFAsymmetricV handles insert and strip across a scatter/gather
// list: siov and diov must carry the same element count (their lengths
// differ per element by construction, since one side always holds
// metadata the other doesn't), and every pair becomes exactly one
// descriptor requiring full physical contiguity on both sides, mirroring
// idxd_validate_dif_insert_iovecs' index-for-index pairing. The reference
// tag advances across the whole list the same way it does within a single
// multi-block buffer.
func (g *Gate) submitDIFAsymmetricV(op desc.Opcode, siov, diov []Iovec, ctx dif.Context, pasid bool, validatePair func(srcLen, dstLen uint64) error, cb pool.CallbackFunc, arg any) error {
	if len(siov) != len(diov) {
		return fmt.Errorf("submit: source iovec count (%d) does not match destination iovec count (%d)", len(siov), len(diov))
	}
	for i := range siov {
		if err := validatePair(siov[i].Len, diov[i].Len); err != nil {
			return err
		}
	}

	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	parent, err := g.beginMultiSegment(cb, arg)
	if err != nil {
		return err
	}

	var children []*pool.Operation
	var blocksDone uint32
	n := 0
	for i := range siov {
		srcPhys, srcRun, terr := translateWhole(g.dev, siov[i].VA, siov[i].Len, pasid)
		if terr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return terr
		}
		dstPhys, dstRun, terr := translateWhole(g.dev, diov[i].VA, diov[i].Len, pasid)
		if terr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return terr
		}
		p, perr := ctx.Params(blocksDone)
		if perr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return perr
		}
		child, perr := b.Prepare(nil, nil, desc.FlagCacheControl)
		if perr != nil {
			b.Rollback(n)
			g.Ops.Release(parent)
			return perr
		}
		child.Descriptor.Opcode = op
		child.Descriptor.TransferSize = clampTransferSize(srcRun, dstRun)
		child.Descriptor.Src1Addr = srcPhys
		child.Descriptor.Dst1Addr = dstPhys
		child.Descriptor.SetDIF(p)
		attachChild(parent, child)
		children = append(children, child)
		blocksDone += ctx.NumDataBlocks(uint64(child.Descriptor.TransferSize))
		n++
	}
	g.finishMultiSegment(parent, children, cb, arg)
	_, err = g.FlushBatch(1)
	return err
}

// translateWhole resolves va for length bytes and requires the physical run
// to cover the whole request.
func translateWhole(t translate.Translator, va uintptr, length uint64, pasid bool) (phys uint64, run uint32, err error) {
	it := translate.NewSingle(t, va, length, pasid)
	seg, ok, err := it.Next()
	if err != nil {
		return 0, 0, err
	}
	if !ok || uint64(seg.Len) != length {
		return 0, 0, &translate.TranslationError{VAddr: va, Err: errNotContiguous}
	}
	return seg.SrcPhys, seg.Len, nil
}

func clampTransferSize(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// SubmitRaw hands a fully-populated descriptor straight to the device,
// bypassing every builder above — an escape hatch for opcodes or flag
// combinations this package doesn't wrap directly.
func (g *Gate) SubmitRaw(d desc.Descriptor, cb pool.CallbackFunc, arg any) error {
	b, err := g.OpenBatch()
	if err != nil {
		return err
	}
	child, err := b.Prepare(cb, arg, desc.Flag(d.Flags))
	if err != nil {
		return err
	}
	completionAddr := child.Descriptor.CompletionAddr
	*child.Descriptor = d
	child.Descriptor.CompletionAddr = completionAddr
	child.Descriptor.SetFlag(desc.FlagCompletionAddrValid)
	child.Descriptor.SetFlag(desc.FlagRequestCompletion)

	_, err = g.FlushBatch(1)
	return err
}
