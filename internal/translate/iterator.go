// Package translate implements the address-translation iterator described
// in spec section 4.1: splitting a virtual buffer (or a pair, advanced in
// lockstep) into device-legal contiguous physical segments.
package translate

import "fmt"

// TranslationError wraps a page-lookup failure from a Translator.
type TranslationError struct {
	VAddr uintptr
	Err   error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("address translation failed for vaddr=0x%x: %v", e.VAddr, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// Translator resolves a virtual address range to a physical address and the
// length of the contiguous physical run starting there. It is the iterator's
// sole external dependency, satisfied by the devif.Device collaborator.
type Translator interface {
	Translate(vaddr uintptr, length uint64) (paddr uint64, runLength uint64, err error)
}

// Segment is one step of physical translation: a source physical address, an
// optional destination physical address (zero if not a paired iterator), and
// the run length both addresses are contiguous for.
type Segment struct {
	SrcPhys uint64
	DstPhys uint64
	Len     uint32
}

// Single walks one virtual buffer, yielding contiguous physical runs. Used by
// fill (destination only), CRC32C-generate and DIF-check (source only).
type Single struct {
	t       Translator
	va      uintptr
	offset  uint64
	total   uint64
	pasid   bool
	done    bool
}

// NewSingle builds a single-stream iterator over [va, va+length).
func NewSingle(t Translator, va uintptr, length uint64, pasid bool) *Single {
	return &Single{t: t, va: va, total: length, pasid: pasid}
}

// Next returns the next physical segment. ok is false once the iterator is
// exhausted; it never becomes true again afterward (single-pass, finite).
func (s *Single) Next() (seg Segment, ok bool, err error) {
	if s.done || s.offset >= s.total {
		s.done = true
		return Segment{}, false, nil
	}

	remaining := s.total - s.offset
	curVA := s.va + uintptr(s.offset)

	if s.pasid {
		seg = Segment{SrcPhys: uint64(curVA), Len: clampLen(remaining)}
		s.offset = s.total
		return seg, true, nil
	}

	phys, run, terr := s.t.Translate(curVA, remaining)
	if terr != nil {
		s.done = true
		return Segment{}, false, &TranslationError{VAddr: curVA, Err: terr}
	}

	length := min64(run, remaining)
	seg = Segment{SrcPhys: phys, Len: clampLen(length)}
	s.offset += length
	return seg, true, nil
}

// Paired walks a source and a destination virtual buffer in lockstep,
// clipping each step to the shorter of the two physical runs. Used by
// copy/memmove, compare, and CRC32C-with-copy.
type Paired struct {
	t           Translator
	srcVA, dstVA uintptr
	offset, total uint64
	pasid       bool
	done        bool
}

// NewPaired builds a paired iterator over [srcVA,srcVA+length) and
// [dstVA,dstVA+length) (both the same logical length).
func NewPaired(t Translator, srcVA, dstVA uintptr, length uint64, pasid bool) *Paired {
	return &Paired{t: t, srcVA: srcVA, dstVA: dstVA, total: length, pasid: pasid}
}

// Next returns the next (src,dst) physical segment pair.
func (p *Paired) Next() (seg Segment, ok bool, err error) {
	if p.done || p.offset >= p.total {
		p.done = true
		return Segment{}, false, nil
	}

	remaining := p.total - p.offset
	curSrc := p.srcVA + uintptr(p.offset)
	curDst := p.dstVA + uintptr(p.offset)

	if p.pasid {
		seg = Segment{SrcPhys: uint64(curSrc), DstPhys: uint64(curDst), Len: clampLen(remaining)}
		p.offset = p.total
		return seg, true, nil
	}

	srcPhys, srcRun, terr := p.t.Translate(curSrc, remaining)
	if terr != nil {
		p.done = true
		return Segment{}, false, &TranslationError{VAddr: curSrc, Err: terr}
	}
	dstPhys, dstRun, terr := p.t.Translate(curDst, remaining)
	if terr != nil {
		p.done = true
		return Segment{}, false, &TranslationError{VAddr: curDst, Err: terr}
	}

	length := min64(min64(srcRun, dstRun), remaining)
	seg = Segment{SrcPhys: srcPhys, DstPhys: dstPhys, Len: clampLen(length)}
	p.offset += length
	return seg, true, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// clampLen guards against a run length that overflows uint32; the
// accelerator's transfer-size field is 32 bits.
func clampLen(n uint64) uint32 {
	const maxUint32 = 1<<32 - 1
	if n > maxUint32 {
		return maxUint32
	}
	return uint32(n)
}
