package translate

// DualCastSegment is one step of a three-way (source, dst1, dst2)
// translation for the dual-cast opcode.
type DualCastSegment struct {
	SrcPhys, Dst1Phys, Dst2Phys uint64
	Len                         uint32
}

// DualCast walks a source buffer against two destination buffers at once.
// Conceptually this is an outer iterator over (source, dst1) with an inner
// iterator over (source, dst2) whose segments are clipped to the shorter of
// the two; since all three addresses share one running offset, that is
// equivalent to taking the minimum of all three physical run lengths at each
// step, which is what this type does directly.
type DualCast struct {
	t                     Translator
	srcVA, dst1VA, dst2VA uintptr
	offset, total         uint64
	pasid                 bool
	done                  bool
}

// NewDualCast builds a dual-cast iterator over three virtual buffers of the
// same logical length.
func NewDualCast(t Translator, srcVA, dst1VA, dst2VA uintptr, length uint64, pasid bool) *DualCast {
	return &DualCast{t: t, srcVA: srcVA, dst1VA: dst1VA, dst2VA: dst2VA, total: length, pasid: pasid}
}

// Next returns the next (src, dst1, dst2) physical segment triple.
func (d *DualCast) Next() (seg DualCastSegment, ok bool, err error) {
	if d.done || d.offset >= d.total {
		d.done = true
		return DualCastSegment{}, false, nil
	}

	remaining := d.total - d.offset
	curSrc := d.srcVA + uintptr(d.offset)
	curDst1 := d.dst1VA + uintptr(d.offset)
	curDst2 := d.dst2VA + uintptr(d.offset)

	if d.pasid {
		seg = DualCastSegment{
			SrcPhys:  uint64(curSrc),
			Dst1Phys: uint64(curDst1),
			Dst2Phys: uint64(curDst2),
			Len:      clampLen(remaining),
		}
		d.offset = d.total
		return seg, true, nil
	}

	srcPhys, srcRun, terr := d.t.Translate(curSrc, remaining)
	if terr != nil {
		d.done = true
		return DualCastSegment{}, false, &TranslationError{VAddr: curSrc, Err: terr}
	}
	dst1Phys, dst1Run, terr := d.t.Translate(curDst1, remaining)
	if terr != nil {
		d.done = true
		return DualCastSegment{}, false, &TranslationError{VAddr: curDst1, Err: terr}
	}
	dst2Phys, dst2Run, terr := d.t.Translate(curDst2, remaining)
	if terr != nil {
		d.done = true
		return DualCastSegment{}, false, &TranslationError{VAddr: curDst2, Err: terr}
	}

	length := min64(min64(srcRun, dst1Run), min64(dst2Run, remaining))
	seg = DualCastSegment{SrcPhys: srcPhys, Dst1Phys: dst1Phys, Dst2Phys: dst2Phys, Len: clampLen(length)}
	d.offset += length
	return seg, true, nil
}
