package simdev

import (
	"bytes"
	"compress/flate"
	"errors"
	"hash/crc32"
	"io"
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/desc"
)

// memAt views length bytes of real process memory starting at addr as a
// byte slice. addr is always a real pointer in this single-process
// simulation (either an identity-translated physical address or a PASID
// passthrough virtual address), never true device-physical memory.
func memAt(addr uint64, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

// dispatch executes dsc against real memory and fills in completion,
// returning an error only for conditions the real device itself could not
// recover from (a software bug in the simulator, not a descriptor-level
// failure — those are reported through completion.MarkFailed/MarkDIFError).
func (d *Device) dispatch(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	switch dsc.Opcode {
	case desc.OpMemMove:
		return d.execCopy(dsc, completion)
	case desc.OpDualcast:
		return d.execDualcast(dsc, completion)
	case desc.OpCompare:
		return d.execCompare(dsc, completion)
	case desc.OpMemFill:
		return d.execFill(dsc, completion)
	case desc.OpCRCGenerate:
		return d.execCRC(dsc, completion, false)
	case desc.OpCopyCRC:
		return d.execCRC(dsc, completion, true)
	case desc.OpCompress:
		return d.execCompress(dsc, completion)
	case desc.OpDecompress:
		return d.execDecompress(dsc, completion)
	case desc.OpDIFCheck:
		return d.execDIFCheck(dsc, completion)
	case desc.OpDIFInsert:
		return d.execDIFInsert(dsc, completion)
	case desc.OpDIFStrip:
		return d.execDIFStrip(dsc, completion)
	default:
		return errors.New("simdev: unsupported opcode")
	}
}

func (d *Device) execCopy(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	src := memAt(dsc.Src1Addr, dsc.TransferSize)
	dst := memAt(dsc.Dst1Addr, dsc.TransferSize)
	copy(dst, src)
	completion.OutputSize = dsc.TransferSize
	completion.MarkDone()
	return nil
}

func (d *Device) execDualcast(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	src := memAt(dsc.Src1Addr, dsc.TransferSize)
	dst1 := memAt(dsc.Dst1Addr, dsc.TransferSize)
	dst2 := memAt(dsc.Dst2Addr(), dsc.TransferSize)
	copy(dst1, src)
	copy(dst2, src)
	completion.OutputSize = dsc.TransferSize
	completion.MarkDone()
	return nil
}

func (d *Device) execCompare(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	a := memAt(dsc.Src1Addr, dsc.TransferSize)
	b := memAt(dsc.Src2Addr, dsc.TransferSize)
	if bytes.Equal(a, b) {
		completion.Result = 0
	} else {
		completion.Result = 1
	}
	completion.OutputSize = dsc.TransferSize
	completion.MarkDone()
	return nil
}

func (d *Device) execFill(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	dst := memAt(dsc.Dst1Addr, dsc.TransferSize)
	pattern := dsc.Pattern()
	var patternBytes [8]byte
	for i := range patternBytes {
		patternBytes[i] = byte(pattern >> (8 * uint(i)))
	}
	for i := range dst {
		dst[i] = patternBytes[i%8]
	}
	completion.OutputSize = dsc.TransferSize
	completion.MarkDone()
	return nil
}

// execCRC computes a Castagnoli CRC32C over Src1Addr, chaining from either
// the caller's seed (first descriptor: CRCSeed) or the previous
// descriptor's raw completion value (CRCChainAddr). The stored value is
// the pre-final-invert running register, matching the real hardware
// convention the rest of the engine already assumes — crc32.Update's
// public contract is itself invert-on-entry/invert-on-exit per call
// (see hash/crc32's simpleUpdate), which makes ^crc32.Update(seed, tab, p)
// exactly the "raw register after processing p" value this engine stores,
// and makes ^crc32.Update(^prevRaw, tab, p) the correct continuation from
// a previously stored raw value. internal/submit/poller.go inverts once
// more at the very end to recover the standard CRC32C checksum.
func (d *Device) execCRC(dsc *desc.Descriptor, completion *desc.CompletionRecord, withCopy bool) error {
	src := memAt(dsc.Src1Addr, dsc.TransferSize)

	var raw uint32
	if dsc.HasFlag(desc.FlagCRCSeedFromSrc2) {
		prevRaw := *(*uint32)(unsafe.Pointer(uintptr(dsc.CRCChainAddr())))
		raw = ^crc32.Update(^prevRaw, crc32cTable, src)
	} else {
		raw = ^crc32.Update(dsc.CRCSeed(), crc32cTable, src)
	}

	if withCopy {
		dst := memAt(dsc.Dst1Addr, dsc.TransferSize)
		copy(dst, src)
	}

	completion.CRC32C = raw
	completion.OutputSize = dsc.TransferSize
	completion.MarkDone()
	return nil
}

func (d *Device) execCompress(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	src := memAt(dsc.Src1Addr, dsc.TransferSize)
	maxOut := dsc.MaxOutputSize()
	dst := memAt(dsc.Dst1Addr, maxOut)

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := w.Write(src); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if uint32(buf.Len()) > maxOut {
		// The real IAA reports this as a descriptor-level failure (output
		// would overrun the destination buffer), not a simulator bug.
		completion.MarkFailed()
		return nil
	}

	n := copy(dst, buf.Bytes())
	completion.OutputSize = uint32(n)
	completion.MarkDone()
	return nil
}

// execDecompress inflates Src1Addr into Dst1Addr. Dst1Addr's usable
// capacity is taken to be TransferSize, the same field compress's source
// length and copy's transfer length use — SubmitDecompress has no separate
// max-output-size field symmetric to compress's, so the destination
// capacity is TransferSize by construction (see DESIGN.md).
func (d *Device) execDecompress(dsc *desc.Descriptor, completion *desc.CompletionRecord) error {
	src := memAt(dsc.Src1Addr, dsc.TransferSize)
	dst := memAt(dsc.Dst1Addr, dsc.TransferSize)

	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	n, err := io.ReadFull(r, dst)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	completion.OutputSize = uint32(n)
	completion.MarkDone()
	return nil
}
