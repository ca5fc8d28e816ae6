// Package desc defines the on-the-wire descriptor and completion-record
// layouts shared by the submission gate and the completion poller.
package desc

import "unsafe"

// Flag is a bit in a Descriptor's Flags word.
type Flag uint32

// Flag bit assignments are ABI with the accelerator and must not be
// renumbered.
const (
	FlagCompletionAddrValid Flag = 1 << 0
	FlagRequestCompletion   Flag = 1 << 1
	FlagCacheControl        Flag = 1 << 2 // request write-back on writing opcodes
	FlagFence               Flag = 1 << 3 // don't start until previous descriptor in WQ completes
	FlagCRCSeedFromSrc2     Flag = 1 << 4 // CRC-read-seed-from-source-2
	FlagReadSrc2AECS        Flag = 1 << 5 // compress: source-2 is the per-device AECS block
)

// Opcode identifies the operation a Descriptor requests.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpBatch
	OpMemMove
	OpDualcast
	OpCompare
	OpMemFill
	OpCRCGenerate
	OpCopyCRC
	OpCompress
	OpDecompress
	OpDIFCheck
	OpDIFInsert
	OpDIFStrip
)

func (o Opcode) String() string {
	switch o {
	case OpBatch:
		return "batch"
	case OpMemMove:
		return "memmove"
	case OpDualcast:
		return "dualcast"
	case OpCompare:
		return "compare"
	case OpMemFill:
		return "memfill"
	case OpCRCGenerate:
		return "crc32c-generate"
	case OpCopyCRC:
		return "copy-with-crc32c"
	case OpCompress:
		return "compress"
	case OpDecompress:
		return "decompress"
	case OpDIFCheck:
		return "dif-check"
	case OpDIFInsert:
		return "dif-insert"
	case OpDIFStrip:
		return "dif-strip"
	default:
		return "none"
	}
}

// Writes reports whether o modifies destination memory. Writing opcodes
// toggle the cache-control flag; read-only opcodes never do.
func (o Opcode) Writes() bool {
	switch o {
	case OpMemMove, OpDualcast, OpMemFill, OpCopyCRC, OpCompress, OpDecompress, OpDIFInsert, OpDIFStrip:
		return true
	default:
		return false
	}
}

// Descriptor is the fixed 64-byte device-visible work-queue record described
// in spec section 3. Field offsets and endianness (little-endian) are ABI
// and must not change. Private carries the opcode-specific union: dual-cast
// destination-2 address, fill pattern, CRC seed-or-chain-address, IAA
// max-output size, or DIF per-block parameters, depending on Opcode.
type Descriptor struct {
	Flags          uint32
	Opcode         Opcode
	_reserved      [3]byte
	TransferSize   uint32
	Src1Addr       uint64
	Src2Addr       uint64
	Dst1Addr       uint64
	Private        [16]byte
	CompletionAddr uint64
}

// Compile-time size check: the accelerator requires exactly 64 bytes.
var _ [64]byte = [unsafe.Sizeof(Descriptor{})]byte{}

func (d *Descriptor) SetFlag(f Flag)   { d.Flags |= uint32(f) }
func (d *Descriptor) ClearFlag(f Flag) { d.Flags &^= uint32(f) }
func (d *Descriptor) HasFlag(f Flag) bool {
	return d.Flags&uint32(f) != 0
}

// Reset zeroes every field except CompletionAddr, which is latched once at
// pool-initialization time and must survive for the descriptor's entire
// lifetime (spec section 8, property 4).
func (d *Descriptor) Reset() {
	completionAddr := d.CompletionAddr
	*d = Descriptor{}
	d.CompletionAddr = completionAddr
}

// Dst2Addr reads the dual-cast second destination from Private.
func (d *Descriptor) Dst2Addr() uint64 { return leUint64(d.Private[0:8]) }

// SetDst2Addr writes the dual-cast second destination into Private.
func (d *Descriptor) SetDst2Addr(addr uint64) { putLeUint64(d.Private[0:8], addr) }

// Pattern reads the 64-bit fill pattern from Private.
func (d *Descriptor) Pattern() uint64 { return leUint64(d.Private[0:8]) }

// SetPattern writes the fill pattern into Private.
func (d *Descriptor) SetPattern(p uint64) { putLeUint64(d.Private[0:8], p) }

// CRCSeed reads the CRC seed (used only by the first descriptor in a chain).
func (d *Descriptor) CRCSeed() uint32 { return leUint32(d.Private[0:4]) }

// SetCRCSeed writes the CRC seed into Private.
func (d *Descriptor) SetCRCSeed(seed uint32) { putLeUint32(d.Private[0:4], seed) }

// CRCChainAddr reads the physical address of the previous descriptor's
// completion-record CRC field (used by every descriptor after the first in
// a CRC chain).
func (d *Descriptor) CRCChainAddr() uint64 { return leUint64(d.Private[0:8]) }

// SetCRCChainAddr writes the chain address into Private.
func (d *Descriptor) SetCRCChainAddr(addr uint64) { putLeUint64(d.Private[0:8], addr) }

// MaxOutputSize reads the IAA compress bound-check field.
func (d *Descriptor) MaxOutputSize() uint32 { return leUint32(d.Private[0:4]) }

// SetMaxOutputSize writes the IAA compress bound-check field.
func (d *Descriptor) SetMaxOutputSize(size uint32) { putLeUint32(d.Private[0:4], size) }

// DIFParams is the opcode-private field block for DIF check/insert/strip
// descriptors, packed into Descriptor.Private.
type DIFParams struct {
	BlockSizeFlags uint8  // encodes the block-size class (512 vs 4096)
	SrcFlags       uint8  // which PI fields to verify + F-detect rules
	AppTagSeed     uint16 // application-tag seed
	AppTagMask     uint16 // application-tag mask
	RefTagSeed     uint32 // reference-tag seed (running total across descriptors)
}

func (d *Descriptor) DIF() DIFParams {
	return DIFParams{
		BlockSizeFlags: d.Private[0],
		SrcFlags:       d.Private[1],
		AppTagSeed:     leUint16(d.Private[2:4]),
		AppTagMask:     leUint16(d.Private[4:6]),
		RefTagSeed:     leUint32(d.Private[8:12]),
	}
}

func (d *Descriptor) SetDIF(p DIFParams) {
	d.Private[0] = p.BlockSizeFlags
	d.Private[1] = p.SrcFlags
	putLeUint16(d.Private[2:4], p.AppTagSeed)
	putLeUint16(d.Private[4:6], p.AppTagMask)
	putLeUint32(d.Private[8:12], p.RefTagSeed)
}

// DescriptorListAddr reads the batch child-array physical address (OpBatch).
func (d *Descriptor) DescriptorListAddr() uint64 { return leUint64(d.Private[0:8]) }

func (d *Descriptor) SetDescriptorListAddr(addr uint64) { putLeUint64(d.Private[0:8], addr) }

// DescriptorCount reads the batch child count (OpBatch).
func (d *Descriptor) DescriptorCount() uint32 { return leUint32(d.Private[8:12]) }

func (d *Descriptor) SetDescriptorCount(n uint32) { putLeUint32(d.Private[8:12], n) }
