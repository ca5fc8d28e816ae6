// Package dif validates and encodes the Protection Information parameters
// DIF-check/insert/strip descriptors carry, mirroring the guard rules the
// accelerator itself enforces (spec section 4.3).
package dif

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/dsaq/internal/desc"
)

// Type identifies which SCSI/NVMe DIF type a context validates against. The
// accelerator cares only about which tags Type 1/2/3 leaves unchecked, not
// about the type itself once the source flags are computed.
type Type int

const (
	Type1 Type = iota
	Type2
	Type3
)

const (
	metadataSize8  = 8
	metadataSize16 = 16

	blockSize512 = 512
	blockSize4K  = 4096

	// piFormat16 is the only protection-information format the accelerator
	// implements: a 16-bit guard/app-tag/ref-tag triad laid out per the
	// T10 DIF standard.
	piFormat16 = 16
)

// Context describes one buffer's DIF layout and which checks apply to it,
// modeled on the accelerator's own context structure.
type Context struct {
	BlockSize     uint32 // block size including metadata
	MetadataSize  uint32 // 8 or 16 bytes
	GuardInterval uint32 // 512 or 4096; selects the block-size class flag
	GuardCheck    bool
	RefTagCheck   bool
	AppTagCheck   bool
	AppTagSeed    uint16
	AppTagMask    uint16
	InitRefTag    uint32
	Type          Type

	// DataOffset is the byte offset into the block where the data region
	// starts. The accelerator only understands data starting at the block
	// boundary; any other offset belongs to a software DIF remapping step
	// this engine doesn't perform.
	DataOffset uint32

	// GuardSeed seeds the CRC guard computation. The accelerator always
	// starts a block's guard at zero; a nonzero seed would require software
	// pre-mixing this engine doesn't perform.
	GuardSeed uint16

	// PIFormat is the protection-information layout. Only the 16-bit format
	// (piFormat16) is supported.
	PIFormat uint16

	// MDInterleave reports whether the metadata is interleaved with the
	// data it protects, rather than held in a separate buffer. The
	// accelerator's DIF opcodes only operate on interleaved metadata.
	MDInterleave bool
}

// dataBlockSize returns the block size excluding metadata.
func (c Context) dataBlockSize() uint32 { return c.BlockSize - c.MetadataSize }

// Validate checks the common constraints every DIF operation enforces,
// independent of check/insert/strip (spec section 4.3, "common guards").
func (c Context) Validate() error {
	if c.MetadataSize != metadataSize8 && c.MetadataSize != metadataSize16 {
		return fmt.Errorf("dif: unsupported metadata size %d", c.MetadataSize)
	}
	if c.MetadataSize == metadataSize16 &&
		(c.GuardInterval == blockSize512 || c.GuardInterval == blockSize4K) {
		return errors.New("dif: left-aligned metadata is not supported")
	}
	db := c.dataBlockSize()
	if db != blockSize512 && db != blockSize4K {
		return fmt.Errorf("dif: unsupported data block size %d", db)
	}
	if c.DataOffset != 0 {
		return fmt.Errorf("dif: data offset %d is not supported, data must start at the block boundary", c.DataOffset)
	}
	if c.GuardSeed != 0 {
		return fmt.Errorf("dif: guard seed %d is not supported, the accelerator always seeds the guard at zero", c.GuardSeed)
	}
	if c.PIFormat != piFormat16 {
		return fmt.Errorf("dif: unsupported PI format %d, only the 16-bit format is implemented", c.PIFormat)
	}
	if !c.MDInterleave {
		return errors.New("dif: metadata must be interleaved with data")
	}
	return nil
}

// ValidateBufferAlignment checks that a contiguous segment's length is an
// exact multiple of the full block size — DSA cannot split a DIF buffer
// mid-block across descriptors.
func (c Context) ValidateBufferAlignment(segLen uint64) error {
	if segLen%uint64(c.BlockSize) != 0 {
		return fmt.Errorf("dif: buffer length %d is not a multiple of block size %d", segLen, c.BlockSize)
	}
	return nil
}

// ValidateInsert applies the common checks plus insert's requirement that
// guard, app-tag, and ref-tag checking are all enabled — an insert with any
// of them off would write PI fields the device never actually computed.
func (c Context) ValidateInsert() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.GuardCheck {
		return errors.New("dif: insert requires guard check to be enabled")
	}
	if !c.AppTagCheck {
		return errors.New("dif: insert requires app tag check to be enabled")
	}
	if !c.RefTagCheck {
		return errors.New("dif: insert requires ref tag check to be enabled")
	}
	return nil
}

// ValidateInsertBufferAlignment checks that a source (data-only) segment and
// its wider destination (data+metadata) segment agree on block count, per
// the insert opcode's paired-buffer contract.
func (c Context) ValidateInsertBufferAlignment(srcLen, dstLen uint64) error {
	db := uint64(c.dataBlockSize())
	if srcLen%db != 0 {
		return fmt.Errorf("dif: source length %d is not a multiple of data block size %d", srcLen, db)
	}
	if dstLen%uint64(c.BlockSize) != 0 {
		return fmt.Errorf("dif: destination length %d is not a multiple of block size %d", dstLen, c.BlockSize)
	}
	if srcLen/db != dstLen/uint64(c.BlockSize) {
		return fmt.Errorf("dif: source (%d blocks) and destination (%d blocks) must hold the same block count",
			srcLen/db, dstLen/uint64(c.BlockSize))
	}
	return nil
}

// ValidateStripBufferAlignment is ValidateInsertBufferAlignment with roles
// reversed: the wider (data+metadata) buffer is the source, the data-only
// buffer is the destination.
func (c Context) ValidateStripBufferAlignment(srcLen, dstLen uint64) error {
	return c.ValidateInsertBufferAlignment(dstLen, srcLen)
}

// NumDataBlocks returns how many full blocks a data-only (no metadata)
// segment of the given length contains.
func (c Context) NumDataBlocks(segLen uint64) uint32 {
	return uint32(segLen / uint64(c.dataBlockSize()))
}

// blockSizeFlag encodes the guard interval into the descriptor's block-size
// class bit.
func (c Context) blockSizeFlag() (uint8, error) {
	switch c.GuardInterval {
	case blockSize512:
		return 0, nil
	case blockSize4K:
		return 1, nil
	default:
		return 0, fmt.Errorf("dif: unsupported guard interval %d", c.GuardInterval)
	}
}

// sourceFlags encodes which PI fields the device should verify on a
// DIF-check descriptor, applying the Type 1/2/3 F-detect rule: Type 1/2
// disables the app-tag check (an all-0xFFFF app tag bypasses verification
// instead), and Type 3 disables both app-tag and ref-tag checks.
func (c Context) sourceFlags() uint8 {
	var flags uint8
	if !c.GuardCheck {
		flags |= srcFlagGuardCheckDisable
	}
	if !c.RefTagCheck {
		flags |= srcFlagRefTagCheckDisable
	}
	switch c.Type {
	case Type1, Type2:
		flags |= srcFlagAppTagFDetect
	case Type3:
		flags |= srcFlagAppAndRefTagFDetect
	}
	return flags
}

// DecodeSourceFlags reports which checks a descriptor's SrcFlags byte (as
// computed by sourceFlags above) disables, for consumers that need to
// interpret an already-built descriptor rather than a Context.
func DecodeSourceFlags(flags uint8) (guardDisabled, refTagDisabled, appTagFDetect, appAndRefTagFDetect bool) {
	return flags&srcFlagGuardCheckDisable != 0,
		flags&srcFlagRefTagCheckDisable != 0,
		flags&srcFlagAppTagFDetect != 0,
		flags&srcFlagAppAndRefTagFDetect != 0
}

// appTagMask returns the descriptor-level app tag mask: all-ones disables
// the check entirely (matching the accelerator's "mask out everything"
// convention), otherwise the complement of the caller's mask of app-tag
// bits to compare, since the descriptor's mask marks the bits to ignore.
func (c Context) appTagMask() uint16 {
	if !c.AppTagCheck {
		return 0xFFFF
	}
	return ^c.AppTagMask
}

const (
	srcFlagGuardCheckDisable   uint8 = 1 << 0
	srcFlagRefTagCheckDisable  uint8 = 1 << 1
	srcFlagAppTagFDetect       uint8 = 1 << 2
	srcFlagAppAndRefTagFDetect uint8 = 1 << 3
)

// Params computes the DIFParams for one descriptor covering blocksDone
// blocks already processed earlier in a multi-segment operation (the
// reference tag advances by one per block across the whole request).
func (c Context) Params(blocksDone uint32) (desc.DIFParams, error) {
	if err := c.Validate(); err != nil {
		return desc.DIFParams{}, err
	}
	blockFlag, err := c.blockSizeFlag()
	if err != nil {
		return desc.DIFParams{}, err
	}
	return desc.DIFParams{
		BlockSizeFlags: blockFlag,
		SrcFlags:       c.sourceFlags(),
		AppTagSeed:     c.AppTagSeed,
		AppTagMask:     c.appTagMask(),
		RefTagSeed:     c.InitRefTag + blocksDone,
	}, nil
}

// NumBlocks returns how many full blocks a segment of the given length
// contains, assuming ValidateBufferAlignment already passed.
func (c Context) NumBlocks(segLen uint64) uint32 {
	return uint32(segLen / uint64(c.BlockSize))
}

// DataBlockSizeFromFlag decodes a descriptor's BlockSizeFlags byte back into
// the data block size it encodes, the inverse of Context.blockSizeFlag. For
// devices executing a descriptor directly (rather than building one from a
// Context) this is the only way to recover the block size.
func DataBlockSizeFromFlag(blockSizeFlags uint8) (uint32, error) {
	switch blockSizeFlags {
	case 0:
		return blockSize512, nil
	case 1:
		return blockSize4K, nil
	default:
		return 0, fmt.Errorf("dif: unsupported block-size flag %d", blockSizeFlags)
	}
}
