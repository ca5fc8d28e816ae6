package dif_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dsaq/internal/dif"
)

func baseContext() dif.Context {
	return dif.Context{
		Type:          dif.Type1,
		BlockSize:     520,
		MetadataSize:  8,
		GuardInterval: 512,
		GuardCheck:    true,
		RefTagCheck:   true,
		AppTagCheck:   true,
		InitRefTag:    1,
		PIFormat:      16,
		MDInterleave:  true,
	}
}

func TestValidateAcceptsStandard520Block(t *testing.T) {
	require.NoError(t, baseContext().Validate())
}

func TestValidateRejectsBadMetadataSize(t *testing.T) {
	ctx := baseContext()
	ctx.MetadataSize = 4
	require.Error(t, ctx.Validate())
}

func TestValidateRejects16ByteLeftAligned(t *testing.T) {
	ctx := baseContext()
	ctx.MetadataSize = 16
	ctx.BlockSize = 528
	require.Error(t, ctx.Validate(), "left-aligned 16-byte metadata over a 512/4096 guard interval is unsupported")
}

func TestValidateRejectsUnsupportedDataBlockSize(t *testing.T) {
	ctx := baseContext()
	ctx.BlockSize = 264 // data block would be 256, not 512 or 4096
	require.Error(t, ctx.Validate())
}

func TestValidateRejectsNonZeroDataOffset(t *testing.T) {
	ctx := baseContext()
	ctx.DataOffset = 8
	require.Error(t, ctx.Validate())
}

func TestValidateRejectsNonZeroGuardSeed(t *testing.T) {
	ctx := baseContext()
	ctx.GuardSeed = 1
	require.Error(t, ctx.Validate())
}

func TestValidateRejectsUnsupportedPIFormat(t *testing.T) {
	ctx := baseContext()
	ctx.PIFormat = 32
	require.Error(t, ctx.Validate())
}

func TestValidateRejectsNonInterleavedMetadata(t *testing.T) {
	ctx := baseContext()
	ctx.MDInterleave = false
	require.Error(t, ctx.Validate())
}

func TestValidateInsertRequiresAllChecksEnabled(t *testing.T) {
	ctx := baseContext()
	ctx.GuardCheck = false
	require.Error(t, ctx.ValidateInsert())

	ctx = baseContext()
	ctx.AppTagCheck = false
	require.Error(t, ctx.ValidateInsert())

	ctx = baseContext()
	ctx.RefTagCheck = false
	require.Error(t, ctx.ValidateInsert())

	require.NoError(t, baseContext().ValidateInsert())
}

func TestValidateBufferAlignment(t *testing.T) {
	ctx := baseContext()
	require.NoError(t, ctx.ValidateBufferAlignment(520*3))
	require.Error(t, ctx.ValidateBufferAlignment(521))
}

func TestValidateInsertBufferAlignmentMatchesBlockCounts(t *testing.T) {
	ctx := baseContext()
	require.NoError(t, ctx.ValidateInsertBufferAlignment(512*4, 520*4))
	require.Error(t, ctx.ValidateInsertBufferAlignment(512*4, 520*3), "block counts must agree")
	require.Error(t, ctx.ValidateInsertBufferAlignment(511, 520))
}

func TestValidateStripBufferAlignmentReversesRoles(t *testing.T) {
	ctx := baseContext()
	require.NoError(t, ctx.ValidateStripBufferAlignment(520*4, 512*4))
	require.Error(t, ctx.ValidateStripBufferAlignment(520*3, 512*4))
}

func TestNumDataBlocksAndNumBlocks(t *testing.T) {
	ctx := baseContext()
	require.Equal(t, uint32(4), ctx.NumDataBlocks(512*4))
	require.Equal(t, uint32(4), ctx.NumBlocks(520*4))
}

func TestParamsAdvancesRefTagByBlocksDone(t *testing.T) {
	ctx := baseContext()
	p0, err := ctx.Params(0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p0.RefTagSeed)

	p5, err := ctx.Params(5)
	require.NoError(t, err)
	require.Equal(t, uint32(6), p5.RefTagSeed)
}

func TestParamsBlockSizeFlagEncodesGuardInterval(t *testing.T) {
	small := baseContext()
	pSmall, err := small.Params(0)
	require.NoError(t, err)
	require.Equal(t, uint8(0), pSmall.BlockSizeFlags)

	large := baseContext()
	large.GuardInterval = 4096
	large.BlockSize = 4104
	pLarge, err := large.Params(0)
	require.NoError(t, err)
	require.Equal(t, uint8(1), pLarge.BlockSizeFlags)
}

func TestDataBlockSizeFromFlagIsInverseOfParams(t *testing.T) {
	size, err := dif.DataBlockSizeFromFlag(0)
	require.NoError(t, err)
	require.Equal(t, uint32(512), size)

	size, err = dif.DataBlockSizeFromFlag(1)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), size)

	_, err = dif.DataBlockSizeFromFlag(2)
	require.Error(t, err)
}

func TestSourceFlagsType1DisablesAppTagViaFDetect(t *testing.T) {
	ctx := baseContext()
	ctx.Type = dif.Type1
	p, err := ctx.Params(0)
	require.NoError(t, err)

	_, refTagDisabled, appTagFDetect, appAndRefTagFDetect := dif.DecodeSourceFlags(p.SrcFlags)
	require.False(t, refTagDisabled)
	require.True(t, appTagFDetect)
	require.False(t, appAndRefTagFDetect)
}

func TestSourceFlagsType3DisablesAppAndRefTag(t *testing.T) {
	ctx := baseContext()
	ctx.Type = dif.Type3
	p, err := ctx.Params(0)
	require.NoError(t, err)

	_, _, _, appAndRefTagFDetect := dif.DecodeSourceFlags(p.SrcFlags)
	require.True(t, appAndRefTagFDetect)
}

func TestSourceFlagsDisabledChecksSetBits(t *testing.T) {
	ctx := baseContext()
	ctx.GuardCheck = false
	ctx.RefTagCheck = false
	p, err := ctx.Params(0)
	require.NoError(t, err)

	guardDisabled, refTagDisabled, _, _ := dif.DecodeSourceFlags(p.SrcFlags)
	require.True(t, guardDisabled)
	require.True(t, refTagDisabled)
}

func TestAppTagMaskConvention(t *testing.T) {
	ctx := baseContext()
	ctx.AppTagCheck = false
	p, err := ctx.Params(0)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFF), p.AppTagMask, "disabled app-tag check masks out everything")

	ctx2 := baseContext()
	ctx2.AppTagMask = 0x00FF
	p2, err := ctx2.Params(0)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFF00), p2.AppTagMask, "enabled check stores the complement of the caller's compare mask")
}
