package dsaq

import (
	"testing"
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/devif"
	"github.com/ehrlich-b/dsaq/internal/dif"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

// rawDescriptorAt reinterprets one of a MockDevice's recorded writes as a
// Descriptor for field-level assertions.
func rawDescriptorAt(raw [64]byte) *desc.Descriptor {
	return (*desc.Descriptor)(unsafe.Pointer(&raw[0]))
}

// TestScenarioCopySingleRunCollapsesToOneDescriptor exercises an 8 KiB copy
// over a single physical run with PASID passthrough: one batch, one child,
// collapsed on submit into a standalone memmove descriptor.
func TestScenarioCopySingleRunCollapsesToOneDescriptor(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	src := make([]byte, 8192)
	dst := make([]byte, 8192)
	srcVA := uintptr(unsafe.Pointer(&src[0]))
	dstVA := uintptr(unsafe.Pointer(&dst[0]))

	var status pool.Status
	done := make(chan struct{})
	if err := ch.SubmitCopy(srcVA, dstVA, 8192, true, func(arg any, s pool.Status) { status = s; close(done) }, nil); err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	<-done

	writes := dev.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (single-child batch collapses)", len(writes))
	}
	rd := rawDescriptorAt(writes[0])
	if rd.Opcode != desc.OpMemMove {
		t.Errorf("opcode = %v, want memmove", rd.Opcode)
	}
	if rd.TransferSize != 8192 {
		t.Errorf("transfer size = %d, want 8192", rd.TransferSize)
	}
	if rd.Src1Addr != uint64(srcVA) || rd.Dst1Addr != uint64(dstVA) {
		t.Errorf("addresses = (%#x,%#x), want PASID passthrough of (%#x,%#x)", rd.Src1Addr, rd.Dst1Addr, srcVA, dstVA)
	}
	if status != pool.StatusOK {
		t.Errorf("status = %d, want StatusOK", status)
	}
}

// TestScenarioCopySplitsAtDestinationDiscontinuity copies 12 KiB where the
// source is one contiguous run but the destination's first 4 KiB and next
// 8 KiB land in disjoint physical runs: the paired iterator must emit two
// descriptors of exactly those sizes, with the parent fanning in only once
// both land.
func TestScenarioCopySplitsAtDestinationDiscontinuity(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	const total = 12 * 1024
	src := make([]byte, total)
	dst := make([]byte, total)
	srcVA := uintptr(unsafe.Pointer(&src[0]))
	dstVA := uintptr(unsafe.Pointer(&dst[0]))

	dev.SetTranslateFunc(func(vaddr uintptr, length uint64) (uint64, uint64, error) {
		if vaddr >= dstVA && vaddr < dstVA+total {
			offset := uint64(vaddr - dstVA)
			if offset < 4096 {
				return uint64(vaddr), 4096 - offset, nil
			}
			return uint64(vaddr), total - offset, nil
		}
		return uint64(vaddr), length, nil // source is one contiguous run
	})

	var calls int
	var status pool.Status
	done := make(chan struct{})
	err = ch.SubmitCopy(srcVA, dstVA, total, false, func(arg any, s pool.Status) {
		calls++
		status = s
		close(done)
	}, nil)
	if err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	<-done

	writes := dev.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (one OpBatch descriptor)", len(writes))
	}
	rd := rawDescriptorAt(writes[0])
	if rd.Opcode != desc.OpBatch {
		t.Fatalf("opcode = %v, want batch (two children must not collapse)", rd.Opcode)
	}
	if rd.DescriptorCount() != 2 {
		t.Fatalf("child count = %d, want 2", rd.DescriptorCount())
	}
	children := unsafe.Slice((*desc.Descriptor)(unsafe.Pointer(uintptr(rd.DescriptorListAddr()))), 2)
	if children[0].TransferSize != 4096 {
		t.Errorf("first child size = %d, want 4096", children[0].TransferSize)
	}
	if children[1].TransferSize != 8192 {
		t.Errorf("second child size = %d, want 8192", children[1].TransferSize)
	}
	if calls != 1 {
		t.Errorf("parent callback fired %d times, want exactly 1 once both children land", calls)
	}
	if status != pool.StatusOK {
		t.Errorf("status = %d, want StatusOK", status)
	}
}

// TestScenarioCRC32CChainsThreeSegments computes the CRC32C of three 1 KiB
// segments seeded with 0xFFFFFFFF, verifying the chain wiring and the final
// inversion of the device's running value.
func TestScenarioCRC32CChainsThreeSegments(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	const segLen = 1024
	buf := make([]byte, 3*segLen)
	bufVA := uintptr(unsafe.Pointer(&buf[0]))

	dev.SetTranslateFunc(func(vaddr uintptr, length uint64) (uint64, uint64, error) {
		run := uint64(segLen)
		if run > length {
			run = length
		}
		return uint64(vaddr), run, nil
	})
	dev.SetNextCRC32C(0x12345678)

	var crc uint32
	done := make(chan struct{})
	err = ch.SubmitCRC32C(bufVA, 3*segLen, 0xFFFFFFFF, false, &crc, func(arg any, s pool.Status) { close(done) }, nil)
	if err != nil {
		t.Fatalf("SubmitCRC32C failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	<-done

	writes := dev.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (one OpBatch descriptor)", len(writes))
	}
	rd := rawDescriptorAt(writes[0])
	if rd.DescriptorCount() != 3 {
		t.Fatalf("child count = %d, want 3", rd.DescriptorCount())
	}
	children := unsafe.Slice((*desc.Descriptor)(unsafe.Pointer(uintptr(rd.DescriptorListAddr()))), 3)

	if children[0].CRCSeed() != 0xFFFFFFFF {
		t.Errorf("first descriptor seed = %#x, want 0xFFFFFFFF", children[0].CRCSeed())
	}
	if children[0].HasFlag(desc.FlagFence) {
		t.Errorf("first descriptor must not carry fence")
	}
	for i := 1; i < 3; i++ {
		if !children[i].HasFlag(desc.FlagFence) || !children[i].HasFlag(desc.FlagCRCSeedFromSrc2) {
			t.Errorf("descriptor %d missing fence/seed-from-src2 flags", i)
		}
		wantAddr := children[i-1].CompletionAddr + 8 // crcFieldOffset
		if children[i].CRCChainAddr() != wantAddr {
			t.Errorf("descriptor %d chain addr = %#x, want %#x", i, children[i].CRCChainAddr(), wantAddr)
		}
	}

	if crc != 0x12345678 {
		t.Errorf("crc = %#08x, want %#08x (poller inverts the device's raw running value back)", crc, uint32(0x12345678))
	}
}

// TestScenarioDIFCheckSingleDescriptorWithAppTagDisabled checks a
// 4 x (512+8) buffer under Type 1 with app-tag checking disabled.
func TestScenarioDIFCheckSingleDescriptorWithAppTagDisabled(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	buf := make([]byte, 4*520)
	bufVA := uintptr(unsafe.Pointer(&buf[0]))

	ctx := dif.Context{
		Type:          dif.Type1,
		BlockSize:     520,
		MetadataSize:  8,
		GuardInterval: 512,
		GuardCheck:    true,
		RefTagCheck:   true,
		AppTagCheck:   false,
		InitRefTag:    7,
		PIFormat:      16,
		MDInterleave:  true,
	}

	err = ch.SubmitDIFCheck(bufVA, 4*520, ctx, false, nil, nil)
	if err != nil {
		t.Fatalf("SubmitDIFCheck failed: %v", err)
	}

	writes := dev.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1 (one descriptor covering all 4 blocks)", len(writes))
	}
	rd := rawDescriptorAt(writes[0])
	if rd.TransferSize != 4*520 {
		t.Errorf("transfer size = %d, want %d", rd.TransferSize, 4*520)
	}
	p := rd.DIF()
	if p.AppTagMask != 0xFFFF {
		t.Errorf("app tag mask = %#04x, want 0xFFFF (app-tag check disabled)", p.AppTagMask)
	}
	if p.RefTagSeed != ctx.InitRefTag {
		t.Errorf("ref tag seed = %d, want %d", p.RefTagSeed, ctx.InitRefTag)
	}
	guardDisabled, refTagDisabled, appTagFDetect, _ := dif.DecodeSourceFlags(p.SrcFlags)
	if guardDisabled {
		t.Error("guard-check-disable should be off")
	}
	if refTagDisabled {
		t.Error("reftag-check-disable should be off")
	}
	if !appTagFDetect {
		t.Error("apptag F-detect should be on when app-tag checking is disabled under Type 1")
	}
}

// TestScenarioDualcastFragmentedDestinations dual-casts 16 KiB to two
// destinations that are each physically fragmented, expecting one
// descriptor per clipped (src,dst1,dst2) triple.
func TestScenarioDualcastFragmentedDestinations(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	const total = 16 * 1024
	src := make([]byte, total)
	dst1 := make([]byte, total)
	dst2 := make([]byte, total)
	srcVA := uintptr(unsafe.Pointer(&src[0]))
	dst1VA := uintptr(unsafe.Pointer(&dst1[0]))
	dst2VA := uintptr(unsafe.Pointer(&dst2[0]))

	dev.SetTranslateFunc(func(vaddr uintptr, length uint64) (uint64, uint64, error) {
		run := uint64(4096)
		if run > length {
			run = length
		}
		return uint64(vaddr), run, nil
	})

	var calls int
	done := make(chan struct{})
	err = ch.SubmitDualcast(srcVA, dst1VA, dst2VA, total, false, func(arg any, s pool.Status) { calls++; close(done) }, nil)
	if err != nil {
		t.Fatalf("SubmitDualcast failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	<-done

	writes := dev.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	rd := rawDescriptorAt(writes[0])
	wantChildren := uint32(total / 4096)
	if rd.DescriptorCount() != wantChildren {
		t.Fatalf("child count = %d, want %d", rd.DescriptorCount(), wantChildren)
	}
	children := unsafe.Slice((*desc.Descriptor)(unsafe.Pointer(uintptr(rd.DescriptorListAddr()))), int(wantChildren))
	for i, c := range children {
		if c.TransferSize != 4096 {
			t.Errorf("child %d size = %d, want 4096", i, c.TransferSize)
		}
		if c.Opcode != desc.OpDualcast {
			t.Errorf("child %d opcode = %v, want dualcast", i, c.Opcode)
		}
	}
	if calls != 1 {
		t.Errorf("parent callback fired %d times, want exactly 1", calls)
	}
}

// TestScenarioSubmitWithEmptyPoolReportsBackpressure submits against a
// channel whose single descriptor slot is already in flight: the next
// submit must fail with pool exhaustion without disturbing the outstanding
// work already queued.
func TestScenarioSubmitWithEmptyPoolReportsBackpressure(t *testing.T) {
	devif.ResetForTesting()
	dev := NewMockDevice()
	d, err := Open(dev, Params{NumDescriptors: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	src := make([]byte, 64)
	dst := make([]byte, 64)
	srcVA := uintptr(unsafe.Pointer(&src[0]))
	dstVA := uintptr(unsafe.Pointer(&dst[0]))

	if err := ch.SubmitCopy(srcVA, dstVA, 64, false, nil, nil); err != nil {
		t.Fatalf("first SubmitCopy failed: %v", err)
	}

	err = ch.SubmitCopy(srcVA, dstVA, 64, false, nil, nil)
	if !IsCode(err, ErrCodeExhausted) {
		t.Fatalf("second SubmitCopy = %v, want ErrCodeExhausted", err)
	}

	n, err := ch.ProcessCompletions(0)
	if err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ProcessCompletions() = %d, want 1 (the rejected submit never reached the FIFO)", n)
	}
}
