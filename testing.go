package dsaq

import (
	"sync"
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/constants"
	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/devif"
)

// MockDevice is a minimal devif.Device for exercising the submission gate
// and completion poller without real accelerator hardware. Every
// WriteDescriptor call completes synchronously, standing in for the
// device's own work-queue processing, so tests never need a separate poll
// loop or goroutine to observe a completion. Translate defaults to an
// identity mapping reporting the whole requested range as one contiguous
// run, which is enough for tests that only care about descriptor wiring;
// SetTranslateFunc overrides it for tests that need fragmentation or
// failure behavior.
type MockDevice struct {
	mu sync.Mutex

	class             devif.Class
	workQueueCapacity int
	channelsPerDevice int
	explicitChannels  bool
	pasidEnabled      bool
	aecsAddr          uint64
	portalStride      uintptr

	translateFn func(vaddr uintptr, length uint64) (uint64, uint64, error)

	writes        [][64]byte
	failNext      int
	failAll       bool
	dumpCallCount int

	nextCRC32C        uint32
	nextOutputSize    uint32
	nextCompareResult uint8
}

// NewMockDevice returns a DSA-class MockDevice with identity-mapped
// translation, PASID passthrough disabled, and a channel count derived from
// its default 64-entry work queue (constants.NumChannelsForWorkQueue).
func NewMockDevice() *MockDevice {
	d := &MockDevice{
		class:             devif.ClassDSA,
		workQueueCapacity: 64,
		portalStride:      64,
	}
	d.channelsPerDevice = constants.NumChannelsForWorkQueue(d.workQueueCapacity)
	return d
}

func (d *MockDevice) PortalBase() uintptr { return 0x1000 }

func (d *MockDevice) Translate(vaddr uintptr, length uint64) (uint64, uint64, error) {
	d.mu.Lock()
	fn := d.translateFn
	d.mu.Unlock()
	if fn != nil {
		return fn(vaddr, length)
	}
	return uint64(vaddr), length, nil
}

func (d *MockDevice) DumpSoftwareError(portal uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dumpCallCount++
}

func (d *MockDevice) WorkQueueCapacity() int { return d.workQueueCapacity }
func (d *MockDevice) ChannelsPerDevice() int { return d.channelsPerDevice }
func (d *MockDevice) Class() devif.Class     { return d.class }
func (d *MockDevice) PASIDEnabled() bool     { return d.pasidEnabled }
func (d *MockDevice) AECSAddress() uint64    { return d.aecsAddr }
func (d *MockDevice) PortalStride() uintptr  { return d.portalStride }

// WriteDescriptor records the raw bytes and immediately drives the
// descriptor's completion record via its latched CompletionAddr, which in
// this single-process simulation is a real pointer rather than a device
// physical address.
func (d *MockDevice) WriteDescriptor(portal uintptr, raw [64]byte) error {
	d.mu.Lock()
	d.writes = append(d.writes, raw)
	fail := d.failAll
	if d.failNext > 0 {
		fail = true
		d.failNext--
	}
	crc := d.nextCRC32C
	outSize := d.nextOutputSize
	cmp := d.nextCompareResult
	d.mu.Unlock()

	rawDesc := (*desc.Descriptor)(unsafe.Pointer(&raw[0]))

	// For an OpBatch descriptor the device walks the child array it points
	// at and completes each child individually, same as if each had been
	// doorbell-submitted on its own, then falls through to complete the
	// batch descriptor's own record.
	if rawDesc.Opcode == desc.OpBatch {
		children := unsafe.Slice(
			(*desc.Descriptor)(unsafe.Pointer(uintptr(rawDesc.DescriptorListAddr()))),
			int(rawDesc.DescriptorCount()),
		)
		for i := range children {
			child := &children[i]
			completion := (*desc.CompletionRecord)(unsafe.Pointer(uintptr(child.CompletionAddr)))
			if fail {
				completion.MarkFailed()
				continue
			}
			completion.CRC32C = ^crc
			completion.OutputSize = outSize
			completion.Result = cmp
			completion.MarkDone()
		}
	}

	completion := (*desc.CompletionRecord)(unsafe.Pointer(uintptr(rawDesc.CompletionAddr)))
	if fail {
		completion.MarkFailed()
		return nil
	}
	completion.CRC32C = ^crc
	completion.OutputSize = outSize
	completion.Result = cmp
	completion.MarkDone()
	return nil
}

// SetTranslateFunc overrides the default identity translation.
func (d *MockDevice) SetTranslateFunc(fn func(vaddr uintptr, length uint64) (uint64, uint64, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.translateFn = fn
}

// FailNext makes the next n WriteDescriptor calls report a device failure.
func (d *MockDevice) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// FailAllWrites makes every subsequent WriteDescriptor call fail until
// cleared.
func (d *MockDevice) FailAllWrites(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

// SetNextCRC32C sets the pre-inversion CRC32C value the next completions
// report; SubmitCRC32C's caller sees this value inverted back, i.e. exactly
// what was set here.
func (d *MockDevice) SetNextCRC32C(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCRC32C = v
}

// SetNextOutputSize sets the OutputSize field the next completions report.
func (d *MockDevice) SetNextOutputSize(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextOutputSize = v
}

// SetNextCompareResult sets the Result byte the next completions report.
func (d *MockDevice) SetNextCompareResult(v uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCompareResult = v
}

// SetPASIDEnabled toggles whether Translate is bypassed entirely.
func (d *MockDevice) SetPASIDEnabled(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pasidEnabled = v
}

// SetChannelsPerDevice overrides the default channel count, pinning it
// against any later SetWorkQueueCapacity-driven re-derivation.
func (d *MockDevice) SetChannelsPerDevice(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channelsPerDevice = n
	d.explicitChannels = true
}

// SetWorkQueueCapacity overrides the default work-queue size and, unless
// SetChannelsPerDevice already pinned an explicit override, re-derives the
// channel count from it.
func (d *MockDevice) SetWorkQueueCapacity(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workQueueCapacity = n
	if !d.explicitChannels {
		d.channelsPerDevice = constants.NumChannelsForWorkQueue(n)
	}
}

// SetClass overrides the default DSA class.
func (d *MockDevice) SetClass(c devif.Class) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.class = c
}

// SetAECSAddress overrides the default zero AECS address.
func (d *MockDevice) SetAECSAddress(addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aecsAddr = addr
}

// Writes returns every descriptor handed to WriteDescriptor so far, in
// submission order.
func (d *MockDevice) Writes() [][64]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][64]byte, len(d.writes))
	copy(out, d.writes)
	return out
}

// DumpCallCount reports how many times DumpSoftwareError has been invoked.
func (d *MockDevice) DumpCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dumpCallCount
}

var _ devif.Device = (*MockDevice)(nil)
