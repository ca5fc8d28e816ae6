// Package simdev provides a fully-executing simulated accelerator device:
// unlike dsaq's own MockDevice (which only latches canned completion
// values), simdev actually performs every opcode against real process
// memory, so a program built against it sees real copies, real CRC32C
// values, real compressed output, and real DIF guard failures. It backs
// cmd/dsaqctl and any test that wants end-to-end behavior without real
// DSA/IAA hardware.
package simdev

import (
	"hash/crc32"
	"math/rand"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/ehrlich-b/dsaq/internal/constants"
	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/devif"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// faultShardCount shards fault-injection RNG state by address hash, so
// concurrent channels rolling dice for unrelated buffers don't serialize on
// one global lock.
const faultShardCount = 64

type faultShard struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// Device is a software accelerator that executes descriptors against the
// caller's real memory. Addresses are treated as literal process pointers
// throughout, the same passthrough-addressing model MockDevice uses.
type Device struct {
	mu sync.Mutex

	class             devif.Class
	workQueueCapacity int
	channelsPerDevice int
	pasidEnabled      bool
	aecsAddr          uint64
	portalStride      uintptr
	portalBase        uintptr

	// pageSize, when non-zero, clamps every Translate run to the
	// containing page boundary, simulating physical fragmentation the
	// way a real IOMMU page table would. Zero means identity mapping
	// with no induced fragmentation.
	pageSize uint64

	// failureRate is the probability, in [0,1], that any single
	// WriteDescriptor call is failed deliberately rather than executed,
	// standing in for transient device errors a real accelerator can
	// report under thermal throttling or an in-flight reset.
	failureRate float64
	faults      [faultShardCount]faultShard

	dumpCallCount int

	log *log.Entry
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithClass overrides the default DSA class.
func WithClass(c devif.Class) Option { return func(d *Device) { d.class = c } }

// WithWorkQueueCapacity overrides the default work-queue size.
func WithWorkQueueCapacity(n int) Option { return func(d *Device) { d.workQueueCapacity = n } }

// WithChannelsPerDevice overrides the channel count the device reports.
func WithChannelsPerDevice(n int) Option { return func(d *Device) { d.channelsPerDevice = n } }

// WithPASIDEnabled toggles PASID passthrough addressing.
func WithPASIDEnabled(v bool) Option { return func(d *Device) { d.pasidEnabled = v } }

// WithAECSAddress sets the simulated per-device AECS block address.
func WithAECSAddress(addr uint64) Option { return func(d *Device) { d.aecsAddr = addr } }

// WithPageSize enables simulated physical-address fragmentation: Translate
// never reports a contiguous run crossing a pageSize-aligned boundary.
func WithPageSize(pageSize uint64) Option { return func(d *Device) { d.pageSize = pageSize } }

// WithFailureRate sets the fraction, in [0,1], of submitted descriptors
// that fail outright instead of executing.
func WithFailureRate(rate float64) Option { return func(d *Device) { d.failureRate = rate } }

// WithFaultSeed seeds the fault-injection RNG deterministically, for tests
// that need reproducible failure sequences.
func WithFaultSeed(seed int64) Option {
	return func(d *Device) {
		for i := range d.faults {
			d.faults[i].rng = rand.New(rand.NewSource(seed + int64(i)))
		}
	}
}

// New builds a simulated DSA-class device with a 64-entry work queue,
// identity address translation, and fault injection disabled. The channel
// count defaults to the work-queue-derived split (constants.
// NumChannelsForWorkQueue) unless WithChannelsPerDevice overrides it.
func New(opts ...Option) *Device {
	d := &Device{
		class:             devif.ClassDSA,
		workQueueCapacity: 64,
		portalStride:      64,
		portalBase:        0x10000,
		log:               log.WithField("component", "simdev"),
	}
	for i := range d.faults {
		d.faults[i].rng = rand.New(rand.NewSource(int64(i) + 1))
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.channelsPerDevice == 0 {
		d.channelsPerDevice = constants.NumChannelsForWorkQueue(d.workQueueCapacity)
	}
	return d
}

func (d *Device) PortalBase() uintptr        { return d.portalBase }
func (d *Device) WorkQueueCapacity() int     { return d.workQueueCapacity }
func (d *Device) ChannelsPerDevice() int     { return d.channelsPerDevice }
func (d *Device) Class() devif.Class         { return d.class }
func (d *Device) PASIDEnabled() bool         { return d.pasidEnabled }
func (d *Device) AECSAddress() uint64        { return d.aecsAddr }
func (d *Device) PortalStride() uintptr      { return d.portalStride }

// Translate identity-maps every virtual address (this is a single-process
// simulation; there is no real physical memory to walk) but, when a page
// size is configured, clamps the reported run length so callers see the
// same contiguous-run fragmentation a real IOMMU-backed device would
// produce across page boundaries.
func (d *Device) Translate(vaddr uintptr, length uint64) (uint64, uint64, error) {
	pageSize := d.pageSize
	if pageSize == 0 {
		return uint64(vaddr), length, nil
	}
	offsetInPage := uint64(vaddr) % pageSize
	run := pageSize - offsetInPage
	if run > length {
		run = length
	}
	return uint64(vaddr), run, nil
}

// DumpSoftwareError logs a structured diagnostic for a device-flagged
// failure, standing in for the register dump a real driver would pull off
// the hardware's software-error bank.
func (d *Device) DumpSoftwareError(portal uintptr) {
	d.mu.Lock()
	d.dumpCallCount++
	d.mu.Unlock()
	d.log.WithField("portal", portal).Warn("device-flagged completion failure")
}

// DumpCallCount reports how many times DumpSoftwareError has fired.
func (d *Device) DumpCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dumpCallCount
}

func (d *Device) faultShard(addr uint64) *faultShard {
	return &d.faults[addr%faultShardCount]
}

// injectedFailure rolls the dice for one descriptor, keyed by its source
// address so repeated operations on the same buffer share a fault stream.
func (d *Device) injectedFailure(addr uint64) bool {
	rate := d.failureRate
	if rate <= 0 {
		return false
	}
	shard := d.faultShard(addr)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.rng.Float64() < rate
}

// WriteDescriptor executes the descriptor against real process memory and
// writes its result to the completion record latched in CompletionAddr.
// OpBatch is expanded in place: the device walks the child array itself,
// exactly as real hardware reads the descriptor list rather than receiving
// children through separate doorbell writes, then marks the batch
// descriptor's own completion record done.
func (d *Device) WriteDescriptor(portal uintptr, raw [64]byte) error {
	rawDesc := (*desc.Descriptor)(unsafe.Pointer(&raw[0]))

	if rawDesc.Opcode == desc.OpBatch {
		children := unsafe.Slice(
			(*desc.Descriptor)(unsafe.Pointer(uintptr(rawDesc.DescriptorListAddr()))),
			int(rawDesc.DescriptorCount()),
		)
		for i := range children {
			d.execOne(&children[i])
		}
		(*desc.CompletionRecord)(unsafe.Pointer(uintptr(rawDesc.CompletionAddr))).MarkDone()
		return nil
	}

	d.execOne(rawDesc)
	return nil
}

// execOne runs a single (non-batch) descriptor and writes its completion.
func (d *Device) execOne(dsc *desc.Descriptor) {
	completion := (*desc.CompletionRecord)(unsafe.Pointer(uintptr(dsc.CompletionAddr)))

	if d.injectedFailure(dsc.Src1Addr) {
		completion.MarkFailed()
		return
	}

	if err := d.dispatch(dsc, completion); err != nil {
		d.log.WithError(err).WithField("opcode", dsc.Opcode.String()).Warn("simulated execution failed")
		completion.MarkFailed()
		return
	}
}

var _ devif.Device = (*Device)(nil)
