// Package dsaq drives Intel DSA/IAA-style data-streaming accelerators: it
// owns per-channel descriptor and batch pools, the submission gate, and the
// completion poller, and exposes one opcode per public Submit method.
package dsaq

import (
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/dsaq/internal/constants"
	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/devif"
	"github.com/ehrlich-b/dsaq/internal/dif"
	"github.com/ehrlich-b/dsaq/internal/logging"
	"github.com/ehrlich-b/dsaq/internal/pool"
	"github.com/ehrlich-b/dsaq/internal/submit"
	"github.com/ehrlich-b/dsaq/internal/translate"
)

// Params configures a Device opened over a devif.Device.
type Params struct {
	// NumDescriptors is the per-channel descriptor pool size. Zero means
	// constants.DefaultNumDescriptors.
	NumDescriptors int

	// Logger receives submission-gate diagnostics. Nil means
	// logging.Default().
	Logger logging.Interface

	// Observer receives per-submit/per-completion events. Nil means
	// NoOpObserver; pass NewMetricsObserver(m) to populate a Metrics.
	Observer Observer
}

// Device owns a fixed pool of Channels over one devif.Device, handing them
// out via AcquireChannel the way the accelerator's work queue is statically
// partitioned across channels at configuration time (spec section 3).
type Device struct {
	dev devif.Device

	mu       sync.Mutex
	channels []*Channel
	free     []int
}

// Open builds a Device over dev, sizing its channel pool from
// dev.ChannelsPerDevice() and each channel's descriptor/batch pools from
// params. Marks the driver registry as initialized, locking the kernel-mode
// vs. userspace-mode backend selection in place.
func Open(dev devif.Device, params Params) (*Device, error) {
	if dev == nil {
		return nil, NewError("Open", ErrCodeInvalidParams, "device is nil")
	}
	numDescs := params.NumDescriptors
	if numDescs <= 0 {
		numDescs = constants.DefaultNumDescriptors
	}
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}
	observer := params.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	n := dev.ChannelsPerDevice()
	if n <= 0 {
		return nil, NewError("Open", ErrCodeInvalidParams, "device reports zero channels")
	}

	d := &Device{dev: dev}
	d.channels = make([]*Channel, n)
	d.free = make([]int, n)
	for i := 0; i < n; i++ {
		ops := pool.NewOperationPool(numDescs)
		batches := pool.NewBatchPool(numDescs, numDescs)
		gate := submit.NewGate(dev, ops, batches, uintptr(numDescs), log)
		d.channels[i] = &Channel{
			index:    i,
			gate:     gate,
			metrics:  NewMetrics(),
			observer: observer,
		}
		d.free[i] = i
	}

	devif.MarkInitialized()
	return d, nil
}

// NumChannels returns how many channels this device was opened with.
func (d *Device) NumChannels() int { return len(d.channels) }

// Underlying returns the devif.Device this Device was opened over, for
// callers that need driver-specific diagnostics (e.g. DumpSoftwareError).
func (d *Device) Underlying() devif.Device { return d.dev }

// AcquireChannel hands out one of the device's preallocated channels.
// Returns an ErrCodeNoChannel error if every channel is already acquired.
func (d *Device) AcquireChannel() (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.free) == 0 {
		return nil, NewError("AcquireChannel", ErrCodeNoChannel, "no channel available")
	}
	i := d.free[len(d.free)-1]
	d.free = d.free[:len(d.free)-1]
	return d.channels[i], nil
}

// ReleaseChannel cancels ch's open, not-yet-submitted batch (if any),
// calling each of its children back with pool.StatusDeviceError, and
// returns ch to the device's free pool. ch must have no in-flight
// operations; callers should drain outstanding work via
// ProcessCompletions before releasing.
func (d *Device) ReleaseChannel(ch *Channel) {
	if ch == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = ch.gate.CancelBatch(pool.StatusDeviceError)
	d.free = append(d.free, ch.index)
}

// Channel is one single-owner-thread submission path: its own descriptor
// pool, batch pool, and outstanding FIFO. A Channel's methods must not be
// called from more than one goroutine concurrently (spec section 4.2);
// callers needing concurrent submission should acquire one channel per
// goroutine.
type Channel struct {
	index    int
	gate     *submit.Gate
	metrics  *Metrics
	observer Observer
}

// Index returns this channel's slot index within its Device.
func (c *Channel) Index() int { return c.index }

// Metrics returns the Metrics instance allocated for this channel. The
// channel does not record into it itself; submissions, completions and
// backpressure are reported only to the Params.Observer.
func (c *Channel) Metrics() *Metrics { return c.metrics }

// ProcessCompletions drains up to maxCompletions finished operations,
// running their callbacks and reclaiming their pool slots. maxCompletions
// <= 0 uses constants.DefaultCompletionsPerPoll.
func (c *Channel) ProcessCompletions(maxCompletions int) (int, error) {
	n, err := c.gate.ProcessCompletions(maxCompletions)
	return n, c.wrapErr("ProcessCompletions", err)
}

func clampBytes(length uint64) uint32 {
	const maxUint32 = 1<<32 - 1
	if length > maxUint32 {
		return maxUint32
	}
	return uint32(length)
}

// wrapCallback records the submit-side observation immediately and returns
// a callback that records the completion-side observation (latency,
// success) before invoking the caller's own callback.
func (c *Channel) wrapCallback(op desc.Opcode, bytes uint32, cb pool.CallbackFunc) pool.CallbackFunc {
	c.observer.ObserveSubmit(op, bytes)
	start := time.Now()
	return func(arg any, status pool.Status) {
		c.observer.ObserveCompletion(op, uint64(time.Since(start).Nanoseconds()), status == pool.StatusOK)
		if cb != nil {
			cb(arg, status)
		}
	}
}

// wrapErr classifies a submit package error into a structured Error,
// recording backpressure observations along the way.
func (c *Channel) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *translate.TranslationError
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		c.observer.ObservePoolExhausted()
		return NewChannelError(op, c.index, ErrCodeExhausted, err.Error())
	case errors.Is(err, pool.ErrBatchFull):
		c.observer.ObserveBatchExhausted()
		return NewChannelError(op, c.index, ErrCodeBatchExhausted, err.Error())
	case errors.As(err, &te):
		return NewChannelError(op, c.index, ErrCodeTranslation, err.Error())
	default:
		if e, ok := err.(*Error); ok {
			return e
		}
		return NewChannelError(op, c.index, ErrCodeDeviceFailure, err.Error())
	}
}

// SubmitCopy issues a memmove of length bytes from srcVA to dstVA.
func (c *Channel) SubmitCopy(srcVA, dstVA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpMemMove, clampBytes(length), cb)
	return c.wrapErr("SubmitCopy", c.gate.SubmitCopy(srcVA, dstVA, length, pasid, wrapped, arg))
}

// SubmitDualcast writes length bytes from srcVA to both dst1VA and dst2VA.
func (c *Channel) SubmitDualcast(srcVA, dst1VA, dst2VA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpDualcast, clampBytes(length), cb)
	return c.wrapErr("SubmitDualcast", c.gate.SubmitDualcast(srcVA, dst1VA, dst2VA, length, pasid, wrapped, arg))
}

// SubmitCompare byte-compares length bytes at srcVA and dstVA, writing the
// device's result byte (0 means equal) to *result.
func (c *Channel) SubmitCompare(srcVA, dstVA uintptr, length uint64, pasid bool, result *uint8, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpCompare, clampBytes(length), cb)
	return c.wrapErr("SubmitCompare", c.gate.SubmitCompare(srcVA, dstVA, length, pasid, result, wrapped, arg))
}

// SubmitFill writes the 64-bit pattern across length bytes at dstVA.
func (c *Channel) SubmitFill(dstVA uintptr, pattern uint64, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpMemFill, clampBytes(length), cb)
	return c.wrapErr("SubmitFill", c.gate.SubmitFill(dstVA, pattern, length, pasid, wrapped, arg))
}

// SubmitCRC32C computes the CRC32C of length bytes at srcVA, seeded with
// seed, writing the final inverted value to *crcDst.
func (c *Channel) SubmitCRC32C(srcVA uintptr, length uint64, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpCRCGenerate, clampBytes(length), cb)
	return c.wrapErr("SubmitCRC32C", c.gate.SubmitCRC32C(srcVA, length, seed, pasid, crcDst, wrapped, arg))
}

// SubmitCopyCRC32C copies length bytes from srcVA to dstVA while computing
// their running CRC32C into *crcDst.
func (c *Channel) SubmitCopyCRC32C(srcVA, dstVA uintptr, length uint64, seed uint32, pasid bool, crcDst *uint32, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpCopyCRC, clampBytes(length), cb)
	return c.wrapErr("SubmitCopyCRC32C", c.gate.SubmitCopyCRC32C(srcVA, dstVA, length, seed, pasid, crcDst, wrapped, arg))
}

// SubmitCompress runs deflate over length bytes at srcVA into dstVA,
// writing the number of bytes produced to *outSize.
func (c *Channel) SubmitCompress(srcVA, dstVA uintptr, length uint64, maxOutput uint32, pasid bool, outSize *uint32, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpCompress, clampBytes(length), cb)
	return c.wrapErr("SubmitCompress", c.gate.SubmitCompress(srcVA, dstVA, length, maxOutput, pasid, outSize, wrapped, arg))
}

// SubmitDecompress runs inflate over length bytes at srcVA into dstVA.
func (c *Channel) SubmitDecompress(srcVA, dstVA uintptr, length uint64, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpDecompress, clampBytes(length), cb)
	return c.wrapErr("SubmitDecompress", c.gate.SubmitDecompress(srcVA, dstVA, length, pasid, wrapped, arg))
}

// SubmitDIFCheck validates PI fields over length bytes at srcVA against ctx.
func (c *Channel) SubmitDIFCheck(srcVA uintptr, length uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpDIFCheck, clampBytes(length), cb)
	return c.wrapErr("SubmitDIFCheck", c.gate.SubmitDIFCheck(srcVA, length, ctx, pasid, wrapped, arg))
}

// SubmitDIFInsert generates PI fields, copying srcLen data-only bytes at
// srcVA into the wider dstLen-byte data+metadata buffer at dstVA.
func (c *Channel) SubmitDIFInsert(srcVA, dstVA uintptr, srcLen, dstLen uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpDIFInsert, clampBytes(dstLen), cb)
	return c.wrapErr("SubmitDIFInsert", c.gate.SubmitDIFInsert(srcVA, dstVA, srcLen, dstLen, ctx, pasid, wrapped, arg))
}

// SubmitDIFStrip removes PI fields, copying srcLen data+metadata bytes at
// srcVA into the shorter dstLen-byte data-only buffer at dstVA.
func (c *Channel) SubmitDIFStrip(srcVA, dstVA uintptr, srcLen, dstLen uint64, ctx dif.Context, pasid bool, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(desc.OpDIFStrip, clampBytes(srcLen), cb)
	return c.wrapErr("SubmitDIFStrip", c.gate.SubmitDIFStrip(srcVA, dstVA, srcLen, dstLen, ctx, pasid, wrapped, arg))
}

// SubmitRaw hands a fully-populated descriptor straight to the device,
// bypassing every opcode-specific builder above.
func (c *Channel) SubmitRaw(d desc.Descriptor, cb pool.CallbackFunc, arg any) error {
	wrapped := c.wrapCallback(d.Opcode, d.TransferSize, cb)
	return c.wrapErr("SubmitRaw", c.gate.SubmitRaw(d, wrapped, arg))
}
