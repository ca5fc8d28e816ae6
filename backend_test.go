package dsaq

import (
	"errors"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/ehrlich-b/dsaq/internal/devif"
	"github.com/ehrlich-b/dsaq/internal/dif"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

func openTestDevice(t *testing.T) (*Device, *MockDevice) {
	t.Helper()
	devif.ResetForTesting()
	dev := NewMockDevice()
	d, err := Open(dev, Params{NumDescriptors: 8})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return d, dev
}

func TestOpenRejectsNilDevice(t *testing.T) {
	devif.ResetForTesting()
	_, err := Open(nil, Params{})
	if !IsCode(err, ErrCodeInvalidParams) {
		t.Errorf("Open(nil) = %v, want ErrCodeInvalidParams", err)
	}
}

func TestOpenSizesChannelsFromDevice(t *testing.T) {
	d, dev := openTestDevice(t)
	if d.NumChannels() != dev.ChannelsPerDevice() {
		t.Errorf("NumChannels() = %d, want %d", d.NumChannels(), dev.ChannelsPerDevice())
	}
}

func TestAcquireReleaseChannel(t *testing.T) {
	d, dev := openTestDevice(t)

	var acquired []*Channel
	for i := 0; i < dev.ChannelsPerDevice(); i++ {
		ch, err := d.AcquireChannel()
		if err != nil {
			t.Fatalf("AcquireChannel() #%d failed: %v", i, err)
		}
		acquired = append(acquired, ch)
	}

	if _, err := d.AcquireChannel(); !IsCode(err, ErrCodeNoChannel) {
		t.Errorf("AcquireChannel() past capacity = %v, want ErrCodeNoChannel", err)
	}

	d.ReleaseChannel(acquired[0])
	if _, err := d.AcquireChannel(); err != nil {
		t.Errorf("AcquireChannel() after release failed: %v", err)
	}
}

func TestSubmitCopyRoundTrip(t *testing.T) {
	d, _ := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	src := []byte("twelve bytes")
	dst := make([]byte, len(src))

	var status atomic.Int32
	status.Store(-1)
	err = ch.SubmitCopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		uint64(len(src)),
		false,
		func(arg any, s pool.Status) { status.Store(int32(s)) },
		nil,
	)
	if err != nil {
		t.Fatalf("SubmitCopy failed: %v", err)
	}

	n, err := ch.ProcessCompletions(0)
	if err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessCompletions() = %d, want 1", n)
	}
	if pool.Status(status.Load()) != pool.StatusOK {
		t.Errorf("callback status = %d, want StatusOK", status.Load())
	}
}

func TestSubmitCRC32CReportsInvertedValue(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	dev.SetNextCRC32C(0xdeadbeef)

	buf := []byte("checksum me")
	var crc uint32
	done := make(chan struct{})
	err = ch.SubmitCRC32C(
		uintptr(unsafe.Pointer(&buf[0])),
		uint64(len(buf)),
		0,
		false,
		&crc,
		func(arg any, s pool.Status) { close(done) },
		nil,
	)
	if err != nil {
		t.Fatalf("SubmitCRC32C failed: %v", err)
	}

	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	<-done

	if crc != 0xdeadbeef {
		t.Errorf("crc = %#x, want %#x", crc, uint32(0xdeadbeef))
	}
}

func TestSubmitDeviceFailureClassification(t *testing.T) {
	d, dev := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}
	dev.FailNext(1)

	buf := []byte("boom")
	var gotStatus pool.Status
	err = ch.SubmitFill(
		uintptr(unsafe.Pointer(&buf[0])),
		0,
		uint64(len(buf)),
		false,
		func(arg any, s pool.Status) { gotStatus = s },
		nil,
	)
	if err != nil {
		t.Fatalf("SubmitFill failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}
	if gotStatus != pool.StatusDeviceError {
		t.Errorf("status = %d, want StatusDeviceError", gotStatus)
	}
	if dev.DumpCallCount() != 1 {
		t.Errorf("DumpCallCount() = %d, want 1", dev.DumpCallCount())
	}
}

func TestPoolExhaustionIsBackpressure(t *testing.T) {
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

	buf := make([]byte, 8)
	submit := func() error {
		return ch.SubmitFill(uintptr(unsafe.Pointer(&buf[0])), 0, uint64(len(buf)), false, nil, nil)
	}

	if err := submit(); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	err = submit()
	if !IsCode(err, ErrCodeExhausted) {
		t.Fatalf("second submit = %v, want ErrCodeExhausted", err)
	}
	var de *Error
	if !errors.As(err, &de) || de.Channel != ch.Index() {
		t.Errorf("error channel = %v, want %d", de, ch.Index())
	}
}

func TestSubmitDIFInsertValidatesParams(t *testing.T) {
	d, _ := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	// Insert requires guard, app-tag, and ref-tag checks all enabled; a
	// context with none of them set must fail validation before ever
	// touching the device.
	ctx := dif.Context{
		Type:          dif.Type1,
		BlockSize:     520,
		MetadataSize:  8,
		GuardInterval: 512,
		PIFormat:      16,
		MDInterleave:  true,
	}

	src := make([]byte, 512)
	dst := make([]byte, 520)
	err = ch.SubmitDIFInsert(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		uint64(len(src)),
		uint64(len(dst)),
		ctx,
		false,
		nil,
		nil,
	)
	if err == nil {
		t.Fatal("SubmitDIFInsert with no checks enabled should fail validation")
	}
}

func TestMetricsObserverRecordsSubmissions(t *testing.T) {
	devif.ResetForTesting()
	dev := NewMockDevice()
	m := NewMetrics()
	d, err := Open(dev, Params{NumDescriptors: 8, Observer: NewMetricsObserver(m)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}

	buf := make([]byte, 16)
	if err := ch.SubmitFill(uintptr(unsafe.Pointer(&buf[0])), 0, uint64(len(buf)), false, nil, nil); err != nil {
		t.Fatalf("SubmitFill failed: %v", err)
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		t.Fatalf("ProcessCompletions failed: %v", err)
	}

	snap := m.Snapshot()
	if snap.TotalOps != 1 {
		t.Errorf("TotalOps = %d, want 1", snap.TotalOps)
	}
}

func TestChannelProcessCompletionsOnIdleChannel(t *testing.T) {
	d, _ := openTestDevice(t)
	ch, err := d.AcquireChannel()
	if err != nil {
		t.Fatalf("AcquireChannel failed: %v", err)
	}
	n, err := ch.ProcessCompletions(0)
	if err != nil {
		t.Fatalf("ProcessCompletions on idle channel failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ProcessCompletions() = %d, want 0", n)
	}
}
