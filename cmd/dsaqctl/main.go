// Command dsaqctl exercises the dsaq engine against a simulated accelerator
// device, one opcode per invocation, for manual testing and demos without
// real DSA/IAA hardware.
package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"time"
	"unsafe"

	"github.com/spf13/pflag"

	"github.com/ehrlich-b/dsaq"
	"github.com/ehrlich-b/dsaq/internal/devif"
	"github.com/ehrlich-b/dsaq/internal/dif"
	"github.com/ehrlich-b/dsaq/internal/logging"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

func main() {
	var (
		profilePath = pflag.StringP("profile", "p", "", "path to a YAML device profile (defaults to a 4-channel DSA simulator)")
		opcode      = pflag.StringP("opcode", "o", "copy", "opcode to exercise: copy, dualcast, compare, fill, crc32c, copy-crc32c, compress, decompress, dif-insert, dif-check, dif-strip")
		size        = pflag.IntP("size", "s", 4096, "buffer size in bytes (must be a multiple of 512 for dif-* opcodes)")
		pasid       = pflag.Bool("pasid", false, "submit with PASID passthrough addressing instead of device translation")
		count       = pflag.IntP("count", "c", 1, "how many times to submit the operation")
		verbose     = pflag.BoolP("verbose", "v", false, "debug-level logging")
	)
	pflag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewPrettyLogger(level)

	profile, err := loadProfile(*profilePath)
	if err != nil {
		logger.Errorf("loading profile: %v", err)
		os.Exit(1)
	}

	dev, err := profile.build()
	if err != nil {
		logger.Errorf("building simulated device: %v", err)
		os.Exit(1)
	}

	devif.ResetForTesting()
	d, err := dsaq.Open(dev, dsaq.Params{Logger: logger})
	if err != nil {
		logger.Errorf("opening device: %v", err)
		os.Exit(1)
	}

	ch, err := d.AcquireChannel()
	if err != nil {
		logger.Errorf("acquiring channel: %v", err)
		os.Exit(1)
	}
	defer d.ReleaseChannel(ch)

	logger.Infof("device opened: class=%s channels=%d wq_capacity=%d", dev.Class(), d.NumChannels(), dev.WorkQueueCapacity())

	for i := 0; i < *count; i++ {
		start := time.Now()
		result, err := runOpcode(ch, *opcode, *size, *pasid)
		elapsed := time.Since(start)
		if err != nil {
			logger.Errorf("run %d/%d: %s failed: %v", i+1, *count, *opcode, err)
			os.Exit(1)
		}
		logger.Infof("run %d/%d: %s completed in %s: %s", i+1, *count, *opcode, elapsed, result)
	}
}

// runOpcode submits one instance of opcode and blocks for its completion,
// returning a short human-readable summary of the result.
func runOpcode(ch *dsaq.Channel, opcode string, size int, pasid bool) (string, error) {
	done := make(chan pool.Status, 1)
	cb := func(arg any, s pool.Status) { done <- s }

	// summarize runs only after the completion has been drained, so it
	// reads the outputs the poller wrote.
	var summarize func() string
	var submitErr error

	switch opcode {
	case "copy":
		src := randomBuf(size)
		dst := make([]byte, size)
		submitErr = ch.SubmitCopy(ptr(src), ptr(dst), uint64(size), pasid, cb, nil)
		summarize = func() string { return fmt.Sprintf("copied %d bytes, round-trips=%v", size, bytes.Equal(src, dst)) }

	case "dualcast":
		src := randomBuf(size)
		dst1 := make([]byte, size)
		dst2 := make([]byte, size)
		submitErr = ch.SubmitDualcast(ptr(src), ptr(dst1), ptr(dst2), uint64(size), pasid, cb, nil)
		summarize = func() string { return fmt.Sprintf("dualcast %d bytes to 2 destinations", size) }

	case "compare":
		a := randomBuf(size)
		b := append([]byte(nil), a...)
		var result uint8
		submitErr = ch.SubmitCompare(ptr(a), ptr(b), uint64(size), pasid, &result, cb, nil)
		summarize = func() string { return fmt.Sprintf("compare result=%d (0 means equal)", result) }

	case "fill":
		dst := make([]byte, size)
		submitErr = ch.SubmitFill(ptr(dst), 0x1122334455667788, uint64(size), pasid, cb, nil)
		summarize = func() string { return fmt.Sprintf("filled %d bytes with pattern", size) }

	case "crc32c":
		buf := randomBuf(size)
		var crc uint32
		submitErr = ch.SubmitCRC32C(ptr(buf), uint64(size), 0, pasid, &crc, cb, nil)
		summarize = func() string { return fmt.Sprintf("crc32c=%#08x", crc) }

	case "copy-crc32c":
		src := randomBuf(size)
		dst := make([]byte, size)
		var crc uint32
		submitErr = ch.SubmitCopyCRC32C(ptr(src), ptr(dst), uint64(size), 0, pasid, &crc, cb, nil)
		summarize = func() string { return fmt.Sprintf("copied %d bytes, crc32c=%#08x", size, crc) }

	case "compress":
		src := bytes.Repeat([]byte("dsaqctl compress demo buffer "), size/29+1)[:size]
		dst := make([]byte, size)
		var outSize uint32
		submitErr = ch.SubmitCompress(ptr(src), ptr(dst), uint64(size), uint32(len(dst)), pasid, &outSize, cb, nil)
		summarize = func() string { return fmt.Sprintf("compressed %d bytes to %d", size, outSize) }

	case "decompress":
		return "", fmt.Errorf("decompress needs a pre-compressed buffer; use compress then decompress in a script, not directly via dsaqctl")

	case "dif-insert":
		ctx := defaultDIFContext()
		dataBlockSize := int(ctx.BlockSize - ctx.MetadataSize)
		data := randomBuf(alignDown(size, dataBlockSize))
		numBlocks := len(data) / dataBlockSize
		tagged := make([]byte, numBlocks*int(ctx.BlockSize))
		submitErr = ch.SubmitDIFInsert(ptr(data), ptr(tagged), uint64(len(data)), uint64(len(tagged)), ctx, pasid, cb, nil)
		summarize = func() string { return fmt.Sprintf("inserted PI fields over %d blocks", numBlocks) }

	case "dif-check":
		return "", fmt.Errorf("dif-check needs a pre-tagged buffer; run dif-insert first in a script")

	case "dif-strip":
		return "", fmt.Errorf("dif-strip needs a pre-tagged buffer; run dif-insert first in a script")

	default:
		return "", fmt.Errorf("unknown opcode %q", opcode)
	}

	if submitErr != nil {
		return "", submitErr
	}
	if _, err := ch.ProcessCompletions(0); err != nil {
		return "", err
	}
	status := <-done
	summary := summarize()
	if status != pool.StatusOK {
		return summary, fmt.Errorf("device reported status %d", status)
	}
	return summary, nil
}

func defaultDIFContext() dif.Context {
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

func alignDown(n, align int) int {
	if align == 0 {
		return n
	}
	return (n / align) * align
}

func randomBuf(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(b)
	return b
}

func ptr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
