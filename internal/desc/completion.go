package desc

import "unsafe"

// Status byte values. Zero means in-flight; any non-zero value means the
// device has written a result. Bit 1 of a non-zero status distinguishes a
// device-reported failure from success, per spec section 3. Bit 2 narrows a
// failure down to a DIF integrity error specifically; it is never set
// without the fail bit, so a plain device failure (done|fail) and a DIF
// failure (done|fail|dif) never collide.
const (
	StatusInFlight uint8 = 0
	statusDoneBit  uint8 = 1 << 0
	statusFailBit  uint8 = 1 << 1
	statusDIFBit   uint8 = 1 << 2
	StatusDIFError uint8 = statusDoneBit | statusFailBit | statusDIFBit
)

// CompletionRecord is the device-written record embedded in the owning
// Operation. Its physical address is latched into the descriptor's
// CompletionAddr field once, at pool-initialization time.
type CompletionRecord struct {
	Status     uint8
	Result     uint8 // compare result byte
	_reserved  [2]byte
	OutputSize uint32 // IAA reported output size
	CRC32C     uint32 // raw device CRC32C value (inverted before return to caller)
	_pad       [20]byte
}

// Compile-time size check, matching the real DSA completion record size.
var _ [32]byte = [unsafe.Sizeof(CompletionRecord{})]byte{}

// Done reports whether the device has written a result for this operation.
func (c *CompletionRecord) Done() bool { return c.Status != StatusInFlight }

// Failed reports whether the device flagged this completion as a failure.
func (c *CompletionRecord) Failed() bool { return c.Status&statusFailBit != 0 }

// IsDIFError reports whether the device's status code is the DIF-specific
// integrity-failure code.
func (c *CompletionRecord) IsDIFError() bool { return c.Status == StatusDIFError }

// MarkDone sets the status to a successful completion.
func (c *CompletionRecord) MarkDone() { c.Status = statusDoneBit }

// MarkFailed sets the status to a device-error completion.
func (c *CompletionRecord) MarkFailed() { c.Status = statusDoneBit | statusFailBit }

// MarkDIFError sets the DIF-specific integrity-failure status code.
func (c *CompletionRecord) MarkDIFError() { c.Status = StatusDIFError }

// Reset clears the record so the next operation to own this slot observes a
// zero (in-flight) status, as required after every drain.
func (c *CompletionRecord) Reset() { *c = CompletionRecord{} }
