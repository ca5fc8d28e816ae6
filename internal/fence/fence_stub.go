//go:build !(linux && cgo && amd64)

package fence

import "sync/atomic"

var storeFenceCounter uint64

// Store is a portable stand-in for the x86 SFENCE instruction, used on
// every build other than linux/amd64 with cgo. An atomic op establishes a happens-before edge
// against any goroutine reading the same counter, which is enough for the
// simulated backend's purposes; it is not a substitute for a real fence on
// hardware that needs one.
func Store() {
	atomic.AddUint64(&storeFenceCounter, 1)
}
