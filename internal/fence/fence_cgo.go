//go:build linux && cgo && amd64

package fence

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// subsequent store. Required so the descriptor's bytes land in memory
// before the doorbell write that tells the device to read it.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}
*/
import "C"

// Store issues a store fence (x86 SFENCE) ahead of a doorbell write.
func Store() {
	C.sfence_impl()
}
