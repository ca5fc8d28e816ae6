package devif

import (
	"errors"
	"sync"
)

// ErrAlreadyInitialized is returned by SelectDriver once a device has been
// marked initialized; the driver backend choice is a once-only, init-order
// guarded decision (spec section 9).
var ErrAlreadyInitialized = errors.New("driver backend already selected: a device has been initialized")

// Backend is a registered driver backend capable of producing Device
// handles for either kernel-mode or userspace-mode operation.
type Backend interface {
	Name() string
}

var (
	mu          sync.Mutex
	backends    = map[bool]Backend{} // keyed by kernelMode
	selected    Backend
	initialized bool
)

// RegisterBackend adds a driver backend for the given kernel-mode setting.
// Intended to run from package init() in concrete backend packages.
func RegisterBackend(kernelMode bool, b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backends[kernelMode] = b
}

// SelectDriver maps a kernel-mode flag to one of the registered backends and
// makes it the active selection. It refuses to change the selection once any
// device has been initialized.
func SelectDriver(kernelMode bool) (Backend, error) {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return nil, ErrAlreadyInitialized
	}

	b, ok := backends[kernelMode]
	if !ok {
		return nil, errors.New("no driver backend registered for requested mode")
	}
	selected = b
	return selected, nil
}

// MarkInitialized locks the current driver selection in place. Called once
// the first device successfully completes channel-pool setup.
func MarkInitialized() {
	mu.Lock()
	defer mu.Unlock()
	initialized = true
}

// ResetForTesting clears registry state. Test-only.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	backends = map[bool]Backend{}
	selected = nil
	initialized = false
}
