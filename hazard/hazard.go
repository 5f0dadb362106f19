package hazard

import (
	"sync/atomic"
	"unsafe"
)

// Hazard is a protection record: while it holds an address, memory at that
// address retired in the owning Domain is not reclaimed.
//
// A Hazard is used by one goroutine at a time, from Acquire until Release.
type Hazard struct {
	ptr    atomic.Uintptr
	active atomic.Bool
	next   *Hazard
}

// Protect publishes p. It replaces whatever the hazard held before.
//
// Publishing alone is not enough: the caller must re-read the location p
// came from afterwards and only trust p if it is still there.
func (h *Hazard) Protect(p unsafe.Pointer) {
	h.ptr.Store(uintptr(p))
}

// Protects reports whether the hazard currently holds p.
func (h *Hazard) Protects(p unsafe.Pointer) bool {
	return p != nil && h.ptr.Load() == uintptr(p)
}

// Reset clears the protection but keeps the record.
func (h *Hazard) Reset() {
	h.ptr.Store(0)
}

// Release clears the protection and returns the record to its Domain. The
// Hazard must not be used afterwards.
func (h *Hazard) Release() {
	h.ptr.Store(0)
	h.active.Store(false)
}
