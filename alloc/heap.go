package alloc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"unsafe"
)

// DefaultRegionSize is the size of each region a Heap maps when it runs out
// of space.
const DefaultRegionSize = 1 << 20

// ErrHeapInUse is returned by Close while allocations are outstanding.
var ErrHeapInUse = errors.New("heap has live allocations")

// HeapOptions configures a Heap. The zero value is usable.
type HeapOptions struct {
	RegionSize int         // Bytes mapped per region, rounded up to the page size
	Logger     *log.Logger // Receives region growth messages, nil for none
}

// Heap is a growable set of arenas over memory outside the Go heap. It is
// safe for concurrent use.
type Heap struct {
	mu      sync.Mutex
	opts    HeapOptions
	regions []*region
	live    int
}

type region struct {
	mem   []byte
	arena *Arena
}

var defaultHeap = sync.OnceValue(func() *Heap {
	return NewHeap(nil)
})

// DefaultHeap returns the process-wide heap.
func DefaultHeap() *Heap {
	return defaultHeap()
}

// NewHeap returns an empty heap. Nothing is mapped until the first Alloc.
func NewHeap(opts *HeapOptions) *Heap {
	h := &Heap{}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.RegionSize <= 0 {
		h.opts.RegionSize = DefaultRegionSize
	}
	return h
}

// Alloc returns size bytes aligned to align. The memory is not zeroed.
func (h *Heap) Alloc(size, align uintptr) (unsafe.Pointer, error) {
	if !validAlign(align) {
		return nil, fmt.Errorf("alloc: %w: %d", ErrAlignment, align)
	}
	if size == 0 {
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.regions {
		p, err := r.arena.Malloc(size, align)
		if err == nil {
			h.live++
			return p, nil
		}
		if !errors.Is(err, ErrOutOfMemory) {
			return nil, err
		}
	}

	r, err := h.grow(size)
	if err != nil {
		return nil, err
	}

	p, err := r.arena.Malloc(size, align)
	if err != nil {
		return nil, fmt.Errorf("alloc: fresh region cannot hold %d bytes: %w", size, err)
	}
	h.live++
	return p, nil
}

// grow maps a region big enough for size bytes. Callers hold h.mu.
func (h *Heap) grow(size uintptr) (*region, error) {
	n := max(uintptr(h.opts.RegionSize), size+wordSize)
	n = alignUp(n, uintptr(os.Getpagesize()))

	mem, err := mapRegion(int(n))
	if err != nil {
		return nil, fmt.Errorf("alloc: map %d bytes: %w", n, err)
	}

	a := NewArenaAt(mem)
	if a == nil {
		_ = unmapRegion(mem)
		return nil, fmt.Errorf("alloc: region of %d bytes: %w", n, ErrOutOfMemory)
	}

	r := &region{mem: mem, arena: a}
	h.regions = append(h.regions, r)

	if h.opts.Logger != nil {
		h.opts.Logger.Printf("alloc: mapped region %d (%d bytes)", len(h.regions), n)
	}

	return r, nil
}

// Free returns memory obtained from Alloc. Size must match the allocation.
//
// Free panics if p was not allocated by this heap.
func (h *Heap) Free(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.regions {
		if r.arena.Contains(p) {
			r.arena.Free(p, size)
			h.live--
			return
		}
	}

	panic(fmt.Sprintf("alloc: free of pointer %p not owned by heap", p))
}

// Owns reports whether p lies in one of the heap's regions.
func (h *Heap) Owns(p unsafe.Pointer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.regions {
		if r.arena.Contains(p) {
			return true
		}
	}
	return false
}

// Live returns the number of outstanding allocations.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Regions returns the number of mapped regions.
func (h *Heap) Regions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

// Close unmaps every region. It fails with ErrHeapInUse if any allocation has
// not been freed. The heap can be used again after Close.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live > 0 {
		return fmt.Errorf("alloc: %w: %d", ErrHeapInUse, h.live)
	}

	var errs []error
	for _, r := range h.regions {
		errs = append(errs, unmapRegion(r.mem))
	}
	h.regions = nil

	return errors.Join(errs...)
}
