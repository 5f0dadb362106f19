// Package alloc provides the raw memory nodes are carved from.
//
// Memory handed out by this package is not scanned by the garbage collector.
// Values stored in it must not contain Go pointers (see PointerFree).
package alloc

import (
	"errors"
	"fmt"
	"log"
	"math"
	"unsafe"
)

// Number of bytes in each word. Every block starts on a word boundary, so this
// is also the largest alignment an Arena can honor.
const wordSize = 16

var (
	// ErrOutOfMemory is returned when there is not enough free space in an
	// Arena to satisfy the request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrAlignment is returned for alignments that are not a power of two or
	// are larger than the word size.
	ErrAlignment = errors.New("unsupported alignment")
)

// Arena holds a fixed amount of memory which can be allocated.
//
// Arena is not safe for concurrent use. Heap wraps a set of arenas behind a
// mutex.
type Arena struct {
	buf [][2]uint64
}

// NewArena makes a new arena of the given size backed by the Go heap. If the
// size is not evenly divisible by the word size (16 bytes) it will be rounded
// up.
//
// NewArena returns nil if the rounded size is smaller than 32 bytes or larger
// than 4 GiB.
func NewArena(size uint64) *Arena {
	size = alignUp(size, wordSize)
	if size > math.MaxUint32 {
		return nil
	}

	return NewArenaAt(make([]byte, size))
}

// NewArenaAt creates an Arena that allocates inside buf. Leading bytes are
// skipped until the first word boundary and any trailing partial word is
// unused.
//
// The caller must not touch buf after passing it to NewArenaAt.
func NewArenaAt(buf []byte) *Arena {
	if cap(buf) == 0 {
		return nil
	}
	buf = buf[:cap(buf)]

	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	skip := alignUp(start, wordSize) - start
	if skip >= uintptr(len(buf)) {
		return nil
	}

	words := (uintptr(len(buf)) - skip) / wordSize
	if words < 2 {
		// Not enough room for the list head and one free block.
		return nil
	}
	if words > math.MaxUint32/wordSize {
		words = math.MaxUint32/wordSize - 1
	}

	a := &Arena{
		buf: unsafe.Slice((*[2]uint64)(unsafe.Pointer(&buf[skip])), words),
	}

	// Word 0 is a zero-sized free block that only serves as the head of the
	// free list. Everything after it starts out as one free block.
	rest := a.index(1)
	rest.size = uint32(words) - 1

	a.index(0).next = rest

	return a
}

// Size returns the total amount of memory (in bytes) managed by the arena.
func (a *Arena) Size() int {
	return len(a.buf) * wordSize
}

// Cap returns the total amount of allocatable memory in the arena.
func (a *Arena) Cap() int {
	return a.Size() - wordSize
}

// FreeBytes returns the amount of unallocated space in the arena.
//
// This walks the free list.
func (a *Arena) FreeBytes() int {
	free := 0
	for b := a.index(0); b != nil; b = b.next {
		free += int(b.size)
	}
	return free * wordSize
}

// Malloc allocates at least size bytes aligned to align. The memory is not
// zeroed.
//
// A zero size returns a nil pointer and no error.
func (a *Arena) Malloc(size, align uintptr) (unsafe.Pointer, error) {
	// First-fit, Knuth TAOCP 1.2.5 algorithm A.
	if !validAlign(align) {
		return nil, fmt.Errorf("%w: %d", ErrAlignment, align)
	}
	if size == 0 {
		return nil, nil
	}

	words := wordsFor(size)

	prev := a.index(0)
	b := prev.next
	for b != nil && b.size < words {
		prev = b
		b = b.next
	}
	if b == nil {
		return nil, ErrOutOfMemory
	}

	// Hand out the tail of b so its header stays put.
	remaining := b.size - words
	if remaining == 0 {
		prev.next = b.next
	} else {
		b.size = remaining
	}

	return b.word(remaining), nil
}

// Free returns size bytes starting at p to the arena. Size is rounded up to a
// whole number of words, matching Malloc.
//
// Free panics if p is not word aligned, is not inside the arena, or overlaps
// a block that is already free.
func (a *Arena) Free(p unsafe.Pointer, size uintptr) {
	// Knuth TAOCP 1.2.5 algorithm B: insert the block into the address
	// ordered free list and merge it with its neighbors.
	if p == nil {
		return
	}
	if uintptr(p)&(wordSize-1) != 0 {
		panic(fmt.Sprintf("alloc: free of unaligned pointer %p", p))
	}
	if !a.Contains(p) {
		panic(fmt.Sprintf("alloc: free of pointer %p outside arena", p))
	}

	words := wordsFor(size)
	blk := (*block)(p)

	before := a.index(0)
	after := before.next
	for after != nil && after.addr() < blk.addr() {
		before = after
		after = before.next
	}

	if after == blk {
		// Linking blk in would make it point at itself.
		panic(fmt.Sprintf("alloc: double free of %p", p))
	}

	beforeEnd := before.addr() + uintptr(before.size)*wordSize
	if beforeEnd > blk.addr() {
		panic(fmt.Sprintf("alloc: double free of %p inside a free block", p))
	}

	end := blk.addr() + uintptr(words)*wordSize
	if after != nil && end > after.addr() {
		// The corruption already happened somewhere else, so absorb the
		// overlapped free blocks rather than panic.
		log.Printf("alloc: freed block %p overlaps a free block", p)

		for after != nil && end > after.addr() {
			after = after.next
		}
	}

	if after != nil && end == after.addr() {
		words += after.size
		blk.next = after.next
	} else {
		blk.next = after
	}

	if beforeEnd == blk.addr() {
		before.size += words
		before.next = blk.next
	} else {
		before.next = blk
		blk.size = words
	}
}

// Contains reports whether p points inside the arena.
func (a *Arena) Contains(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= a.base() && addr < a.base()+uintptr(len(a.buf))*wordSize
}

func (a *Arena) base() uintptr {
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// index returns the nth word as a block header. Only 0 and 1 are meaningful
// without walking the free list.
func (a *Arena) index(n uint32) *block {
	return (*block)(unsafe.Pointer(&a.buf[n]))
}

// New allocates a zeroed T in the arena.
func New[T any](a *Arena) (*T, error) {
	size, align := Layout[T]()
	p, err := a.Malloc(size, align)
	if err != nil {
		return nil, err
	}
	clear(unsafe.Slice((*byte)(p), size))
	return (*T)(p), nil
}

// Delete frees a T allocated with New. The pointer must not be used
// afterwards.
func Delete[T any](a *Arena, p *T) {
	if p == nil {
		return
	}
	size, _ := Layout[T]()
	a.Free(unsafe.Pointer(p), size)
}

// block is the header at the start of every free block.
type block struct {
	// next is the following free block, in address order.
	next *block

	// size of the block in words, header included.
	size uint32
}

// word returns a pointer to the nth word of the block.
func (b *block) word(n uint32) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), uintptr(n)*wordSize)
}

func (b *block) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

func wordsFor(size uintptr) uint32 {
	return uint32(alignUp(size, wordSize) / wordSize)
}

func validAlign(align uintptr) bool {
	return align != 0 && align&(align-1) == 0 && align <= wordSize
}
