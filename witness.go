package unlink

import (
	"fmt"
	"math/bits"
)

// witness encodes a node address into the word kept in head and next links.
type witness interface {
	// pack returns the word to store in a slot that currently holds prev so
	// that it refers to addr.
	pack(prev uint64, addr uintptr) uint64

	// addr extracts the node address from a word. Zero means no node.
	addr(w uint64) uintptr

	// same reports whether a reader that protected a may keep trusting it
	// after re-reading b.
	same(a, b uint64) bool
}

// plainWitness stores the address as is, so comparing words compares
// addresses.
type plainWitness struct{}

func (plainWitness) pack(_ uint64, addr uintptr) uint64 { return uint64(addr) }
func (plainWitness) addr(w uint64) uintptr              { return uintptr(w) }
func (plainWitness) same(a, b uint64) bool              { return a == b }

// Tagged words keep a 16-byte aligned address in the low bits and a
// generation tag in the rest, the way the runtime's lfstack packs its push
// counter. User space addresses fit in 48 bits on 64-bit platforms.
const (
	addrBits  = bits.UintSize/2 + 16
	alignBits = 4
	tagBits   = 64 - addrBits + alignBits
	tagShift  = 64 - tagBits
	tagMask   = 1<<tagBits - 1
)

// taggedWitness bumps the slot's tag on every store, so a word that comes
// back to the same address is still told apart from the one first read.
type taggedWitness struct{}

func (t taggedWitness) pack(prev uint64, addr uintptr) uint64 {
	w := ((t.tag(prev)+1)&tagMask)<<tagShift | uint64(addr)>>alignBits
	if t.addr(w) != addr {
		panic(fmt.Sprintf("unlink: node address %#x cannot be tagged", addr))
	}
	return w
}

func (taggedWitness) addr(w uint64) uintptr {
	return uintptr(w << tagBits >> tagBits << alignBits)
}

func (taggedWitness) same(a, b uint64) bool { return a == b }

func (taggedWitness) tag(w uint64) uint64 {
	return w >> tagShift
}
