package unlink

import (
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/unlink/hazard"
)

// Guard is a protected reference to a value that is, or recently was, on a
// stack. The node behind it is not freed until the guard is released.
//
// A Guard is not safe for concurrent use.
type Guard[V any] struct {
	n *node[V]
	h *hazard.Hazard

	// borrowed guards are handed out by Iter. Their record belongs to the
	// iterator.
	borrowed bool
}

// Value returns a copy of the guarded value. It panics if the guard has been
// released.
func (g *Guard[V]) Value() V {
	if g.n == nil {
		panic("unlink: use of released guard")
	}
	return g.n.val
}

// Release gives up the protection. Calling Release more than once is
// harmless.
func (g *Guard[V]) Release() {
	if g.h != nil && !g.borrowed {
		g.h.Release()
	}
	g.n, g.h = nil, nil
}

// Entry is a value removed by Pop. Its node has already been retired and is
// freed by a later reclaim pass once the Entry is released.
//
// An Entry is not safe for concurrent use.
type Entry[V any] struct {
	n      *node[V]
	h      *hazard.Hazard
	domain *hazard.Domain
}

// newEntry moves the protection out of g, leaving g released.
func newEntry[V any](g *Guard[V], domain *hazard.Domain) *Entry[V] {
	if g.borrowed {
		panic("unlink: entry from borrowed guard")
	}
	e := &Entry[V]{n: g.n, h: g.h, domain: domain}
	g.n, g.h = nil, nil
	return e
}

// Value returns a copy of the popped value. It panics if the entry has been
// released.
func (e *Entry[V]) Value() V {
	if e.n == nil {
		panic("unlink: use of released entry")
	}
	return e.n.val
}

// Release gives up the protection and runs a reclaim pass, which frees the
// node unless another goroutine still protects it. Calling Release more than
// once is harmless.
func (e *Entry[V]) Release() {
	if e.h == nil {
		return
	}
	e.h.Release()
	e.n, e.h = nil, nil
	e.domain.Reclaim()
}

// protect reads a node address out of slot and publishes it in h, repeating
// until a re-read of slot agrees with what was published. It returns the
// validated word and its node, or a nil node if the slot is empty.
func (s *Stack[V]) protect(h *hazard.Hazard, slot *atomic.Uint64) (uint64, *node[V]) {
	w := slot.Load()
	for {
		addr := s.witness.addr(w)
		if addr == 0 {
			h.Reset()
			return w, nil
		}

		p := unsafe.Pointer(addr)
		h.Protect(p)

		now := slot.Load()
		if s.witness.same(w, now) {
			return w, (*node[V])(p)
		}
		w = now
	}
}
