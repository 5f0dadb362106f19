// Package unlink provides a lock-free stack that supports concurrent Push,
// Pop, Peek and Extend.
//
// Nodes are kept in memory outside the Go heap and are freed through hazard
// pointers: a node removed by one goroutine is not freed while another
// goroutine still holds a Guard or Entry for it.
//
//	s := unlink.New[int](nil)
//	var wg sync.WaitGroup
//	for i := range 4 {
//		wg.Add(1)
//		go func() {
//			defer wg.Done()
//			s.Push(i)
//			s.PopValue()
//		}()
//	}
//	wg.Wait()
//	s.Clear()
package unlink

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/unlink/alloc"
	"github.com/pboyd/unlink/hazard"
)

// Options configures a Stack. A nil *Options is the same as the zero value.
type Options[V any] struct {
	Tagged bool           // Tag head and next links with a generation counter
	Domain *hazard.Domain // Hazard domain, defaults to the one shared by every Stack[V]
	Heap   *alloc.Heap    // Node memory, defaults to alloc.DefaultHeap()
	Drop   func(v *V)     // Called once for each value freed along with its node
}

// Stack is a lock-free LIFO stack. All methods except Drain are safe for
// concurrent use. A Stack must be created with New.
//
// V must not contain Go pointers: no pointers, strings, slices, maps,
// channels, functions or interfaces, directly or in any field.
type Stack[V any] struct {
	head    atomic.Uint64
	len     atomic.Int64
	unlinks atomic.Uint64 // successful removals, see Iter
	witness witness
	domain  *hazard.Domain
	nodes   *nodes[V]
}

// New returns an empty stack. It panics if V holds pointers.
func New[V any](opts *Options[V]) *Stack[V] {
	t := reflect.TypeFor[V]()
	if !alloc.PointerFree(t) {
		panic(fmt.Sprintf("unlink: element type %v holds pointers", t))
	}

	var o Options[V]
	if opts != nil {
		o = *opts
	}
	if o.Heap == nil {
		o.Heap = alloc.DefaultHeap()
	}
	if o.Domain == nil {
		o.Domain = hazard.For[node[V]]()
	}

	s := &Stack[V]{
		domain: o.Domain,
		nodes:  newNodes(o.Heap, o.Drop),
	}
	if o.Tagged {
		s.witness = taggedWitness{}
	} else {
		s.witness = plainWitness{}
	}

	return s
}

// Push adds v to the top of the stack.
func (s *Stack[V]) Push(v V) {
	n := s.nodes.create(v)
	addr := uintptr(unsafe.Pointer(n))

	old := s.head.Load()
	s.link(n, old)
	for !s.head.CompareAndSwap(old, s.witness.pack(old, addr)) {
		old = s.head.Load()
		s.link(n, old)
	}

	s.len.Add(1)
}

// link points n at the node head refers to. n must not be published yet.
func (s *Stack[V]) link(n *node[V], head uint64) {
	n.next.Store(s.witness.pack(n.next.Load(), s.witness.addr(head)))
}

// Pop removes the top of the stack. It returns false if the stack is empty.
//
// The value stays readable through the Entry until it is released.
func (s *Stack[V]) Pop() (*Entry[V], bool) {
	g := &Guard[V]{h: s.domain.Acquire()}

	for {
		w, n := s.protect(g.h, &s.head)
		if n == nil {
			g.Release()
			return nil, false
		}

		next := s.witness.addr(n.next.Load())
		if s.head.CompareAndSwap(w, s.witness.pack(w, next)) {
			g.n = n
			break
		}
	}

	s.unlinks.Add(1)
	s.len.Add(-1)

	s.domain.Retire(unsafe.Pointer(g.n), s.nodes)
	s.domain.Reclaim()

	return newEntry(g, s.domain), true
}

// PopValue removes the top of the stack and returns a copy of its value.
func (s *Stack[V]) PopValue() (V, bool) {
	e, ok := s.Pop()
	if !ok {
		var zero V
		return zero, false
	}
	defer e.Release()
	return e.Value(), true
}

// Peek returns a guard on the top of the stack without removing it. It
// returns false if the stack is empty. The caller must release the guard.
func (s *Stack[V]) Peek() (*Guard[V], bool) {
	h := s.domain.Acquire()
	_, n := s.protect(h, &s.head)
	if n == nil {
		h.Release()
		return nil, false
	}
	return &Guard[V]{n: n, h: h}, true
}

// Extend moves every value from other onto the top of s, keeping their
// order, and leaves other empty. Other stays usable.
//
// Extend is safe for concurrent use on s, but nothing else may use other
// until it returns. Moved values are dropped with s's Drop function. Extend
// panics if other is s or uses a different heap or hazard domain.
func (s *Stack[V]) Extend(other *Stack[V]) {
	if other == s {
		panic("unlink: extend a stack with itself")
	}
	if other.nodes.heap != s.nodes.heap {
		panic("unlink: extend across heaps")
	}
	if other.domain != s.domain {
		panic("unlink: extend across hazard domains")
	}

	h := other.domain.Acquire()
	defer h.Release()

	w, first := other.protect(h, &other.head)
	if first == nil {
		return
	}
	other.head.Store(other.witness.pack(w, 0))
	other.unlinks.Add(1)

	// Find the tail, rewriting links for s if the encodings differ.
	reencode := s.witness != other.witness
	tail, count := first, int64(1)
	for {
		link := tail.next.Load()
		next := other.witness.addr(link)
		if reencode {
			tail.next.Store(s.witness.pack(link, next))
		}
		if next == 0 {
			break
		}
		tail = (*node[V])(unsafe.Pointer(next))
		count++
	}

	addr := uintptr(unsafe.Pointer(first))
	old := s.head.Load()
	s.link(tail, old)
	for !s.head.CompareAndSwap(old, s.witness.pack(old, addr)) {
		old = s.head.Load()
		s.link(tail, old)
	}

	other.len.Add(-count)
	s.len.Add(count)
}

// Len returns the approximate number of values on the stack. Under
// concurrent use it may lag behind pushes and pops.
func (s *Stack[V]) Len() int {
	return max(int(s.len.Load()), 0)
}

// IsEmpty reports whether the stack has no values at the moment of the call.
func (s *Stack[V]) IsEmpty() bool {
	return s.witness.addr(s.head.Load()) == 0
}

// Clear removes every value and frees the nodes, dropping their values.
// Nodes still held by a Guard or Entry are freed once released. The stack
// stays usable.
//
// A stack's node memory is only returned to its heap by Pop, Drain and
// Clear, so call Clear before discarding a non-empty stack.
func (s *Stack[V]) Clear() {
	old := s.head.Load()
	for !s.head.CompareAndSwap(old, s.witness.pack(old, 0)) {
		old = s.head.Load()
	}
	s.unlinks.Add(1)

	count := int64(0)
	for addr := s.witness.addr(old); addr != 0; count++ {
		n := (*node[V])(unsafe.Pointer(addr))
		addr = s.witness.addr(n.next.Load())
		s.domain.Retire(unsafe.Pointer(n), s.nodes)
	}

	s.len.Add(-count)
	s.domain.Reclaim()
}
