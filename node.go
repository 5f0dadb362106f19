package unlink

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/unlink/alloc"
)

// node is a stack cell. Nodes live in alloc.Heap memory, which the garbage
// collector does not scan, so V must be pointer free.
type node[V any] struct {
	next atomic.Uint64
	val  V
}

// nodes allocates and frees the nodes of one stack. It is the Reclaimer
// handed to the hazard domain when a node is retired.
type nodes[V any] struct {
	heap        *alloc.Heap
	drop        func(*V)
	size, align uintptr
}

func newNodes[V any](heap *alloc.Heap, drop func(*V)) *nodes[V] {
	size, align := alloc.Layout[node[V]]()
	return &nodes[V]{
		heap:  heap,
		drop:  drop,
		size:  size,
		align: align,
	}
}

// create allocates a node holding v with an empty next link. Running out of
// memory is fatal.
func (a *nodes[V]) create(v V) *node[V] {
	p, err := a.heap.Alloc(a.size, a.align)
	if err != nil {
		panic(fmt.Sprintf("unlink: allocate node: %v", err))
	}

	n := (*node[V])(p)
	n.next.Store(0)
	n.val = v
	return n
}

// destroy drops the value and frees the node.
func (a *nodes[V]) destroy(n *node[V]) {
	if a.drop != nil {
		a.drop(&n.val)
	}
	a.heap.Free(unsafe.Pointer(n), a.size)
}

// release frees the node without dropping its value, which has been moved
// out.
func (a *nodes[V]) release(n *node[V]) {
	a.heap.Free(unsafe.Pointer(n), a.size)
}

func (a *nodes[V]) Reclaim(p unsafe.Pointer) {
	a.destroy((*node[V])(p))
}

// moved reclaims nodes whose values were moved out.
type moved[V any] struct {
	*nodes[V]
}

func (m moved[V]) Reclaim(p unsafe.Pointer) {
	m.release((*node[V])(p))
}
