package unlink

import (
	"iter"
	"unsafe"
)

// Iter returns the values from top to bottom as guards. Each guard is valid
// until the loop body returns; keep a copy of Value() to use it later.
//
// Iter does not take a snapshot. Values pushed during iteration may or may
// not be seen. If anything is removed from the stack while the iteration is
// underway it stops early, because nodes below a removed node may already
// have been freed.
func (s *Stack[V]) Iter() iter.Seq[*Guard[V]] {
	return func(yield func(*Guard[V]) bool) {
		cur, next := s.domain.Acquire(), s.domain.Acquire()
		defer func() {
			cur.Release()
			next.Release()
		}()

		start := s.unlinks.Load()

		_, n := s.protect(cur, &s.head)
		for n != nil {
			g := &Guard[V]{n: n, h: cur, borrowed: true}
			ok := yield(g)
			g.Release()
			if !ok {
				return
			}

			// cur still covers n while its successor is protected.
			_, n = s.protect(next, &n.next)
			if n != nil && s.unlinks.Load() != start {
				return
			}
			cur, next = next, cur
		}
	}
}

// Values returns copies of the values from top to bottom. It has the same
// consistency as Iter.
func (s *Stack[V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for g := range s.Iter() {
			if !yield(g.Value()) {
				return
			}
		}
	}
}

// Drain removes values from the top of the stack and yields them. Values
// are moved out, so Drop is not called for them. Breaking out of the loop
// leaves the remaining values on the stack.
//
// Drain must not run concurrently with any other method on s.
func (s *Stack[V]) Drain() iter.Seq[V] {
	return func(yield func(V) bool) {
		defer s.domain.Reclaim()

		m := moved[V]{s.nodes}
		for {
			w := s.head.Load()
			addr := s.witness.addr(w)
			if addr == 0 {
				return
			}

			n := (*node[V])(unsafe.Pointer(addr))
			s.head.Store(s.witness.pack(w, s.witness.addr(n.next.Load())))
			s.unlinks.Add(1)
			s.len.Add(-1)

			v := n.val
			// Retired rather than freed so a stray Guard stays valid.
			s.domain.Retire(unsafe.Pointer(n), m)

			if !yield(v) {
				return
			}
		}
	}
}

// Collect returns a new stack holding the values of seq, the last one on
// top.
func Collect[V any](seq iter.Seq[V], opts *Options[V]) *Stack[V] {
	s := New(opts)
	for v := range seq {
		s.Push(v)
	}
	return s
}
