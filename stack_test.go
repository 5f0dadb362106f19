package unlink

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/unlink/alloc"
	"github.com/pboyd/unlink/hazard"
)

// testStack is a stack with its own heap and domain, so leaks and drops can
// be counted without interference from other tests.
type testStack[V any] struct {
	*Stack[V]
	heap   *alloc.Heap
	domain *hazard.Domain
	drops  atomic.Int64
}

func newTestStack[V any](t testing.TB, tagged bool) *testStack[V] {
	ts := &testStack[V]{
		heap:   alloc.NewHeap(&alloc.HeapOptions{RegionSize: 64 * 1024}),
		domain: hazard.New(),
	}
	ts.Stack = ts.sibling(tagged)
	t.Cleanup(func() {
		ts.Clear()
		assert.Equal(t, 0, ts.domain.Pending(), "retired nodes left behind")
		assert.Equal(t, 0, ts.heap.Live(), "leaked nodes")
	})
	return ts
}

// sibling returns another stack sharing the heap, domain and drop counter.
func (ts *testStack[V]) sibling(tagged bool) *Stack[V] {
	return New(&Options[V]{
		Tagged: tagged,
		Heap:   ts.heap,
		Domain: ts.domain,
		Drop:   func(*V) { ts.drops.Add(1) },
	})
}

// forEachWitness runs f once with plain links and once with tagged links.
func forEachWitness(t *testing.T, f func(t *testing.T, tagged bool)) {
	for _, tagged := range []bool{false, true} {
		t.Run(fmt.Sprintf("tagged=%v", tagged), func(t *testing.T) {
			f(t, tagged)
		})
	}
}

func TestPushPopOrder(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)
		s := newTestStack[int](t, tagged)

		_, ok := s.PopValue()
		assert.False(ok)
		assert.True(s.IsEmpty())

		for i := range 100 {
			s.Push(i)
		}
		assert.Equal(100, s.Len())
		assert.False(s.IsEmpty())

		for i := 99; i >= 0; i-- {
			v, ok := s.PopValue()
			if assert.True(ok) {
				assert.Equal(i, v)
			}
		}

		assert.Equal(0, s.Len())
		assert.True(s.IsEmpty())
		_, ok = s.Pop()
		assert.False(ok)

		assert.EqualValues(100, s.drops.Load())
	})
}

func TestScenario(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)
		s := newTestStack[int](t, tagged)

		s.Push(1)
		s.Push(2)
		s.Push(3)
		assert.Equal([]int{3, 2, 1}, slices.Collect(s.Values()))

		e, ok := s.Pop()
		require.True(t, ok)
		assert.Equal(3, e.Value())
		e.Release()

		g, ok := s.Peek()
		require.True(t, ok)
		assert.Equal(2, g.Value())
		g.Release()

		v, ok := s.PopValue()
		assert.True(ok)
		assert.Equal(2, v)

		fresh := s.sibling(tagged)
		fresh.Push(8)
		fresh.Push(9)
		s.Extend(fresh)

		assert.Equal([]int{9, 8, 1}, slices.Collect(s.Values()))
		assert.Equal([]int{9, 8, 1}, slices.Collect(s.Drain()))
		assert.True(s.IsEmpty())
	})
}

func TestExtend(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)
		s := newTestStack[int](t, tagged)

		expected := []int{2, 3, 7, 2, 0, 0, 3, 4, 2, 5}
		half := len(expected) / 2

		for _, v := range slices.Backward(expected[half:]) {
			s.Push(v)
		}

		other := s.sibling(tagged)
		for _, v := range slices.Backward(expected[:half]) {
			other.Push(v)
		}

		s.Extend(other)
		assert.Equal(len(expected), s.Len())
		assert.Equal(0, other.Len())
		assert.True(other.IsEmpty())

		// The source stays usable.
		other.Push(42)
		assert.Equal([]int{42}, slices.Collect(other.Drain()))

		assert.Equal(expected, slices.Collect(s.Drain()))
	})
}

func TestExtendEmpty(t *testing.T) {
	s := newTestStack[int](t, false)
	s.Push(1)

	s.Extend(s.sibling(false))
	assert.Equal(t, []int{1}, slices.Collect(s.Values()))
	assert.Equal(t, 1, s.Len())
}

func TestExtendMixedWitnesses(t *testing.T) {
	assert := assert.New(t)

	tagged := newTestStack[int](t, true)
	tagged.Push(1)

	plain := tagged.sibling(false)
	plain.Push(3)
	plain.Push(2)
	tagged.Extend(plain)
	assert.Equal([]int{2, 3, 1}, slices.Collect(tagged.Values()))

	back := tagged.sibling(false)
	back.Push(0)
	back.Extend(tagged.Stack)
	assert.Equal([]int{2, 3, 1, 0}, slices.Collect(back.Drain()))
}

func TestExtendRejectsMisuse(t *testing.T) {
	s := newTestStack[int](t, false)
	assert.Panics(t, func() { s.Extend(s.Stack) })

	foreign := New(&Options[int]{Heap: alloc.NewHeap(nil), Domain: s.domain})
	assert.Panics(t, func() { s.Extend(foreign) })
}

func TestExtendAcrossDomains(t *testing.T) {
	assert := assert.New(t)
	s := newTestStack[int](t, false)

	other := New(&Options[int]{
		Heap:   s.heap,
		Domain: hazard.New(),
		Drop:   func(*int) { s.drops.Add(1) },
	})
	other.Push(7)

	g, ok := other.Peek()
	require.True(t, ok)

	assert.Panics(func() { s.Extend(other) })
	assert.True(s.IsEmpty())
	assert.Equal(1, other.Len())

	_, ok = s.PopValue()
	assert.False(ok)
	assert.Equal(7, g.Value())
	assert.Zero(s.drops.Load())

	g.Release()
	other.Clear()
	assert.Equal(int64(1), s.drops.Load())
}

func TestHeldEntriesAreNotFreed(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)
		s := newTestStack[int](t, tagged)

		other := s.sibling(tagged)
		for _, v := range []int{3, 2, 0} {
			other.Push(v)
		}
		s.Extend(other)

		top, ok := s.Peek()
		require.True(t, ok)
		owned, ok := s.Pop()
		require.True(t, ok)
		assert.Equal(top.Value(), owned.Value())

		// The peek guard still protects the popped node.
		owned.Release()
		assert.EqualValues(0, s.drops.Load())
		assert.Equal(0, top.Value())

		top.Release()
		assert.EqualValues(0, s.drops.Load())
		s.domain.Reclaim()
		assert.EqualValues(1, s.drops.Load())

		s.PopValue()
		assert.EqualValues(2, s.drops.Load())
		s.PopValue()
		assert.EqualValues(3, s.drops.Load())

		s.Push(0)
		assert.EqualValues(3, s.drops.Load())
		s.PopValue()
		assert.EqualValues(4, s.drops.Load())
	})
}

func TestEntrySurvivesConcurrentChurn(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)

		var mu sync.Mutex
		dropped := make(map[int]bool)
		heap := alloc.NewHeap(nil)
		domain := hazard.New()
		opts := &Options[int]{
			Tagged: tagged,
			Heap:   heap,
			Domain: domain,
			Drop: func(v *int) {
				mu.Lock()
				dropped[*v] = true
				mu.Unlock()
			},
		}

		s := New(opts)
		for i := range 100 {
			s.Push(i)
		}

		held, ok := s.Pop()
		require.True(t, ok)
		require.Equal(t, 99, held.Value())

		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 500 {
					switch i % 4 {
					case 0, 1:
						s.PopValue()
					case 2:
						s.Push(1000 + w*1000 + i)
					case 3:
						sub := New(opts)
						sub.Push(-1)
						sub.Push(-2)
						s.Extend(sub)
					}
				}
			}()
		}
		wg.Wait()

		mu.Lock()
		assert.False(dropped[99])
		mu.Unlock()
		assert.Equal(99, held.Value())

		held.Release()
		mu.Lock()
		assert.True(dropped[99])
		mu.Unlock()

		s.Clear()
		assert.Equal(0, domain.Pending())
		assert.Equal(0, heap.Live())
	})
}

func TestConcurrentPushPopConservation(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		const (
			workers = 10
			perG    = 1000
		)

		s := newTestStack[int](t, tagged)

		popped := make([][]int, workers)
		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(int64(w)))
				for i := range perG {
					s.Push(w*perG + i)
					if rnd.Intn(3) == 0 {
						if v, ok := s.PopValue(); ok {
							popped[w] = append(popped[w], v)
						}
					}
				}
			}()
		}
		wg.Wait()

		var all []int
		for _, p := range popped {
			all = append(all, p...)
		}
		nPopped := len(all)
		assert.Equal(t, workers*perG-nPopped, s.Len())

		all = append(all, slices.Collect(s.Drain())...)
		require.Len(t, all, workers*perG)

		slices.Sort(all)
		for i, v := range all {
			if !assert.Equal(t, i, v) {
				break
			}
		}

		assert.EqualValues(t, nPopped, s.drops.Load())
	})
}

func TestConcurrentMixed(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		const workers = 20

		s := newTestStack[int64](t, tagged)
		var pushes, drained atomic.Int64

		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(int64(w) + 100))
				for range 500 {
					switch rnd.Intn(6) {
					case 0:
						s.Push(rnd.Int63n(1000))
						pushes.Add(1)
					case 1:
						s.PopValue()
					case 2:
						if v, ok := s.PopValue(); ok {
							s.Push(v * v % 1000)
							pushes.Add(1)
						}
					case 3:
						sub := s.sibling(tagged)
						for range rnd.Intn(4) {
							sub.Push(rnd.Int63n(1000))
							pushes.Add(1)
						}
						s.Extend(sub)
					case 4:
						if g, ok := s.Peek(); ok {
							s.Push(g.Value())
							pushes.Add(1)
							g.Release()
						}
					case 5:
						for g := range s.Iter() {
							if g.Value()%97 == 0 {
								break
							}
						}
					}
				}
			}()
		}
		wg.Wait()

		for range s.Drain() {
			drained.Add(1)
		}
		s.domain.Reclaim()

		assert.Equal(t, pushes.Load(), s.drops.Load()+drained.Load())
		assert.Equal(t, 0, s.heap.Live())
	})
}

func TestIterTruncatesAfterRemoval(t *testing.T) {
	assert := assert.New(t)
	s := newTestStack[int](t, false)

	for i := range 5 {
		s.Push(i)
	}

	var seen []int
	for g := range s.Iter() {
		seen = append(seen, g.Value())
		if len(seen) == 2 {
			s.PopValue()
		}
	}
	assert.Equal([]int{4, 3}, seen)

	// Pushes do not cut the iteration short.
	seen = seen[:0]
	for g := range s.Iter() {
		seen = append(seen, g.Value())
		if len(seen) == 1 {
			s.Push(100)
		}
	}
	assert.Equal([]int{3, 2, 1, 0}, seen)
}

func TestIterGuardsExpire(t *testing.T) {
	s := newTestStack[int](t, true)
	s.Push(1)

	var kept *Guard[int]
	for g := range s.Iter() {
		kept = g
		g.Release()
		assert.Panics(t, func() { g.Value() })
	}
	assert.Panics(t, func() { kept.Value() })

	g, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, g.Value())
	g.Release()
}

func TestGuardRelease(t *testing.T) {
	assert := assert.New(t)
	s := newTestStack[int](t, false)
	s.Push(7)

	g, ok := s.Peek()
	require.True(t, ok)
	g.Release()
	g.Release()
	assert.Panics(func() { g.Value() })

	e, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(7, e.Value())
	e.Release()
	e.Release()
	assert.Panics(func() { e.Value() })

	assert.EqualValues(1, s.drops.Load())
}

func TestClearKeepsGuardedNodes(t *testing.T) {
	forEachWitness(t, func(t *testing.T, tagged bool) {
		assert := assert.New(t)
		s := newTestStack[int](t, tagged)

		for i := range 10 {
			s.Push(i)
		}
		g, ok := s.Peek()
		require.True(t, ok)

		s.Clear()
		assert.True(s.IsEmpty())
		assert.Equal(0, s.Len())
		assert.EqualValues(9, s.drops.Load())
		assert.Equal(9, g.Value())

		g.Release()
		s.domain.Reclaim()
		assert.EqualValues(10, s.drops.Load())

		s.Push(11)
		assert.Equal([]int{11}, slices.Collect(s.Values()))
	})
}

func TestDrainStopsEarly(t *testing.T) {
	assert := assert.New(t)
	s := newTestStack[int](t, false)

	for i := range 6 {
		s.Push(i)
	}

	var got []int
	for v := range s.Drain() {
		got = append(got, v)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal([]int{5, 4, 3}, got)
	assert.Equal(3, s.Len())
	assert.Equal([]int{2, 1, 0}, slices.Collect(s.Values()))

	// Drained values are moved out, not dropped.
	assert.EqualValues(0, s.drops.Load())
}

func TestCollect(t *testing.T) {
	heap := alloc.NewHeap(nil)
	s := Collect(slices.Values([]int{1, 2, 3}), &Options[int]{Heap: heap})

	assert.Equal(t, []int{3, 2, 1}, slices.Collect(s.Drain()))
	assert.Equal(t, 0, heap.Live())
}

func TestStructValues(t *testing.T) {
	type point struct {
		X, Y int32
		Tag  [3]byte
	}

	s := newTestStack[point](t, true)
	s.Push(point{1, 2, [3]byte{'a'}})
	s.Push(point{3, 4, [3]byte{'b'}})

	v, ok := s.PopValue()
	assert.True(t, ok)
	assert.Equal(t, point{3, 4, [3]byte{'b'}}, v)
}

func TestNewRejectsPointers(t *testing.T) {
	assert.Panics(t, func() { New[string](nil) })
	assert.Panics(t, func() { New[*int](nil) })
	assert.Panics(t, func() { New[struct{ B []byte }](nil) })
	assert.NotPanics(t, func() { New[[4]uint64](nil) })
}

func TestSharedDomainByDefault(t *testing.T) {
	a := New[uint16](nil)
	b := New[uint16](nil)
	assert.Same(t, a.domain, b.domain)
	assert.NotSame(t, a.domain, New[int16](nil).domain)
}

func BenchmarkPushPop(b *testing.B) {
	for _, tagged := range []bool{false, true} {
		b.Run(fmt.Sprintf("tagged=%v", tagged), func(b *testing.B) {
			s := New(&Options[int]{Tagged: tagged, Domain: hazard.New()})
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					if i%2 == 0 {
						s.Push(i)
					} else {
						s.PopValue()
					}
					i++
				}
			})
			s.Clear()
		})
	}
}
