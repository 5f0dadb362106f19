// Package hazard implements hazard-pointer based memory reclamation.
//
// A goroutine that is about to dereference a shared pointer publishes it in a
// Hazard acquired from a Domain. Memory that has been unlinked from a shared
// structure is handed to the Domain with Retire and is only passed to its
// Reclaimer once no Hazard in the Domain holds its address.
package hazard

import (
	"encoding/binary"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Number of retirement lists. Must be a power of two.
const shardCount = 8

// Reclaimer frees retired memory.
type Reclaimer interface {
	Reclaim(p unsafe.Pointer)
}

// ReclaimFunc adapts a function to the Reclaimer interface.
type ReclaimFunc func(p unsafe.Pointer)

// Reclaim calls f(p).
func (f ReclaimFunc) Reclaim(p unsafe.Pointer) {
	f(p)
}

// Domain is a set of hazard records and the memory retired against them.
// All methods are safe for concurrent use. A Domain is never torn down;
// retired memory is reclaimed by explicit Reclaim calls.
type Domain struct {
	records  atomic.Pointer[Hazard]
	nrecords atomic.Int64
	pending  atomic.Int64
	shards   [shardCount]shard

	// scratch holds *[]uintptr buffers for the addresses Reclaim collects.
	scratch sync.Pool
}

type shard struct {
	head atomic.Pointer[retired]
	_    [56]byte // one cache line per shard
}

type retired struct {
	p    unsafe.Pointer
	r    Reclaimer
	next *retired
}

// New returns an empty Domain.
func New() *Domain {
	return &Domain{}
}

var families sync.Map // reflect.Type -> *Domain

// For returns the process-wide Domain for the family F. Every call with the
// same type argument returns the same Domain.
func For[F any]() *Domain {
	t := reflect.TypeFor[F]()
	if d, ok := families.Load(t); ok {
		return d.(*Domain)
	}
	d, _ := families.LoadOrStore(t, New())
	return d.(*Domain)
}

// Acquire returns an unused Hazard, reusing a released one when possible.
func (d *Domain) Acquire() *Hazard {
	for h := d.records.Load(); h != nil; h = h.next {
		if !h.active.Load() && h.active.CompareAndSwap(false, true) {
			return h
		}
	}

	h := &Hazard{}
	h.active.Store(true)
	for {
		head := d.records.Load()
		h.next = head
		if d.records.CompareAndSwap(head, h) {
			d.nrecords.Add(1)
			return h
		}
	}
}

// Retire hands p to the domain. r.Reclaim(p) is called by a later Reclaim
// once no Hazard protects p. The caller must have made p unreachable for new
// readers before retiring it.
func (d *Domain) Retire(p unsafe.Pointer, r Reclaimer) {
	e := &retired{p: p, r: r}
	d.shards[shardOf(p)].push(e, e)
	d.pending.Add(1)
}

// Reclaim frees every retired pointer that no Hazard currently protects and
// returns how many were freed. Protected pointers stay retired.
//
// Concurrent calls are safe: each retirement list is detached by exactly one
// caller before it is scanned.
func (d *Domain) Reclaim() int {
	var lists [shardCount]*retired
	found := false
	for i := range d.shards {
		lists[i] = d.shards[i].head.Swap(nil)
		found = found || lists[i] != nil
	}
	if !found {
		return 0
	}

	// The lists were detached before the records are read, so any reader
	// that validated one of these pointers has already published it.
	buf, _ := d.scratch.Get().(*[]uintptr)
	if buf == nil {
		buf = new([]uintptr)
	}
	protected := (*buf)[:0]
	for h := d.records.Load(); h != nil; h = h.next {
		if p := h.ptr.Load(); p != 0 {
			protected = append(protected, p)
		}
	}
	slices.Sort(protected)

	freed := 0
	for i, e := range lists {
		var keep, keepTail *retired
		for e != nil {
			next := e.next
			if _, ok := slices.BinarySearch(protected, uintptr(e.p)); ok {
				if keep == nil {
					keepTail = e
				}
				e.next = keep
				keep = e
			} else {
				e.r.Reclaim(e.p)
				freed++
			}
			e = next
		}
		if keep != nil {
			d.shards[i].push(keep, keepTail)
		}
	}

	*buf = protected
	d.scratch.Put(buf)

	d.pending.Add(-int64(freed))
	return freed
}

// Pending returns the number of retired pointers not yet reclaimed.
func (d *Domain) Pending() int {
	return int(d.pending.Load())
}

// Records returns the number of hazard records ever allocated in the domain.
func (d *Domain) Records() int {
	return int(d.nrecords.Load())
}

// push links the chain first..last onto the shard.
func (s *shard) push(first, last *retired) {
	for {
		head := s.head.Load()
		last.next = head
		if s.head.CompareAndSwap(head, first) {
			return
		}
	}
}

func shardOf(p unsafe.Pointer) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(uintptr(p)))
	return int(xxhash.Sum64(b[:]) & (shardCount - 1))
}
