package ops

import (
	"sync"

	"github.com/pboyd/unlink"
)

// Result counts what a replay did to the stack. After a replay on an empty
// stack with no other users, Pushed-Popped is the stack's length.
type Result struct {
	Pushed int64
	Popped int64
	Peeked int64
	Seen   int64 // values visited by Iterate
}

func (r *Result) add(o Result) {
	r.Pushed += o.Pushed
	r.Popped += o.Popped
	r.Peeked += o.Peeked
	r.Seen += o.Seen
}

// Replay splits ops into contiguous chunks, runs each chunk on its own
// goroutine against s and waits for all of them. Substacks for
// ExtendWithFreshSubstack are created with opts, which must name the same heap
// and hazard domain as s.
func Replay(s *unlink.Stack[int64], opts *unlink.Options[int64], ops []Op, workers int) Result {
	parts := chunks(ops, workers)
	results := make([]Result, len(parts))

	var wg sync.WaitGroup
	for i, part := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(s, opts, part)
		}()
	}
	wg.Wait()

	var total Result
	for _, r := range results {
		total.add(r)
	}
	return total
}

func run(s *unlink.Stack[int64], opts *unlink.Options[int64], ops []Op) Result {
	var r Result
	for _, op := range ops {
		switch op.Kind {
		case Push:
			s.Push(op.Value)
			r.Pushed++

		case Pop:
			if _, ok := s.PopValue(); ok {
				r.Popped++
			}

		case PopThenPushSquare:
			if v, ok := s.PopValue(); ok {
				r.Popped++
				s.Push(square(v))
				r.Pushed++
			}

		case ExtendWithFreshSubstack:
			sub := unlink.New(opts)
			for _, v := range op.Values {
				sub.Push(v)
			}
			s.Extend(sub)
			r.Pushed += int64(len(op.Values))

		case Peek:
			if g, ok := s.Peek(); ok {
				g.Value()
				g.Release()
				r.Peeked++
			}

		case PeekThenPush:
			if g, ok := s.Peek(); ok {
				v := g.Value()
				g.Release()
				r.Peeked++
				s.Push(v)
				r.Pushed++
			}

		case Iterate:
			for range s.Values() {
				r.Seen++
			}
		}
	}
	return r
}
