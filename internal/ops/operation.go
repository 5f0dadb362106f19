// Package ops describes randomized stack workloads and replays them on many
// goroutines at once.
package ops

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"golang.org/x/exp/constraints"
)

// Kind is a stack operation.
type Kind uint8

const (
	Push Kind = iota
	Pop
	PopThenPushSquare
	ExtendWithFreshSubstack
	Peek
	PeekThenPush
	Iterate

	numKinds
)

var kindNames = [...]string{
	Push:                    "Push",
	Pop:                     "Pop",
	PopThenPushSquare:       "PopThenPushSquare",
	ExtendWithFreshSubstack: "ExtendWithFreshSubstack",
	Peek:                    "Peek",
	PeekThenPush:            "PeekThenPush",
	Iterate:                 "Iterate",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Op is one operation. Value is the pushed value for Push, Values the
// contents of the substack for ExtendWithFreshSubstack.
type Op struct {
	Kind   Kind
	Value  int64
	Values []int64
}

func (o Op) String() string {
	switch o.Kind {
	case Push:
		return fmt.Sprintf("Push(%d)", o.Value)
	case ExtendWithFreshSubstack:
		return fmt.Sprintf("ExtendWithFreshSubstack(%v)", o.Values)
	}
	return o.Kind.String()
}

// maxSubstack bounds the length of a generated substack.
const maxSubstack = 8

// Generate returns n random operations.
func Generate(rnd *rand.Rand, n int) []Op {
	ops := make([]Op, n)
	for i := range ops {
		op := Op{Kind: Kind(rnd.Intn(int(numKinds)))}
		switch op.Kind {
		case Push:
			op.Value = rnd.Int63n(1 << 20)
		case ExtendWithFreshSubstack:
			op.Values = make([]int64, rnd.Intn(maxSubstack+1))
			for j := range op.Values {
				op.Values[j] = rnd.Int63n(1 << 20)
			}
		}
		ops[i] = op
	}
	return ops
}

// Decode turns arbitrary bytes into operations. Each operation starts with a
// kind byte. Push is followed by a little-endian 16-bit value, and
// ExtendWithFreshSubstack by a length byte and that many values. Input that
// runs out mid-operation ends the list.
func Decode(data []byte) []Op {
	var ops []Op
	for len(data) > 0 {
		op := Op{Kind: Kind(data[0] % uint8(numKinds))}
		data = data[1:]

		switch op.Kind {
		case Push:
			v, rest, ok := decodeValue(data)
			if !ok {
				return ops
			}
			op.Value, data = v, rest

		case ExtendWithFreshSubstack:
			if len(data) == 0 {
				return ops
			}
			n := int(data[0]) % (maxSubstack + 1)
			data = data[1:]

			op.Values = make([]int64, 0, n)
			for range n {
				v, rest, ok := decodeValue(data)
				if !ok {
					return ops
				}
				op.Values = append(op.Values, v)
				data = rest
			}
		}

		ops = append(ops, op)
	}
	return ops
}

func decodeValue(data []byte) (int64, []byte, bool) {
	if len(data) < 2 {
		return 0, data, false
	}
	return int64(binary.LittleEndian.Uint16(data)), data[2:], true
}

// square returns n*n, wrapping on overflow.
func square[N constraints.Integer](n N) N {
	return n * n
}

// chunks splits ops into at most n contiguous parts of nearly equal length.
func chunks[T any](ops []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	n = min(n, max(len(ops), 1))

	parts := make([][]T, 0, n)
	for i := range n {
		lo, hi := len(ops)*i/n, len(ops)*(i+1)/n
		parts = append(parts, ops[lo:hi])
	}
	return parts
}
