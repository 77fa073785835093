package collcomm

import (
	"github.com/unixpickle/groupcomm/simulator"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FlopTime is the amount of virtual time it takes to
// combine a single pair of elements.
const FlopTime = 1e-9

// Number is any element type with built-in arithmetic.
type Number interface {
	constraints.Integer | constraints.Float
}

// A ReduceOp combines two elements into one.
//
// Operators must be commutative and associative, since
// contributions may be combined in any order.
type ReduceOp[T any] interface {
	Combine(a, b T) T
}

// OpFunc adapts a plain function to a ReduceOp.
type OpFunc[T any] func(a, b T) T

func (o OpFunc[T]) Combine(a, b T) T {
	return o(a, b)
}

// Sum adds elements.
type Sum[T Number] struct{}

func (Sum[T]) Combine(a, b T) T {
	return a + b
}

// Max keeps the larger element.
type Max[T Number] struct{}

func (Max[T]) Combine(a, b T) T {
	if b > a {
		return b
	}
	return a
}

// Min keeps the smaller element.
type Min[T Number] struct{}

func (Min[T]) Combine(a, b T) T {
	if b < a {
		return b
	}
	return a
}

// HalfSum adds half-precision elements, rounding the
// single-precision sum back to half precision.
type HalfSum struct{}

func (HalfSum) Combine(a, b float16.Float16) float16.Float16 {
	return float16.Fromfloat32(a.Float32() + b.Float32())
}

// ReduceVectors combines equal-length vectors
// elementwise into a new vector.
//
// If h is non-nil, FlopTime is charged for every
// combination.
func ReduceVectors[T any](h *simulator.Handle, op ReduceOp[T], vecs ...[]T) []T {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]T(nil), vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = op.Combine(res[i], x)
		}
	}
	if h != nil {
		h.Sleep(FlopTime * float64((len(vecs)-1)*len(res)))
	}
	return res
}
