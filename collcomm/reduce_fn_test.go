package collcomm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/x448/float16"
)

func TestReduceOps(t *testing.T) {
	assert.Equal(t, 7, Sum[int]{}.Combine(3, 4))
	assert.Equal(t, 4.5, Max[float64]{}.Combine(4.5, -1))
	assert.Equal(t, int8(-3), Min[int8]{}.Combine(2, -3))

	mul := OpFunc[uint32](func(a, b uint32) uint32 { return a * b })
	assert.Equal(t, uint32(12), mul.Combine(3, 4))

	half := HalfSum{}.Combine(float16.Fromfloat32(0.5), float16.Fromfloat32(1.25))
	assert.Equal(t, float32(1.75), half.Float32())
}

func TestReduceVectors(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{10, 20, 30}
	c := []float64{100, 200, 300}
	res := ReduceVectors[float64](nil, Sum[float64]{}, a, b, c)
	assert.Equal(t, []float64{111, 222, 333}, res)
	assert.Equal(t, []float64{1, 2, 3}, a, "inputs must not be modified")

	assert.Panics(t, func() {
		ReduceVectors[float64](nil, Sum[float64]{}, a, []float64{1})
	})
}
