// Package tensorutils provides small helpers for working with tensors
package tensorutils

import (
	"gorgonia.org/tensor"
)

// Data returns the float64 backing slice of a dense tensor.
func Data(t *tensor.Dense) []float64 {
	return t.Data().([]float64)
}

// ZerosLike returns a zero-valued dense tensor with the same shape as t.
func ZerosLike(t *tensor.Dense) *tensor.Dense {
	shape := t.Shape().Clone()
	return tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(shape...))
}

// Clone returns a deep copy of a dense tensor.
func Clone(t *tensor.Dense) *tensor.Dense {
	return t.Clone().(*tensor.Dense)
}
