package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major n-dimensional float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero initialised tensor of the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromData wraps data in a tensor. The data length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d)", len(data), shape, n)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Index returns a view of the i-th sub-tensor along the leading axis.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		panic("tensor index out of range")
	}
	inner := numel(t.Shape[1:])
	return &Tensor{Shape: slices.Clone(t.Shape[1:]), Data: t.Data[i*inner : (i+1)*inner]}
}

// AsMat views the tensor as a matrix whose columns are the trailing axis.
func (t *Tensor) AsMat() Mat {
	c := 1
	if len(t.Shape) > 0 {
		c = t.Shape[len(t.Shape)-1]
	}
	r := 0
	if c > 0 {
		r = len(t.Data) / c
	}
	return Mat{R: r, C: c, Stride: c, Data: t.Data}
}

// SameShape reports whether the two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return n
}
