package tensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// ByteSize returns the number of bytes a tensor of this shape and dtype
// occupies. It fails instead of overflowing on oversized shapes.
func (s Shape) ByteSize(dtype DataType) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	n := dtype.Size()
	for _, dim := range s {
		if dim != 0 && n > math.MaxInt/dim {
			return 0, fmt.Errorf("shape %s of %s overflows addressable memory", s, dtype)
		}
		n *= dim
	}
	return n, nil
}

// Validate checks if the shape is valid (all dimensions >= 0).
//
// Zero-sized dimensions are allowed: checkpoints routinely carry empty
// buffers (e.g. an optimizer slot that was never touched).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// Leading returns the size of the first dimension, or 0 for scalars.
func (s Shape) Leading() int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// Trailing returns every dimension after the first.
func (s Shape) Trailing() Shape {
	if len(s) <= 1 {
		return Shape{}
	}
	return s[1:]
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
