package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// RowSize returns the number of bytes in one slice along the leading dimension.
func (r *RawTensor) RowSize() int {
	if len(r.shape) == 0 {
		return r.dtype.Size()
	}
	return r.shape.Trailing().NumElements() * r.dtype.Size()
}

// Row returns a read-only view of row i along the leading dimension.
func (r *RawTensor) Row(i int) ([]byte, error) {
	if len(r.shape) == 0 {
		return nil, fmt.Errorf("scalar tensor has no rows")
	}
	if i < 0 || i >= r.shape[0] {
		return nil, fmt.Errorf("row %d out of range for shape %s", i, r.shape)
	}
	size := r.RowSize()
	return r.buffer.data[i*size : (i+1)*size], nil
}

// CopyRow copies row srcRow of src into row dstRow of r.
// Both tensors must share dtype and trailing dimensions.
func (r *RawTensor) CopyRow(dstRow int, src *RawTensor, srcRow int) error {
	if r.dtype != src.dtype {
		return fmt.Errorf("dtype mismatch: %s vs %s", r.dtype, src.dtype)
	}
	if !r.shape.Trailing().Equal(src.shape.Trailing()) || len(r.shape) != len(src.shape) {
		return fmt.Errorf("row shape mismatch: %s vs %s", r.shape, src.shape)
	}
	from, err := src.Row(srcRow)
	if err != nil {
		return err
	}
	if dstRow < 0 || len(r.shape) == 0 || dstRow >= r.shape[0] {
		return fmt.Errorf("row %d out of range for shape %s", dstRow, r.shape)
	}
	// Take the source bytes before detaching: src may share r's buffer.
	row := append([]byte(nil), from...)
	r.makeUnique()
	size := r.RowSize()
	copy(r.buffer.data[dstRow*size:(dstRow+1)*size], row)
	return nil
}

// Float32s returns the tensor contents converted to float32.
// Integer and bool tensors are converted numerically.
func (r *RawTensor) Float32s() []float32 {
	n := r.NumElements()
	out := make([]float32, n)
	data := r.buffer.data
	switch r.dtype {
	case Float32:
		copy(out, r.AsFloat32())
	case Float64:
		for i, v := range r.AsFloat64() {
			out[i] = float32(v)
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	case BFloat16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(data[i*4:]))) //nolint:gosec // reinterpretation
		}
	case Int64:
		for i, v := range r.AsInt64() {
			out[i] = float32(v)
		}
	case Uint8, Bool:
		for i, b := range data[:n] {
			out[i] = float32(b)
		}
	}
	return out
}

// FromFloat16 creates a float16 tensor from float32 values, rounding to nearest.
func FromFloat16(shape Shape, values []float32) (*RawTensor, error) {
	raw, err := NewRaw(shape, Float16)
	if err != nil {
		return nil, err
	}
	if len(values) != raw.NumElements() {
		return nil, fmt.Errorf("got %d values for shape %s (%d elements)",
			len(values), shape, raw.NumElements())
	}
	for i, v := range values {
		binary.LittleEndian.PutUint16(raw.buffer.data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return raw, nil
}
