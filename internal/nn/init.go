package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/reconcile/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// Parameters:
//   - fanIn: Number of input units
//   - fanOut: Number of output units
//   - shape: Shape of the weight tensor
//   - rng: Source of randomness, seeded by the caller for reproducibility
//
// Returns a float32 tensor initialized with Xavier distribution.
func Xavier(fanIn, fanOut int, shape tensor.Shape, rng *rand.Rand) *tensor.RawTensor {
	// Xavier/Glorot bound: sqrt(6 / (fan_in + fan_out))
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	t, err := tensor.NewRaw(shape, tensor.Float32)
	if err != nil {
		panic(err)
	}

	data := t.AsFloat32()
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// Zeros creates a float32 tensor filled with zeros.
//
// This is commonly used for bias initialization.
func Zeros(shape tensor.Shape) *tensor.RawTensor {
	return Full(shape, 0)
}

// Full creates a float32 tensor filled with v.
func Full(shape tensor.Shape, v float32) *tensor.RawTensor {
	t, err := tensor.NewRaw(shape, tensor.Float32)
	if err != nil {
		panic(err)
	}
	data := t.AsFloat32()
	for i := range data {
		data[i] = v
	}
	return t
}

// PriorBias returns the bias value that makes a sigmoid classifier start with
// probability prior: -log((1 - prior) / prior).
func PriorBias(prior float64) float32 {
	return float32(-math.Log((1 - prior) / prior))
}
