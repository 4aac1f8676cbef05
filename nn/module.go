// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math/rand"

	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/tensor"
)

// Model is implemented by anything a loader can read parameters from and
// load parameters into.
type Model = nn.Model

// Module is an ordered set of named parameters.
type Module = nn.Module

// Parameter is a named tensor owned by a Module.
type Parameter = nn.Parameter

// LoadResult lists the keys a load did not apply.
type LoadResult = nn.LoadResult

// DetectionConfig describes the parameter layout of a detector.
type DetectionConfig = nn.DetectionConfig

// ErrStrictLoad is returned by strict loads with missing or unexpected keys.
var ErrStrictLoad = nn.ErrStrictLoad

// NewModule creates an empty Module.
func NewModule() *Module {
	return nn.NewModule()
}

// NewDetectionModel builds the parameters of a detector.
//
// Example:
//
//	model := nn.NewDetectionModel(nn.DetectionConfig{NumClasses: 80, HiddenDim: 256, DecoderLayers: 6})
//	fmt.Println(model.Names())
func NewDetectionModel(cfg DetectionConfig) *Module {
	return nn.NewDetectionModel(cfg)
}

// Xavier returns a tensor initialized with Xavier/Glorot uniform values.
func Xavier(fanIn, fanOut int, shape tensor.Shape, rng *rand.Rand) *tensor.RawTensor {
	return nn.Xavier(fanIn, fanOut, shape, rng)
}

// Zeros returns a zero float32 tensor.
func Zeros(shape tensor.Shape) *tensor.RawTensor {
	return nn.Zeros(shape)
}

// Full returns a float32 tensor filled with v.
func Full(shape tensor.Shape, v float32) *tensor.RawTensor {
	return nn.Full(shape, v)
}

// PriorBias returns the bias that makes a sigmoid output prior.
func PriorBias(prior float64) float32 {
	return nn.PriorBias(prior)
}
