// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the model components checkpoints are loaded into.
//
// # Overview
//
// This package contains:
//   - Module: an ordered set of named parameters with strict and non-strict loading
//   - Model: the interface loaders depend on (Parameters, LoadParameters)
//   - NewDetectionModel: the parameter layout of a query-based detector
//   - Initialization: Xavier, Zeros, Full, PriorBias
//
// # Basic Usage
//
//	import "github.com/born-ml/reconcile/nn"
//
//	model := nn.NewDetectionModel(nn.DetectionConfig{
//	    NumClasses:    80,
//	    HiddenDim:     256,
//	    DecoderLayers: 6,
//	})
//
//	// Load whatever fits, report the rest
//	res, err := model.LoadParameters(weights, false)
//	fmt.Println(res.Missing, res.Unexpected)
//
// # Loading
//
// A shape or dtype mismatch always fails a load and leaves the module
// unchanged. Missing and unexpected keys fail only strict loads.
package nn
