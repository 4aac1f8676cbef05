// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides optimizers whose state is checkpointed alongside
// the model.
//
// # Overview
//
// This package contains:
//   - SGD: Stochastic Gradient Descent with momentum (velocity buffers)
//   - Adam: Adaptive moment estimation (first and second moments, step count)
//
// Both optimizers update the live tensors of a parameter mapping and export
// their buffers through StateDict, keyed by parameter index.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/reconcile/nn"
//	    "github.com/born-ml/reconcile/optim"
//	)
//
//	func main() {
//	    model := nn.NewDetectionModel(nn.DetectionConfig{NumClasses: 80, HiddenDim: 256, DecoderLayers: 6})
//
//	    optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 1e-4})
//
//	    // Training loop
//	    for range steps {
//	        optimizer.Step(grads)
//	    }
//	}
//
// # Resuming
//
// LoadStateDict rejects buffers whose shapes differ from their parameters.
// Buffers missing from the state are recreated on the next Step.
package optim
