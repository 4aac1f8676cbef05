// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the tensor storage used by checkpoints.
//
// # Overview
//
// A RawTensor is a shape, a data type and a reference-counted byte buffer:
//   - Clone shares the buffer; it is copied on the first write (copy-on-write)
//   - Detach returns an independent deep copy
//   - Row and CopyRow address slices along the leading dimension, which is
//     how classification heads are remapped class by class
//
// # Basic Usage
//
//	import "github.com/born-ml/reconcile/tensor"
//
//	func main() {
//	    head, _ := tensor.FromFloat32(tensor.Shape{3, 2}, []float32{0, 1, 10, 11, 20, 21})
//	    snapshot := head.Clone()       // shares the buffer
//	    _ = head.CopyRow(0, head, 2)   // head gets its own buffer here
//	    fmt.Println(snapshot.Float32s()) // [0 1 10 11 20 21]
//	}
//
// # Data Types
//
// Float32, Float64, Float16, BFloat16, Int32, Int64, Uint8 and Bool are
// stored. Float32s converts any of them to float32 for inspection.
package tensor
