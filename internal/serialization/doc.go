// Package serialization implements the on-disk checkpoint container.
//
// The container is the .born v2 layout, extended with section paths so that a
// single file can carry the state of several pipeline components:
//
//	Format Structure (v2):
//	  [64 bytes: fixed header]
//	    0x00 magic "BORN"
//	    0x04 version (uint32 LE)
//	    0x08 flags (uint32 LE)
//	    0x10 JSON header size (uint64 LE)
//	    0x18 tensor data size (uint64 LE)
//	    0x20 SHA-256 of the tensor data (32 bytes)
//	  [Header: JSON metadata]
//	  [Tensor data: raw bytes, 64-byte aligned]
//
// Every tensor is described by a TensorMeta carrying the section it belongs
// to ("model", "ema.module", "optimizer", ...) and its key inside that
// section. Per-section scalar state (step counters, learning rates, loss
// scale) lives in the JSON header.
//
// Version 1 files (no checksum, 20-byte prefix) are still readable.
//
// The package also reads and writes plain SafeTensors files, which carry a
// single unnamed section of weights.
//
// Example usage:
//
//	var buf bytes.Buffer
//	err := serialization.Encode(&buf, header, entries)
//	...
//	header, entries, err := serialization.Decode(buf.Bytes(), serialization.ReaderOptions{})
package serialization
