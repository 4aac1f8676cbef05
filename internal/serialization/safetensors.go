package serialization

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/tensor"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorInfo describes a tensor in the SafeTensors header.
type SafeTensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end]
}

const safeTensorsMetadataKey = "__metadata__"

// DecodeSafeTensors parses an in-memory SafeTensors blob.
//
// Entries have an empty Section and are returned in data-offset order, which
// is the order the writer laid them out in.
func DecodeSafeTensors(blob []byte) (map[string]string, []Entry, error) {
	if len(blob) < 8 {
		return nil, nil, errors.Wrap(ErrTruncated, "safetensors header size")
	}
	headerSize := binary.LittleEndian.Uint64(blob[:8])
	if headerSize > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	if headerSize > uint64(len(blob)-8) {
		return nil, nil, errors.Wrapf(ErrTruncated, "safetensors header of %d bytes", headerSize)
	}
	data := blob[8+headerSize:]

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(blob[8:8+headerSize], &rawMap); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse safetensors header")
	}

	var metadata map[string]string
	if m, ok := rawMap[safeTensorsMetadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, errors.Wrap(err, "failed to unmarshal metadata")
		}
	}

	type located struct {
		name string
		info SafeTensorInfo
	}
	infos := make([]located, 0, len(rawMap))
	for name, value := range rawMap {
		if name == safeTensorsMetadataKey {
			continue
		}
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, err
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to unmarshal tensor %s", name)
		}
		infos = append(infos, located{name: name, info: info})
	}
	if len(infos) > MaxTensorCount {
		return nil, nil, &ValidationError{Type: "too_many_tensors", Details: "safetensors header"}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].info.DataOffsets[0] != infos[j].info.DataOffsets[0] {
			return infos[i].info.DataOffsets[0] < infos[j].info.DataOffsets[0]
		}
		return infos[i].name < infos[j].name
	})

	entries := make([]Entry, 0, len(infos))
	for _, l := range infos {
		dtype, err := safeTensorsToDataType(l.info.DType)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %s", l.name)
		}
		shape := make(tensor.Shape, len(l.info.Shape))
		for i, d := range l.info.Shape {
			shape[i] = int(d)
		}
		start, end := l.info.DataOffsets[0], l.info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, nil, errors.Wrapf(ErrOutOfBounds, "tensor %s: [%d, %d) of %d bytes", l.name, start, end, len(data))
		}
		raw, err := tensor.FromBytes(shape, dtype, data[start:end])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %s", l.name)
		}
		entries = append(entries, Entry{Name: l.name, Tensor: raw})
	}

	return metadata, entries, nil
}

// EncodeSafeTensors writes entries as a SafeTensors blob.
// Tensors are written in alphabetical order by name (SafeTensors requirement);
// sections are ignored, so names must be unique.
func EncodeSafeTensors(w io.Writer, entries []Entry, metadata map[string]string) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[safeTensorsMetadataKey] = metadata
	}

	var currentOffset int64
	for _, e := range sorted {
		if _, dup := header[e.Name]; dup {
			return errors.Errorf("duplicate tensor name %q", e.Name)
		}
		size := int64(e.Tensor.ByteSize())
		shape := make([]int64, len(e.Tensor.Shape()))
		for i, d := range e.Tensor.Shape() {
			shape[i] = int64(d)
		}
		header[e.Name] = SafeTensorInfo{
			DType:       dataTypeToSafeTensors(e.Tensor.DType()),
			Shape:       shape,
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, e := range sorted {
		if _, err := w.Write(e.Tensor.Data()); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", e.Name)
		}
	}
	return nil
}

// dataTypeToSafeTensors converts tensor.DataType to SafeTensors dtype string.
func dataTypeToSafeTensors(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "F32"
	case tensor.Float64:
		return "F64"
	case tensor.Float16:
		return "F16"
	case tensor.BFloat16:
		return "BF16"
	case tensor.Int32:
		return "I32"
	case tensor.Int64:
		return "I64"
	case tensor.Uint8:
		return "U8"
	case tensor.Bool:
		return "BOOL"
	default:
		return "F32"
	}
}

// safeTensorsToDataType converts a SafeTensors dtype string to tensor.DataType.
func safeTensorsToDataType(dtype string) (tensor.DataType, error) {
	switch dtype {
	case "F32":
		return tensor.Float32, nil
	case "F64":
		return tensor.Float64, nil
	case "F16":
		return tensor.Float16, nil
	case "BF16":
		return tensor.BFloat16, nil
	case "I32":
		return tensor.Int32, nil
	case "I64":
		return tensor.Int64, nil
	case "U8":
		return tensor.Uint8, nil
	case "BOOL":
		return tensor.Bool, nil
	default:
		return 0, errors.Errorf("unsupported safetensors dtype %q", dtype)
	}
}
