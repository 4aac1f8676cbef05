package serialization

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/tensor"
)

// ReaderOptions configures Decode.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// Format identifies the container format of a blob.
type Format int

// Recognized container formats.
const (
	FormatUnknown Format = iota
	FormatBorn
	FormatSafeTensors
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatBorn:
		return "born"
	case FormatSafeTensors:
		return "safetensors"
	default:
		return "unknown"
	}
}

// DetectFormat sniffs the container format from the first bytes of blob.
func DetectFormat(blob []byte) Format {
	if len(blob) >= 4 && string(blob[:4]) == MagicBytes {
		return FormatBorn
	}
	// SafeTensors: 8-byte LE header length followed by a JSON object.
	if len(blob) >= 9 && blob[8] == '{' {
		size := binary.LittleEndian.Uint64(blob[:8])
		if size <= MaxHeaderSize && size <= uint64(len(blob)-8) {
			return FormatSafeTensors
		}
	}
	return FormatUnknown
}

// ReadFile reads and decodes a .born file.
func ReadFile(path string, opts ReaderOptions) (Header, []Entry, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for checkpoint loading
	blob, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return Decode(blob, opts)
}

// Decode parses an in-memory .born blob (v1 or v2).
func Decode(blob []byte, opts ReaderOptions) (Header, []Entry, error) {
	if len(blob) < FixedHeaderSizeV1 {
		return Header{}, nil, errors.Wrapf(ErrTruncated, "%d bytes, need at least %d", len(blob), FixedHeaderSizeV1)
	}
	if string(blob[:4]) != MagicBytes {
		return Header{}, nil, ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint32(blob[4:8])

	var (
		headerSize uint64
		jsonOffset int64
		dataSize   int64 = -1
		checksum   Checksum
	)

	switch version {
	case FormatVersion:
		headerSize = binary.LittleEndian.Uint64(blob[12:20])
		jsonOffset = FixedHeaderSizeV1
	case FormatVersionV2:
		if len(blob) < FixedHeaderSizeV2 {
			return Header{}, nil, errors.Wrapf(ErrTruncated, "v2 fixed header needs %d bytes, got %d", FixedHeaderSizeV2, len(blob))
		}
		headerSize = binary.LittleEndian.Uint64(blob[16:24])
		ds := binary.LittleEndian.Uint64(blob[24:32])
		if ds > uint64(len(blob)) {
			return Header{}, nil, errors.Wrapf(ErrTruncated, "data size %d exceeds blob size %d", ds, len(blob))
		}
		dataSize = int64(ds) //nolint:gosec // bounded by len(blob) above
		copy(checksum[:], blob[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])
		jsonOffset = FixedHeaderSizeV2
	default:
		return Header{}, nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d or %d", version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return Header{}, nil, ErrHeaderTooLarge
	}
	headerEnd := jsonOffset + int64(headerSize) //nolint:gosec // bounded by MaxHeaderSize
	if headerEnd > int64(len(blob)) {
		return Header{}, nil, errors.Wrapf(ErrTruncated, "header ends at %d, blob has %d bytes", headerEnd, len(blob))
	}

	var header Header
	if err := json.Unmarshal(blob[jsonOffset:headerEnd], &header); err != nil {
		return Header{}, nil, errors.Wrap(err, "failed to parse header JSON")
	}

	dataOffset := alignedOffset(headerEnd)
	available := int64(len(blob)) - dataOffset
	if available < 0 {
		available = 0
	}
	if dataSize < 0 {
		dataSize = available
	}
	if dataSize > available {
		return Header{}, nil, errors.Wrapf(ErrTruncated, "data section needs %d bytes, %d available", dataSize, available)
	}
	data := blob[dataOffset : dataOffset+dataSize]

	if err := ValidateHeader(&header, dataSize, opts.ValidationLevel); err != nil {
		return Header{}, nil, errors.WithMessage(err, "header validation failed")
	}

	if version == FormatVersionV2 && !opts.SkipChecksumValidation {
		if err := ValidateChecksum(ComputeChecksum(data), checksum); err != nil {
			return Header{}, nil, err
		}
	}

	entries := make([]Entry, 0, len(header.Tensors))
	for _, meta := range header.Tensors {
		raw, err := loadTensor(meta, data)
		if err != nil {
			return Header{}, nil, err
		}
		entries = append(entries, Entry{Section: meta.Section, Name: meta.Name, Tensor: raw})
	}

	return header, entries, nil
}

// loadTensor copies one tensor out of the data section.
func loadTensor(meta TensorMeta, data []byte) (*tensor.RawTensor, error) {
	name := qualifiedName(meta)
	dtype, err := tensor.ParseDataType(meta.DType)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}

	shape := tensor.Shape(meta.Shape)
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid shape for tensor %s", name)
	}

	available := int64(len(data))
	if meta.Offset < 0 || meta.Size < 0 || meta.Offset > available || meta.Size > available-meta.Offset {
		return nil, errors.Wrapf(ErrOutOfBounds, "tensor %s: offset %d size %d of %d bytes", name, meta.Offset, meta.Size, len(data))
	}
	end := meta.Offset + meta.Size

	raw, err := tensor.FromBytes(shape, dtype, data[meta.Offset:end])
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}
	return raw, nil
}
