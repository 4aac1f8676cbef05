package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// WriterVersion is recorded in every header written by this package.
const WriterVersion = "0.3.0"

// Encode writes entries in .born v2 format to w.
//
// Tensor offsets, the checksum and the header's FormatVersion, WriterVersion
// and Tensors fields are filled in here; CreatedAt is set to now when zero.
// Entries are written in the given order.
func Encode(w io.Writer, header Header, entries []Entry) error {
	header.FormatVersion = FormatVersionV2
	header.WriterVersion = WriterVersion
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	// Calculate tensor offsets
	var currentOffset int64
	header.Tensors = make([]TensorMeta, 0, len(entries))
	hasSections := false
	for _, e := range entries {
		if e.Tensor == nil {
			return errors.Errorf("tensor %q in section %q is nil", e.Name, e.Section)
		}
		size := int64(e.Tensor.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Section: e.Section,
			Name:    e.Name,
			DType:   e.Tensor.DType().String(),
			Shape:   []int(e.Tensor.Shape()),
			Offset:  currentOffset,
			Size:    size,
		})
		currentOffset += size
		hasSections = hasSections || e.Section != ""
	}

	if err := ValidateHeader(&header, currentOffset, ValidationStrict); err != nil {
		return errors.WithMessage(err, "refusing to write invalid header")
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	checksum := checksumEntries(entries)

	// Write v2 fixed header (64 bytes)
	fixedHeader := make([]byte, FixedHeaderSizeV2)

	// 0x00-0x03: Magic bytes "BORN"
	copy(fixedHeader[0:4], MagicBytes)

	// 0x04-0x07: Version (2)
	binary.LittleEndian.PutUint32(fixedHeader[4:8], uint32(FormatVersionV2))

	// 0x08-0x0B: Flags
	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if hasSections {
		flags |= FlagHasSections
	}
	if header.CheckpointMeta != nil && header.CheckpointMeta.hasSection("optimizer") {
		flags |= FlagHasOptimizer
	}
	binary.LittleEndian.PutUint32(fixedHeader[8:12], flags)

	// 0x0C-0x0F: Reserved (0)

	// 0x10-0x17: Header size
	binary.LittleEndian.PutUint64(fixedHeader[16:24], uint64(len(headerJSON)))

	// 0x18-0x1F: Data size
	binary.LittleEndian.PutUint64(fixedHeader[24:32], uint64(currentOffset)) //nolint:gosec // offsets are non-negative

	// 0x20-0x3F: SHA-256 checksum
	copy(fixedHeader[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])

	if _, err := w.Write(fixedHeader); err != nil {
		return errors.Wrap(err, "failed to write fixed header")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header JSON")
	}

	// Calculate padding to align tensor data to 64-byte boundary
	currentPos := int64(FixedHeaderSizeV2) + int64(len(headerJSON))
	if padding := alignedOffset(currentPos) - currentPos; padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return errors.Wrap(err, "failed to write padding")
		}
	}

	for _, e := range entries {
		if _, err := w.Write(e.Tensor.Data()); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", qualifiedName(TensorMeta{Section: e.Section, Name: e.Name}))
		}
	}

	return nil
}

// WriteFile encodes entries into path. The file is written to a temporary
// sibling and renamed into place, so readers never observe a partial file.
func WriteFile(path string, header Header, entries []Entry) (err error) {
	tmp := path + ".tmp"
	//nolint:gosec // G304: File path comes from user input, which is expected for checkpoint saving
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmp)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	buf := bufio.NewWriter(file)
	if err = Encode(buf, header, entries); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %q", tmp)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmp, path)
	}
	return nil
}

// hasSection reports whether a top-level section with this name was recorded.
func (m *CheckpointMeta) hasSection(name string) bool {
	for _, s := range m.Sections {
		if s.Path == name {
			return true
		}
	}
	return false
}
