package serialization

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Limits applied to untrusted headers.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidationLevel controls how much of a header is checked on read.
type ValidationLevel int

const (
	// ValidationStrict checks names, sections and the data layout (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names and sections but not offsets.
	ValidationNormal
	// ValidationNone trusts the header as is.
	ValidationNone
)

// ValidateHeader checks h against a data section of dataSize bytes.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}

	if h.CheckpointMeta != nil {
		for _, s := range h.CheckpointMeta.Sections {
			if err := validateSection(s.Path); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]struct{}, len(h.Tensors))
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		if t.Section != "" {
			if err := validateSection(t.Section); err != nil {
				return err
			}
		}
		key := qualifiedName(t)
		if _, dup := seen[key]; dup {
			return &ValidationError{Type: "invalid_name", Tensor: key, Details: "duplicate tensor in section"}
		}
		seen[key] = struct{}{}
	}

	if level == ValidationStrict {
		return validateLayout(h.Tensors, dataSize)
	}
	return nil
}

// ValidateTensorName rejects empty, oversized and path-like tensor keys.
func ValidateTensorName(name string) error {
	invalid := func(details string) error {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: details}
	}
	switch {
	case name == "":
		return invalid("empty name")
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.Contains(name, ".."):
		return invalid("contains '..'")
	case strings.ContainsAny(name, "/\\"):
		return invalid("contains a path separator")
	case strings.ContainsRune(name, 0):
		return invalid("contains a null byte")
	}
	return nil
}

// validateSection checks a dotted section path such as "ema.module".
// Every segment must be a non-empty, valid name.
func validateSection(path string) error {
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return &ValidationError{Type: "invalid_name", Tensor: path, Details: "empty section segment"}
		}
		if err := ValidateTensorName(seg); err != nil {
			return err
		}
	}
	return nil
}

// validateLayout checks that tensor regions lie inside the data section
// and do not overlap.
func validateLayout(tensors []TensorMeta, dataSize int64) error {
	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b TensorMeta) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	for i, t := range sorted {
		switch {
		case t.Offset < 0 || t.Size < 0:
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  qualifiedName(t),
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		case t.Offset > dataSize || t.Size > dataSize-t.Offset:
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  qualifiedName(t),
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		end := t.Offset + t.Size
		if i+1 < len(sorted) && end > sorted[i+1].Offset {
			next := sorted[i+1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  qualifiedName(t),
				Tensor2: qualifiedName(next),
				Details: fmt.Sprintf("[%d-%d] and [%d-%d]", t.Offset, end, next.Offset, next.Offset+next.Size),
			}
		}
	}
	return nil
}

// qualifiedName joins section and name for diagnostics.
func qualifiedName(t TensorMeta) string {
	if t.Section == "" {
		return t.Name
	}
	return t.Section + ":" + t.Name
}
