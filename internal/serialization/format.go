package serialization

import (
	"time"

	"github.com/born-ml/reconcile/internal/tensor"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: Basic format without checksum
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV1 = 20   // v1 prefix: magic + version + flags + header size
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// Container kinds stored in Header.Kind.
const (
	KindCheckpoint = "checkpoint"
	KindStateDict  = "state_dict"
)

// Flags for the .born format.
const (
	FlagCompressed   uint32 = 1 << 0 // bit 0: gzip compression (reserved)
	FlagHasOptimizer uint32 = 1 << 1 // bit 1: optimizer state included
	FlagHasMetadata  uint32 = 1 << 2 // bit 2: custom metadata included
	FlagHasSections  uint32 = 1 << 3 // bit 3: tensors are grouped in sections
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion  int               `json:"format_version"`       // Version of the .born format
	WriterVersion  string            `json:"writer_version"`       // Version of the library that wrote the file
	Kind           string            `json:"kind"`                 // KindCheckpoint or KindStateDict
	CreatedAt      time.Time         `json:"created_at"`           // When the file was written
	Tensors        []TensorMeta      `json:"tensors"`              // Tensor metadata
	Metadata       map[string]string `json:"metadata"`             // Custom metadata
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"` // Training state metadata (optional)
}

// CheckpointMeta contains the training-state fields of a checkpoint.
type CheckpointMeta struct {
	ID        string        `json:"id,omitempty"`         // Unique checkpoint id
	Date      string        `json:"date"`                 // ISO-8601 capture timestamp
	LastEpoch *int          `json:"last_epoch,omitempty"` // Last completed epoch, if recorded
	Sections  []SectionMeta `json:"sections"`             // Component sections, in capture order
}

// SectionMeta describes one component section (or nested child section).
//
// Path is dotted: "ema" is a top-level component, "ema.module" its child.
type SectionMeta struct {
	Path    string             `json:"path"`
	Scalars map[string]float64 `json:"scalars,omitempty"`
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Section string `json:"section,omitempty"` // Owning section path, empty for plain state dicts
	Name    string `json:"name"`              // Tensor key (e.g., "decoder.enc_score_head.weight")
	DType   string `json:"dtype"`             // Data type (e.g., "float32", "float16")
	Shape   []int  `json:"shape"`             // Tensor shape
	Offset  int64  `json:"offset"`            // Offset in the data section
	Size    int64  `json:"size"`              // Size in bytes
}

// Entry is one tensor together with its section and key.
type Entry struct {
	Section string
	Name    string
	Tensor  *tensor.RawTensor
}

// alignedOffset returns pos rounded up to HeaderAlignment.
func alignedOffset(pos int64) int64 {
	return pos + (HeaderAlignment-(pos%HeaderAlignment))%HeaderAlignment
}
