package serialization

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Checksum is the SHA-256 digest of a data section.
type Checksum [32]byte

// String returns the digest in hex.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// ComputeChecksum hashes a contiguous data section.
func ComputeChecksum(data []byte) Checksum {
	return sha256.Sum256(data)
}

// checksumEntries hashes the tensor payloads in write order, producing the
// same digest ComputeChecksum gives over the concatenated data section.
func checksumEntries(entries []Entry) Checksum {
	h := sha256.New()
	for _, e := range entries {
		_, _ = h.Write(e.Tensor.Data())
	}
	var sum Checksum
	h.Sum(sum[:0])
	return sum
}

// ValidateChecksum returns ErrChecksumMismatch, annotated with both
// digests, when computed and stored differ.
func ValidateChecksum(computed, stored Checksum) error {
	if computed != stored {
		return errors.Wrapf(ErrChecksumMismatch, "stored %s, computed %s", stored, computed)
	}
	return nil
}
