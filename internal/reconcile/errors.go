package reconcile

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/tensor"
)

var (
	// ErrShapeIncompatible is returned by Remap when the leading dimensions of
	// target and source cannot be related through the correspondence table.
	ErrShapeIncompatible = errors.New("shape incompatible with taxonomy remap")

	// ErrRemapFailure is returned by Adjust when the head adjustment as a whole
	// cannot be completed. Callers fall back to matching the raw weights.
	ErrRemapFailure = errors.New("head remap failed")
)

// ShapeError describes why two tensors cannot be remapped.
type ShapeError struct {
	Target      tensor.Shape
	Source      tensor.Shape
	TargetDType tensor.DataType
	SourceDType tensor.DataType
	Reason      string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: target %s%s, source %s%s: %s",
		ErrShapeIncompatible, e.TargetDType, e.Target, e.SourceDType, e.Source, e.Reason)
}

// Unwrap returns ErrShapeIncompatible.
func (e *ShapeError) Unwrap() error {
	return ErrShapeIncompatible
}
