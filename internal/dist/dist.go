// Package dist provides the data-parallel wrapper seen by checkpointing.
//
// A wrapped model exposes its parameters with a "module." prefix. Checkpoints
// only ever store unwrapped state, so callers go through Unwrap before
// capturing or restoring a component.
package dist

import (
	"strings"

	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/statedict"
)

// ModulePrefix is prepended to parameter names by DataParallel.
const ModulePrefix = "module."

// Wrapper is implemented by components that wrap another component.
type Wrapper interface {
	Unwrap() any
}

// Unwrap strips every Wrapper layer from v. Values that are not wrapped are
// returned unchanged, so Unwrap(Unwrap(v)) == Unwrap(v).
func Unwrap(v any) any {
	for {
		w, ok := v.(Wrapper)
		if !ok {
			return v
		}
		v = w.Unwrap()
	}
}

// DataParallel wraps a model the way a multi-replica trainer does.
type DataParallel struct {
	model nn.Model
}

// Wrap wraps model in a DataParallel.
func Wrap(model nn.Model) *DataParallel {
	return &DataParallel{model: model}
}

// Unwrap returns the wrapped model.
func (d *DataParallel) Unwrap() any {
	return d.model
}

// Parameters returns the wrapped model's parameters with ModulePrefix added.
func (d *DataParallel) Parameters() *statedict.StateDict {
	return d.model.Parameters().WithPrefix(ModulePrefix)
}

// LoadParameters loads sd into the wrapped model. Keys may carry ModulePrefix or not.
func (d *DataParallel) LoadParameters(sd *statedict.StateDict, strict bool) (nn.LoadResult, error) {
	return d.model.LoadParameters(StripModulePrefix(sd), strict)
}

// StripModulePrefix returns a copy of sd with a leading ModulePrefix removed
// from every key that has one. Other keys are kept unchanged.
func StripModulePrefix(sd *statedict.StateDict) *statedict.StateDict {
	return sd.TrimPrefix(ModulePrefix)
}

// HasModulePrefix reports whether any key of sd carries ModulePrefix.
func HasModulePrefix(sd *statedict.StateDict) bool {
	for _, k := range sd.Keys() {
		if strings.HasPrefix(k, ModulePrefix) {
			return true
		}
	}
	return false
}
