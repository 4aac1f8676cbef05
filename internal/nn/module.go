// Package nn implements the model-side collaborator of checkpoint
// reconciliation: a named parameter store that can export its weights as a
// state dict and load a (possibly partial) state dict back in place.
//
// Network math is out of scope here; a Module only owns tensors.
package nn

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// ErrStrictLoad is returned by a strict LoadParameters when keys are missing
// or unexpected.
var ErrStrictLoad = errors.New("state dict does not match module parameters")

// Model is the capability tuning and the EMA shadow need from a model.
type Model interface {
	// Parameters returns the live parameters keyed by dotted name.
	Parameters() *statedict.StateDict

	// LoadParameters copies values from sd into the matching parameters.
	// With strict false, missing and unexpected keys are reported, not fatal.
	LoadParameters(sd *statedict.StateDict, strict bool) (LoadResult, error)
}

// LoadResult lists the keys a LoadParameters call could not pair up.
type LoadResult struct {
	Missing    []string // Module parameters absent from the state dict
	Unexpected []string // State dict keys with no module parameter
}

// Module is an ordered set of named parameters.
//
// Example:
//
//	m := nn.NewModule()
//	m.Register("decoder.enc_score_head.weight", nn.Xavier(256, 80, tensor.Shape{80, 256}, rng))
//	res, err := m.LoadParameters(pretrained, false)
type Module struct {
	params []*Parameter
	index  map[string]*Parameter
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{index: make(map[string]*Parameter)}
}

// Register adds a parameter. Registering a name twice replaces its tensor.
func (m *Module) Register(name string, t *tensor.RawTensor) *Parameter {
	if p, ok := m.index[name]; ok {
		p.tensor = t
		return p
	}
	p := NewParameter(name, t)
	m.params = append(m.params, p)
	m.index[name] = p
	return p
}

// Parameter returns the parameter registered under name.
func (m *Module) Parameter(name string) (*Parameter, bool) {
	p, ok := m.index[name]
	return p, ok
}

// Len returns the number of parameters.
func (m *Module) Len() int {
	return len(m.params)
}

// Parameters returns the live parameter tensors in registration order.
// The tensors are shared with the module.
func (m *Module) Parameters() *statedict.StateDict {
	sd := statedict.New()
	for _, p := range m.params {
		sd.Set(p.name, p.tensor)
	}
	return sd
}

// LoadParameters copies every tensor of sd into the parameter of the same name.
//
// A shape or dtype mismatch on a shared key is always an error and nothing is
// copied. With strict true, missing or unexpected keys are an error too;
// otherwise they are returned in the LoadResult and the remaining parameters
// are loaded.
func (m *Module) LoadParameters(sd *statedict.StateDict, strict bool) (LoadResult, error) {
	var res LoadResult
	var pairs [][2]*tensor.RawTensor
	var mismatch error
	sd.Range(func(key string, src *tensor.RawTensor) bool {
		p, ok := m.index[key]
		if !ok {
			res.Unexpected = append(res.Unexpected, key)
			return true
		}
		if !p.tensor.Shape().Equal(src.Shape()) || p.tensor.DType() != src.DType() {
			mismatch = errors.Errorf("size mismatch for %s: checkpoint %s, module %s", key, src, p.tensor)
			return false
		}
		pairs = append(pairs, [2]*tensor.RawTensor{p.tensor, src})
		return true
	})
	if mismatch != nil {
		return res, mismatch
	}
	for _, p := range m.params {
		if !sd.Has(p.name) {
			res.Missing = append(res.Missing, p.name)
		}
	}
	if strict && (len(res.Missing) > 0 || len(res.Unexpected) > 0) {
		return res, errors.Wrapf(ErrStrictLoad, "missing %v, unexpected %v", res.Missing, res.Unexpected)
	}

	for _, pair := range pairs {
		if pair[0] == pair[1] {
			continue
		}
		if err := pair[0].CopyFrom(pair[1]); err != nil {
			return res, errors.WithStack(err)
		}
	}
	klog.V(1).Infof("Loaded %d/%d parameters (%d missing, %d unexpected)",
		len(pairs), len(m.params), len(res.Missing), len(res.Unexpected))
	return res, nil
}

// StateDict exports a copy-on-write snapshot of the parameters.
func (m *Module) StateDict() *checkpoint.State {
	return checkpoint.StateOf(m.Parameters().Clone())
}

// LoadStateDict restores every parameter from s. The load is strict.
func (m *Module) LoadStateDict(s *checkpoint.State) error {
	_, err := m.LoadParameters(s.Tensors, true)
	return err
}

// Names returns parameter names in registration order.
func (m *Module) Names() []string {
	names := make([]string, len(m.params))
	for i, p := range m.params {
		names[i] = p.name
	}
	return names
}
