package nn

import (
	"github.com/born-ml/reconcile/internal/tensor"
)

// Parameter is a named tensor owned by a Module.
//
// Example:
//
//	weight := nn.NewParameter("decoder.enc_score_head.weight", weightTensor)
//	w := weight.Tensor()
type Parameter struct {
	name   string            // Dotted parameter name (e.g., "decoder.enc_score_head.bias")
	tensor *tensor.RawTensor // The parameter tensor
}

// NewParameter creates a new parameter.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}
