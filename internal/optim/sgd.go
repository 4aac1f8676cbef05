package optim

import (
	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/parallel"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Example:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	params     paramList
	lr         float32
	momentum   float32
	velocities []*tensor.RawTensor
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer over the live parameters in params.
func NewSGD(params *statedict.StateDict, config SGDConfig) *SGD {
	// Set defaults
	if config.LR == 0 {
		config.LR = 0.01
	}

	pl := newParamList(params)
	return &SGD{
		params:     pl,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make([]*tensor.RawTensor, len(pl.tensors)),
	}
}

// Step performs a single optimization step.
//
// Parameters with no gradient are skipped.
func (s *SGD) Step(grads map[string]*tensor.RawTensor) {
	for i, name := range s.params.names {
		grad, ok := grads[name]
		if !ok {
			continue
		}
		g := grad.AsFloat32()
		p := s.params.tensors[i].MutableFloat32()

		if s.momentum == 0 {
			parallel.Ranges(len(p), workers, func(start, end int) {
				for j := start; j < end; j++ {
					p[j] -= s.lr * g[j]
				}
			})
			continue
		}

		if s.velocities[i] == nil {
			s.velocities[i] = zerosLike(s.params.tensors[i])
		}
		v := s.velocities[i].MutableFloat32()
		parallel.Ranges(len(p), workers, func(start, end int) {
			for j := start; j < end; j++ {
				v[j] = s.momentum*v[j] + g[j]
				p[j] -= s.lr * v[j]
			}
		})
	}
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}

// StateDict returns the optimizer state for serialization.
//
// State keys: "velocity.{param_index}" -> velocity tensor, for parameters
// that have taken at least one momentum step. Scalars: lr, momentum.
func (s *SGD) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("lr", float64(s.lr))
	state.SetScalar("momentum", float64(s.momentum))
	for i, v := range s.velocities {
		if v != nil {
			state.Tensors.Set(slotKey("velocity", i), v.Clone())
		}
	}
	return state
}

// LoadStateDict loads optimizer state from serialization.
//
// Returns an error if velocity shapes don't match parameter shapes.
func (s *SGD) LoadStateDict(state *checkpoint.State) error {
	velocities := make([]*tensor.RawTensor, len(s.params.tensors))
	for i := range velocities {
		v, err := s.params.loadSlot(state.Tensors, "velocity", i)
		if err != nil {
			return err
		}
		velocities[i] = v
	}
	s.velocities = velocities
	if lr, ok := state.Scalar("lr"); ok {
		s.lr = float32(lr)
	}
	if m, ok := state.Scalar("momentum"); ok {
		s.momentum = float32(m)
	}
	return nil
}
