// Package optim implements the optimizer collaborators of a training
// pipeline and the state they contribute to a checkpoint.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Per-parameter buffers are keyed by the parameter's position in the model
// ("velocity.3", "exp_avg.3"), hyper-parameters and step counters are scalars.
//
// Example usage:
//
//	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{
//	    LR: 0.0001,
//	})
//
//	for step := range steps {
//	    grads := computeGrads(model, batch)
//	    optimizer.Step(grads)
//	}
//
//	state := optimizer.StateDict() // stored under "optimizer" in a checkpoint
package optim

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/parallel"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters.
	//
	// grads is keyed by parameter name; parameters without a gradient are skipped.
	Step(grads map[string]*tensor.RawTensor)

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate. Schedulers call it every step.
	SetLR(lr float32)
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32 // Learning rate
}

// workers splits element-wise updates of large parameters.
var workers = parallel.DefaultConfig()

// paramList is the ordered view of the parameters an optimizer updates.
type paramList struct {
	names   []string
	tensors []*tensor.RawTensor
}

func newParamList(params *statedict.StateDict) paramList {
	var pl paramList
	params.Range(func(name string, t *tensor.RawTensor) bool {
		pl.names = append(pl.names, name)
		pl.tensors = append(pl.tensors, t)
		return true
	})
	return pl
}

// slotKey formats the state key of a per-parameter buffer.
func slotKey(slot string, i int) string {
	return fmt.Sprintf("%s.%d", slot, i)
}

// loadSlot validates and returns a copy of buffer slot for parameter i.
// A missing buffer returns nil: it is initialized on the next step.
func (pl paramList) loadSlot(sd *statedict.StateDict, slot string, i int) (*tensor.RawTensor, error) {
	raw, ok := sd.Get(slotKey(slot, i))
	if !ok {
		return nil, nil
	}
	if !raw.Shape().Equal(pl.tensors[i].Shape()) {
		return nil, errors.Errorf("%s shape mismatch for parameter %d (%s): expected %v, got %v",
			slot, i, pl.names[i], pl.tensors[i].Shape(), raw.Shape())
	}
	return raw.Detach(), nil
}

func zerosLike(t *tensor.RawTensor) *tensor.RawTensor {
	z, err := tensor.NewRaw(t.Shape(), tensor.Float32)
	if err != nil {
		panic(err)
	}
	return z
}
