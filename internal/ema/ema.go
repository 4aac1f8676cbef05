// Package ema maintains an exponential moving average of a model's weights.
package ema

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/parallel"
	"github.com/born-ml/reconcile/internal/tensor"
)

// Model keeps a shadow copy of a model's parameters.
//
// The shadow is a deep copy taken when the Model is created, so any weights
// loaded into the live model afterwards (e.g. a fine-tuning start point) are
// not reflected until the next Update.
type Model struct {
	module  *nn.Module
	decay   float64
	warmups float64
	updates int
	workers parallel.Config
}

// New snapshots model into a shadow module.
//
// The effective decay ramps up as decay * (1 - exp(-updates / warmups)).
func New(model nn.Model, decay float64, warmups int) *Model {
	shadow := nn.NewModule()
	model.Parameters().Range(func(name string, t *tensor.RawTensor) bool {
		shadow.Register(name, t.Detach())
		return true
	})
	return &Model{module: shadow, decay: decay, warmups: float64(warmups), workers: parallel.DefaultConfig()}
}

// Module returns the shadow module.
func (m *Model) Module() *nn.Module {
	return m.module
}

// Updates returns the number of Update calls.
func (m *Model) Updates() int {
	return m.updates
}

// Decay returns the effective decay for the current update count.
func (m *Model) Decay() float64 {
	if m.warmups <= 0 {
		return m.decay
	}
	return m.decay * (1 - math.Exp(-float64(m.updates)/m.warmups))
}

// Update blends the live model's float32 parameters into the shadow.
func (m *Model) Update(model nn.Model) error {
	m.updates++
	d := float32(m.Decay())
	var err error
	model.Parameters().Range(func(name string, live *tensor.RawTensor) bool {
		p, ok := m.module.Parameter(name)
		if !ok {
			err = errors.Errorf("ema has no parameter %q", name)
			return false
		}
		if live.DType() != tensor.Float32 {
			return true
		}
		shadow := p.Tensor().MutableFloat32()
		src := live.AsFloat32()
		parallel.Ranges(len(shadow), m.workers, func(start, end int) {
			for i := start; i < end; i++ {
				shadow[i] = d*shadow[i] + (1-d)*src[i]
			}
		})
		return true
	})
	return err
}

// StateDict exports the shadow module under the "module" child plus the
// decay, warmups and updates scalars.
func (m *Model) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("decay", m.decay)
	state.SetScalar("warmups", m.warmups)
	state.SetScalar("updates", float64(m.updates))
	state.SetChild(checkpoint.ChildModule, m.module.StateDict())
	return state
}

// LoadStateDict restores the shadow module. Scalars are optional: a state
// holding only a module child resets nothing but the weights.
func (m *Model) LoadStateDict(state *checkpoint.State) error {
	module, ok := state.Child(checkpoint.ChildModule)
	if !ok {
		return errors.New("ema state has no module entry")
	}
	if err := m.module.LoadStateDict(module); err != nil {
		return errors.WithMessage(err, "ema module")
	}
	if v, ok := state.Scalar("decay"); ok {
		m.decay = v
	}
	if v, ok := state.Scalar("warmups"); ok {
		m.warmups = v
	}
	if v, ok := state.Scalar("updates"); ok {
		m.updates = int(v)
	}
	return nil
}
