package optim

import (
	"math"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/parallel"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// Adam implements the Adam optimizer (Adaptive Moment Estimation).
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// where m_hat and v_hat are the bias-corrected moments.
//
// Example:
//
//	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{
//	    LR:    0.001,
//	    Betas: [2]float32{0.9, 0.999},
//	})
type Adam struct {
	params paramList
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	m      []*tensor.RawTensor // First moment estimates
	v      []*tensor.RawTensor // Second moment estimates
	t      int                 // Timestep for bias correction
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for moment estimates (default: [0.9, 0.999])
	Eps   float32    // Numerical stability term (default: 1e-8)
}

// NewAdam creates a new Adam optimizer over the live parameters in params.
func NewAdam(params *statedict.StateDict, config AdamConfig) *Adam {
	// Set defaults
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	pl := newParamList(params)
	return &Adam{
		params: pl,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make([]*tensor.RawTensor, len(pl.tensors)),
		v:      make([]*tensor.RawTensor, len(pl.tensors)),
	}
}

// Step performs a single optimization step using Adam algorithm.
//
// Parameters with no gradient are skipped.
func (a *Adam) Step(grads map[string]*tensor.RawTensor) {
	// Increment timestep
	a.t++

	// bias_correction = 1 - beta^t
	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for i, name := range a.params.names {
		grad, ok := grads[name]
		if !ok {
			continue
		}
		if a.m[i] == nil {
			a.m[i] = zerosLike(a.params.tensors[i])
			a.v[i] = zerosLike(a.params.tensors[i])
		}

		gradData := grad.AsFloat32()
		mData := a.m[i].MutableFloat32()
		vData := a.v[i].MutableFloat32()
		paramData := a.params.tensors[i].MutableFloat32()

		parallel.Ranges(len(paramData), workers, func(start, end int) {
			for j := start; j < end; j++ {
				g := gradData[j]
				mData[j] = a.beta1*mData[j] + (1.0-a.beta1)*g
				vData[j] = a.beta2*vData[j] + (1.0-a.beta2)*g*g
				mHat := mData[j] / biasCorrection1
				vHat := vData[j] / biasCorrection2
				paramData[j] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
			}
		})
	}
}

// GetLR returns the current learning rate.
func (a *Adam) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the current timestep.
func (a *Adam) GetTimestep() int {
	return a.t
}

// StateDict returns the optimizer state for serialization.
//
// State keys: "exp_avg.{param_index}", "exp_avg_sq.{param_index}".
// Scalars: step, lr, beta1, beta2, eps.
func (a *Adam) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("step", float64(a.t))
	state.SetScalar("lr", float64(a.lr))
	state.SetScalar("beta1", float64(a.beta1))
	state.SetScalar("beta2", float64(a.beta2))
	state.SetScalar("eps", float64(a.eps))
	for i := range a.m {
		if a.m[i] == nil {
			continue
		}
		state.Tensors.Set(slotKey("exp_avg", i), a.m[i].Clone())
		state.Tensors.Set(slotKey("exp_avg_sq", i), a.v[i].Clone())
	}
	return state
}

// LoadStateDict loads optimizer state from serialization.
//
// Returns an error if a moment shape doesn't match its parameter.
func (a *Adam) LoadStateDict(state *checkpoint.State) error {
	m := make([]*tensor.RawTensor, len(a.params.tensors))
	v := make([]*tensor.RawTensor, len(a.params.tensors))
	for i := range m {
		var err error
		if m[i], err = a.params.loadSlot(state.Tensors, "exp_avg", i); err != nil {
			return err
		}
		if v[i], err = a.params.loadSlot(state.Tensors, "exp_avg_sq", i); err != nil {
			return err
		}
		if (m[i] == nil) != (v[i] == nil) {
			m[i], v[i] = nil, nil
		}
	}
	a.m, a.v = m, v

	if step, ok := state.Scalar("step"); ok {
		a.t = int(step)
	}
	if lr, ok := state.Scalar("lr"); ok {
		a.lr = float32(lr)
	}
	if b, ok := state.Scalar("beta1"); ok {
		a.beta1 = float32(b)
	}
	if b, ok := state.Scalar("beta2"); ok {
		a.beta2 = float32(b)
	}
	if e, ok := state.Scalar("eps"); ok {
		a.eps = float32(e)
	}
	return nil
}
