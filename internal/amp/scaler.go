// Package amp implements the dynamic loss scaler used with mixed precision.
package amp

import (
	"github.com/born-ml/reconcile/internal/checkpoint"
)

// ScalerConfig configures a Scaler. Zero fields take the usual defaults.
type ScalerConfig struct {
	InitScale      float64 // default 65536
	GrowthFactor   float64 // default 2
	BackoffFactor  float64 // default 0.5
	GrowthInterval int     // default 2000
}

// Scaler adjusts the loss scale: it backs off on overflow and grows after
// GrowthInterval consecutive clean steps.
type Scaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int
}

// NewScaler creates a Scaler.
func NewScaler(cfg ScalerConfig) *Scaler {
	if cfg.InitScale == 0 {
		cfg.InitScale = 65536
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = 2
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.GrowthInterval == 0 {
		cfg.GrowthInterval = 2000
	}
	return &Scaler{
		scale:          cfg.InitScale,
		growthFactor:   cfg.GrowthFactor,
		backoffFactor:  cfg.BackoffFactor,
		growthInterval: cfg.GrowthInterval,
	}
}

// Scale returns the current loss scale.
func (s *Scaler) Scale() float64 {
	return s.scale
}

// Update records the outcome of one step.
func (s *Scaler) Update(foundInf bool) {
	if foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.growthInterval {
		s.scale *= s.growthFactor
		s.growthTracker = 0
	}
}

// StateDict exports the scale and growth bookkeeping.
func (s *Scaler) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("scale", s.scale)
	state.SetScalar("growth_factor", s.growthFactor)
	state.SetScalar("backoff_factor", s.backoffFactor)
	state.SetScalar("growth_interval", float64(s.growthInterval))
	state.SetScalar("growth_tracker", float64(s.growthTracker))
	return state
}

// LoadStateDict restores the fields present in state.
func (s *Scaler) LoadStateDict(state *checkpoint.State) error {
	if v, ok := state.Scalar("scale"); ok {
		s.scale = v
	}
	if v, ok := state.Scalar("growth_factor"); ok {
		s.growthFactor = v
	}
	if v, ok := state.Scalar("backoff_factor"); ok {
		s.backoffFactor = v
	}
	if v, ok := state.Scalar("growth_interval"); ok {
		s.growthInterval = int(v)
	}
	if v, ok := state.Scalar("growth_tracker"); ok {
		s.growthTracker = int(v)
	}
	return nil
}
