// Package sched implements the learning-rate schedulers of a training
// pipeline. Only their checkpoint state and the schedule needed to reproduce
// it after a resume are modeled.
package sched

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/optim"
	"github.com/born-ml/reconcile/internal/tensor"
)

// MultiStep decays the learning rate by Gamma once the epoch counter reaches
// each milestone.
type MultiStep struct {
	optimizer  optim.Optimizer
	milestones []int
	gamma      float64
	baseLR     float64
	lastEpoch  int
}

// NewMultiStep creates a MultiStep scheduler driving optimizer.
func NewMultiStep(optimizer optim.Optimizer, milestones []int, gamma float64) *MultiStep {
	ms := slices.Clone(milestones)
	slices.Sort(ms)
	return &MultiStep{
		optimizer:  optimizer,
		milestones: ms,
		gamma:      gamma,
		baseLR:     float64(optimizer.GetLR()),
	}
}

// Step advances the epoch counter and updates the optimizer's learning rate.
func (s *MultiStep) Step() {
	s.lastEpoch++
	s.optimizer.SetLR(float32(s.LR()))
}

// LR returns the learning rate for the current epoch.
func (s *MultiStep) LR() float64 {
	lr := s.baseLR
	for _, m := range s.milestones {
		if s.lastEpoch >= m {
			lr *= s.gamma
		}
	}
	return lr
}

// LastEpoch returns the epoch counter.
func (s *MultiStep) LastEpoch() int {
	return s.lastEpoch
}

// StateDict exports last_epoch, base_lr, gamma and the milestones.
func (s *MultiStep) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("last_epoch", float64(s.lastEpoch))
	state.SetScalar("base_lr", s.baseLR)
	state.SetScalar("gamma", s.gamma)
	milestones, _ := tensor.NewRaw(tensor.Shape{len(s.milestones)}, tensor.Int64)
	for i, m := range s.milestones {
		milestones.AsInt64()[i] = int64(m)
	}
	state.Tensors.Set("milestones", milestones)
	return state
}

// LoadStateDict restores the scheduler and reapplies the learning rate.
func (s *MultiStep) LoadStateDict(state *checkpoint.State) error {
	epoch, ok := state.Scalar("last_epoch")
	if !ok {
		return errors.New("multistep state has no last_epoch")
	}
	s.lastEpoch = int(epoch)
	if v, ok := state.Scalar("base_lr"); ok {
		s.baseLR = v
	}
	if v, ok := state.Scalar("gamma"); ok {
		s.gamma = v
	}
	if raw, ok := state.Tensors.Get("milestones"); ok {
		if raw.DType() != tensor.Int64 {
			return errors.Errorf("milestones must be int64, got %s", raw.DType())
		}
		s.milestones = s.milestones[:0]
		for _, m := range raw.AsInt64() {
			s.milestones = append(s.milestones, int(m))
		}
	}
	s.optimizer.SetLR(float32(s.LR()))
	return nil
}

// Warmup scales the optimizer's learning rate linearly from 0 over the first
// Duration steps.
type Warmup struct {
	optimizer optim.Optimizer
	duration  int
	lastStep  int
}

// NewWarmup creates a linear warmup over duration steps.
func NewWarmup(optimizer optim.Optimizer, duration int) *Warmup {
	return &Warmup{optimizer: optimizer, duration: duration}
}

// Factor returns the multiplier for the current step.
func (w *Warmup) Factor() float64 {
	if w.duration <= 0 || w.lastStep >= w.duration {
		return 1
	}
	return float64(w.lastStep+1) / float64(w.duration)
}

// Finished reports whether warmup is over.
func (w *Warmup) Finished() bool {
	return w.lastStep >= w.duration
}

// Dampen scales lr by the warmup factor and advances one step.
func (w *Warmup) Dampen(lr float32) {
	if !w.Finished() {
		w.optimizer.SetLR(lr * float32(w.Factor()))
	}
	w.lastStep++
}

// LastStep returns the step counter.
func (w *Warmup) LastStep() int {
	return w.lastStep
}

// StateDict exports last_step and warmup_duration.
func (w *Warmup) StateDict() *checkpoint.State {
	state := checkpoint.NewState()
	state.SetScalar("last_step", float64(w.lastStep))
	state.SetScalar("warmup_duration", float64(w.duration))
	return state
}

// LoadStateDict restores the warmup counters.
func (w *Warmup) LoadStateDict(state *checkpoint.State) error {
	step, ok := state.Scalar("last_step")
	if !ok {
		return errors.New("warmup state has no last_step")
	}
	w.lastStep = int(step)
	if d, ok := state.Scalar("warmup_duration"); ok {
		w.duration = int(d)
	}
	return nil
}
