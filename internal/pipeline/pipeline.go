// Package pipeline assembles a training pipeline from its stateful
// components and runs the configured checkpoint loads in the required order.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/amp"
	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/dist"
	"github.com/born-ml/reconcile/internal/ema"
	"github.com/born-ml/reconcile/internal/loader"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/optim"
	"github.com/born-ml/reconcile/internal/registry"
	"github.com/born-ml/reconcile/internal/sched"
)

// Config selects the pipeline components and the checkpoints to load.
type Config struct {
	Model       nn.DetectionConfig
	Optimizer   optim.AdamConfig
	Milestones  []int   // Epochs at which the learning rate decays
	Gamma       float64 // Decay factor at each milestone
	WarmupSteps int     // Zero disables the warmup scheduler

	EMA        bool
	EMADecay   float64
	EMAWarmups int

	AMP         bool // Register a gradient scaler
	Distributed bool // Wrap the model for data-parallel execution

	Tuning string // Checkpoint reference to fine-tune from
	Resume string // Checkpoint reference to resume from
}

// DefaultConfig returns the settings of a standard detector run.
func DefaultConfig() Config {
	return Config{
		Model:       nn.DetectionConfig{NumClasses: 80, HiddenDim: 256, DecoderLayers: 8},
		Optimizer:   optim.AdamConfig{LR: 1e-4},
		Milestones:  []int{1000},
		Gamma:       0.1,
		WarmupSteps: 2000,
		EMA:         true,
		EMADecay:    0.9999,
		EMAWarmups:  2000,
		AMP:         true,
	}
}

// Evaluator holds evaluation settings. It has no checkpointed state.
type Evaluator struct {
	IoUTypes []string
}

// Pipeline owns every component for its lifetime. The registry borrows them.
type Pipeline struct {
	Model         *nn.Module
	Wrapped       nn.Model // Model, or its data-parallel wrapper
	Optimizer     *optim.Adam
	LRScheduler   *sched.MultiStep
	WarmupSched   *sched.Warmup // nil when warmup is disabled
	EMA           *ema.Model    // nil when EMA is disabled
	Scaler        *amp.Scaler   // nil when AMP is disabled
	Evaluator     *Evaluator
	Registry      *registry.Registry
	TuneReport    *loader.TuneReport
	RestoreReport *registry.RestoreReport
}

// Build creates the components described by cfg.
//
// When cfg.Tuning is set the model weights are tuned from that checkpoint
// before the EMA is constructed, so the EMA starts from the tuned weights.
// When cfg.Resume is set every registered component is then restored from
// that checkpoint.
func Build(ctx context.Context, cfg Config, l *loader.Loader) (*Pipeline, error) {
	p := &Pipeline{Model: nn.NewDetectionModel(cfg.Model)}

	if cfg.Tuning != "" {
		if l == nil {
			return nil, errors.New("tuning requires a loader")
		}
		klog.Infof("Tuning checkpoint from %s", cfg.Tuning)
		report, err := l.Tune(ctx, cfg.Tuning, p.Model)
		if err != nil {
			return nil, err
		}
		p.TuneReport = report
	}

	p.Wrapped = p.Model
	if cfg.Distributed {
		p.Wrapped = dist.Wrap(p.Model)
	}
	if cfg.EMA {
		p.EMA = ema.New(p.Model, cfg.EMADecay, cfg.EMAWarmups)
	}
	if cfg.AMP {
		p.Scaler = amp.NewScaler(amp.ScalerConfig{})
	}

	p.Optimizer = optim.NewAdam(p.Model.Parameters(), cfg.Optimizer)
	p.LRScheduler = sched.NewMultiStep(p.Optimizer, cfg.Milestones, cfg.Gamma)
	if cfg.WarmupSteps > 0 {
		p.WarmupSched = sched.NewWarmup(p.Optimizer, cfg.WarmupSteps)
	}
	p.Evaluator = &Evaluator{IoUTypes: []string{"bbox"}}

	if err := p.register(); err != nil {
		return nil, err
	}

	if cfg.Resume != "" {
		if l == nil {
			return nil, errors.New("resume requires a loader")
		}
		report, err := l.Resume(ctx, cfg.Resume, p.Registry)
		if err != nil {
			return nil, err
		}
		p.RestoreReport = report
	}
	return p, nil
}

func (p *Pipeline) register() error {
	p.Registry = registry.New()
	components := []struct {
		name string
		c    any
	}{
		{checkpoint.ComponentModel, p.Wrapped},
		{checkpoint.ComponentEMA, p.EMA},
		{checkpoint.ComponentScaler, p.Scaler},
		{checkpoint.ComponentOptimizer, p.Optimizer},
		{checkpoint.ComponentLRScheduler, p.LRScheduler},
		{checkpoint.ComponentLRWarmupScheduler, p.WarmupSched},
		{checkpoint.ComponentEvaluator, p.Evaluator},
	}
	for _, c := range components {
		if isNil(c.c) {
			continue
		}
		if err := p.Registry.Register(c.name, c.c); err != nil {
			return err
		}
	}
	return nil
}

// isNil reports whether an optional component was left unset.
func isNil(c any) bool {
	switch v := c.(type) {
	case nil:
		return true
	case *ema.Model:
		return v == nil
	case *amp.Scaler:
		return v == nil
	case *sched.Warmup:
		return v == nil
	}
	return false
}

// Save captures every component and writes the checkpoint to path.
func (p *Pipeline) Save(path string) (*checkpoint.Checkpoint, error) {
	ck, err := p.Registry.Capture()
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Save(path, ck); err != nil {
		return nil, err
	}
	klog.Infof("Saved checkpoint %s to %s", ck.ID, path)
	return ck, nil
}
