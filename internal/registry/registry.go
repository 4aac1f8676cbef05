// Package registry captures and restores the state of every named component
// of a training pipeline.
//
// Components are registered explicitly, in order. A component takes part in
// checkpointing only if it implements Stateful; wrapped components are
// unwrapped first so checkpoints never carry wrapper prefixes.
//
// Example:
//
//	reg := registry.New()
//	reg.Register(checkpoint.ComponentModel, dist.Wrap(model))
//	reg.Register(checkpoint.ComponentOptimizer, optimizer)
//	reg.Register(checkpoint.ComponentEMA, emaModel)
//
//	ck, err := reg.Capture()
//	...
//	report, err := reg.Restore(ck)
package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/dist"
	"github.com/born-ml/reconcile/internal/nn"
)

// Stateful is implemented by components whose state is checkpointed.
type Stateful interface {
	StateDict() *checkpoint.State
	LoadStateDict(state *checkpoint.State) error
}

// ErrDuplicate is returned when a component name is registered twice.
var ErrDuplicate = errors.New("component already registered")

type entry struct {
	name      string
	component any
}

// Registry is an ordered set of named pipeline components plus the epoch
// counter saved alongside them.
type Registry struct {
	entries   []entry
	lastEpoch int
	now       func() time.Time
}

// New creates an empty registry. The epoch counter starts at -1, meaning no
// epoch has completed.
func New() *Registry {
	return &Registry{lastEpoch: -1, now: time.Now}
}

// Register adds a component under name. Components that are not Stateful
// are accepted and skipped by Capture and Restore.
func (r *Registry) Register(name string, component any) error {
	for _, e := range r.entries {
		if e.name == name {
			return errors.Wrapf(ErrDuplicate, "%q", name)
		}
	}
	r.entries = append(r.entries, entry{name: name, component: component})
	return nil
}

// Component returns the component registered under name, as registered.
func (r *Registry) Component(name string) (any, bool) {
	for _, e := range r.entries {
		if e.name == name {
			return e.component, true
		}
	}
	return nil, false
}

// Names returns registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// LastEpoch returns the epoch counter.
func (r *Registry) LastEpoch() int {
	return r.lastEpoch
}

// SetLastEpoch sets the epoch counter.
func (r *Registry) SetLastEpoch(epoch int) {
	r.lastEpoch = epoch
}

// Capture snapshots every Stateful component, after unwrapping, under its
// registered name. The checkpoint is stamped with the current time, the
// epoch counter and a fresh id.
func (r *Registry) Capture() (*checkpoint.Checkpoint, error) {
	ck := checkpoint.New()
	ck.ID = uuid.NewString()
	ck.Date = r.now().UTC()
	ck.SetLastEpoch(r.lastEpoch)

	for _, e := range r.entries {
		s, ok := dist.Unwrap(e.component).(Stateful)
		if !ok {
			klog.V(1).Infof("Not capturing %s: component has no state", e.name)
			continue
		}
		state := s.StateDict()
		if state == nil {
			return nil, errors.Errorf("component %s returned nil state", e.name)
		}
		ck.Set(e.name, state)
	}
	klog.V(1).Infof("Captured checkpoint %s with %v at epoch %d", ck.ID, ck.Names(), ck.LastEpoch)
	return ck, nil
}

// RestoreReport lists what Restore did with each component.
type RestoreReport struct {
	LastEpochRestored bool
	Restored          []string // Loaded from their own checkpoint entry
	Fallback          []string // Loaded from a substitute (the ema built from model weights)
	Skipped           []string // Stateful components with no entry in the checkpoint
}

// Restore loads ck into the registered components.
//
// The epoch counter is restored first when ck carries one. Each Stateful
// component with an entry is loaded from it. A missing ema entry is rebuilt
// from the live model's weights, with any "module." prefix stripped. Other
// missing entries are skipped. A component that fails to load aborts the
// restore.
func (r *Registry) Restore(ck *checkpoint.Checkpoint) (*RestoreReport, error) {
	report := &RestoreReport{}
	if ck.HasLastEpoch {
		r.lastEpoch = ck.LastEpoch
		report.LastEpochRestored = true
		klog.Infof("Restored last_epoch %d", ck.LastEpoch)
	}

	for _, e := range r.entries {
		s, ok := dist.Unwrap(e.component).(Stateful)
		if !ok {
			continue
		}

		if state, ok := ck.Get(e.name); ok {
			if err := s.LoadStateDict(state); err != nil {
				return report, errors.WithMessagef(err, "restoring %s", e.name)
			}
			report.Restored = append(report.Restored, e.name)
			klog.Infof("Load %s.state_dict from checkpoint", e.name)
			continue
		}

		if e.name == checkpoint.ComponentEMA {
			state, ok := r.emaFallback()
			if !ok {
				report.Skipped = append(report.Skipped, e.name)
				klog.Infof("Not load %s.state_dict: no %s to fall back to", e.name, checkpoint.ComponentModel)
				continue
			}
			if err := s.LoadStateDict(state); err != nil {
				return report, errors.WithMessagef(err, "restoring %s from model weights", e.name)
			}
			report.Fallback = append(report.Fallback, e.name)
			klog.Infof("Load %s.state_dict from %s.state_dict", e.name, checkpoint.ComponentModel)
			continue
		}

		report.Skipped = append(report.Skipped, e.name)
		klog.Infof("Not load %s.state_dict", e.name)
	}
	return report, nil
}

// emaFallback builds {module: model weights} from the live model component.
// It reports false when no model with parameters is registered.
func (r *Registry) emaFallback() (*checkpoint.State, bool) {
	component, ok := r.Component(checkpoint.ComponentModel)
	if !ok {
		return nil, false
	}
	model, ok := dist.Unwrap(component).(nn.Model)
	if !ok {
		klog.Warningf("Model component %T exposes no parameters", component)
		return nil, false
	}
	state := checkpoint.NewState()
	state.SetChild(checkpoint.ChildModule, checkpoint.StateOf(dist.StripModulePrefix(model.Parameters()).Clone()))
	return state, true
}
