// Package checkpoint defines the in-memory training snapshot exchanged between
// the component registry and the on-disk container.
//
// A Checkpoint is an ordered mapping from component name ("model",
// "optimizer", "ema", ...) to that component's serialized State, plus the
// capture date and the last completed epoch.
package checkpoint

import (
	"maps"
	"slices"
	"time"

	"github.com/born-ml/reconcile/internal/statedict"
)

// Well-known component names.
const (
	ComponentModel             = "model"
	ComponentOptimizer         = "optimizer"
	ComponentLRScheduler       = "lr_scheduler"
	ComponentLRWarmupScheduler = "lr_warmup_scheduler"
	ComponentEMA               = "ema"
	ComponentScaler            = "scaler"
	ComponentEvaluator         = "evaluator"

	// ChildModule is the child of the ema entry holding the shadow weights.
	ChildModule = "module"
)

// State is the serialized state of one component.
//
// Tensors holds parameter-like data, Scalars holds counters and
// hyper-parameters (step, lr, scale, ...). Children nests sub-states, e.g. the
// ema component keeps its shadow weights under Children["module"].
type State struct {
	Tensors  *statedict.StateDict
	Scalars  map[string]float64
	Children map[string]*State
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		Tensors:  statedict.New(),
		Scalars:  make(map[string]float64),
		Children: make(map[string]*State),
	}
}

// StateOf wraps a parameter mapping into a State with no scalars.
func StateOf(sd *statedict.StateDict) *State {
	s := NewState()
	s.Tensors = sd
	return s
}

// Scalar returns the scalar stored under name.
func (s *State) Scalar(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.Scalars[name]
	return v, ok
}

// SetScalar stores a scalar.
func (s *State) SetScalar(name string, v float64) {
	if s.Scalars == nil {
		s.Scalars = make(map[string]float64)
	}
	s.Scalars[name] = v
}

// Child returns the nested state stored under name.
func (s *State) Child(name string) (*State, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.Children[name]
	return c, ok
}

// SetChild stores a nested state.
func (s *State) SetChild(name string, child *State) {
	if s.Children == nil {
		s.Children = make(map[string]*State)
	}
	s.Children[name] = child
}

// childNames returns child names in lexical order.
func (s *State) childNames() []string {
	return slices.Sorted(maps.Keys(s.Children))
}

// Checkpoint is a complete snapshot of a pipeline.
//
// The zero value is not usable, create with New.
type Checkpoint struct {
	ID           string    // Unique id assigned at capture
	Date         time.Time // Capture time
	LastEpoch    int       // Last completed epoch, valid when HasLastEpoch
	HasLastEpoch bool

	names      []string
	components map[string]*State
}

// New creates an empty checkpoint.
func New() *Checkpoint {
	return &Checkpoint{components: make(map[string]*State)}
}

// Set stores the state of a component. Re-setting keeps the original position.
func (c *Checkpoint) Set(name string, s *State) {
	if _, ok := c.components[name]; !ok {
		c.names = append(c.names, name)
	}
	c.components[name] = s
}

// Get returns the state stored for a component.
func (c *Checkpoint) Get(name string) (*State, bool) {
	s, ok := c.components[name]
	return s, ok
}

// Has reports whether a component entry exists.
func (c *Checkpoint) Has(name string) bool {
	_, ok := c.components[name]
	return ok
}

// Names returns component names in insertion order.
func (c *Checkpoint) Names() []string {
	return slices.Clone(c.names)
}

// Len returns the number of component entries.
func (c *Checkpoint) Len() int {
	return len(c.names)
}

// SetLastEpoch records the last completed epoch.
func (c *Checkpoint) SetLastEpoch(epoch int) {
	c.LastEpoch = epoch
	c.HasLastEpoch = true
}

// ModelWeights returns the weights a fine-tuning load should start from: the
// ema shadow module when an ema entry exists, the model entry otherwise.
// The second result names the chosen source ("ema.module" or "model").
func (c *Checkpoint) ModelWeights() (*statedict.StateDict, string, bool) {
	if ema, ok := c.Get(ComponentEMA); ok {
		if module, ok := ema.Child(ChildModule); ok {
			return module.Tensors, ComponentEMA + "." + ChildModule, true
		}
	}
	if model, ok := c.Get(ComponentModel); ok {
		return model.Tensors, ComponentModel, true
	}
	return nil, "", false
}

// ByteSize returns the total tensor payload of the checkpoint.
func (c *Checkpoint) ByteSize() int64 {
	var total int64
	var walk func(*State)
	walk = func(s *State) {
		total += s.Tensors.ByteSize()
		for _, child := range s.Children {
			walk(child)
		}
	}
	for _, name := range c.names {
		walk(c.components[name])
	}
	return total
}
