// Package statedict implements the ordered parameter mapping shared by every
// component of a checkpoint: dotted string keys to raw tensors.
package statedict

import (
	"slices"
	"strings"

	"github.com/born-ml/reconcile/internal/tensor"
)

// StateDict is an ordered mapping from a dotted key (e.g.
// "decoder.enc_score_head.weight") to a tensor.
//
// Keys are unique. Iteration follows insertion order; re-setting an existing
// key keeps its original position.
//
// The zero value is not usable, create with New.
type StateDict struct {
	keys    []string
	entries map[string]*tensor.RawTensor
}

// New creates an empty StateDict.
func New() *StateDict {
	return &StateDict{entries: make(map[string]*tensor.RawTensor)}
}

// FromMap builds a StateDict from an unordered map, ordering keys lexically.
func FromMap(m map[string]*tensor.RawTensor) *StateDict {
	sd := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sd.Set(k, m[k])
	}
	return sd
}

// Len returns the number of entries.
func (sd *StateDict) Len() int {
	if sd == nil {
		return 0
	}
	return len(sd.keys)
}

// Keys returns a copy of the keys in iteration order.
func (sd *StateDict) Keys() []string {
	if sd == nil {
		return nil
	}
	return slices.Clone(sd.keys)
}

// Get returns the tensor stored under key.
func (sd *StateDict) Get(key string) (*tensor.RawTensor, bool) {
	if sd == nil {
		return nil, false
	}
	t, ok := sd.entries[key]
	return t, ok
}

// Has reports whether key is present.
func (sd *StateDict) Has(key string) bool {
	_, ok := sd.Get(key)
	return ok
}

// Set stores t under key.
func (sd *StateDict) Set(key string, t *tensor.RawTensor) {
	if _, ok := sd.entries[key]; !ok {
		sd.keys = append(sd.keys, key)
	}
	sd.entries[key] = t
}

// Delete removes key, returning whether it was present.
func (sd *StateDict) Delete(key string) bool {
	if _, ok := sd.entries[key]; !ok {
		return false
	}
	delete(sd.entries, key)
	sd.keys = slices.DeleteFunc(sd.keys, func(k string) bool { return k == key })
	return true
}

// Range calls fn for every entry in order until fn returns false.
func (sd *StateDict) Range(fn func(key string, t *tensor.RawTensor) bool) {
	if sd == nil {
		return
	}
	for _, k := range sd.keys {
		if !fn(k, sd.entries[k]) {
			return
		}
	}
}

// Copy returns a new StateDict with the same keys pointing to the same tensors.
// Mutating the copy's key set does not affect sd.
func (sd *StateDict) Copy() *StateDict {
	out := New()
	sd.Range(func(k string, t *tensor.RawTensor) bool {
		out.Set(k, t)
		return true
	})
	return out
}

// Clone returns a new StateDict whose tensors are copy-on-write clones.
func (sd *StateDict) Clone() *StateDict {
	out := New()
	sd.Range(func(k string, t *tensor.RawTensor) bool {
		out.Set(k, t.Clone())
		return true
	})
	return out
}

// WithPrefix returns a copy whose keys are prefixed with prefix.
func (sd *StateDict) WithPrefix(prefix string) *StateDict {
	out := New()
	sd.Range(func(k string, t *tensor.RawTensor) bool {
		out.Set(prefix+k, t)
		return true
	})
	return out
}

// TrimPrefix returns a copy where prefix is removed from every key that has it.
// Keys without the prefix are kept unchanged. If trimming produces a key that
// already exists, the later entry wins.
func (sd *StateDict) TrimPrefix(prefix string) *StateDict {
	out := New()
	sd.Range(func(k string, t *tensor.RawTensor) bool {
		out.Set(strings.TrimPrefix(k, prefix), t)
		return true
	})
	return out
}

// ByteSize returns the sum of all tensor sizes in bytes.
func (sd *StateDict) ByteSize() int64 {
	var total int64
	sd.Range(func(_ string, t *tensor.RawTensor) bool {
		total += int64(t.ByteSize())
		return true
	})
	return total
}

// Equal reports whether both dicts have the same keys in the same order with
// equal tensors.
func (sd *StateDict) Equal(other *StateDict) bool {
	if sd.Len() != other.Len() {
		return false
	}
	for i, k := range sd.keys {
		if other.keys[i] != k {
			return false
		}
		if !sd.entries[k].Equal(other.entries[k]) {
			return false
		}
	}
	return true
}
