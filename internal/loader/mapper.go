package loader

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// KeyMapper maps parameter names of a foreign checkpoint to the names used
// by the current model.
type KeyMapper interface {
	// MapName converts a checkpoint parameter name to a model parameter name.
	MapName(name string) (string, error)

	// Scheme names the mapping, for logs.
	Scheme() string
}

// IdentityMapper keeps every name unchanged.
type IdentityMapper struct{}

// MapName returns name.
func (IdentityMapper) MapName(name string) (string, error) { return name, nil }

// Scheme returns "identity".
func (IdentityMapper) Scheme() string { return "identity" }

// PrefixMapper rewrites name prefixes.
//
// Common cases:
//   - weights saved from a distributed wrapper: module.decoder.x -> decoder.x
//   - weights nested under a parent module: model.decoder.x -> decoder.x
type PrefixMapper struct {
	Strip []string // Removed from the start of a name, first match only
	Add   string   // Prepended after stripping
}

// NewPrefixMapper creates a PrefixMapper that strips the given prefixes.
func NewPrefixMapper(strip ...string) *PrefixMapper {
	return &PrefixMapper{Strip: strip}
}

// MapName strips the first matching prefix and prepends Add.
func (m *PrefixMapper) MapName(name string) (string, error) {
	for _, p := range m.Strip {
		if trimmed, ok := strings.CutPrefix(name, p); ok {
			name = trimmed
			break
		}
	}
	if name == "" {
		return "", errors.Errorf("prefix mapping leaves an empty name")
	}
	return m.Add + name, nil
}

// Scheme returns "prefix".
func (m *PrefixMapper) Scheme() string {
	return "prefix"
}

// MapKeys returns a copy of sd with every key passed through m. Two keys that
// map to the same name are an error.
func MapKeys(sd *statedict.StateDict, m KeyMapper) (*statedict.StateDict, error) {
	if m == nil {
		return sd, nil
	}
	out := statedict.New()
	var err error
	sd.Range(func(key string, t *tensor.RawTensor) bool {
		var mapped string
		mapped, err = m.MapName(key)
		if err != nil {
			err = errors.WithMessagef(err, "%s mapping of %q", m.Scheme(), key)
			return false
		}
		if out.Has(mapped) {
			err = errors.Errorf("%s mapping: %q collides with an earlier key mapped to %q", m.Scheme(), key, mapped)
			return false
		}
		out.Set(mapped, t)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
