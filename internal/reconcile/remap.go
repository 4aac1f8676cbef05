package reconcile

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/taxonomy"
	"github.com/born-ml/reconcile/internal/tensor"
)

// Remapper relocates per-class rows between compact and superset head tensors.
//
// Head tensors carry one extra leading row ahead of the class rows, so compact
// class c pairs with superset row Entry(c)+1.
type Remapper struct {
	table    *taxonomy.Correspondence
	maxEntry int
}

// NewRemapper creates a Remapper over the given correspondence.
func NewRemapper(table *taxonomy.Correspondence) *Remapper {
	return &Remapper{table: table, maxEntry: slices.Max(table.Entries())}
}

// Table returns the correspondence the Remapper uses.
func (r *Remapper) Table() *taxonomy.Correspondence {
	return r.table
}

// Remap returns a tensor shaped like target filled from source.
//
// When the shapes are identical source is returned as is. Otherwise the
// result starts as a deep copy of target:
//
//   - source larger (superset to compact): result[c] = source[Entry(c)+1]
//   - target larger (compact to superset): result[Entry(c)+1] = source[c]
//
// for every compact class c. Rows the table does not address keep target's
// values. Neither argument is modified.
//
// A *ShapeError wrapping ErrShapeIncompatible is returned when the leading
// dimensions are not a compact/superset pair the table accepts, or when rank,
// trailing dimensions or dtype differ.
func (r *Remapper) Remap(target, source *tensor.RawTensor) (*tensor.RawTensor, error) {
	ts, ss := target.Shape(), source.Shape()
	if ts.Equal(ss) {
		return source, nil
	}

	incompatible := func(reason string) error {
		return &ShapeError{
			Target:      ts.Clone(),
			Source:      ss.Clone(),
			TargetDType: target.DType(),
			SourceDType: source.DType(),
			Reason:      reason,
		}
	}

	switch {
	case len(ts) == 0 || len(ss) == 0:
		return nil, incompatible("scalars have no class rows")
	case len(ts) != len(ss):
		return nil, incompatible("rank differs")
	case !ts.Trailing().Equal(ss.Trailing()):
		return nil, incompatible("trailing dimensions differ")
	case target.DType() != source.DType():
		return nil, incompatible("dtype differs")
	}

	tLead, sLead := ts.Leading(), ss.Leading()
	switch {
	case sLead > tLead && r.addressable(tLead, sLead):
		return r.contract(target, source)
	case tLead > sLead && r.addressable(sLead, tLead):
		return r.expand(target, source)
	default:
		return nil, incompatible("leading dimensions are not a compact/superset pair")
	}
}

// addressable reports whether the table can relate a compact head with
// compact rows to a superset head with superset rows.
func (r *Remapper) addressable(compact, superset int) bool {
	return r.table.AcceptsCompact(compact) &&
		r.table.AcceptsSuperset(superset) &&
		compact >= r.table.Len() &&
		superset > r.maxEntry+1
}

func (r *Remapper) contract(target, source *tensor.RawTensor) (*tensor.RawTensor, error) {
	adjusted := target.Detach()
	for c := range r.table.Len() {
		if err := adjusted.CopyRow(c, source, r.table.Entry(c)+1); err != nil {
			return nil, errors.Wrapf(err, "class %d", c)
		}
	}
	return adjusted, nil
}

func (r *Remapper) expand(target, source *tensor.RawTensor) (*tensor.RawTensor, error) {
	adjusted := target.Detach()
	for c := range r.table.Len() {
		if err := adjusted.CopyRow(r.table.Entry(c)+1, source, c); err != nil {
			return nil, errors.Wrapf(err, "class %d", c)
		}
	}
	return adjusted, nil
}
