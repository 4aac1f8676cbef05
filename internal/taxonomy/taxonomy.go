// Package taxonomy loads the class correspondence table used to relocate
// per-class head rows between a compact label space and a superset one.
package taxonomy

import (
	_ "embed"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidTable is returned when a correspondence table violates its invariants.
var ErrInvalidTable = errors.New("invalid taxonomy correspondence")

// file is the YAML layout of a correspondence artifact.
type file struct {
	Name          string   `yaml:"name"`
	SupersetSize  int      `yaml:"superset_size"`
	Table         []int    `yaml:"table"`
	Names         []string `yaml:"names,omitempty"`
	CompactSizes  []int    `yaml:"compact_sizes,omitempty"`
	SupersetSizes []int    `yaml:"superset_sizes,omitempty"`
}

// Correspondence maps compact class indices to superset class indices.
//
// Entry i is the superset index of compact class i. Entries are unique and lie
// in [0, SupersetSize-2]. A Correspondence is immutable once built.
type Correspondence struct {
	name          string
	supersetSize  int
	table         []int
	names         []string
	compactSizes  []int
	supersetSizes []int
}

// New builds a correspondence from a table and the superset head size.
// Accepted leading dimensions default to {K, K+1} on the compact side and
// {supersetSize-1, supersetSize} on the superset side.
func New(table []int, supersetSize int) (*Correspondence, error) {
	return build(file{Table: table, SupersetSize: supersetSize})
}

// Default returns the built-in 80-to-365 class correspondence.
func Default() *Correspondence {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(errors.Wrap(err, "embedded taxonomy"))
	}
	return c
}

// Load reads a correspondence artifact from a YAML file.
func Load(path string) (*Correspondence, error) {
	//nolint:gosec // G304: taxonomy path comes from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading taxonomy %q", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "taxonomy %q", path)
	}
	return c, nil
}

// Parse decodes a correspondence artifact.
func Parse(data []byte) (*Correspondence, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing taxonomy YAML")
	}
	return build(f)
}

func build(f file) (*Correspondence, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	k := len(f.Table)
	c := &Correspondence{
		name:          f.Name,
		supersetSize:  f.SupersetSize,
		table:         slices.Clone(f.Table),
		names:         slices.Clone(f.Names),
		compactSizes:  slices.Clone(f.CompactSizes),
		supersetSizes: slices.Clone(f.SupersetSizes),
	}
	if len(c.compactSizes) == 0 {
		c.compactSizes = []int{k, k + 1}
	}
	if len(c.supersetSizes) == 0 {
		c.supersetSizes = []int{f.SupersetSize - 1, f.SupersetSize}
	}
	return c, nil
}

func validate(f file) error {
	if len(f.Table) == 0 {
		return errors.Wrap(ErrInvalidTable, "empty table")
	}
	if f.SupersetSize < 2 {
		return errors.Wrapf(ErrInvalidTable, "superset_size %d must be at least 2", f.SupersetSize)
	}
	limit := f.SupersetSize - 2
	seen := make(map[int]int, len(f.Table))
	for i, idx := range f.Table {
		if idx < 0 || idx > limit {
			return errors.Wrapf(ErrInvalidTable, "entry %d = %d outside [0, %d]", i, idx, limit)
		}
		if prev, dup := seen[idx]; dup {
			return errors.Wrapf(ErrInvalidTable, "entries %d and %d both map to %d", prev, i, idx)
		}
		seen[idx] = i
	}
	if len(f.Names) > 0 && len(f.Names) != len(f.Table) {
		return errors.Wrapf(ErrInvalidTable, "%d names for %d entries", len(f.Names), len(f.Table))
	}
	for _, n := range f.CompactSizes {
		if n < len(f.Table) {
			return errors.Wrapf(ErrInvalidTable, "compact size %d smaller than table length %d", n, len(f.Table))
		}
	}
	for _, n := range f.SupersetSizes {
		if n < limit+1 {
			return errors.Wrapf(ErrInvalidTable, "superset size %d cannot address index %d", n, limit+1)
		}
	}
	return nil
}

// Name returns the artifact name, if any.
func (c *Correspondence) Name() string { return c.name }

// Len returns K, the number of compact classes.
func (c *Correspondence) Len() int { return len(c.table) }

// SupersetSize returns the leading dimension of superset head tensors.
func (c *Correspondence) SupersetSize() int { return c.supersetSize }

// Entry returns the superset index of compact class i.
func (c *Correspondence) Entry(i int) int { return c.table[i] }

// Entries returns a copy of the table.
func (c *Correspondence) Entries() []int { return slices.Clone(c.table) }

// ClassName returns the compact class name for i, or "" when names are absent.
func (c *Correspondence) ClassName(i int) string {
	if i < 0 || i >= len(c.names) {
		return ""
	}
	return c.names[i]
}

// AcceptsCompact reports whether n is a leading dimension the table can fill
// from the superset side.
func (c *Correspondence) AcceptsCompact(n int) bool { return slices.Contains(c.compactSizes, n) }

// AcceptsSuperset reports whether n is a leading dimension the table can fill
// from the compact side.
func (c *Correspondence) AcceptsSuperset(n int) bool { return slices.Contains(c.supersetSizes, n) }
