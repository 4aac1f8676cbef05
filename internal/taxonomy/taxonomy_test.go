package taxonomy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "coco80-obj365", c.Name())
	assert.Equal(t, 80, c.Len())
	assert.Equal(t, 366, c.SupersetSize())
	assert.Equal(t, 0, c.Entry(0))
	assert.Equal(t, 46, c.Entry(1))
	assert.Equal(t, 226, c.Entry(79))
	assert.Equal(t, "person", c.ClassName(0))
	assert.Equal(t, "toothbrush", c.ClassName(79))
	assert.Equal(t, "", c.ClassName(80))

	assert.True(t, c.AcceptsCompact(80))
	assert.True(t, c.AcceptsCompact(81))
	assert.False(t, c.AcceptsCompact(82))
	assert.True(t, c.AcceptsSuperset(365))
	assert.True(t, c.AcceptsSuperset(366))
	assert.False(t, c.AcceptsSuperset(364))
}

func TestEntriesIsACopy(t *testing.T) {
	c := Default()
	e := c.Entries()
	e[0] = 999
	assert.Equal(t, 0, c.Entry(0))
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name     string
		table    []int
		superset int
	}{
		{"empty", nil, 10},
		{"negative", []int{0, -1}, 10},
		{"out of range", []int{0, 9}, 10},
		{"duplicate", []int{3, 1, 3}, 10},
		{"tiny superset", []int{0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.table, tt.superset)
			assert.True(t, errors.Is(err, ErrInvalidTable), "got %v", err)
		})
	}

	c, err := New([]int{2, 0, 8}, 10)
	require.NoError(t, err)
	assert.True(t, c.AcceptsCompact(3))
	assert.True(t, c.AcceptsCompact(4))
	assert.True(t, c.AcceptsSuperset(9))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	data := []byte(`
name: tiny
superset_size: 6
table: [3, 0]
names: [a, b]
compact_sizes: [2, 3, 4]
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", c.Name())
	assert.True(t, c.AcceptsCompact(4))
	assert.Equal(t, "b", c.ClassName(1))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: x\nsuperset_size: 6\ntable: [1]\nnames: [a, b]\n"), 0o600))
	_, err = Load(bad)
	assert.True(t, errors.Is(err, ErrInvalidTable))

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
