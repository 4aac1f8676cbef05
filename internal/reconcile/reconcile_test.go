package reconcile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/taxonomy"
	"github.com/born-ml/reconcile/internal/tensor"
)

// rows builds an [n, width] float32 tensor whose row r holds offset+r.
func rows(t *testing.T, n, width int, offset float32) *tensor.RawTensor {
	t.Helper()
	values := make([]float32, n*width)
	for r := range n {
		for j := range width {
			values[r*width+j] = offset + float32(r)
		}
	}
	raw, err := tensor.FromFloat32(tensor.Shape{n, width}, values)
	require.NoError(t, err)
	return raw
}

func vector(t *testing.T, n int, offset float32) *tensor.RawTensor {
	t.Helper()
	values := make([]float32, n)
	for i := range values {
		values[i] = offset + float32(i)
	}
	raw, err := tensor.FromFloat32(tensor.Shape{n}, values)
	require.NoError(t, err)
	return raw
}

func rowValue(t *testing.T, raw *tensor.RawTensor, r int) float32 {
	t.Helper()
	width := raw.RowSize() / 4
	return raw.AsFloat32()[r*width]
}

// tinyTable relates 3 compact classes to a 6-row superset head.
func tinyTable(t *testing.T) *taxonomy.Correspondence {
	t.Helper()
	c, err := taxonomy.New([]int{2, 0, 3}, 6)
	require.NoError(t, err)
	return c
}

func TestMatchPartition(t *testing.T) {
	target := statedict.New()
	target.Set("a", rows(t, 2, 2, 0))
	target.Set("b", rows(t, 3, 2, 0))
	target.Set("c", vector(t, 4, 0))
	target.Set("d", vector(t, 1, 0))

	candidate := statedict.New()
	candidate.Set("b", rows(t, 3, 2, 100))
	candidate.Set("a", rows(t, 2, 3, 100))
	candidate.Set("d", vector(t, 1, 7))
	candidate.Set("extra", vector(t, 5, 0))

	report := Match(target, candidate)

	assert.Equal(t, []string{"b", "d"}, report.Matched.Keys())
	assert.Equal(t, []string{"c"}, report.Missed)
	assert.Equal(t, []string{"a"}, report.Unmatched)
	assert.Equal(t, target.Len(), report.Total())
	assert.False(t, report.Matched.Has("extra"))
	assert.Equal(t, "4 keys: matched 2, missed 1, unmatched 1", report.Summary())

	got, _ := report.Matched.Get("d")
	want, _ := candidate.Get("d")
	assert.Same(t, want, got)
}

func TestMatchEmpty(t *testing.T) {
	report := Match(statedict.New(), statedict.New())
	assert.Equal(t, 0, report.Total())
	assert.Empty(t, report.Missed)
	assert.Empty(t, report.Unmatched)
}

func TestRemapIdentity(t *testing.T) {
	table := tinyTable(t)
	r := NewRemapper(table)
	assert.Same(t, table, r.Table())
	target := rows(t, 4, 2, 0)
	source := rows(t, 4, 2, 50)

	got, err := r.Remap(target, source)
	require.NoError(t, err)
	assert.Same(t, source, got)
}

func TestRemapContract(t *testing.T) {
	r := NewRemapper(tinyTable(t))
	target := rows(t, 4, 2, 0)   // compact head with one extra row
	source := rows(t, 6, 2, 100) // superset head

	got, err := r.Remap(target, source)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 2}, got.Shape())

	assert.Equal(t, float32(103), rowValue(t, got, 0)) // table[0]+1 = 3
	assert.Equal(t, float32(101), rowValue(t, got, 1)) // table[1]+1 = 1
	assert.Equal(t, float32(104), rowValue(t, got, 2)) // table[2]+1 = 4
	assert.Equal(t, float32(3), rowValue(t, got, 3), "unaddressed row keeps target value")

	assert.Equal(t, float32(0), rowValue(t, target, 0), "target must not be modified")
	assert.Equal(t, float32(100), rowValue(t, source, 0), "source must not be modified")
}

func TestRemapExpand(t *testing.T) {
	r := NewRemapper(tinyTable(t))
	target := vector(t, 6, 100) // superset bias
	source := vector(t, 3, 0)   // compact bias without the extra row

	got, err := r.Remap(target, source)
	require.NoError(t, err)
	assert.Equal(t, []float32{100, 1, 102, 0, 2, 105}, got.AsFloat32())
	assert.Equal(t, []float32{100, 101, 102, 103, 104, 105}, target.AsFloat32())
}

func TestRemapRoundTrip(t *testing.T) {
	r := NewRemapper(tinyTable(t))

	compact := rows(t, 4, 3, 10)
	superset := rows(t, 6, 3, 500)

	expanded, err := r.Remap(superset, compact)
	require.NoError(t, err)
	contracted, err := r.Remap(compact, expanded)
	require.NoError(t, err)
	assert.True(t, compact.Equal(contracted), "contract(expand(x)) = x")

	down, err := r.Remap(compact, superset)
	require.NoError(t, err)
	up, err := r.Remap(superset, down)
	require.NoError(t, err)
	assert.True(t, superset.Equal(up), "expand(contract(y)) onto y = y")
}

func TestRemapIncompatible(t *testing.T) {
	r := NewRemapper(tinyTable(t))
	half, err := tensor.FromFloat16(tensor.Shape{6, 2}, make([]float32, 12))
	require.NoError(t, err)

	tests := []struct {
		name           string
		target, source *tensor.RawTensor
	}{
		{"leading not addressable", rows(t, 4, 2, 0), rows(t, 9, 2, 0)},
		{"both compact sizes", rows(t, 3, 2, 0), rows(t, 4, 2, 0)},
		{"trailing differs", rows(t, 4, 2, 0), rows(t, 6, 3, 0)},
		{"rank differs", vector(t, 4, 0), rows(t, 6, 2, 0)},
		{"dtype differs", rows(t, 4, 2, 0), half},
		{"scalar", tensor.Scalar(1), vector(t, 6, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Remap(tt.target, tt.source)
			assert.True(t, errors.Is(err, ErrShapeIncompatible), "got %v", err)
			var serr *ShapeError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tt.target.Shape(), serr.Target)
		})
	}
}

// headModel builds a mapping with the default head layout for classes rows.
func headModel(t *testing.T, classRows, denoiseRows, hidden int, offset float32) *statedict.StateDict {
	t.Helper()
	heads := DefaultHeadSet()
	sd := statedict.New()
	sd.Set("backbone.conv.weight", rows(t, 4, hidden, offset))
	sd.Set(heads.DenoisingKey, rows(t, denoiseRows, hidden, offset))
	sd.Set(heads.EncoderPrefix+".weight", rows(t, classRows, hidden, offset))
	sd.Set(heads.EncoderPrefix+".bias", vector(t, classRows, offset))
	for i := range heads.DecoderLayers {
		sd.Set(fmt.Sprintf("%s.%d.weight", heads.DecoderPrefix, i), rows(t, classRows, hidden, offset))
		sd.Set(fmt.Sprintf("%s.%d.bias", heads.DecoderPrefix, i), vector(t, classRows, offset))
	}
	return sd
}

func TestHeadSetNames(t *testing.T) {
	names := DefaultHeadSet().Names()
	require.Len(t, names, 18)
	assert.Equal(t, "decoder.enc_score_head.weight", names[0])
	assert.Equal(t, "decoder.enc_score_head.bias", names[1])
	assert.Equal(t, "decoder.dec_score_head.0.weight", names[2])
	assert.Equal(t, "decoder.dec_score_head.7.bias", names[17])
}

func TestAdjustContractsHeads(t *testing.T) {
	adjuster := NewHeadAdjuster(DefaultHeadSet(), tinyTable(t))
	current := headModel(t, 4, 5, 2, 0)
	pretrained := headModel(t, 6, 7, 2, 100)
	before := pretrained.Keys()

	adj, err := adjuster.Adjust(current, pretrained)
	require.NoError(t, err)

	assert.True(t, adj.DroppedDenoising)
	assert.False(t, adj.Params.Has(DefaultHeadSet().DenoisingKey))
	assert.Len(t, adj.Adjusted, 18)
	assert.Empty(t, adj.NotAdjusted)

	w, _ := adj.Params.Get("decoder.dec_score_head.3.weight")
	assert.Equal(t, tensor.Shape{4, 2}, w.Shape())
	assert.Equal(t, float32(103), rowValue(t, w, 0))

	// Caller mapping untouched.
	assert.Equal(t, before, pretrained.Keys())
	orig, _ := pretrained.Get("decoder.dec_score_head.3.weight")
	assert.Equal(t, tensor.Shape{6, 2}, orig.Shape())

	report := Match(current, adj.Params)
	assert.Equal(t, []string{DefaultHeadSet().DenoisingKey}, report.Missed, "denoising key is missed, never unmatched")
	assert.Empty(t, report.Unmatched)
}

func TestAdjustKeepsMatchingDenoising(t *testing.T) {
	adjuster := NewHeadAdjuster(DefaultHeadSet(), tinyTable(t))
	adj, err := adjuster.Adjust(headModel(t, 4, 5, 2, 0), headModel(t, 6, 5, 2, 100))
	require.NoError(t, err)
	assert.False(t, adj.DroppedDenoising)
	assert.True(t, adj.Params.Has(DefaultHeadSet().DenoisingKey))
}

func TestAdjustRecordsIncompatibleHeads(t *testing.T) {
	adjuster := NewHeadAdjuster(DefaultHeadSet(), tinyTable(t))
	current := headModel(t, 4, 5, 2, 0)
	pretrained := headModel(t, 9, 5, 2, 100)

	adj, err := adjuster.Adjust(current, pretrained)
	require.NoError(t, err)
	assert.Empty(t, adj.Adjusted)
	require.Len(t, adj.NotAdjusted, 18)
	assert.True(t, errors.Is(adj.NotAdjusted[0].Reason, ErrShapeIncompatible))

	// Refused heads keep the pretrained tensor and surface as unmatched.
	report := Match(current, adj.Params)
	assert.Len(t, report.Unmatched, 18)
}

func TestAdjustFailsWithoutDenoisingKey(t *testing.T) {
	adjuster := NewHeadAdjuster(DefaultHeadSet(), tinyTable(t))
	pretrained := headModel(t, 6, 7, 2, 100)
	pretrained.Delete(DefaultHeadSet().DenoisingKey)

	_, err := adjuster.Adjust(headModel(t, 4, 5, 2, 0), pretrained)
	assert.True(t, errors.Is(err, ErrRemapFailure), "got %v", err)
}

func TestAdjustSkipsAbsentHeads(t *testing.T) {
	heads := DefaultHeadSet()
	adjuster := NewHeadAdjuster(heads, tinyTable(t))
	current := headModel(t, 4, 5, 2, 0)
	current.Delete(heads.EncoderPrefix + ".bias")

	adj, err := adjuster.Adjust(current, headModel(t, 6, 5, 2, 100))
	require.NoError(t, err)
	assert.Len(t, adj.Adjusted, 17)
	assert.NotContains(t, adj.Adjusted, heads.EncoderPrefix+".bias")
}

// The reference tuning load: an 81-row head fine-tuned from a 366-row one.
func TestAdjustDefaultTaxonomy(t *testing.T) {
	table := taxonomy.Default()
	adjuster := NewHeadAdjuster(DefaultHeadSet(), table)
	current := headModel(t, 81, 81, 4, 0)
	pretrained := headModel(t, 366, 367, 4, 1000)

	adj, err := adjuster.Adjust(current, pretrained)
	require.NoError(t, err)
	report := Match(current, adj.Params)

	w, ok := report.Matched.Get("decoder.enc_score_head.weight")
	require.True(t, ok)
	for c := range table.Len() {
		assert.Equal(t, float32(1000+table.Entry(c)+1), rowValue(t, w, c), "class %d", c)
	}
	assert.Equal(t, float32(80), rowValue(t, w, 80))
	assert.Equal(t, []string{DefaultHeadSet().DenoisingKey}, report.Missed)
}
