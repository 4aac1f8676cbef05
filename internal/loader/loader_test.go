package loader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/ema"
	"github.com/born-ml/reconcile/internal/metrics"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/optim"
	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/registry"
	"github.com/born-ml/reconcile/internal/serialization"
	"github.com/born-ml/reconcile/internal/source"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/taxonomy"
	"github.com/born-ml/reconcile/internal/tensor"
)

const denoisingKey = "decoder.denoising_class_embed.weight"

type countingRecorder struct {
	metrics.NoopRecorder
	loads    map[metrics.Outcome]int
	heads    map[string]int
	restores map[string]string
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		loads:    map[metrics.Outcome]int{},
		heads:    map[string]int{},
		restores: map[string]string{},
	}
}

func (r *countingRecorder) ObserveLoad(_ metrics.Intent, outcome metrics.Outcome, _ time.Duration) {
	r.loads[outcome]++
}

func (r *countingRecorder) IncHeadAdjustment(result string) { r.heads[result]++ }

func (r *countingRecorder) IncComponentRestore(component, result string) {
	r.restores[component] = result
}

func detector(classes int, seed int64) *nn.Module {
	return nn.NewDetectionModel(nn.DetectionConfig{NumClasses: classes, HiddenDim: 4, DecoderLayers: 2, Seed: seed})
}

func twoLayerHeads() reconcile.HeadSet {
	heads := reconcile.DefaultHeadSet()
	heads.DecoderLayers = 2
	return heads
}

func newTestLoader(rec metrics.Recorder) *Loader {
	l := New(source.NewResolver(source.Options{}), reconcile.NewHeadAdjuster(twoLayerHeads(), taxonomy.Default()))
	l.Metrics = rec
	return l
}

func save(t *testing.T, ck *checkpoint.Checkpoint) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.born")
	require.NoError(t, checkpoint.Save(path, ck))
	return path
}

func weightsCheckpoint(sd *statedict.StateDict) *checkpoint.Checkpoint {
	ck := checkpoint.New()
	ck.Set(checkpoint.ComponentModel, checkpoint.StateOf(sd))
	return ck
}

func row(t *testing.T, x *tensor.RawTensor, i int) []byte {
	t.Helper()
	r, err := x.Row(i)
	require.NoError(t, err)
	return r
}

func TestTuneRemapsHeadsAcrossTaxonomies(t *testing.T) {
	table := taxonomy.Default()
	current := detector(81, 1)
	pretrained := detector(366, 2)
	initial := current.Parameters().Clone()
	rec := newCountingRecorder()

	report, err := newTestLoader(rec).Tune(context.Background(), save(t, weightsCheckpoint(pretrained.Parameters())), current)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.ComponentModel, report.Source)
	require.NoError(t, report.AdjustErr)
	require.NotNil(t, report.Adjustment)
	assert.True(t, report.Adjustment.DroppedDenoising)
	assert.Len(t, report.Adjustment.Adjusted, 6)
	assert.Empty(t, report.Adjustment.NotAdjusted)
	assert.Equal(t, []string{denoisingKey}, report.Match.Missed)
	assert.Empty(t, report.Match.Unmatched)
	assert.Equal(t, []string{denoisingKey}, report.Load.Missing)
	assert.Equal(t, 6, rec.heads["adjusted"])
	assert.Equal(t, 1, rec.heads["dropped"])
	assert.Equal(t, 1, rec.loads[metrics.OutcomeSuccess])

	live := current.Parameters()
	src := pretrained.Parameters()
	for _, name := range twoLayerHeads().Names() {
		got, _ := live.Get(name)
		from, _ := src.Get(name)
		init, _ := initial.Get(name)
		require.Equal(t, tensor.Shape{81}, got.Shape()[:1], name)
		for c := range table.Len() {
			assert.Equal(t, row(t, from, table.Entry(c)+1), row(t, got, c), "%s row %d", name, c)
		}
		assert.Equal(t, row(t, init, 80), row(t, got, 80), "%s row 80 keeps its initial value", name)
	}

	for _, name := range []string{"backbone.stem.weight", "encoder.input_proj.weight", "decoder.dec_bbox_head.1.weight"} {
		got, _ := live.Get(name)
		from, _ := src.Get(name)
		assert.True(t, got.Equal(from), "%s loaded from pretrained", name)
	}

	got, _ := live.Get(denoisingKey)
	init, _ := initial.Get(denoisingKey)
	assert.True(t, got.Equal(init), "denoising embedding left at initialization")
}

func TestTunePrefersEMAWeights(t *testing.T) {
	current := detector(81, 1)
	plain := detector(81, 2)
	shadow := detector(81, 3)

	ck := weightsCheckpoint(plain.Parameters())
	emaState := checkpoint.NewState()
	emaState.SetChild(checkpoint.ChildModule, checkpoint.StateOf(shadow.Parameters()))
	ck.Set(checkpoint.ComponentEMA, emaState)

	report, err := newTestLoader(nil).Tune(context.Background(), save(t, ck), current)
	require.NoError(t, err)

	assert.Equal(t, "ema.module", report.Source)
	assert.Equal(t, current.Len(), report.Match.Matched.Len())
	assert.True(t, current.Parameters().Equal(shadow.Parameters()))
}

func TestTuneFallsBackToUnadjustedMatch(t *testing.T) {
	current := detector(81, 1)
	pretrained := detector(366, 2)
	weights := pretrained.Parameters().Copy()
	weights.Delete(denoisingKey)
	rec := newCountingRecorder()

	report, err := newTestLoader(rec).Tune(context.Background(), save(t, weightsCheckpoint(weights)), current)
	require.NoError(t, err)

	assert.True(t, errors.Is(report.AdjustErr, reconcile.ErrRemapFailure))
	assert.Nil(t, report.Adjustment)
	assert.Equal(t, 1, rec.heads["failed"])
	assert.Contains(t, report.Match.Missed, denoisingKey)
	assert.ElementsMatch(t, twoLayerHeads().Names(), report.Match.Unmatched)

	stem, _ := current.Parameters().Get("backbone.stem.weight")
	want, _ := pretrained.Parameters().Get("backbone.stem.weight")
	assert.True(t, stem.Equal(want), "structurally identical parameters still load")
}

func TestTuneWithoutAdjuster(t *testing.T) {
	current := detector(81, 1)
	pretrained := detector(366, 2)
	l := New(source.NewResolver(source.Options{}), nil)

	report, err := l.Tune(context.Background(), save(t, weightsCheckpoint(pretrained.Parameters())), current)
	require.NoError(t, err)
	assert.Nil(t, report.Adjustment)
	assert.NoError(t, report.AdjustErr)
	assert.Len(t, report.Match.Unmatched, 7)
}

func TestTuneFromSafeTensors(t *testing.T) {
	current := detector(81, 1)
	pretrained := detector(366, 2)

	var entries []serialization.Entry
	pretrained.Parameters().Range(func(name string, x *tensor.RawTensor) bool {
		entries = append(entries, serialization.Entry{Name: "module." + name, Tensor: x})
		return true
	})
	var buf bytes.Buffer
	require.NoError(t, serialization.EncodeSafeTensors(&buf, entries, nil))
	path := filepath.Join(t.TempDir(), "obj365.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	l := newTestLoader(nil)
	l.Mapper = NewPrefixMapper("module.")
	report, err := l.Tune(context.Background(), path, current)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ComponentModel, report.Source)
	assert.Len(t, report.Adjustment.Adjusted, 6)
	assert.Equal(t, current.Len()-1, report.Match.Matched.Len())
}

func TestTuneErrors(t *testing.T) {
	ctx := context.Background()
	rec := newCountingRecorder()
	l := newTestLoader(rec)

	_, err := l.Tune(ctx, filepath.Join(t.TempDir(), "missing.born"), detector(81, 1))
	assert.True(t, errors.Is(err, source.ErrSourceUnavailable))

	ck := checkpoint.New()
	ck.Set(checkpoint.ComponentScaler, checkpoint.NewState())
	_, err = l.Tune(ctx, save(t, ck), detector(81, 1))
	assert.True(t, errors.Is(err, ErrNoModelState))

	garbage := filepath.Join(t.TempDir(), "garbage.born")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o600))
	_, err = l.Tune(ctx, garbage, detector(81, 1))
	assert.True(t, errors.Is(err, serialization.ErrUnknownFormat))

	assert.Equal(t, 3, rec.loads[metrics.OutcomeFailed])
}

func TestResume(t *testing.T) {
	build := func(seed int64, withEMA bool) (*nn.Module, *optim.Adam, *ema.Model, *registry.Registry) {
		model := detector(81, seed)
		opt := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 1e-4})
		reg := registry.New()
		require.NoError(t, reg.Register(checkpoint.ComponentModel, model))
		require.NoError(t, reg.Register(checkpoint.ComponentOptimizer, opt))
		var shadow *ema.Model
		if withEMA {
			shadow = ema.New(model, 0.9999, 2000)
			require.NoError(t, reg.Register(checkpoint.ComponentEMA, shadow))
		}
		return model, opt, shadow, reg
	}

	srcModel, srcOpt, _, srcReg := build(1, false)
	grads := map[string]*tensor.RawTensor{}
	srcModel.Parameters().Range(func(name string, x *tensor.RawTensor) bool {
		grads[name] = nn.Full(x.Shape(), 0.5)
		return true
	})
	srcOpt.Step(grads)
	srcReg.SetLastEpoch(11)
	ck, err := srcReg.Capture()
	require.NoError(t, err)
	path := save(t, ck)

	model, opt, shadow, reg := build(2, true)
	rec := newCountingRecorder()
	report, err := newTestLoader(rec).Resume(context.Background(), path, reg)
	require.NoError(t, err)

	assert.True(t, report.LastEpochRestored)
	assert.Equal(t, 11, reg.LastEpoch())
	assert.Equal(t, []string{checkpoint.ComponentModel, checkpoint.ComponentOptimizer}, report.Restored)
	assert.Equal(t, []string{checkpoint.ComponentEMA}, report.Fallback)
	assert.True(t, model.Parameters().Equal(srcModel.Parameters()))
	assert.True(t, shadow.Module().Parameters().Equal(srcModel.Parameters()))
	assert.Equal(t, srcOpt.GetTimestep(), opt.GetTimestep())
	assert.Equal(t, "fallback", rec.restores[checkpoint.ComponentEMA])
	assert.Equal(t, "restored", rec.restores[checkpoint.ComponentModel])
	assert.Equal(t, 1, rec.loads[metrics.OutcomeSuccess])
}

func TestResumeShapeMismatchFails(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(checkpoint.ComponentModel, detector(81, 1)))
	rec := newCountingRecorder()

	_, err := newTestLoader(rec).Resume(context.Background(), save(t, weightsCheckpoint(detector(366, 2).Parameters())), reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")
	assert.Equal(t, 1, rec.loads[metrics.OutcomeFailed])
}

func TestMapKeys(t *testing.T) {
	x := nn.Zeros(tensor.Shape{1})
	sd := statedict.New()
	sd.Set("module.a", x)
	sd.Set("model.b", x)
	sd.Set("c", x)

	out, err := MapKeys(sd, NewPrefixMapper("module.", "model."))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out.Keys())

	added, err := MapKeys(sd, &PrefixMapper{Strip: []string{"module."}, Add: "net."})
	require.NoError(t, err)
	assert.Equal(t, []string{"net.a", "net.model.b", "net.c"}, added.Keys())

	sd.Set("a", x)
	_, err = MapKeys(sd, NewPrefixMapper("module."))
	assert.Error(t, err, "module.a and a collide")

	same, err := MapKeys(sd, IdentityMapper{})
	require.NoError(t, err)
	assert.Equal(t, sd.Keys(), same.Keys())

	_, err = MapKeys(sd, NewPrefixMapper("c"))
	assert.Error(t, err, "empty name")
}
