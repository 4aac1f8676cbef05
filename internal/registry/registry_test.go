package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/reconcile/internal/amp"
	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/dist"
	"github.com/born-ml/reconcile/internal/ema"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/optim"
	"github.com/born-ml/reconcile/internal/sched"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

type evaluator struct{}

type pipeline struct {
	model  *nn.Module
	opt    *optim.SGD
	lr     *sched.MultiStep
	warmup *sched.Warmup
	ema    *ema.Model
	scaler *amp.Scaler
	reg    *Registry
}

func newPipeline(t *testing.T, fill float32, withEMA bool) *pipeline {
	t.Helper()
	p := &pipeline{model: nn.NewModule()}
	p.model.Register("head.weight", nn.Full(tensor.Shape{2, 2}, fill))
	p.model.Register("head.bias", nn.Full(tensor.Shape{2}, fill))
	p.opt = optim.NewSGD(p.model.Parameters(), optim.SGDConfig{LR: 0.1, Momentum: 0.9})
	p.lr = sched.NewMultiStep(p.opt, []int{10}, 0.1)
	p.warmup = sched.NewWarmup(p.opt, 5)
	p.scaler = amp.NewScaler(amp.ScalerConfig{})

	p.reg = New()
	require.NoError(t, p.reg.Register(checkpoint.ComponentModel, dist.Wrap(p.model)))
	require.NoError(t, p.reg.Register(checkpoint.ComponentOptimizer, p.opt))
	require.NoError(t, p.reg.Register(checkpoint.ComponentLRScheduler, p.lr))
	require.NoError(t, p.reg.Register(checkpoint.ComponentLRWarmupScheduler, p.warmup))
	if withEMA {
		p.ema = ema.New(p.model, 0.9999, 2000)
		require.NoError(t, p.reg.Register(checkpoint.ComponentEMA, p.ema))
	}
	require.NoError(t, p.reg.Register(checkpoint.ComponentScaler, p.scaler))
	require.NoError(t, p.reg.Register(checkpoint.ComponentEvaluator, evaluator{}))
	return p
}

func TestRegisterDuplicate(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("model", nn.NewModule()))
	err := reg.Register("model", nn.NewModule())
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestCapture(t *testing.T) {
	p := newPipeline(t, 1, true)
	p.reg.SetLastEpoch(4)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.reg.now = func() time.Time { return fixed }

	ck, err := p.reg.Capture()
	require.NoError(t, err)

	assert.NotEmpty(t, ck.ID)
	assert.Equal(t, fixed, ck.Date)
	assert.True(t, ck.HasLastEpoch)
	assert.Equal(t, 4, ck.LastEpoch)
	assert.Equal(t, []string{"model", "optimizer", "lr_scheduler", "lr_warmup_scheduler", "ema", "scaler"}, ck.Names(),
		"evaluator has no state")

	model, _ := ck.Get(checkpoint.ComponentModel)
	assert.Equal(t, []string{"head.weight", "head.bias"}, model.Tensors.Keys(), "no wrapper prefix")

	emaState, _ := ck.Get(checkpoint.ComponentEMA)
	_, ok := emaState.Child(checkpoint.ChildModule)
	assert.True(t, ok)

	other, err := p.reg.Capture()
	require.NoError(t, err)
	assert.NotEqual(t, ck.ID, other.ID)
}

func TestRestoreRoundTrip(t *testing.T) {
	src := newPipeline(t, 3, true)
	src.reg.SetLastEpoch(9)
	src.opt.Step(map[string]*tensor.RawTensor{"head.bias": nn.Full(tensor.Shape{2}, 1)})
	src.lr.Step()
	src.scaler.Update(true)
	require.NoError(t, src.ema.Update(src.model))
	ck, err := src.reg.Capture()
	require.NoError(t, err)

	dst := newPipeline(t, 0, true)
	report, err := dst.reg.Restore(ck)
	require.NoError(t, err)

	assert.True(t, report.LastEpochRestored)
	assert.Equal(t, 9, dst.reg.LastEpoch())
	assert.Equal(t, []string{"model", "optimizer", "lr_scheduler", "lr_warmup_scheduler", "ema", "scaler"}, report.Restored)
	assert.Empty(t, report.Fallback)
	assert.Empty(t, report.Skipped)

	assert.True(t, src.model.Parameters().Equal(dst.model.Parameters()))
	assert.True(t, src.ema.Module().Parameters().Equal(dst.ema.Module().Parameters()))
	assert.Equal(t, src.scaler.Scale(), dst.scaler.Scale())
	assert.Equal(t, 1, dst.lr.LastEpoch())
}

func TestRestoreEMAFallback(t *testing.T) {
	src := newPipeline(t, 5, false)
	ck, err := src.reg.Capture()
	require.NoError(t, err)
	require.False(t, ck.Has(checkpoint.ComponentEMA))

	dst := newPipeline(t, 0, true)
	report, err := dst.reg.Restore(ck)
	require.NoError(t, err)

	assert.Equal(t, []string{"ema"}, report.Fallback)
	assert.NotContains(t, report.Restored, "ema")

	// The ema shadow now equals the restored model weights, without prefixes.
	assert.True(t, dst.ema.Module().Parameters().Equal(dst.model.Parameters()))
	w, _ := dst.ema.Module().Parameter("head.weight")
	assert.Equal(t, float32(5), w.Tensor().AsFloat32()[0])

	// The shadow is a copy: later model changes do not leak into it.
	sd := statedict.New()
	sd.Set("head.bias", nn.Full(tensor.Shape{2}, -1))
	_, err = dst.model.LoadParameters(sd, false)
	require.NoError(t, err)
	b, _ := dst.ema.Module().Parameter("head.bias")
	assert.Equal(t, []float32{5, 5}, b.Tensor().AsFloat32())
}

func TestRestoreSkipsMissing(t *testing.T) {
	ck := checkpoint.New()
	ck.Date = time.Now()
	model := nn.NewModule()
	model.Register("head.weight", nn.Full(tensor.Shape{2, 2}, 8))
	model.Register("head.bias", nn.Full(tensor.Shape{2}, 8))
	ck.Set(checkpoint.ComponentModel, model.StateDict())

	dst := newPipeline(t, 0, false)
	report, err := dst.reg.Restore(ck)
	require.NoError(t, err)

	assert.False(t, report.LastEpochRestored)
	assert.Equal(t, -1, dst.reg.LastEpoch())
	assert.Equal(t, []string{"model"}, report.Restored)
	assert.Equal(t, []string{"optimizer", "lr_scheduler", "lr_warmup_scheduler", "scaler"}, report.Skipped)
}

func TestRestoreComponentError(t *testing.T) {
	ck := checkpoint.New()
	bad := statedict.New()
	bad.Set("head.weight", nn.Zeros(tensor.Shape{3, 3}))
	ck.Set(checkpoint.ComponentModel, checkpoint.StateOf(bad))

	_, err := newPipeline(t, 0, false).reg.Restore(ck)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restoring model")
}

func TestEMAWithoutModelIsSkipped(t *testing.T) {
	live := nn.NewModule()
	live.Register("w", nn.Full(tensor.Shape{1}, 3))
	shadow := ema.New(live, 0.9, 10)
	reg := New()
	require.NoError(t, reg.Register(checkpoint.ComponentEMA, shadow))

	report, err := reg.Restore(checkpoint.New())
	require.NoError(t, err)
	assert.Equal(t, []string{checkpoint.ComponentEMA}, report.Skipped)
	assert.Empty(t, report.Fallback)

	w, _ := shadow.Module().Parameter("w")
	assert.Equal(t, []float32{3}, w.Tensor().AsFloat32())
}
