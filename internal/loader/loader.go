package loader

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/dist"
	"github.com/born-ml/reconcile/internal/metrics"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/registry"
)

// ErrNoModelState is returned by Tune when a checkpoint holds neither ema nor
// model weights.
var ErrNoModelState = errors.New("checkpoint has no model weights")

// Resolver turns a checkpoint reference into its serialized bytes.
type Resolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// Loader sequences source resolution, decoding and reconciliation for both
// load intents.
type Loader struct {
	Resolver Resolver
	Adjuster *reconcile.HeadAdjuster // nil disables head adjustment
	Mapper   KeyMapper               // Applied to pretrained weights before adjustment
	Metrics  metrics.Recorder
}

// New creates a Loader with an identity key mapping and no metrics.
func New(resolver Resolver, adjuster *reconcile.HeadAdjuster) *Loader {
	return &Loader{
		Resolver: resolver,
		Adjuster: adjuster,
		Mapper:   IdentityMapper{},
		Metrics:  metrics.NoopRecorder{},
	}
}

// Fetch resolves ref and decodes the checkpoint behind it.
func (l *Loader) Fetch(ctx context.Context, ref string) (*checkpoint.Checkpoint, error) {
	blob, err := l.Resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ck, err := checkpoint.Decode(blob)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding %s", ref)
	}
	klog.V(1).Infof("Decoded %s: components %v", ref, ck.Names())
	return ck, nil
}

// Resume restores every registered component of reg from the checkpoint at
// ref. Source and target pipelines are expected to be structurally identical:
// a component whose state does not fit fails the resume.
func (l *Loader) Resume(ctx context.Context, ref string, reg *registry.Registry) (report *registry.RestoreReport, err error) {
	start := time.Now()
	defer func() { l.observe(metrics.IntentResume, start, err) }()

	ck, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	klog.Infof("Resume checkpoint from %s", ref)
	report, err = reg.Restore(ck)
	if err != nil {
		return report, errors.WithMessagef(err, "resuming from %s", ref)
	}
	for _, name := range report.Restored {
		l.metrics().IncComponentRestore(name, "restored")
	}
	for _, name := range report.Fallback {
		l.metrics().IncComponentRestore(name, "fallback")
	}
	for _, name := range report.Skipped {
		l.metrics().IncComponentRestore(name, "skipped")
	}
	return report, nil
}

// TuneReport describes what a tuning load changed.
type TuneReport struct {
	Source     string                 // Sub-blob the weights came from: "ema.module" or "model"
	Adjustment *reconcile.Adjustment  // nil when adjustment was disabled or failed
	AdjustErr  error                  // Why adjustment failed; weights were matched unadjusted
	Match      *reconcile.MatchReport // Result of matching against the current parameters
	Load       nn.LoadResult
}

// Tune loads the model weights of the checkpoint at ref into model, non-strictly.
//
// EMA weights are preferred over plain model weights when the checkpoint has
// both. Classification heads are remapped onto the current taxonomy; if the
// adjustment fails the unadjusted weights are matched instead, so only
// structurally identical parameters are loaded. Parameters reported as missed
// or unmatched keep their current values.
//
// Tune must run before the EMA component is constructed, because the EMA
// snapshots the live model when it is created.
func (l *Loader) Tune(ctx context.Context, ref string, model nn.Model) (report *TuneReport, err error) {
	start := time.Now()
	defer func() { l.observe(metrics.IntentTune, start, err) }()

	if inner, ok := dist.Unwrap(model).(nn.Model); ok {
		model = inner
	}

	ck, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	pretrained, from, ok := ck.ModelWeights()
	if !ok {
		return nil, errors.Wrapf(ErrNoModelState, "%s has %v", ref, ck.Names())
	}
	klog.Infof("Tune checkpoint from %s (%s)", ref, from)
	if pretrained, err = MapKeys(pretrained, l.Mapper); err != nil {
		return nil, err
	}

	report = &TuneReport{Source: from}
	current := model.Parameters()
	candidate := pretrained
	if l.Adjuster != nil {
		adj, adjErr := l.Adjuster.Adjust(current, pretrained)
		if adjErr != nil {
			report.AdjustErr = adjErr
			l.metrics().IncHeadAdjustment("failed")
			klog.Warningf("Head adjustment failed, matching unadjusted weights: %v", adjErr)
		} else {
			report.Adjustment = adj
			candidate = adj.Params
			l.recordAdjustment(adj)
		}
	}

	report.Match = reconcile.Match(current, candidate)
	l.metrics().ObserveMatch(report.Match.Matched.Len(), len(report.Match.Missed), len(report.Match.Unmatched))
	klog.Infof("Load model.state_dict, %s", report.Match.Summary())
	if len(report.Match.Missed) > 0 {
		klog.Infof("Missed: %v", report.Match.Missed)
	}
	if len(report.Match.Unmatched) > 0 {
		klog.Infof("Unmatched: %v", report.Match.Unmatched)
	}

	report.Load, err = model.LoadParameters(report.Match.Matched, false)
	if err != nil {
		return report, errors.WithMessagef(err, "loading tuned weights from %s", ref)
	}
	return report, nil
}

func (l *Loader) recordAdjustment(adj *reconcile.Adjustment) {
	if adj.DroppedDenoising {
		l.metrics().IncHeadAdjustment("dropped")
	}
	for range adj.Adjusted {
		l.metrics().IncHeadAdjustment("adjusted")
	}
	for _, na := range adj.NotAdjusted {
		l.metrics().IncHeadAdjustment("not_adjusted")
		klog.Infof("Not adjusted %s: %v", na.Name, na.Reason)
	}
	if len(adj.Adjusted) > 0 {
		klog.Infof("Adjusted %d head parameters: %v", len(adj.Adjusted), adj.Adjusted)
	}
}

func (l *Loader) observe(intent metrics.Intent, start time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailed
	}
	l.metrics().ObserveLoad(intent, outcome, time.Since(start))
}

func (l *Loader) metrics() metrics.Recorder {
	if l.Metrics == nil {
		return metrics.NoopRecorder{}
	}
	return l.Metrics
}
