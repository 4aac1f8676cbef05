package metrics

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	registry         *prom.Registry
	loadDuration     *prom.HistogramVec
	loadOutcome      *prom.CounterVec
	matchKeys        *prom.GaugeVec
	headAdjustments  *prom.CounterVec
	componentResults *prom.CounterVec
	fetchedBytes     *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.once.Do(func() {
		pr.loadDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "reconcile",
			Name:      "load_duration_seconds",
			Help:      "Duration of checkpoint loads by intent",
			Buckets:   prom.DefBuckets,
		}, []string{"intent"})
		pr.loadOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "reconcile",
			Name:      "load_outcomes_total",
			Help:      "Checkpoint loads by intent and outcome",
		}, []string{"intent", "outcome"})
		pr.matchKeys = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "reconcile",
			Name:      "match_keys",
			Help:      "Parameter keys per match partition for the last tuning load",
		}, []string{"partition"})
		pr.headAdjustments = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "reconcile",
			Name:      "head_adjustments_total",
			Help:      "Head parameter adjustments by result",
		}, []string{"result"})
		pr.componentResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "reconcile",
			Name:      "component_restores_total",
			Help:      "Component restores by component and result",
		}, []string{"component", "result"})
		pr.fetchedBytes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "reconcile",
			Name:      "fetched_bytes_total",
			Help:      "Checkpoint bytes read by origin",
		}, []string{"origin"})
		reg.MustRegister(pr.loadDuration, pr.loadOutcome, pr.matchKeys, pr.headAdjustments, pr.componentResults, pr.fetchedBytes)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveLoad(intent Intent, outcome Outcome, d time.Duration) {
	if p == nil || p.loadDuration == nil {
		return
	}
	p.loadDuration.WithLabelValues(string(intent)).Observe(d.Seconds())
	p.loadOutcome.WithLabelValues(string(intent), string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveMatch(matched, missed, unmatched int) {
	if p == nil || p.matchKeys == nil {
		return
	}
	p.matchKeys.WithLabelValues("matched").Set(float64(matched))
	p.matchKeys.WithLabelValues("missed").Set(float64(missed))
	p.matchKeys.WithLabelValues("unmatched").Set(float64(unmatched))
}

func (p *PrometheusRecorder) IncHeadAdjustment(result string) {
	if p == nil || p.headAdjustments == nil {
		return
	}
	p.headAdjustments.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncComponentRestore(component, result string) {
	if p == nil || p.componentResults == nil {
		return
	}
	p.componentResults.WithLabelValues(component, result).Inc()
}

func (p *PrometheusRecorder) AddFetchedBytes(origin string, n int64) {
	if p == nil || p.fetchedBytes == nil {
		return
	}
	p.fetchedBytes.WithLabelValues(origin).Add(float64(n))
}

// WriteTextfile writes every metric of the recorder's registry to path in the
// Prometheus text format, for pickup by a node exporter textfile collector.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if p == nil || p.registry == nil {
		return nil
	}
	return errors.Wrapf(prom.WriteToTextfile(path, p.registry), "writing metrics to %q", path)
}
