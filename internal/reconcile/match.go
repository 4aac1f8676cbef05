package reconcile

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// MatchReport partitions the keys of a target mapping against a candidate.
//
// Every target key lands in exactly one of Matched, Missed or Unmatched.
// Candidate keys absent from the target are ignored.
type MatchReport struct {
	Matched   *statedict.StateDict // Target keys whose candidate tensor has the same shape, in target order
	Missed    []string             // Target keys absent from the candidate
	Unmatched []string             // Target keys present in the candidate with a different shape
}

// Match compares target against candidate by key and shape.
// Neither mapping is modified; matched tensors are shared with candidate.
func Match(target, candidate *statedict.StateDict) *MatchReport {
	report := &MatchReport{Matched: statedict.New()}
	target.Range(func(key string, want *tensor.RawTensor) bool {
		got, ok := candidate.Get(key)
		switch {
		case !ok:
			report.Missed = append(report.Missed, key)
		case !got.Shape().Equal(want.Shape()):
			klog.V(2).Infof("unmatched %s: want %s, got %s", key, want.Shape(), got.Shape())
			report.Unmatched = append(report.Unmatched, key)
		default:
			report.Matched.Set(key, got)
		}
		return true
	})
	return report
}

// Total returns the number of target keys covered by the report.
func (r *MatchReport) Total() int {
	return r.Matched.Len() + len(r.Missed) + len(r.Unmatched)
}

// Summary formats the partition sizes for logging.
func (r *MatchReport) Summary() string {
	return fmt.Sprintf("%d keys: matched %d, missed %d, unmatched %d",
		r.Total(), r.Matched.Len(), len(r.Missed), len(r.Unmatched))
}
