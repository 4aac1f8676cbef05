package reconcile

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/taxonomy"
)

// HeadSet names the classification head parameters of a detection decoder.
type HeadSet struct {
	EncoderPrefix string // Encoder score head, e.g. "decoder.enc_score_head"
	DecoderPrefix string // Per-layer decoder score heads, suffixed with ".{i}"
	DecoderLayers int    // Number of decoder layers
	DenoisingKey  string // Denoising class embedding, dropped on shape mismatch
}

// DefaultHeadSet returns the head layout of an 8-layer detection decoder.
func DefaultHeadSet() HeadSet {
	return HeadSet{
		EncoderPrefix: "decoder.enc_score_head",
		DecoderPrefix: "decoder.dec_score_head",
		DecoderLayers: 8,
		DenoisingKey:  "decoder.denoising_class_embed.weight",
	}
}

// Names lists every head parameter in adjustment order: encoder head first,
// then the decoder heads layer by layer, weight before bias.
func (h HeadSet) Names() []string {
	names := make([]string, 0, 2*(h.DecoderLayers+1))
	names = append(names, h.EncoderPrefix+".weight", h.EncoderPrefix+".bias")
	for i := range h.DecoderLayers {
		names = append(names,
			fmt.Sprintf("%s.%d.weight", h.DecoderPrefix, i),
			fmt.Sprintf("%s.%d.bias", h.DecoderPrefix, i))
	}
	return names
}

// NotAdjusted records a head parameter that kept its pretrained value.
type NotAdjusted struct {
	Name   string
	Reason error
}

// Adjustment is the result of a successful head adjustment.
type Adjustment struct {
	Params           *statedict.StateDict // Pretrained mapping with head tensors remapped
	Adjusted         []string             // Head parameters that were remapped (or already matched)
	NotAdjusted      []NotAdjusted        // Head parameters left untouched because Remap refused them
	DroppedDenoising bool                 // Whether the denoising embedding was removed
}

// HeadAdjuster remaps the classification heads of a pretrained mapping onto
// the taxonomy of the current model.
type HeadAdjuster struct {
	Heads    HeadSet
	Remapper *Remapper
}

// NewHeadAdjuster creates a HeadAdjuster for the given head layout and table.
func NewHeadAdjuster(heads HeadSet, table *taxonomy.Correspondence) *HeadAdjuster {
	return &HeadAdjuster{Heads: heads, Remapper: NewRemapper(table)}
}

// Adjust returns a copy of pretrained whose head tensors are shaped for
// current.
//
// The denoising embedding is deleted from the copy when its shape differs
// between the two mappings, so a later Match reports it as missed. Head
// parameters absent from either side are ignored; those Remap refuses keep
// their pretrained tensor and are listed in NotAdjusted.
//
// An error wrapping ErrRemapFailure means the adjustment was abandoned; the
// caller should match against the unadjusted pretrained mapping instead.
// pretrained is never modified.
func (a *HeadAdjuster) Adjust(current, pretrained *statedict.StateDict) (*Adjustment, error) {
	adj := &Adjustment{Params: pretrained.Copy()}

	key := a.Heads.DenoisingKey
	cur, okCur := current.Get(key)
	pre, okPre := pretrained.Get(key)
	if !okCur || !okPre {
		return nil, errors.Wrapf(ErrRemapFailure, "denoising embedding %q missing (current: %t, pretrained: %t)", key, okCur, okPre)
	}
	if !cur.Shape().Equal(pre.Shape()) {
		adj.Params.Delete(key)
		adj.DroppedDenoising = true
		klog.Infof("Dropped %s: pretrained %s, current %s", key, pre.Shape(), cur.Shape())
	}

	for _, name := range a.Heads.Names() {
		cur, okCur := current.Get(name)
		pre, okPre := adj.Params.Get(name)
		if !okCur || !okPre {
			klog.V(1).Infof("Head parameter %s not present in both mappings, skipping", name)
			continue
		}
		remapped, err := a.Remapper.Remap(cur, pre)
		if errors.Is(err, ErrShapeIncompatible) {
			klog.Warningf("Head parameter %s not adjusted: %v", name, err)
			adj.NotAdjusted = append(adj.NotAdjusted, NotAdjusted{Name: name, Reason: err})
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(ErrRemapFailure, "%s: %v", name, err)
		}
		adj.Params.Set(name, remapped)
		adj.Adjusted = append(adj.Adjusted, name)
		klog.V(1).Infof("Adjusted %s via %s: %s -> %s", name, a.Remapper.Table().Name(), pre.Shape(), remapped.Shape())
	}
	return adj, nil
}
