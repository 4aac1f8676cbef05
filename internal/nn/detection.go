package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/reconcile/internal/tensor"
)

// DetectionConfig describes the parameter layout of a query-based detector
// with a multi-layer decoder.
type DetectionConfig struct {
	NumClasses    int   // Rows of every classification head
	HiddenDim     int   // Width of head inputs
	DecoderLayers int   // Number of decoder score heads
	Seed          int64 // Initialization seed
}

// NewDetectionModel builds a Module holding the parameters of a detector:
// a small backbone, encoder and per-layer decoder score and box heads, and the
// denoising class embedding (NumClasses+1 rows).
//
// Score head biases start at the focal-loss prior of 0.01.
func NewDetectionModel(cfg DetectionConfig) *Module {
	//nolint:gosec // Using math/rand for weight initialization (not security-critical)
	rng := rand.New(rand.NewSource(cfg.Seed))
	c, h := cfg.NumClasses, cfg.HiddenDim
	bias := PriorBias(0.01)

	m := NewModule()
	m.Register("backbone.stem.weight", Xavier(3, h, tensor.Shape{h, 3}, rng))
	m.Register("backbone.stem.bias", Zeros(tensor.Shape{h}))
	m.Register("encoder.input_proj.weight", Xavier(h, h, tensor.Shape{h, h}, rng))
	m.Register("decoder.denoising_class_embed.weight", Xavier(c+1, h, tensor.Shape{c + 1, h}, rng))
	m.Register("decoder.enc_score_head.weight", Xavier(h, c, tensor.Shape{c, h}, rng))
	m.Register("decoder.enc_score_head.bias", Full(tensor.Shape{c}, bias))
	m.Register("decoder.enc_bbox_head.weight", Xavier(h, 4, tensor.Shape{4, h}, rng))
	for i := range cfg.DecoderLayers {
		m.Register(fmt.Sprintf("decoder.dec_score_head.%d.weight", i), Xavier(h, c, tensor.Shape{c, h}, rng))
		m.Register(fmt.Sprintf("decoder.dec_score_head.%d.bias", i), Full(tensor.Shape{c}, bias))
		m.Register(fmt.Sprintf("decoder.dec_bbox_head.%d.weight", i), Xavier(h, 4, tensor.Shape{4, h}, rng))
	}
	return m
}
