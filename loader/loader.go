// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader loads training checkpoints into a pipeline.
//
// This package wraps the internal loader, source, registry and reconcile
// packages and exports the API an orchestration layer needs: resume a full
// pipeline, or fine-tune a model from a checkpoint trained on a different
// class taxonomy.
//
// Example usage:
//
//	import (
//	    "github.com/born-ml/reconcile/loader"
//	    "github.com/born-ml/reconcile/nn"
//	)
//
//	model := nn.NewDetectionModel(nn.DetectionConfig{NumClasses: 80, HiddenDim: 256, DecoderLayers: 6})
//
//	heads := loader.DefaultHeadSet()
//	heads.DecoderLayers = 6
//	l := loader.New(loader.NewResolver(loader.ResolverOptions{CacheDir: cacheDir}),
//	    loader.NewHeadAdjuster(heads, loader.DefaultTaxonomy()))
//
//	// Before building the EMA:
//	report, err := l.Tune(ctx, "https://example.com/obj365.born", model)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.Match.Summary())
package loader

import (
	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/loader"
	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/registry"
	"github.com/born-ml/reconcile/internal/source"
	"github.com/born-ml/reconcile/internal/taxonomy"
)

// Loader sequences source resolution, decoding and reconciliation.
type Loader = loader.Loader

// TuneReport describes what a tuning load changed.
type TuneReport = loader.TuneReport

// Resolver turns a checkpoint reference into bytes.
type Resolver = loader.Resolver

// KeyMapper maps checkpoint parameter names to model parameter names.
type KeyMapper = loader.KeyMapper

// PrefixMapper rewrites parameter name prefixes.
type PrefixMapper = loader.PrefixMapper

// Registry captures and restores named pipeline components.
//
// Note: This is a type alias because checkpoint states reference internal
// types that cannot be abstracted without a wrapper layer.
type Registry = registry.Registry

// RestoreReport lists what a resume did with each component.
type RestoreReport = registry.RestoreReport

// Checkpoint is a decoded checkpoint.
type Checkpoint = checkpoint.Checkpoint

// HeadSet names the classification head parameters of a detector.
type HeadSet = reconcile.HeadSet

// HeadAdjuster remaps classification heads onto the current taxonomy.
type HeadAdjuster = reconcile.HeadAdjuster

// Correspondence maps compact classes to superset classes.
type Correspondence = taxonomy.Correspondence

// ResolverOptions configures the default Resolver.
type ResolverOptions = source.Options

// Errors returned by loads.
var (
	ErrSourceUnavailable = source.ErrSourceUnavailable
	ErrNoModelState      = loader.ErrNoModelState
	ErrShapeIncompatible = reconcile.ErrShapeIncompatible
	ErrRemapFailure      = reconcile.ErrRemapFailure
)

// New creates a Loader. A nil adjuster disables head adjustment.
func New(resolver Resolver, adjuster *HeadAdjuster) *Loader {
	return loader.New(resolver, adjuster)
}

// NewResolver creates a Resolver for local paths and http(s) URLs.
func NewResolver(opts ResolverOptions) Resolver {
	return source.NewResolver(opts)
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return registry.New()
}

// NewPrefixMapper creates a KeyMapper that strips the given prefixes.
func NewPrefixMapper(strip ...string) *PrefixMapper {
	return loader.NewPrefixMapper(strip...)
}

// DefaultHeadSet returns the head layout of an 8-layer detection decoder.
func DefaultHeadSet() HeadSet {
	return reconcile.DefaultHeadSet()
}

// NewHeadAdjuster creates a HeadAdjuster for heads and table.
func NewHeadAdjuster(heads HeadSet, table *Correspondence) *HeadAdjuster {
	return reconcile.NewHeadAdjuster(heads, table)
}

// DefaultTaxonomy returns the built-in 80-to-365 class correspondence.
func DefaultTaxonomy() *Correspondence {
	return taxonomy.Default()
}

// LoadTaxonomy reads a correspondence table from a YAML file.
func LoadTaxonomy(path string) (*Correspondence, error) {
	return taxonomy.Load(path)
}
