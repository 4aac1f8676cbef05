// Package reconcile transplants parameters from a pretrained state dict onto
// a structurally different model.
//
// Three pieces cooperate:
//
//   - Match partitions the keys of a target mapping into matched, missed and
//     unmatched against a candidate mapping, by key and shape only.
//   - Remapper relocates per-class rows of a head tensor between a compact
//     label space and a superset one using a taxonomy.Correspondence.
//   - HeadAdjuster applies the Remapper to every classification head
//     parameter of a detection decoder and drops the denoising class
//     embedding when its shape differs.
//
// Example:
//
//	adjuster := reconcile.NewHeadAdjuster(reconcile.DefaultHeadSet(), taxonomy.Default())
//	adj, err := adjuster.Adjust(model.Parameters(), pretrained)
//	if err != nil {
//	    // fall back to the unadjusted weights
//	}
//	report := reconcile.Match(model.Parameters(), adj.Params)
package reconcile
