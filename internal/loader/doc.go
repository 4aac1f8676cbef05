// Package loader loads checkpoints into a training pipeline.
//
// Two load intents are supported:
//   - Resume: restore every registered component from a checkpoint produced
//     by a structurally identical pipeline.
//   - Tune: restore only the model weights, tolerating a different class
//     taxonomy or architecture drift. Classification heads are remapped
//     through the taxonomy correspondence table and only parameters whose
//     shapes agree are loaded.
//
// A checkpoint reference is a local path or an http(s) URL; both resolve to
// an in-memory blob before any reconciliation runs.
//
// Example:
//
//	l := loader.New(source.NewResolver(source.Options{CacheDir: dir}),
//	    reconcile.NewHeadAdjuster(reconcile.DefaultHeadSet(), taxonomy.Default()))
//
//	// Before the EMA is constructed:
//	report, err := l.Tune(ctx, "https://example.com/obj365.born", model)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.Match.Summary())
package loader
