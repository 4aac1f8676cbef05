package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/loader"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/pipeline"
	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/serialization"
	"github.com/born-ml/reconcile/internal/statedict"
	"github.com/born-ml/reconcile/internal/tensor"
)

// InspectCmd implements the 'inspect' command.
type InspectCmd struct {
	Ref     string `arg:"" help:"Checkpoint path or URL"`
	Tensors bool   `short:"t" help:"List every tensor"`
}

// Run prints a summary of the checkpoint.
func (c *InspectCmd) Run(g *Global) error {
	l, err := g.Loader()
	if err != nil {
		return err
	}
	ck, err := l.Fetch(context.Background(), c.Ref)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	if ck.ID != "" {
		fmt.Fprintf(w, "id\t%s\n", ck.ID)
	}
	if !ck.Date.IsZero() {
		fmt.Fprintf(w, "date\t%s (%s)\n", ck.Date.Format("2006-01-02T15:04:05Z07:00"), humanize.Time(ck.Date))
	}
	if ck.HasLastEpoch {
		fmt.Fprintf(w, "last_epoch\t%d\n", ck.LastEpoch)
	}
	fmt.Fprintf(w, "size\t%s\n", humanize.IBytes(uint64(ck.ByteSize()))) //nolint:gosec // sizes are non-negative
	for _, name := range ck.Names() {
		state, _ := ck.Get(name)
		writeState(w, name, state, c.Tensors)
	}
	return w.Flush()
}

func writeState(w io.Writer, path string, s *checkpoint.State, tensors bool) {
	fmt.Fprintf(w, "%s\t%d tensors, %s\n", path, s.Tensors.Len(), humanize.IBytes(uint64(s.Tensors.ByteSize()))) //nolint:gosec // sizes are non-negative
	for _, name := range slices.Sorted(maps.Keys(s.Scalars)) {
		fmt.Fprintf(w, "  %s.%s\t%g\n", path, name, s.Scalars[name])
	}
	if tensors {
		s.Tensors.Range(func(name string, t *tensor.RawTensor) bool {
			fmt.Fprintf(w, "  %s\t%s\n", name, t)
			return true
		})
	}
	for _, name := range slices.Sorted(maps.Keys(s.Children)) {
		writeState(w, path+"."+name, s.Children[name], tensors)
	}
}

// MatchCmd implements the 'match' command.
type MatchCmd struct {
	Current string `arg:"" help:"Checkpoint whose model weights are the target"`
	Source  string `arg:"" help:"Checkpoint whose model weights are matched against the target"`
	Adjust  bool   `help:"Remap classification heads before matching" default:"true" negatable:""`
}

// Run prints the match report.
func (c *MatchCmd) Run(g *Global) error {
	l, err := g.Loader()
	if err != nil {
		return err
	}
	ctx := context.Background()
	current, err := modelWeights(ctx, l, c.Current)
	if err != nil {
		return err
	}
	candidate, err := modelWeights(ctx, l, c.Source)
	if err != nil {
		return err
	}

	if c.Adjust {
		adj, err := l.Adjuster.Adjust(current, candidate)
		if err != nil {
			fmt.Fprintf(g.Out, "head adjustment failed, matching unadjusted weights: %v\n", err)
		} else {
			candidate = adj.Params
			printAdjustment(g.Out, adj)
		}
	}
	report := reconcile.Match(current, candidate)
	printMatch(g.Out, report)
	return nil
}

func modelWeights(ctx context.Context, l *loader.Loader, ref string) (*statedict.StateDict, error) {
	ck, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	sd, _, ok := ck.ModelWeights()
	if !ok {
		return nil, errors.Errorf("%s has no model weights", ref)
	}
	return sd, nil
}

// TuneCmd implements the 'tune' command.
type TuneCmd struct {
	Ref     string `arg:"" help:"Checkpoint to fine-tune from"`
	Out     string `short:"o" help:"Write the tuned pipeline checkpoint here" type:"path"`
	Classes int    `help:"Classes of the model being tuned" default:"80"`
	Layers  int    `help:"Decoder layers of the model being tuned" default:"0"`
}

// Run builds a pipeline tuned from Ref.
func (c *TuneCmd) Run(g *Global) error {
	useLayers(g, c.Layers)
	l, err := g.Loader()
	if err != nil {
		return err
	}
	cfg := pipelineConfig(g, c.Classes)
	cfg.Tuning = c.Ref
	p, err := pipeline.Build(context.Background(), cfg, l)
	if err != nil {
		return err
	}

	r := p.TuneReport
	fmt.Fprintf(g.Out, "tuned from %s (%s)\n", c.Ref, r.Source)
	if r.AdjustErr != nil {
		fmt.Fprintf(g.Out, "head adjustment failed, matched unadjusted weights: %v\n", r.AdjustErr)
	} else if r.Adjustment != nil {
		printAdjustment(g.Out, r.Adjustment)
	}
	printMatch(g.Out, r.Match)
	return save(g, p, c.Out)
}

// ResumeCmd implements the 'resume' command.
type ResumeCmd struct {
	Ref     string `arg:"" help:"Checkpoint to resume from"`
	Out     string `short:"o" help:"Write the restored pipeline checkpoint here" type:"path"`
	Classes int    `help:"Classes of the pipeline model" default:"80"`
	Layers  int    `help:"Decoder layers of the pipeline model" default:"0"`
}

// Run builds a pipeline restored from Ref.
func (c *ResumeCmd) Run(g *Global) error {
	useLayers(g, c.Layers)
	l, err := g.Loader()
	if err != nil {
		return err
	}
	cfg := pipelineConfig(g, c.Classes)
	cfg.Resume = c.Ref
	p, err := pipeline.Build(context.Background(), cfg, l)
	if err != nil {
		return err
	}

	r := p.RestoreReport
	fmt.Fprintf(g.Out, "resumed from %s at last_epoch %d\n", c.Ref, p.Registry.LastEpoch())
	fmt.Fprintf(g.Out, "restored: %s\n", list(r.Restored))
	fmt.Fprintf(g.Out, "fallback: %s\n", list(r.Fallback))
	fmt.Fprintf(g.Out, "skipped: %s\n", list(r.Skipped))
	return save(g, p, c.Out)
}

// useLayers overrides the configured decoder depth, so the model and the
// head adjuster agree on which score heads exist.
func useLayers(g *Global, layers int) {
	if layers > 0 {
		g.Config.Heads.DecoderLayers = layers
	}
}

func pipelineConfig(g *Global, classes int) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Model = nn.DetectionConfig{
		NumClasses:    classes,
		HiddenDim:     g.Config.Model.HiddenDim,
		DecoderLayers: g.Config.Heads.DecoderLayers,
		Seed:          g.Config.Model.Seed,
	}
	return cfg
}

func save(g *Global, p *pipeline.Pipeline, path string) error {
	if path == "" {
		return nil
	}
	ck, err := p.Save(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.Out, "saved %s (%s) to %s\n", ck.ID, humanize.IBytes(uint64(ck.ByteSize())), path) //nolint:gosec // sizes are non-negative
	return nil
}

// TaxonomyCmd implements the 'taxonomy' command.
type TaxonomyCmd struct{}

// Run prints every compact class with its superset row.
func (TaxonomyCmd) Run(g *Global) error {
	table, err := g.Config.Correspondence()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(g.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "# %s: %d compact classes, superset of %d rows\n", table.Name(), table.Len(), table.SupersetSize())
	fmt.Fprintln(w, "compact\tname\tsuperset row")
	for i := range table.Len() {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i, table.ClassName(i), table.Entry(i)+1)
	}
	return w.Flush()
}

// ExportCmd implements the 'export' command.
type ExportCmd struct {
	Ref string `arg:"" help:"Checkpoint path or URL"`
	Out string `short:"o" required:"" help:"Output .safetensors file" type:"path"`
}

// Run writes the checkpoint's model weights (ema first) as safetensors.
func (c *ExportCmd) Run(g *Global) error {
	l, err := g.Loader()
	if err != nil {
		return err
	}
	ck, err := l.Fetch(context.Background(), c.Ref)
	if err != nil {
		return err
	}
	sd, from, ok := ck.ModelWeights()
	if !ok {
		return errors.Errorf("%s has no model weights", c.Ref)
	}

	entries := make([]serialization.Entry, 0, sd.Len())
	sd.Range(func(name string, t *tensor.RawTensor) bool {
		entries = append(entries, serialization.Entry{Name: name, Tensor: t})
		return true
	})
	f, err := os.Create(c.Out)
	if err != nil {
		return errors.Wrap(err, "creating output")
	}
	if err := serialization.EncodeSafeTensors(f, entries, map[string]string{"source": from}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing output")
	}
	fmt.Fprintf(g.Out, "exported %d tensors (%s) from %s to %s\n",
		len(entries), humanize.IBytes(uint64(sd.ByteSize())), from, c.Out) //nolint:gosec // sizes are non-negative
	return nil
}

func printAdjustment(w io.Writer, adj *reconcile.Adjustment) {
	if adj.DroppedDenoising {
		fmt.Fprintln(w, "dropped denoising class embedding")
	}
	fmt.Fprintf(w, "adjusted: %s\n", list(adj.Adjusted))
	for _, na := range adj.NotAdjusted {
		fmt.Fprintf(w, "not adjusted: %s: %v\n", na.Name, na.Reason)
	}
}

func printMatch(w io.Writer, r *reconcile.MatchReport) {
	fmt.Fprintln(w, r.Summary())
	fmt.Fprintf(w, "missed: %s\n", list(r.Missed))
	fmt.Fprintf(w, "unmatched: %s\n", list(r.Unmatched))
}

func list(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
