// Package main provides the reconcile CLI: inspect, compare, fine-tune from
// and resume from training checkpoints.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/config"
	"github.com/born-ml/reconcile/internal/loader"
	"github.com/born-ml/reconcile/internal/metrics"
	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/source"
)

const version = "v0.1.0-dev"

// Global holds state shared by every command.
type Global struct {
	Config   *config.Config
	Recorder *metrics.PrometheusRecorder
	Out      io.Writer
	progress bool
}

// Loader builds a checkpoint loader from the configuration.
func (g *Global) Loader() (*loader.Loader, error) {
	table, err := g.Config.Correspondence()
	if err != nil {
		return nil, err
	}
	opts := g.Config.ResolverOptions()
	opts.ShowProgress = g.progress
	opts.Recorder = g.Recorder
	l := loader.New(source.NewResolver(opts), reconcile.NewHeadAdjuster(g.Config.HeadSet(), table))
	l.Metrics = g.Recorder
	return l, nil
}

// CLI is the command-line definition.
type CLI struct {
	Config     string `short:"c" help:"Configuration file path" type:"path"`
	Verbosity  int    `short:"v" help:"Log verbosity (klog -v level)" default:"0"`
	NoProgress bool   `name:"no-progress" help:"Disable the download progress bar"`

	Version  VersionCmd  `cmd:"" help:"Show version"`
	Inspect  InspectCmd  `cmd:"" help:"Show the components and tensors of a checkpoint"`
	Match    MatchCmd    `cmd:"" help:"Match the model weights of two checkpoints"`
	Tune     TuneCmd     `cmd:"" help:"Build a model and fine-tune it from a checkpoint"`
	Resume   ResumeCmd   `cmd:"" help:"Build a pipeline and restore it from a checkpoint"`
	Taxonomy TaxonomyCmd `cmd:"" help:"Print the taxonomy correspondence table"`
	Export   ExportCmd   `cmd:"" help:"Export the model weights of a checkpoint as safetensors"`
}

// AfterApply configures klog once flags are parsed.
func (c *CLI) AfterApply() error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	return fs.Set("v", strconv.Itoa(c.Verbosity))
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("reconcile"),
		kong.Description("Checkpoint reconciliation for detection training pipelines."),
		kong.UsageOnError(),
	)
	defer klog.Flush()

	err := run(ctx, &cli, os.Stdout)
	ctx.FatalIfErrorf(err)
}

func run(ctx *kong.Context, cli *CLI, out io.Writer) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	g := &Global{
		Config:   cfg,
		Recorder: metrics.NewPrometheusRecorder(prom.NewRegistry()),
		Out:      out,
		progress: !cli.NoProgress && term.IsTerminal(int(os.Stderr.Fd())), //nolint:gosec // fd fits in int
	}

	runErr := ctx.Run(g)
	if cfg.Metrics.Textfile != "" {
		if err := g.Recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			klog.Warningf("Failed to write metrics: %v", err)
		}
	}
	return runErr
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run prints the version.
func (VersionCmd) Run(g *Global) error {
	_, err := fmt.Fprintf(g.Out, "reconcile %s\n", version)
	return err
}
