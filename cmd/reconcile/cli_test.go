package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/reconcile/internal/checkpoint"
	"github.com/born-ml/reconcile/internal/nn"
	"github.com/born-ml/reconcile/internal/pipeline"
	"github.com/born-ml/reconcile/internal/serialization"
)

// execute parses args and runs the selected command, returning its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("reconcile"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	var out bytes.Buffer
	err = run(ctx, &cli, &out)
	return out.String(), err
}

// testConfig writes a configuration for small models and returns its path.
func testConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "reconcile.yaml")
	content := "heads:\n  decoder_layers: 2\nmodel:\n  hidden_dim: 4\nmetrics:\n  textfile: " +
		filepath.Join(dir, "reconcile.prom") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func pretrainedCheckpoint(t *testing.T, dir string) string {
	t.Helper()
	return pretrainedWithLayers(t, dir, 2)
}

func pretrainedWithLayers(t *testing.T, dir string, layers int) string {
	t.Helper()
	cfg := pipeline.DefaultConfig()
	cfg.Model = nn.DetectionConfig{NumClasses: 366, HiddenDim: 4, DecoderLayers: layers, Seed: 3}
	p, err := pipeline.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	p.Registry.SetLastEpoch(71)
	path := filepath.Join(dir, fmt.Sprintf("obj365-l%d.born", layers))
	_, err = p.Save(path)
	require.NoError(t, err)
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}

func TestTaxonomyCommand(t *testing.T) {
	out, err := execute(t, "taxonomy")
	require.NoError(t, err)
	assert.Contains(t, out, "coco80-obj365: 80 compact classes, superset of 366 rows")
	assert.Contains(t, out, "person")
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	ref := pretrainedCheckpoint(t, dir)

	out, err := execute(t, "-c", testConfig(t, dir), "inspect", "--tensors", ref)
	require.NoError(t, err)
	assert.Contains(t, out, "last_epoch")
	assert.Contains(t, out, "71")
	assert.Contains(t, out, "ema.module")
	assert.Contains(t, out, "decoder.enc_score_head.weight")
	assert.Contains(t, out, "optimizer.lr")
}

func TestTuneResumeExportWorkflow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	pretrained := pretrainedCheckpoint(t, dir)
	tuned := filepath.Join(dir, "tuned.born")

	out, err := execute(t, "-c", cfgPath, "tune", pretrained, "--out", tuned)
	require.NoError(t, err)
	assert.Contains(t, out, "tuned from")
	assert.Contains(t, out, "ema.module")
	assert.Contains(t, out, "dropped denoising class embedding")
	assert.Contains(t, out, "missed: decoder.denoising_class_embed.weight")
	assert.Contains(t, out, "unmatched: -")

	out, err = execute(t, "-c", cfgPath, "resume", tuned)
	require.NoError(t, err)
	assert.Contains(t, out, "resumed from")
	assert.Contains(t, out, "fallback: -")

	prom, err := os.ReadFile(filepath.Join(dir, "reconcile.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `reconcile_load_outcomes_total{intent="resume",outcome="success"} 1`)

	exported := filepath.Join(dir, "tuned.safetensors")
	out, err = execute(t, "-c", cfgPath, "export", tuned, "--out", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "from ema.module")

	blob, err := os.ReadFile(exported)
	require.NoError(t, err)
	meta, entries, err := serialization.DecodeSafeTensors(blob)
	require.NoError(t, err)
	assert.Equal(t, "ema.module", meta["source"])
	assert.NotEmpty(t, entries)

	ck, err := checkpoint.Load(tuned)
	require.NoError(t, err)
	assert.True(t, ck.Has(checkpoint.ComponentEMA))
}

func TestMatchCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	pretrained := pretrainedCheckpoint(t, dir)

	cfg := pipeline.DefaultConfig()
	cfg.Model = nn.DetectionConfig{NumClasses: 80, HiddenDim: 4, DecoderLayers: 2}
	p, err := pipeline.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	current := filepath.Join(dir, "coco.born")
	_, err = p.Save(current)
	require.NoError(t, err)

	out, err := execute(t, "-c", cfgPath, "match", current, pretrained)
	require.NoError(t, err)
	assert.Contains(t, out, "unmatched: -")

	out, err = execute(t, "-c", cfgPath, "match", "--no-adjust", current, pretrained)
	require.NoError(t, err)
	assert.Contains(t, out, "decoder.enc_score_head.weight")
	assert.NotContains(t, out, "unmatched: -")
}

func TestMissingSource(t *testing.T) {
	_, err := execute(t, "inspect", filepath.Join(t.TempDir(), "missing.born"))
	assert.Error(t, err)
}

func TestTuneLayersReachHeadAdjuster(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	pretrained := pretrainedWithLayers(t, dir, 3)

	out, err := execute(t, "-c", cfgPath, "tune", "--layers", "3", pretrained)
	require.NoError(t, err)
	assert.Contains(t, out, "decoder.dec_score_head.2.weight")
	assert.Contains(t, out, "unmatched: -")
	assert.NotContains(t, out, "not adjusted")
}
