// Package source resolves a checkpoint reference to an in-memory blob.
//
// A reference starting with http:// or https:// is downloaded (through an
// optional on-disk cache, like a model hub cache); anything else is a local
// file path.
package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/metrics"
)

// ErrSourceUnavailable is returned when a reference cannot be fetched or read.
var ErrSourceUnavailable = errors.New("checkpoint source unavailable")

// Options configures a Resolver.
type Options struct {
	CacheDir     string       // Directory for downloaded checkpoints; empty disables caching
	Client       *http.Client // HTTP client; defaults to http.DefaultClient
	AuthToken    string       // Sent as a bearer token on remote fetches when set
	UserAgent    string
	ShowProgress bool      // Render a progress bar while downloading
	Progress     io.Writer // Progress bar output; defaults to os.Stderr
	Recorder     metrics.Recorder
}

// Resolver turns checkpoint references into blobs.
type Resolver struct {
	opts Options
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	return &Resolver{opts: opts}
}

// IsRemote reports whether ref is fetched over HTTP.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Resolve returns the bytes behind ref. Any failure wraps ErrSourceUnavailable;
// remote fetches are not retried.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if !IsRemote(ref) {
		//nolint:gosec // G304: checkpoint references are user-provided paths
		blob, err := os.ReadFile(ref)
		if err != nil {
			return nil, errors.Wrapf(ErrSourceUnavailable, "reading %q: %v", ref, err)
		}
		r.opts.Recorder.AddFetchedBytes("local", int64(len(blob)))
		klog.V(1).Infof("Read %s from %s", humanize.IBytes(uint64(len(blob))), ref)
		return blob, nil
	}

	cached := r.CachePath(ref)
	if cached != "" {
		if blob, err := os.ReadFile(cached); err == nil {
			r.opts.Recorder.AddFetchedBytes("cache", int64(len(blob)))
			klog.V(1).Infof("Using cached %s for %s", cached, ref)
			return blob, nil
		}
	}

	blob, err := r.download(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.opts.Recorder.AddFetchedBytes("remote", int64(len(blob)))
	if cached != "" {
		if err := writeCache(cached, blob); err != nil {
			klog.Warningf("Failed to cache %s: %v", ref, err)
		}
	}
	return blob, nil
}

// CachePath returns where ref is cached, or "" when caching is disabled.
// The name keeps the URL's base name behind a short hash of the full URL.
func (r *Resolver) CachePath(ref string) string {
	if r.opts.CacheDir == "" || !IsRemote(ref) {
		return ""
	}
	sum := sha256.Sum256([]byte(ref))
	base := path.Base(strings.SplitN(ref, "?", 2)[0])
	return filepath.Join(r.opts.CacheDir, hex.EncodeToString(sum[:8])+"-"+base)
}

func (r *Resolver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "building request for %q: %v", url, err)
	}
	if r.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.AuthToken)
	}
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	resp, err := r.opts.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "fetching %q: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrSourceUnavailable, "fetching %q: %s", url, resp.Status)
	}

	klog.Infof("Downloading %s (%s)", url, sizeString(resp.ContentLength))
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	var dst io.Writer = &buf
	var bar *progressbar.ProgressBar
	if r.opts.ShowProgress {
		bar = progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(path.Base(url)),
			progressbar.OptionSetWriter(r.opts.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(r.opts.Progress) }),
		)
		dst = io.MultiWriter(&buf, bar)
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "downloading %q: %v", url, err)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return buf.Bytes(), nil
}

func writeCache(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating cache directory for %q", path)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return errors.Wrapf(err, "writing %q", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming %q", tmp)
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown size"
	}
	return humanize.IBytes(uint64(n))
}
