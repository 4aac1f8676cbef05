// Package config loads the reconcile configuration: where checkpoints are
// cached, how they are fetched, which taxonomy table and head layout tuning
// uses, and where metrics go.
package config

import (
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/reconcile/internal/reconcile"
	"github.com/born-ml/reconcile/internal/source"
	"github.com/born-ml/reconcile/internal/taxonomy"
)

// Environment variables that override the file.
const (
	EnvCacheDir  = "RECONCILE_CACHE_DIR"
	EnvAuthToken = "RECONCILE_AUTH_TOKEN"
)

// envFiles are loaded, when present, before the configuration is read.
var envFiles = []string{".env", ".env.local"}

// Config is the top-level configuration.
type Config struct {
	CacheDir string         `yaml:"cache_dir"` // Downloaded checkpoints; empty disables caching
	HTTP     HTTPConfig     `yaml:"http"`
	Taxonomy TaxonomyConfig `yaml:"taxonomy"`
	Heads    HeadsConfig    `yaml:"heads"`
	Model    ModelConfig    `yaml:"model"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// HTTPConfig configures remote checkpoint fetches.
type HTTPConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	AuthToken string        `yaml:"auth_token"` // Bearer token; prefer RECONCILE_AUTH_TOKEN
}

// TaxonomyConfig selects the correspondence table.
type TaxonomyConfig struct {
	File string `yaml:"file"` // YAML table; empty uses the built-in table
}

// HeadsConfig names the classification head parameters.
type HeadsConfig struct {
	EncoderPrefix string `yaml:"encoder_prefix"`
	DecoderPrefix string `yaml:"decoder_prefix"`
	DecoderLayers int    `yaml:"decoder_layers"`
	DenoisingKey  string `yaml:"denoising_key"`
}

// ModelConfig sizes the reference detection model built by the CLI.
type ModelConfig struct {
	HiddenDim int   `yaml:"hidden_dim"`
	Seed      int64 `yaml:"seed"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node-exporter textfile written after each command
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	heads := reconcile.DefaultHeadSet()
	return &Config{
		HTTP: HTTPConfig{
			Timeout:   10 * time.Minute,
			UserAgent: "reconcile",
		},
		Heads: HeadsConfig{
			EncoderPrefix: heads.EncoderPrefix,
			DecoderPrefix: heads.DecoderPrefix,
			DecoderLayers: heads.DecoderLayers,
			DenoisingKey:  heads.DenoisingKey,
		},
		Model: ModelConfig{HiddenDim: 256},
	}
}

// Load reads the YAML file at path over Defaults. An empty path yields the
// defaults. Environment variables are expanded in the file, and
// RECONCILE_CACHE_DIR and RECONCILE_AUTH_TOKEN override it.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := Defaults()
	if path != "" {
		//nolint:gosec // G304: config path is user-provided
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "configuration validation failed")
	}
	return cfg, nil
}

// loadEnvFiles loads .env files without overriding the process environment.
func loadEnvFiles() {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			klog.Warningf("Failed to load %s: %v", f, err)
			continue
		}
		klog.V(1).Infof("Loaded environment variables from %s", f)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.HTTP.AuthToken = v
	}
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.HTTP.Timeout < 0 {
		return errors.Errorf("http.timeout must not be negative, got %s", c.HTTP.Timeout)
	}
	if c.Heads.EncoderPrefix == "" || c.Heads.DecoderPrefix == "" {
		return errors.New("heads.encoder_prefix and heads.decoder_prefix are required")
	}
	if c.Heads.DecoderLayers < 0 {
		return errors.Errorf("heads.decoder_layers must not be negative, got %d", c.Heads.DecoderLayers)
	}
	if c.Heads.DenoisingKey == "" {
		return errors.New("heads.denoising_key is required")
	}
	if c.Model.HiddenDim <= 0 {
		return errors.Errorf("model.hidden_dim must be positive, got %d", c.Model.HiddenDim)
	}
	return nil
}

// HeadSet returns the configured head layout.
func (c *Config) HeadSet() reconcile.HeadSet {
	return reconcile.HeadSet{
		EncoderPrefix: c.Heads.EncoderPrefix,
		DecoderPrefix: c.Heads.DecoderPrefix,
		DecoderLayers: c.Heads.DecoderLayers,
		DenoisingKey:  c.Heads.DenoisingKey,
	}
}

// Correspondence loads the configured taxonomy table.
func (c *Config) Correspondence() (*taxonomy.Correspondence, error) {
	if c.Taxonomy.File == "" {
		return taxonomy.Default(), nil
	}
	return taxonomy.Load(c.Taxonomy.File)
}

// ResolverOptions returns source options for the configured cache and HTTP
// settings.
func (c *Config) ResolverOptions() source.Options {
	return source.Options{
		CacheDir:  c.CacheDir,
		Client:    &http.Client{Timeout: c.HTTP.Timeout},
		AuthToken: c.HTTP.AuthToken,
		UserAgent: c.HTTP.UserAgent,
	}
}
