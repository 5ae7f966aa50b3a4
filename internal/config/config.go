// Package config loads the YAML configuration shared by the pipeline, the CLI
// and the serving API.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/encoder"
	"ctr-feature-engine/internal/publish"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	Dictionary struct {
		Path              string           `yaml:"path"`
		MinSupport        int64            `yaml:"min_support"`
		FeatureMinSupport map[string]int64 `yaml:"feature_min_support"`
	} `yaml:"dictionary"`

	// Buckets is the versioned parameter set shipped to serving.
	Buckets bucket.Params `yaml:"buckets"`

	Schema encoder.Schema `yaml:"schema"`

	Source struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"source"`

	Samples struct {
		Dir string `yaml:"dir"`
	} `yaml:"samples"`

	Publish struct {
		Dir string            `yaml:"dir"`
		S3  *publish.S3Config `yaml:"s3"`
	} `yaml:"publish"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Workers int `yaml:"workers"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	c := &Config{Buckets: bucket.DefaultParams()}
	c.fillDefaults()
	return c
}

// Load reads path, fills defaults and validates.
func Load(path string) (*Config, error) {
	c := &Config{Buckets: bucket.DefaultParams()}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) fillDefaults() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Dictionary.Path == "" {
		c.Dictionary.Path = filepath.Join(c.DataDir, "dictionary.db")
	}
	if c.Dictionary.MinSupport == 0 {
		c.Dictionary.MinSupport = dictionary.DefaultMinSupport
	}
	if c.Buckets.Rate.Tables == nil {
		c.Buckets.Rate.Tables = map[string][]float64{}
	}
	// Per-feature overrides are written in the schema and shipped with the
	// bucket params, so both paths see one fingerprinted object.
	c.Buckets = c.Schema.BucketParams(c.Buckets)
	if c.Source.SQLitePath == "" {
		c.Source.SQLitePath = filepath.Join(c.DataDir, "source.db")
	}
	if c.Samples.Dir == "" {
		c.Samples.Dir = filepath.Join(c.DataDir, "samples")
	}
	if c.Publish.Dir == "" && c.Publish.S3 == nil {
		c.Publish.Dir = filepath.Join(c.DataDir, "bundles")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}

	// Expand environment variables in secrets
	if s3 := c.Publish.S3; s3 != nil {
		s3.AccessKeyID = os.ExpandEnv(s3.AccessKeyID)
		s3.SecretAccessKey = os.ExpandEnv(s3.SecretAccessKey)
		s3.Endpoint = os.ExpandEnv(s3.Endpoint)
	}
}

// Validate rejects bucket parameters, schemas and admission settings that
// would otherwise fail per record.
func (c *Config) Validate() error {
	if err := c.Buckets.Validate(); err != nil {
		return fmt.Errorf("%w: buckets: %w", ErrInvalidConfig, err)
	}
	if err := c.Schema.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, f := range c.Schema.Features {
		if f.Kind == encoder.KindRate {
			if _, ok := c.Buckets.Rate.Tables[f.Table]; !ok {
				return fmt.Errorf("%w: feature %q uses unknown threshold table %q", ErrInvalidConfig, f.Name, f.Table)
			}
		}
	}
	if c.Dictionary.MinSupport < 1 {
		return fmt.Errorf("%w: dictionary.min_support must be >= 1", ErrInvalidConfig)
	}
	for f, v := range c.Dictionary.FeatureMinSupport {
		if v < 1 {
			return fmt.Errorf("%w: dictionary.feature_min_support[%s] must be >= 1", ErrInvalidConfig, f)
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1", ErrInvalidConfig)
	}
	if c.Publish.S3 != nil && c.Publish.S3.Bucket == "" {
		return fmt.Errorf("%w: publish.s3.bucket is required", ErrInvalidConfig)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	return nil
}

// DictionaryOptions maps the dictionary section onto dictionary.Options.
func (c *Config) DictionaryOptions() dictionary.Options {
	return dictionary.Options{
		MinSupport:        c.Dictionary.MinSupport,
		FeatureMinSupport: c.Dictionary.FeatureMinSupport,
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
