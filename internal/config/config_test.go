package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/encoder"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sample = `
data_dir: /var/lib/ctrfeat
dictionary:
  min_support: 50
  feature_min_support:
    item_brand: 10
buckets:
  version: v7
  rate:
    tables:
      ctr: [0, 0.02, 0.04]
schema:
  labels: [click]
  features:
    - {name: user_country, entity: user, kind: categorical, column: country}
    - {name: item_ctr, entity: item, kind: rate, numerator: clicks, denominator: exposures, table: ctr, lagged: true}
  sequences:
    - {name: hist, window_size: 20, most_recent_first: true}
publish:
  s3:
    bucket: bundles
    access_key_id: ${CTRFEAT_TEST_KEY}
    secret_access_key: secret
workers: 4
`

func TestLoad(t *testing.T) {
	t.Setenv("CTRFEAT_TEST_KEY", "AKIA-test")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Dictionary.MinSupport)
	assert.Equal(t, "/var/lib/ctrfeat/dictionary.db", cfg.Dictionary.Path)
	assert.Equal(t, "/var/lib/ctrfeat/samples", cfg.Samples.Dir)
	assert.Equal(t, "", cfg.Publish.Dir, "s3 replaces the local bundle dir")
	assert.Equal(t, "AKIA-test", cfg.Publish.S3.AccessKeyID)

	// Unset bucket fields keep their defaults.
	assert.Equal(t, "v7", cfg.Buckets.Version)
	assert.Equal(t, 2.0, cfg.Buckets.Log.Base)
	assert.Equal(t, 1.0, cfg.Buckets.Rate.Alpha)
	assert.Equal(t, []float64{0, 0.02, 0.04}, cfg.Buckets.Rate.Tables["ctr"])

	require.Len(t, cfg.Schema.Features, 2)
	assert.Equal(t, encoder.KindRate, cfg.Schema.Features[1].Kind)
	assert.True(t, cfg.Schema.Features[1].Lagged)
	assert.Equal(t, 20, cfg.Schema.Sequences[0].WindowSize)

	opts := cfg.DictionaryOptions()
	assert.Equal(t, int64(10), opts.FeatureMinSupport["item_brand"])
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(100), cfg.Dictionary.MinSupport)
	assert.Equal(t, filepath.Join("data", "bundles"), cfg.Publish.Dir)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.GreaterOrEqual(t, cfg.Workers, 1)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	_ = logger.Sync()
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"descending thresholds": "buckets:\n  rate:\n    tables:\n      ctr: [0.1, 0.05]\n",
		"bad log base":          "buckets:\n  log:\n    base: 1\n",
		"unknown table":         "schema:\n  features:\n    - {name: f, entity: item, kind: rate, numerator: a, denominator: b, table: nope, lagged: true}\n",
		"negative min support":  "dictionary:\n  min_support: -3\n",
		"bad level":             "log:\n  level: loud\n",
		"s3 without bucket":     "publish:\n  s3:\n    region: eu-west-1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "dictonary:\n  min_support: 5\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadExampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, int64(20), c.Dictionary.FeatureMinSupport["item_brand"])
	assert.Equal(t, 4, c.Workers)
	assert.Nil(t, c.Publish.S3)
	assert.ElementsMatch(t, []string{"user_city", "item_brand"}, c.Schema.CategoricalNames())
	assert.Equal(t, bucket.Binding{Transform: bucket.TransformTruncate, Cap: 80}, c.Buckets.Features["user_age"])
	assert.Equal(t, c.Schema.Bindings(), c.Buckets.Features)
}

func TestSchemaOverridesChangeFingerprint(t *testing.T) {
	load := func(cap int) string {
		c, err := Load(writeConfig(t, fmt.Sprintf(`
schema:
  features:
    - {name: user_age, entity: user, kind: truncate, column: age, cap: %d}
`, cap)))
		require.NoError(t, err)
		return c.Buckets.Fingerprint()
	}
	assert.Equal(t, load(80), load(80))
	assert.NotEqual(t, load(80), load(60))
}

func TestRateFeatureMustBeLagged(t *testing.T) {
	_, err := Load(writeConfig(t, `
buckets:
  rate:
    tables:
      ctr: [0.01, 0.05]
schema:
  features:
    - {name: item_ctr, entity: item, kind: rate, numerator: c, denominator: e, table: ctr}
`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, encoder.ErrInvalidSchema)
}
