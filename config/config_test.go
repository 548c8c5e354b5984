package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.999, cfg.Train.KeyMomentum)
	assert.Equal(t, []int{1, 5, 15}, cfg.KNN.Ks)
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "job.yaml", `
run_id: mri-1
model:
  backbone: pooled_mlp
  hidden_dims: [16]
train:
  epochs: 5
  alphas: [1.0, 0.5]
  alphas_min: [0.5, 0.0]
  alphas_decay_end: [3, 3]
  random_state: 42
knn:
  k: [1, 3]
checkpoint:
  backend: badger
  dir: /tmp/ckpt
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "mri-1", cfg.RunID)
	assert.Equal(t, "pooled_mlp", cfg.Model.Backbone)
	assert.Equal(t, []int{16}, cfg.Model.HiddenDims)
	assert.Equal(t, 5, cfg.Train.Epochs)
	assert.Equal(t, int64(42), cfg.Train.Seed)
	assert.Equal(t, 0.03, cfg.Optimizer.LearningRate, "unset fields keep defaults")

	tc := cfg.TrainerConfig()
	assert.Equal(t, "mri-1", tc.RunID)
	assert.Equal(t, []int{1, 3}, tc.KNNKs)
	assert.Equal(t, []float64{1.0, 0.5}, tc.Alphas)
	require.NoError(t, tc.Validate())
	assert.Len(t, cfg.BackboneOptions(), 2)
}

func TestLoadJSONFallback(t *testing.T) {
	p := writeFile(t, "job.json", `{"run_id":"pet-2","train":{"epochs":7},"optimizer":{"name":"adam","learning_rate":0.001}}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "pet-2", cfg.RunID)
	assert.Equal(t, 7, cfg.Train.Epochs)

	opt, err := cfg.NewOptimizer()
	require.NoError(t, err)
	assert.Equal(t, 0.001, opt.LearningRate())
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "job.yaml", "train:\n  epochs: 5\n")
	t.Setenv("SUPMOCO_EPOCHS", "9")
	t.Setenv("SUPMOCO_KNN_K", "2, 4")
	t.Setenv("SUPMOCO_CHECKPOINT_BACKEND", "none")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Train.Epochs)
	assert.Equal(t, []int{2, 4}, cfg.KNN.Ks)
	assert.Equal(t, "none", cfg.Checkpoint.Backend)

	t.Setenv("SUPMOCO_GRAD_CLIP", "2.5")
	cfg, err = Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Optimizer.GradClip)
	_, err = cfg.NewOptimizer()
	require.NoError(t, err)

	t.Setenv("SUPMOCO_LEARNING_RATE", "fast")
	_, err = Load(p)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"backbone", func(c *Config) { c.Model.Backbone = "resnet" }},
		{"momentum", func(c *Config) { c.Train.KeyMomentum = 1 }},
		{"temperature", func(c *Config) { c.Train.Temperature = 0 }},
		{"knn k", func(c *Config) { c.KNN.Ks = []int{0} }},
		{"no knn k", func(c *Config) { c.KNN.Ks = nil }},
		{"gcs bucket", func(c *Config) { c.Checkpoint.Backend = "gcs" }},
		{"file dir", func(c *Config) { c.Checkpoint.Dir = "" }},
		{"influx org", func(c *Config) { c.Sink.InfluxURL = "http://localhost:8086" }},
		{"batch over queue", func(c *Config) { c.Train.BatchSize = c.Train.NumNegatives + 1 }},
		{"alphas per class", func(c *Config) { c.Train.Alphas = []float64{1} }},
		{"alpha range", func(c *Config) { c.Train.Alphas = []float64{1, 2} }},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"grad clip", func(c *Config) { c.Optimizer.GradClip = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	p := writeFile(t, "job.yaml", "train: [unclosed")
	_, err := Load(p)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.RunID = "round"
	cfg.Train.Alphas = []float64{0.8, 0.6}
	b, err := cfg.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestParseInts(t *testing.T) {
	ks, err := ParseInts("1,5, 15,")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 15}, ks)
	_, err = ParseInts("1,x")
	assert.Error(t, err)
}
