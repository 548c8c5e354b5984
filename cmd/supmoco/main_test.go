package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/supmoco/checkpoint"
	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

const testConfig = `
log_level: warn
data:
  channels: 1
  height: 2
  width: 2
  depth: 2
  num_samples: 24
  num_classes: 2
  noise: 0.1
  unlabeled_fraction: 0.1
  test_fraction: 0.25
  intensity: global
  flip: true
  noise_std: 0.05
  workers: 2
  prefetch: 2
model:
  backbone: mlp
  hidden_dims: [4]
  pool_kernel: 1
  projector_dim: 3
train:
  epochs: 2
  batch_size: 6
  save_every: 1
  num_negatives: 12
  key_momentum: 0.9
  temperature: 0.5
  same_sample_masking: true
  random_state: 3
knn:
  k: [1, 3]
  temperature: 0.1
optimizer:
  name: sgd
  learning_rate: 0.01
  momentum: 0.9
checkpoint:
  backend: file
`

// writeConfig は一時ディレクトリに設定ファイルとチェックポイント置き場を用意します。
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	root := t.TempDir()
	dir = filepath.Join(root, "ckpt")
	body := testConfig + "  dir: " + dir + "\nsink:\n  plot_file: " + filepath.Join(root, "curve.svg") + "\n"
	path = filepath.Join(root, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, stderr bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrainResumeEval(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	out, err := execute(t, "train", "--config", cfgPath, "--run-id", "cli-run")
	require.NoError(t, err)
	assert.Contains(t, out, "run_id=cli-run epochs=2 steps=6")
	assert.Contains(t, out, "knn@1=")
	assert.Contains(t, out, "knn@3=")
	assert.FileExists(t, filepath.Join(filepath.Dir(cfgPath), "curve.svg"))

	store, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	epochs, err := store.List(context.Background(), "cli-run")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, epochs)

	t.Setenv("SUPMOCO_EPOCHS", "3")
	out, err = execute(t, "resume", "--config", cfgPath, "--run-id", "cli-run")
	require.NoError(t, err)
	assert.Contains(t, out, "epochs=3 steps=9")
	epochs, err = store.List(context.Background(), "cli-run")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, epochs)

	out, err = execute(t, "eval", "--config", cfgPath, "--run-id", "cli-run")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "run_id=cli-run epoch=2", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "k=1 accuracy="))
	assert.Contains(t, lines[2], "auc=")

	exportDir := filepath.Join(t.TempDir(), "weights")
	_, err = execute(t, "eval", "--config", cfgPath, "--run-id", "cli-run", "--export-dir", exportDir)
	require.NoError(t, err)
	ckpt, err := store.Latest(context.Background(), "cli-run")
	require.NoError(t, err)
	for name, want := range map[string]*model.NetworkState{"network.json": ckpt.Network, "projector.json": ckpt.Projector} {
		raw, err := os.ReadFile(filepath.Join(exportDir, name))
		require.NoError(t, err, name)
		var got model.NetworkState
		require.NoError(t, json.Unmarshal(raw, &got), name)
		require.NoError(t, got.Validate(), name)
		assert.Equal(t, want.Names(), got.Names(), name)
		assert.Equal(t, want.Params, got.Params, name)
	}
}

func TestTrainGeneratesRunID(t *testing.T) {
	cfgPath, dir := writeConfig(t)
	t.Setenv("SUPMOCO_EPOCHS", "1")

	out, err := execute(t, "train", "--config", cfgPath)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "run_id="))
	runID := strings.Fields(strings.TrimPrefix(out, "run_id="))[0]
	assert.Len(t, runID, 36)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, runID, entries[0].Name())
}

func TestResumeAndEvalNeedRunID(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := execute(t, "resume", "--config", cfgPath)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))

	_, err = execute(t, "eval", "--config", cfgPath)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestEvalWithoutCheckpoint(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "eval", "--config", cfgPath, "--run-id", "missing")
	assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound))
}

func TestInvalidConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := execute(t, "train", "--config", cfgPath, "--log-level", "loud")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))

	// キューより大きなバッチは読み込み時に拒否される
	t.Setenv("SUPMOCO_BATCH_SIZE", "64")
	_, err = execute(t, "train", "--config", cfgPath)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestCloudLogFormat(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	t.Setenv("SUPMOCO_EPOCHS", "1")
	t.Setenv("SUPMOCO_CHECKPOINT_BACKEND", "none")

	cmd := newRootCmd()
	var out, stderr bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"train", "--config", cfgPath, "--run-id", "cloud-run", "--log-format", "cloud", "--log-level", "info"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, stderr.String(), `"severity":"INFO"`)
	assert.Contains(t, stderr.String(), `"message":"training finished"`)

	_, err := execute(t, "train", "--config", cfgPath, "--log-format", "xml")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "supmoco dev\n", out)
}
