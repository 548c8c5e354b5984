package checkpoint

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

func state(kind string, v float64) *model.NetworkState {
	return &model.NetworkState{
		Kind:    kind,
		Version: model.NetworkStateVersion,
		Params: []model.NamedTensor{
			{Name: "0.weight", Rows: 1, Cols: 2, Data: []float64{v, -v}},
		},
		Buffers: []model.NamedTensor{
			{Name: "1.running_mean", Rows: 1, Cols: 2, Data: []float64{0, 0}},
		},
	}
}

func sample(runID string, epoch int) *Checkpoint {
	return &Checkpoint{
		RunID:        runID,
		Epoch:        epoch,
		Step:         epoch * 10,
		Network:      state("mlp", float64(epoch)),
		Projector:    state("projector", 1),
		KeyNetwork:   state("mlp", float64(epoch)+0.5),
		KeyProjector: state("projector", 1),
		Optimizer: &optim.State{
			Kind:  "sgd",
			Steps: epoch * 10,
			Slots: map[string]map[string][]float64{"velocity": {"0.weight": {0.1, 0.2}}},
		},
		Config:    []byte("epochs: 3\n"),
		Metadata:  map[string]string{"backbone": "mlp"},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// memBucket はテスト用のオブジェクトバケットです。
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type memWriter struct {
	bytes.Buffer
	b    *memBucket
	name string
}

func (w *memWriter) Close() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.objects[w.name] = append([]byte(nil), w.Bytes()...)
	return nil
}

func (b *memBucket) NewWriter(_ context.Context, name string) io.WriteCloser {
	return &memWriter{b: b, name: name}
}

func (b *memBucket) NewReader(_ context.Context, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	if !ok {
		return nil, errors.ErrCheckpointNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBucket) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	bs, err := OpenBadgerStore("", WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	gs := newGCSStoreWithBucket(&memBucket{objects: map[string][]byte{}}, "runs/")

	return map[string]Store{"file": fs, "badger": bs, "gcs": gs}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := sample("run-1", 3)
			require.NoError(t, s.Save(ctx, want))

			got, err := s.Load(ctx, "run-1", 3)
			require.NoError(t, err)
			assert.Equal(t, want.Network, got.Network)
			assert.Equal(t, want.KeyNetwork, got.KeyNetwork)
			assert.Equal(t, want.Optimizer, got.Optimizer)
			assert.Equal(t, want.Config, got.Config)
			assert.Equal(t, want.Step, got.Step)
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		})
	}
}

func TestStoreLatestAndList(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, epoch := range []int{4, 0, 12, 9} {
				require.NoError(t, s.Save(ctx, sample("run-a", epoch)))
			}
			require.NoError(t, s.Save(ctx, sample("run-ab", 99)))

			epochs, err := s.List(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, []int{0, 4, 9, 12}, epochs)

			latest, err := s.Latest(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, 12, latest.Epoch)
			assert.Equal(t, "run-a", latest.RunID)
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Latest(ctx, "missing")
			assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound))

			require.NoError(t, s.Save(ctx, sample("present", 1)))
			_, err = s.Load(ctx, "present", 2)
			assert.True(t, errors.Is(err, errors.ErrCheckpointNotFound))

			epochs, err := s.List(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, epochs)
		})
	}
}

func TestStoreRejectsInvalidCheckpoints(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bad := sample("../escape", 1)
			assert.True(t, errors.Is(s.Save(ctx, bad), errors.ErrInvalidConfiguration))

			missing := sample("ok", 1)
			missing.KeyNetwork = nil
			assert.Error(t, s.Save(ctx, missing))

			_, err := s.Load(ctx, "a/b", 0)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
		})
	}
}

func TestFileStoreIgnoresPartialWrites(t *testing.T) {
	assert.False(t, func() bool { _, ok := parseEpoch("epoch-000001.ckpt.tmp"); return ok }())
	epoch, ok := parseEpoch("epoch-000042.ckpt")
	assert.True(t, ok)
	assert.Equal(t, 42, epoch)
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Save(ctx, sample("run", 0)), context.Canceled)

	bs, err := OpenBadgerStore("", WithInMemory())
	require.NoError(t, err)
	defer bs.Close()
	_, err = bs.Latest(ctx, "run")
	assert.ErrorIs(t, err, context.Canceled)
}
