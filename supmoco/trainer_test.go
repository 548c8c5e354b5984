package supmoco

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/checkpoint"
	"github.com/YuminosukeSato/supmoco/data"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
	"github.com/YuminosukeSato/supmoco/sink"
)

type fixture struct {
	train  data.PairSource
	memory data.Loader
	query  data.Loader
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ds, err := data.Synthetic(data.SyntheticConfig{
		Shape:             encShape,
		NumSamples:        24,
		NumClasses:        2,
		Noise:             0.05,
		UnlabeledFraction: 0.25,
		Seed:              11,
	})
	require.NoError(t, err)
	aug := data.GaussianNoise(0.05)
	train, err := data.NewPairLoader(ds, 6, data.WithSeed(5), data.WithWorkers(2), data.WithAugment(aug, aug))
	require.NoError(t, err)
	labeled, err := ds.Labeled()
	require.NoError(t, err)
	eval, err := data.NewBatchLoader(labeled, 8)
	require.NoError(t, err)
	return fixture{train: train, memory: eval, query: eval}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RunID = "test-run"
	cfg.Epochs = 3
	cfg.SaveEvery = 2
	cfg.QueueSize = 12
	cfg.KeyMomentum = 0.9
	cfg.Temperature = 0.5
	cfg.KNNKs = []int{1, 3}
	cfg.Seed = 1
	return cfg
}

func newTestEncoder(t *testing.T) *nn.Encoder {
	t.Helper()
	enc, err := nn.BuildEncoder(nn.BackboneMLP, encShape, 4,
		nn.WithHiddenDims(6), nn.WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)
	return enc
}

func newTestTrainer(t *testing.T, cfg Config, store checkpoint.Store, out sink.Sink, opts ...TrainerOption) *Trainer {
	t.Helper()
	opt, err := optim.NewSGD(0.05, optim.WithMomentum(0.9))
	require.NoError(t, err)
	tr, err := NewTrainer(cfg, newTestEncoder(t), opt, store, out, opts...)
	require.NoError(t, err)
	return tr
}

func TestTrainerRun(t *testing.T) {
	fx := newFixture(t)
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	history := sink.NewHistorySink()
	logger, _ := log.NewTestLogger(log.LevelDebug)

	tr := newTestTrainer(t, testConfig(), store, history, WithLogger(logger), WithConfigBlob([]byte("epochs: 3")))
	assert.Equal(t, PhaseReady, tr.State().Phase)

	require.NoError(t, tr.Run(context.Background(), fx.train, fx.memory, fx.query))

	st := tr.State()
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, 3, st.Epoch)
	assert.Equal(t, 12, st.Step, "four batches per epoch")
	assert.True(t, tr.Queue().Full())
	assert.False(t, math.IsNaN(st.LastLoss))
	assert.GreaterOrEqual(t, st.LastLoss, 0.0)
	require.Contains(t, st.Scores, 1)
	require.Contains(t, st.Scores, 3)

	epochs, err := store.List(context.Background(), "test-run")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs, "save_every epochs and the last epoch")

	latest, err := store.Latest(context.Background(), "test-run")
	require.NoError(t, err)
	assert.Equal(t, 12, latest.Step)
	assert.Equal(t, []byte("epochs: 3"), latest.Config)
	assert.Equal(t, "sgd", latest.Optimizer.Kind)

	assert.Len(t, history.Series(sink.LossKey), 2)
	assert.Len(t, history.Series(sink.KNNKey(3)), 2)
	assert.Equal(t, 2, logger.Count("checkpoint saved"))
	assert.True(t, logger.ContainsMessage("training finished"))
}

func TestTrainerKeyNetworkMovesOnlyByMomentum(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig()
	cfg.Epochs = 1
	tr := newTestTrainer(t, cfg, nil, nil)

	before := keyValues(tr.Encoder())
	require.NoError(t, tr.Run(context.Background(), fx.train, fx.memory, fx.query))
	after := keyValues(tr.Encoder())

	changed := false
	for i := range before {
		if !mat.Equal(before[i], after[i]) {
			changed = true
		}
	}
	assert.True(t, changed, "EMA pulls the key network toward the query network")
	for _, p := range tr.Encoder().Key().Params() {
		assert.True(t, p.Frozen())
		assert.Zero(t, mat.Norm(p.Grad, 1), "key params never accumulate gradients")
	}
}

type fixedSource struct {
	batches []*data.PairBatch
}

func (s fixedSource) NumBatches() int { return len(s.batches) }

func (s fixedSource) Each(ctx context.Context, _ int, fn func(*data.PairBatch) error) error {
	for _, b := range s.batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func pairBatch(rng *rand.Rand, labels, idx []int) *data.PairBatch {
	n := len(labels)
	return &data.PairBatch{
		Query: randomInput(rng, n),
		Key:   randomInput(rng, n),
		Shape: encShape,
		Y:     labels,
		Idx:   idx,
	}
}

func TestTrainerFirstStepSeesEmptyQueue(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	b := pairBatch(rng, []int{0, 1, -1, 0}, []int{0, 1, 2, 3})
	fx := newFixture(t)

	// 同じ初期値の複製で、空のキューに対する損失を計算しておく
	ref := newTestEncoder(t)
	refKey := ref.FrozenCopy()
	q, err := ref.Forward(b.Query)
	require.NoError(t, err)
	k, err := refKey.Forward(b.Key)
	require.NoError(t, err)
	lf, err := NewSupContrastiveLoss(0.5)
	require.NoError(t, err)
	want, err := lf.Compute(LossInput{Q: q, K: k, Labels: b.Y, Indices: b.Idx, Queue: &QueueSnapshot{}})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Epochs = 1
	tr := newTestTrainer(t, cfg, nil, nil)
	require.NoError(t, tr.Run(context.Background(), fixedSource{batches: []*data.PairBatch{b}}, fx.memory, fx.query))

	assert.InDelta(t, want.Loss, tr.State().LastLoss, 1e-9, "the loss reads the queue before this step's keys are enqueued")
	snap := tr.Queue().Snapshot()
	require.Equal(t, 4, snap.Len())
	assert.Equal(t, b.Y, snap.Labels)
	assert.Equal(t, b.Idx, snap.Indices)
}

func TestTrainerAbortsOnNaN(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	b := pairBatch(rng, []int{0, 1}, []int{0, 1})
	b.Query.Set(0, 0, math.NaN())
	fx := newFixture(t)

	cfg := testConfig()
	tr := newTestTrainer(t, cfg, nil, nil)
	err := tr.Run(context.Background(), fixedSource{batches: []*data.PairBatch{b}}, fx.memory, fx.query)
	assert.True(t, errors.Is(err, errors.ErrNumericalInstability))
	assert.Equal(t, PhaseFailed, tr.State().Phase)
	assert.Zero(t, tr.Queue().Len(), "a failed step does not enqueue")

	err = tr.Run(context.Background(), fx.train, fx.memory, fx.query)
	assert.Error(t, err, "a failed trainer does not continue")
}

type failingStore struct {
	checkpoint.Store
}

func (failingStore) Save(context.Context, *checkpoint.Checkpoint) error {
	return errors.New("disk full")
}

func TestTrainerAbortsOnCheckpointFailure(t *testing.T) {
	fx := newFixture(t)
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	tr := newTestTrainer(t, testConfig(), failingStore{Store: store}, nil)
	err = tr.Run(context.Background(), fx.train, fx.memory, fx.query)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, PhaseFailed, tr.State().Phase)
	assert.Equal(t, 2, tr.State().Epoch, "stops at the first checkpoint")
}

func TestTrainerStopsOnCancel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	stopAfterFirst := func(env *CallbackEnv) error {
		calls++
		cancel()
		return nil
	}
	tr := newTestTrainer(t, testConfig(), nil, nil, WithCallbacks(stopAfterFirst))
	err := tr.Run(ctx, fx.train, fx.memory, fx.query)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, tr.State().Epoch)
	assert.Equal(t, 4, tr.State().Step, "only whole steps are applied")
}

func TestTrainerResume(t *testing.T) {
	fx := newFixture(t)
	store, err := checkpoint.OpenBadgerStore("", checkpoint.WithInMemory())
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Epochs = 2
	first := newTestTrainer(t, cfg, store, nil)
	require.NoError(t, first.Run(context.Background(), fx.train, fx.memory, fx.query))
	wantQuery, _ := first.Encoder().Query().State()
	wantKey, _ := first.Encoder().KeyState()

	var warnings []error
	errors.SetZerologWarnFunc(func(w error) { warnings = append(warnings, w) })
	defer errors.SetZerologWarnFunc(nil)

	cfg.Epochs = 4
	history := sink.NewHistorySink()
	second := newTestTrainer(t, cfg, store, history)
	require.NoError(t, second.Resume(context.Background()))

	st := second.State()
	assert.True(t, st.Resumed)
	assert.Equal(t, 2, st.Epoch)
	assert.Equal(t, 8, st.Step)
	assert.Zero(t, second.Queue().Len(), "the queue is not persisted")
	gotQuery, _ := second.Encoder().Query().State()
	gotKey, _ := second.Encoder().KeyState()
	assert.Equal(t, wantQuery, gotQuery)
	assert.Equal(t, wantKey, gotKey)

	require.Len(t, warnings, 1)
	var reset *errors.QueueResetWarning
	require.True(t, errors.As(warnings[0], &reset))
	assert.Equal(t, 1, reset.Epoch)
	assert.Len(t, history.Messages(), 1)

	require.NoError(t, second.Run(context.Background(), fx.train, fx.memory, fx.query))
	assert.Equal(t, 16, second.State().Step)
	epochs, err := store.List(context.Background(), cfg.RunID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, epochs)
}

func TestTrainerResumeRollsBackOnBadKeyNetwork(t *testing.T) {
	fx := newFixture(t)
	store, err := checkpoint.OpenBadgerStore("", checkpoint.WithInMemory())
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Epochs = 2
	first := newTestTrainer(t, cfg, store, nil)
	require.NoError(t, first.Run(context.Background(), fx.train, fx.memory, fx.query))

	// クエリ側は読めるがキー側に存在しないテンソル名を持つチェックポイント
	ckpt, err := store.Latest(context.Background(), cfg.RunID)
	require.NoError(t, err)
	ckpt.Epoch = 2
	ckpt.KeyNetwork = ckpt.KeyNetwork.Clone()
	ckpt.KeyNetwork.Params[0].Name = "unknown.weight"
	require.NoError(t, store.Save(context.Background(), ckpt))

	cfg.Epochs = 4
	second := newTestTrainer(t, cfg, store, nil)
	beforeQuery, _ := second.Encoder().Query().State()
	beforeKey, _ := second.Encoder().KeyState()
	beforeOpt := second.opt.State()

	err = second.Resume(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore key network")

	afterQuery, _ := second.Encoder().Query().State()
	afterKey, _ := second.Encoder().KeyState()
	assert.Equal(t, beforeQuery, afterQuery, "the query network is rolled back")
	assert.Equal(t, beforeKey, afterKey)
	assert.Equal(t, beforeOpt, second.opt.State())

	st := second.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.False(t, st.Resumed)
	assert.Zero(t, st.Epoch)
	require.NoError(t, second.Run(context.Background(), fx.train, fx.memory, fx.query), "the trainer can still start from scratch")
}

func TestTrainerResumeWithoutCheckpoint(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tr := newTestTrainer(t, testConfig(), store, nil)
	assert.True(t, errors.Is(tr.Resume(context.Background()), errors.ErrCheckpointNotFound))

	noStore := newTestTrainer(t, testConfig(), nil, nil)
	assert.True(t, errors.Is(noStore.Resume(context.Background()), errors.ErrInvalidConfiguration))
}

func TestTrainerEarlyStopping(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig()
	cfg.Epochs = 10
	cfg.SaveEvery = 1
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	// 最小化として扱い、epoch 0 の値を -1 にしておくと以後は改善しない
	stop := EarlyStopping(2, sink.KNNKey(1), true)
	seed := func(env *CallbackEnv) error {
		if env.Epoch == 0 {
			env.EvalResults[sink.KNNKey(1)] = -1
		}
		return nil
	}
	tr := newTestTrainer(t, cfg, store, nil, WithCallbacks(seed, stop))
	require.NoError(t, tr.Run(context.Background(), fx.train, fx.memory, fx.query))

	assert.Equal(t, PhaseDone, tr.State().Phase)
	assert.Equal(t, 3, tr.State().Epoch, "two evaluations without improvement")
	epochs, err := store.List(context.Background(), cfg.RunID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, epochs)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"run id", func(c *Config) { c.RunID = "" }},
		{"epochs", func(c *Config) { c.Epochs = 0 }},
		{"save every", func(c *Config) { c.SaveEvery = 0 }},
		{"queue", func(c *Config) { c.QueueSize = 0 }},
		{"momentum one", func(c *Config) { c.KeyMomentum = 1 }},
		{"momentum negative", func(c *Config) { c.KeyMomentum = -0.1 }},
		{"classes", func(c *Config) { c.NumClasses = 0 }},
		{"alphas", func(c *Config) { c.Alphas = []float64{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), errors.ErrInvalidConfiguration))
		})
	}

	opt, err := optim.NewSGD(0.1)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Temperature = 0
	_, err = NewTrainer(cfg, newTestEncoder(t), opt, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))

	cfg = testConfig()
	cfg.KNNKs = []int{0}
	_, err = NewTrainer(cfg, newTestEncoder(t), opt, nil, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}
