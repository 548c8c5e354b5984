package supmoco

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/YuminosukeSato/supmoco/checkpoint"
	"github.com/YuminosukeSato/supmoco/data"
	"github.com/YuminosukeSato/supmoco/neighbors"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
	"github.com/YuminosukeSato/supmoco/sink"
)

var tracer = otel.Tracer("github.com/YuminosukeSato/supmoco")

// Phase はトレーナーの状態です。
type Phase string

const (
	PhaseReady      Phase = "ready"
	PhaseStepping   Phase = "stepping"
	PhaseEvaluating Phase = "evaluating"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Config は学習のハイパーパラメータです。
type Config struct {
	RunID string
	// Epochs は総エポック数です。
	Epochs int
	// SaveEvery エポックごとと最終エポックで k-NN 評価とチェックポイント保存を行います。
	SaveEvery int

	// QueueSize はメモリキューの容量 N (num_negatives) です。
	QueueSize int
	// RandomQueueInit はキューをランダムな単位ベクトルで満たしてから始めます。
	RandomQueueInit bool
	// KeyMomentum は EMA 係数 m ∈ [0, 1) です。
	KeyMomentum float64
	// Temperature は損失の温度 τ です。
	Temperature float64
	// SameSampleMasking は同じサンプル番号のキュー要素を比較から除外します。
	SameSampleMasking bool

	NumClasses     int
	KNNKs          []int
	KNNTemperature float64

	// Alphas, AlphasMin, AlphasDecayEnd はクラスごとのソフトラベル重みの減衰です。空なら全クラス 1。
	Alphas         []float64
	AlphasMin      []float64
	AlphasDecayEnd []int

	Seed int64
}

// DefaultConfig は元の学習設定に合わせた既定値です。
func DefaultConfig() Config {
	return Config{
		Epochs:            100,
		SaveEvery:         10,
		QueueSize:         1024,
		KeyMomentum:       0.999,
		Temperature:       0.2,
		SameSampleMasking: true,
		NumClasses:        2,
		KNNKs:             []int{1, 5, 15},
		KNNTemperature:    0.1,
	}
}

// Validate は構築前にハイパーパラメータを検証します。
func (c Config) Validate() error {
	if err := checkpoint.ValidateRunID(c.RunID); err != nil {
		return err
	}
	if c.Epochs <= 0 {
		return errors.NewConfigurationError("epochs", "must be positive", c.Epochs)
	}
	if c.SaveEvery <= 0 {
		return errors.NewConfigurationError("save_every", "must be positive", c.SaveEvery)
	}
	if c.QueueSize <= 0 {
		return errors.NewConfigurationError("num_negatives", "must be positive", c.QueueSize)
	}
	if math.IsNaN(c.KeyMomentum) || c.KeyMomentum < 0 || c.KeyMomentum >= 1 {
		return errors.NewConfigurationError("key_momentum", "must be in [0, 1)", c.KeyMomentum)
	}
	if c.NumClasses < 1 {
		return errors.NewConfigurationError("num_classes", "must be at least 1", c.NumClasses)
	}
	if len(c.Alphas) > 0 && len(c.Alphas) != c.NumClasses {
		return errors.NewConfigurationError("alphas", "must have one value per class", len(c.Alphas))
	}
	return nil
}

// TrainerState はトレーナーの進行状況です。RNG もここに持ち、グローバル状態は使いません。
type TrainerState struct {
	RunID string
	Phase Phase
	// Epoch は次に実行するエポックです。
	Epoch int
	// Step は累計ステップ数です。
	Step int
	// LastLoss は直近のエポックの平均損失です。
	LastLoss float64
	// Scores は直近の k-NN 評価の k ごとの精度です。
	Scores map[int]float64
	// Resumed はチェックポイントから再開したかどうかです。
	Resumed bool

	rng *rand.Rand
}

// TrainerOption は Trainer の設定です。
type TrainerOption func(*Trainer)

// WithLogger はトレーナーのロガーを設定します。
func WithLogger(logger log.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = logger }
}

// WithCallbacks はエポック終了時のコールバックを追加します。
func WithCallbacks(callbacks ...Callback) TrainerOption {
	return func(t *Trainer) { t.callbacks = append(t.callbacks, callbacks...) }
}

// WithConfigBlob はチェックポイントに同梱する設定のシリアライズ結果を設定します。
func WithConfigBlob(blob []byte) TrainerOption {
	return func(t *Trainer) { t.configBlob = append([]byte(nil), blob...) }
}

// WithClock は時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) { t.now = now }
}

// Trainer は SupMoCo の学習ループです。
//
// 1ステップは必ず次の順で行います。
//
//	キューのスナップショット → クエリ順伝播 → キー順伝播 → 損失 → 逆伝播
//	→ オプティマイザ更新 → モーメンタム更新 → キーのエンキュー
//
// 全ての処理は Run を呼んだ goroutine で逐次実行されます。
// キャンセルはステップの間でのみ検出し、途中まで進んだステップは残しません。
type Trainer struct {
	cfg       Config
	enc       *MomentumEncoder
	opt       optim.Optimizer
	loss      *SupContrastiveLoss
	queue     *MemoryQueue
	knn       *neighbors.KNNEvaluator
	alphas    *AlphaSchedule
	store     checkpoint.Store
	sink      sink.Sink
	logger    log.Logger
	callbacks []Callback

	configBlob []byte
	now        func() time.Time

	state TrainerState
}

// NewTrainer は学習の準備をします。enc はクエリネットワークで、キー側はそのコピーから作られます。
// store が nil ならチェックポイントは保存しません。
func NewTrainer(cfg Config, enc *nn.Encoder, opt optim.Optimizer, store checkpoint.Store, out sink.Sink, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opt == nil {
		return nil, errors.NewValueError("NewTrainer", "optimizer is nil")
	}
	me, err := NewMomentumEncoder(enc)
	if err != nil {
		return nil, err
	}
	loss, err := NewSupContrastiveLoss(cfg.Temperature, WithSameSampleMasking(cfg.SameSampleMasking))
	if err != nil {
		return nil, err
	}
	alphas, err := NewAlphaSchedule(cfg.Alphas, cfg.AlphasMin, cfg.AlphasDecayEnd)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = sink.Nop()
	}

	t := &Trainer{
		cfg:    cfg,
		enc:    me,
		opt:    opt,
		loss:   loss,
		alphas: alphas,
		store:  store,
		sink:   out,
		logger: log.Nop(),
		now:    time.Now,
		state: TrainerState{
			RunID: cfg.RunID,
			Phase: PhaseReady,
			rng:   rand.New(rand.NewSource(cfg.Seed)),
		},
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With(log.ComponentKey, "supmoco", log.RunIDKey, cfg.RunID)

	t.knn, err = neighbors.NewKNNEvaluator(cfg.KNNKs, cfg.NumClasses,
		neighbors.WithTemperature(cfg.KNNTemperature),
		neighbors.WithLogger(t.logger))
	if err != nil {
		return nil, err
	}
	if t.queue, err = t.newQueue(); err != nil {
		return nil, err
	}

	t.logger.Info("trainer ready",
		log.BackboneKey, string(enc.Kind()),
		log.EmbeddingDimKey, enc.OutDim(),
		log.QueueCapacityKey, cfg.QueueSize,
		log.KeyMomentumKey, cfg.KeyMomentum,
		log.TemperatureKey, cfg.Temperature,
		log.LearningRateKey, opt.LearningRate(),
		log.RandomSeedKey, cfg.Seed,
	)
	return t, nil
}

// newQueue は空の、または RandomQueueInit ならランダムに満たしたキューを作ります。
func (t *Trainer) newQueue() (*MemoryQueue, error) {
	var opts []QueueOption
	if t.cfg.RandomQueueInit {
		opts = append(opts, WithRandomInit(t.state.rng))
	}
	return NewMemoryQueue(t.enc.Query().OutDim(), t.cfg.QueueSize, opts...)
}

// State は進行状況のコピーです。
func (t *Trainer) State() TrainerState {
	s := t.state
	s.rng = nil
	if t.state.Scores != nil {
		s.Scores = make(map[int]float64, len(t.state.Scores))
		for k, v := range t.state.Scores {
			s.Scores[k] = v
		}
	}
	return s
}

// Encoder はクエリとキーのネットワークです。
func (t *Trainer) Encoder() *MomentumEncoder { return t.enc }

// Queue はメモリキューです。
func (t *Trainer) Queue() *MemoryQueue { return t.queue }

// Config は学習設定です。
func (t *Trainer) Config() Config { return t.cfg }

// Run は state.Epoch から cfg.Epochs まで学習します。
// 数値の発散、チェックポイントの保存失敗、コールバックのエラーで中断し、状態は PhaseFailed になります。
func (t *Trainer) Run(ctx context.Context, train data.PairSource, memory, query data.Loader) (err error) {
	defer errors.Recover(&err, "Trainer.Run")
	if train == nil || memory == nil || query == nil {
		return errors.NewValueError("Trainer.Run", "train, memory and query loaders are required")
	}
	if t.state.Phase == PhaseFailed {
		return errors.NewModelError("Trainer.Run", "trainer has failed; construct a new one or resume", nil)
	}

	ctx, span := tracer.Start(ctx, "supmoco.run", trace.WithAttributes(
		attribute.String("run.id", t.cfg.RunID),
		attribute.Int("train.epochs", t.cfg.Epochs),
		attribute.Int("train.start_epoch", t.state.Epoch),
	))
	defer span.End()

	logger := t.logger.With(log.OperationKey, log.OperationTrain)
	logger.Info("training started",
		log.EpochKey, t.state.Epoch,
		log.BatchSizeKey, train.NumBatches(),
	)
	start := t.now()

	if err := t.loop(ctx, train, memory, query); err != nil {
		t.state.Phase = PhaseFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("training failed", log.ErrAttrKey, err, log.ErrorCodeKey, log.ErrorCode(err))
		return err
	}

	t.state.Phase = PhaseDone
	span.SetStatus(codes.Ok, "")
	logger.Info("training finished",
		log.EpochKey, t.state.Epoch,
		log.IterationKey, t.state.Step,
		log.DurationMsKey, t.now().Sub(start).Milliseconds(),
	)
	return t.sink.Message(ctx, "training finished after "+strconv.Itoa(t.state.Epoch)+" epochs")
}

func (t *Trainer) loop(ctx context.Context, train data.PairSource, memory, query data.Loader) error {
	for epoch := t.state.Epoch; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		begin := t.now()
		loss, err := t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return err
		}
		t.state.Epoch = epoch + 1
		t.state.LastLoss = loss

		env := &CallbackEnv{
			Trainer:     t,
			Epoch:       epoch,
			Step:        t.state.Step,
			BeginTime:   begin,
			EvalResults: map[string]float64{sink.LossKey: loss},
		}
		if t.shouldEvaluate(epoch) {
			if err := t.evaluateAndSave(ctx, epoch, memory, query, env.EvalResults); err != nil {
				return err
			}
			env.Evaluated = true
		}
		env.EndTime = t.now()

		for _, cb := range t.callbacks {
			if err := cb(env); err != nil {
				return errors.Wrapf(err, "callback at epoch %d", epoch)
			}
		}
		if env.StopTraining {
			if !env.Evaluated {
				if err := t.evaluateAndSave(ctx, epoch, memory, query, env.EvalResults); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

func (t *Trainer) shouldEvaluate(epoch int) bool {
	return (epoch+1)%t.cfg.SaveEvery == 0 || epoch == t.cfg.Epochs-1
}

// trainEpoch は1エポック分のステップを実行し、平均損失を返します。
func (t *Trainer) trainEpoch(ctx context.Context, epoch int, train data.PairSource) (float64, error) {
	ctx, span := tracer.Start(ctx, "supmoco.epoch", trace.WithAttributes(attribute.Int("train.epoch", epoch)))
	defer span.End()

	t.state.Phase = PhaseStepping
	alphas := t.alphas.At(epoch)

	var total float64
	var steps int
	err := train.Each(ctx, epoch, func(b *data.PairBatch) error {
		loss, err := t.step(ctx, b, alphas)
		if err != nil {
			return err
		}
		total += loss
		steps++
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if steps == 0 {
		return 0, errors.Wrapf(errors.ErrEmptyData, "epoch %d produced no batches", epoch)
	}
	mean := total / float64(steps)
	t.logger.Debug("epoch finished",
		log.EpochKey, epoch,
		log.LossKey, mean,
		log.QueueSizeKey, t.queue.Len(),
	)
	return mean, nil
}

// step は1ミニバッチの更新です。エラーが返った時点で Run は中断します。
func (t *Trainer) step(ctx context.Context, b *data.PairBatch, alphas []float64) (float64, error) {
	_, span := tracer.Start(ctx, "supmoco.step", trace.WithAttributes(
		attribute.Int("train.iteration", t.state.Step),
		attribute.Int("data.batch_size", b.Len()),
	))
	defer span.End()

	fail := func(err error) (float64, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	snap := t.queue.Snapshot()
	q, err := t.enc.ForwardQuery(b.Query)
	if err != nil {
		return fail(err)
	}
	k, err := t.enc.ForwardKey(b.Key)
	if err != nil {
		return fail(err)
	}
	out, err := t.loss.Compute(LossInput{
		Q:       q,
		K:       k,
		Labels:  b.Y,
		Indices: b.Idx,
		Queue:   snap,
		Alphas:  alphas,
	})
	if err != nil {
		return fail(err)
	}
	if err := errors.CheckScalar("SupContrastiveLoss", out.Loss, t.state.Step); err != nil {
		return fail(err)
	}

	query := t.enc.Query()
	query.ZeroGrad()
	if err := t.enc.BackwardQuery(out.GradQ); err != nil {
		return fail(err)
	}
	if err := t.opt.Step(trainable(query.Params())); err != nil {
		return fail(err)
	}
	if err := t.enc.UpdateMomentum(t.cfg.KeyMomentum); err != nil {
		return fail(err)
	}
	if err := t.queue.Enqueue(k, b.Y, b.Idx); err != nil {
		return fail(err)
	}

	t.state.Step++
	span.SetAttributes(attribute.Float64("metrics.loss", out.Loss))
	return out.Loss, nil
}

// trainable は凍結されていないパラメータです。WithFrozenBatchNorm の BN は勾配で更新しません。
func trainable(params []*nn.Param) []*nn.Param {
	out := make([]*nn.Param, 0, len(params))
	for _, p := range params {
		if !p.Frozen() {
			out = append(out, p)
		}
	}
	return out
}

// evaluateAndSave は k-NN 評価、シンクへの記録、チェックポイント保存を行います。
// values には "knn@k" が追加されます。
func (t *Trainer) evaluateAndSave(ctx context.Context, epoch int, memory, query data.Loader, values map[string]float64) error {
	t.state.Phase = PhaseEvaluating
	ctx, span := tracer.Start(ctx, "supmoco.evaluate", trace.WithAttributes(attribute.Int("train.epoch", epoch)))
	defer span.End()

	scores, err := t.knn.Evaluate(ctx, t.enc.Query(), memory, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	t.state.Scores = scores
	for k, acc := range scores {
		values[sink.KNNKey(k)] = acc
	}

	fields := []any{log.OperationKey, log.OperationEvaluate, log.EpochKey, epoch, log.LossKey, values[sink.LossKey]}
	for _, k := range t.knn.Ks() {
		fields = append(fields, sink.KNNKey(k), scores[k])
	}
	t.logger.Info("evaluation", fields...)

	if err := t.sink.Log(ctx, epoch, values); err != nil {
		return errors.Wrap(err, "metrics sink")
	}
	return t.save(ctx, epoch)
}

// save はチェックポイントを保存します。失敗は学習の中断になります。
func (t *Trainer) save(ctx context.Context, epoch int) error {
	if t.store == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "supmoco.checkpoint", trace.WithAttributes(attribute.Int("train.epoch", epoch)))
	defer span.End()

	network, projector := t.enc.Query().State()
	keyNetwork, keyProjector := t.enc.KeyState()
	ckpt := &checkpoint.Checkpoint{
		RunID:        t.cfg.RunID,
		Epoch:        epoch,
		Step:         t.state.Step,
		Network:      network,
		Projector:    projector,
		KeyNetwork:   keyNetwork,
		KeyProjector: keyProjector,
		Optimizer:    t.opt.State(),
		Config:       t.configBlob,
		Metadata: map[string]string{
			"backbone":  string(t.enc.Query().Kind()),
			"queue_len": strconv.Itoa(t.queue.Len()),
		},
		CreatedAt: t.now(),
	}
	if err := t.store.Save(ctx, ckpt); err != nil {
		err = errors.Wrapf(err, "save checkpoint run %s epoch %d", t.cfg.RunID, epoch)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	t.logger.Info("checkpoint saved", log.OperationKey, log.OperationCheckpoint, log.EpochKey, epoch)
	return nil
}

// Resume は RunID の最新チェックポイントを読み込み、次のエポック境界から再開できる状態にします。
// キューは保存されないため新しく作り直し、QueueResetWarning を出します。
func (t *Trainer) Resume(ctx context.Context) (err error) {
	defer errors.Recover(&err, "Trainer.Resume")
	if t.store == nil {
		return errors.NewConfigurationError("checkpoint", "resume requires a checkpoint store", nil)
	}
	ctx, span := tracer.Start(ctx, "supmoco.resume", trace.WithAttributes(attribute.String("run.id", t.cfg.RunID)))
	defer span.End()

	ckpt, err := t.store.Latest(ctx, t.cfg.RunID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := t.restore(ckpt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	errors.Warn(errors.NewQueueResetWarning(t.cfg.RunID, ckpt.Epoch))
	t.logger.Warn("resumed with an empty memory queue",
		log.OperationKey, log.OperationResume,
		log.EpochKey, t.state.Epoch,
		log.IterationKey, t.state.Step,
		log.QueueSizeKey, t.queue.Len(),
	)
	return t.sink.Message(ctx, "resumed run "+t.cfg.RunID+" at epoch "+strconv.Itoa(t.state.Epoch)+"; memory queue was reset")
}

func (t *Trainer) restore(ckpt *checkpoint.Checkpoint) error {
	if err := ckpt.Validate(); err != nil {
		return err
	}
	if ckpt.Epoch+1 > t.cfg.Epochs {
		return errors.NewConfigurationError("epochs", "checkpoint is beyond the configured number of epochs", ckpt.Epoch)
	}
	// どれか一つでも読み込みに失敗したら、読み込み前の値に戻す
	qb, qp := t.enc.Query().State()
	kb, kp := t.enc.KeyState()
	optState := t.opt.State()
	rollback := func(cause error) error {
		err := errors.Join(
			t.enc.Query().LoadState(qb, qp),
			t.enc.LoadKeyState(kb, kp),
			t.opt.LoadState(optState),
		)
		if err != nil {
			t.state.Phase = PhaseFailed
			return errors.Wrap(errors.Join(cause, err), "rollback after failed restore")
		}
		return cause
	}
	if err := t.enc.Query().LoadState(ckpt.Network, ckpt.Projector); err != nil {
		return rollback(errors.Wrap(err, "restore query network"))
	}
	if err := t.enc.LoadKeyState(ckpt.KeyNetwork, ckpt.KeyProjector); err != nil {
		return rollback(errors.Wrap(err, "restore key network"))
	}
	if ckpt.Optimizer != nil {
		if err := t.opt.LoadState(ckpt.Optimizer); err != nil {
			return rollback(errors.Wrap(err, "restore optimizer"))
		}
	}

	t.state.Epoch = ckpt.Epoch + 1
	t.state.Step = ckpt.Step
	t.state.Phase = PhaseReady
	t.state.Resumed = true
	t.state.rng = rand.New(rand.NewSource(t.cfg.Seed + int64(t.state.Epoch)))
	q, err := t.newQueue()
	if err != nil {
		return err
	}
	t.queue = q
	return nil
}
