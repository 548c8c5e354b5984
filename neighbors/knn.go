// Package neighbors は埋め込みの質を監視する重み付きコサイン k-NN 評価器です。
package neighbors

import (
	"context"
	"math"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/core/parallel"
	"github.com/YuminosukeSato/supmoco/data"
	"github.com/YuminosukeSato/supmoco/metrics"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
	"github.com/YuminosukeSato/supmoco/pkg/log"
)

var tracer = otel.Tracer("github.com/YuminosukeSato/supmoco/neighbors")

// Embedder は推論専用の埋め込み関数です。パラメータやバッファを変更してはいけません。
// *nn.Encoder の Embed がこれを満たします。
type Embedder interface {
	Embed(x *mat.Dense) (*mat.Dense, error)
}

// MemoryBank は正規化済みのメモリ集合の埋め込みです。
type MemoryBank struct {
	// Embeddings は (D, M) で、列がメモリサンプルです。
	Embeddings *mat.Dense
	Labels     []int
	Indices    []int
}

// Len はメモリサンプル数 M です。
func (b *MemoryBank) Len() int { return len(b.Labels) }

// Prediction は1バッチ分の予測です。
type Prediction struct {
	// Labels は予測クラスです。
	Labels []int
	// Votes は (B, C) のクラスごとの重み付き票です。
	// 値は最も近い近傍の重みを 1 とした相対値です。
	Votes *mat.Dense
}

// KNNEvaluator は重み付き投票による k-NN 分類で埋め込みを評価します。
//
// Fit でメモリ集合の埋め込みを保持し、Score で評価集合を分類します。
// 同時に複数の goroutine から使うことはできません。
type KNNEvaluator struct {
	model.StateManager

	ks          []int
	numClasses  int
	temperature float64
	threshold   int
	logger      log.Logger

	bank *MemoryBank
}

// Option は KNNEvaluator の設定です。
type Option func(*KNNEvaluator)

// WithTemperature は票の重み exp(sim/T) の温度 T を設定します（既定 0.1）。
func WithTemperature(t float64) Option {
	return func(e *KNNEvaluator) { e.temperature = t }
}

// WithLogger はロガーを設定します。
func WithLogger(l log.Logger) Option {
	return func(e *KNNEvaluator) { e.logger = l }
}

// WithParallelThreshold は並列化するクエリ数の下限を設定します（既定 64）。
func WithParallelThreshold(n int) Option {
	return func(e *KNNEvaluator) { e.threshold = n }
}

// NewKNNEvaluator は ks の各 k について評価する KNNEvaluator を作ります。
func NewKNNEvaluator(ks []int, numClasses int, opts ...Option) (*KNNEvaluator, error) {
	e := &KNNEvaluator{
		ks:          append([]int(nil), ks...),
		numClasses:  numClasses,
		temperature: 0.1,
		threshold:   64,
		logger:      log.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.ks) == 0 {
		return nil, errors.NewConfigurationError("knn_k", "at least one k is required", ks)
	}
	for _, k := range e.ks {
		if k <= 0 {
			return nil, errors.NewConfigurationError("knn_k", "must be positive", k)
		}
	}
	if numClasses < 1 {
		return nil, errors.NewConfigurationError("num_classes", "must be at least 1", numClasses)
	}
	if !(e.temperature > 0) || math.IsInf(e.temperature, 0) {
		return nil, errors.NewConfigurationError("knn_temperature", "must be positive", e.temperature)
	}
	e.logger = e.logger.With(log.ComponentKey, "neighbors")
	return e, nil
}

// Ks は評価する k の一覧です。
func (e *KNNEvaluator) Ks() []int { return append([]int(nil), e.ks...) }

// Bank は Fit で作ったメモリバンクです。
func (e *KNNEvaluator) Bank() *MemoryBank { return e.bank }

// Evaluate はメモリ集合で Fit し、評価集合の k ごとの正解率を返します。
func (e *KNNEvaluator) Evaluate(ctx context.Context, net Embedder, memory, query data.Loader) (map[int]float64, error) {
	if err := e.Fit(ctx, net, memory); err != nil {
		return nil, err
	}
	return e.Score(ctx, net, query)
}

// EvaluateReport は Evaluate の詳細版で、k ごとに metrics.Report を返します。
// 二値問題ではクラス 1 の票の割合を AUC のスコアに使います。
func (e *KNNEvaluator) EvaluateReport(ctx context.Context, net Embedder, memory, query data.Loader) (map[int]*metrics.Report, error) {
	if err := e.Fit(ctx, net, memory); err != nil {
		return nil, err
	}
	return e.ScoreReport(ctx, net, query)
}

// Fit はメモリ集合を埋め込み、正規化して保持します。ラベル -1 のサンプルは投票できないため除きます。
func (e *KNNEvaluator) Fit(ctx context.Context, net Embedder, memory data.Loader) (err error) {
	defer errors.Recover(&err, "KNNEvaluator.Fit")
	ctx, span := tracer.Start(ctx, "knn.fit", trace.WithAttributes(attribute.Int("memory.size", memory.Len())))
	defer span.End()

	e.Reset()
	e.bank = nil

	var cols [][]float64
	var labels, indices []int
	err = memory.Each(ctx, func(b *data.Batch) error {
		z, err := embed(net, b)
		if err != nil {
			return err
		}
		for i, y := range b.Y {
			if y == data.Unlabeled {
				continue
			}
			if y >= e.numClasses {
				return errors.NewValueError("KNNEvaluator.Fit", "label "+strconv.Itoa(y)+" outside num_classes")
			}
			cols = append(cols, mat.Row(nil, i, z))
			labels = append(labels, y)
			indices = append(indices, b.Idx[i])
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(cols) == 0 {
		err = errors.Wrap(errors.ErrEmptyData, "KNNEvaluator.Fit: memory set has no labeled samples")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	d := len(cols[0])
	bank := mat.NewDense(d, len(cols), nil)
	for j, c := range cols {
		bank.SetCol(j, c)
	}
	e.bank = &MemoryBank{Embeddings: bank, Labels: labels, Indices: indices}
	e.SetFitted(d, len(cols))
	e.logger.Debug("memory bank built", log.SamplesKey, len(cols), log.EmbeddingDimKey, d)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Score は評価集合を k ごとに分類し、正解率を返します。
// ラベル -1 のサンプルは分子にも分母にも数えないので、
// 分母は評価集合の全件数ではなくラベル付きサンプルの数です。
func (e *KNNEvaluator) Score(ctx context.Context, net Embedder, query data.Loader) (map[int]float64, error) {
	res, err := e.score(ctx, net, query)
	if err != nil {
		return nil, err
	}
	scores := make(map[int]float64, len(e.ks))
	for _, k := range e.ks {
		scores[k] = float64(res.correct[k]) / float64(len(res.truth))
	}
	return scores, nil
}

// ScoreReport は評価集合を k ごとに分類し、metrics.Report を返します。
func (e *KNNEvaluator) ScoreReport(ctx context.Context, net Embedder, query data.Loader) (map[int]*metrics.Report, error) {
	res, err := e.score(ctx, net, query)
	if err != nil {
		return nil, err
	}
	truth := toVec(res.truth)
	reports := make(map[int]*metrics.Report, len(e.ks))
	for _, k := range e.ks {
		var score *mat.VecDense
		if e.numClasses == 2 {
			score = mat.NewVecDense(len(res.positive[k]), res.positive[k])
		}
		r, err := metrics.Classify(truth, toVec(res.pred[k]), score, e.numClasses)
		if err != nil {
			return nil, err
		}
		reports[k] = r
	}
	return reports, nil
}

type scoreResult struct {
	truth    []int
	pred     map[int][]int
	positive map[int][]float64
	correct  map[int]int
}

func (e *KNNEvaluator) score(ctx context.Context, net Embedder, query data.Loader) (res *scoreResult, err error) {
	defer errors.Recover(&err, "KNNEvaluator.Score")
	if err := e.RequireFitted("KNNEvaluator", "Score"); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "knn.score", trace.WithAttributes(
		attribute.Int("query.size", query.Len()),
		attribute.Int("memory.size", e.bank.Len()),
	))
	defer span.End()

	// k の切り詰めは評価全体で一度だけ警告する
	effective := make(map[int]int, len(e.ks))
	for _, k := range e.ks {
		effective[k] = e.clamp(k)
	}

	res = &scoreResult{
		pred:     make(map[int][]int, len(e.ks)),
		positive: make(map[int][]float64, len(e.ks)),
		correct:  make(map[int]int, len(e.ks)),
	}
	err = query.Each(ctx, func(b *data.Batch) error {
		z, err := embed(net, b)
		if err != nil {
			return err
		}
		if err := e.RequireFeatures("KNNEvaluator.Score", z.RawMatrix().Cols); err != nil {
			return err
		}
		var rows []int
		for i, y := range b.Y {
			if y != data.Unlabeled {
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			return nil
		}
		q := mat.NewDense(len(rows), z.RawMatrix().Cols, nil)
		for r, i := range rows {
			q.SetRow(r, z.RawRowView(i))
			res.truth = append(res.truth, b.Y[i])
		}

		ranked := e.rank(q, e.bank.Embeddings)
		for _, k := range e.ks {
			p := e.vote(effective[k], ranked, e.bank.Labels)
			for r, i := range rows {
				res.pred[k] = append(res.pred[k], p.Labels[r])
				if p.Labels[r] == b.Y[i] {
					res.correct[k]++
				}
				if e.numClasses == 2 {
					res.positive[k] = append(res.positive[k], share(p.Votes.RawRowView(r), 1))
				}
			}
		}
		return nil
	})
	if err == nil && len(res.truth) == 0 {
		err = errors.Wrap(errors.ErrEmptyData, "KNNEvaluator.Score: query set has no labeled samples")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// Predict は正規化済みのクエリ (B, D) を bank (D, M) と labels で分類します。
// k が M を超える場合は M に切り詰めて警告します。
func (e *KNNEvaluator) Predict(k int, query mat.Matrix, bank mat.Matrix, labels []int) (*Prediction, error) {
	if k <= 0 {
		return nil, errors.NewConfigurationError("knn_k", "must be positive", k)
	}
	_, d := query.Dims()
	bd, m := bank.Dims()
	if d != bd {
		return nil, errors.NewDimensionError("KNNEvaluator.Predict", bd, d, 1)
	}
	if len(labels) != m {
		return nil, errors.NewDimensionError("KNNEvaluator.Predict labels", m, len(labels), 0)
	}
	if m == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "KNNEvaluator.Predict")
	}
	for _, y := range labels {
		if y < 0 || y >= e.numClasses {
			return nil, errors.NewValueError("KNNEvaluator.Predict", "memory label outside [0, num_classes)")
		}
	}

	if k > m {
		errors.Warn(errors.NewKNNClampWarning(k, m))
		k = m
	}
	return e.vote(k, e.rank(query, bank), labels), nil
}

func (e *KNNEvaluator) clamp(k int) int {
	m := e.bank.Len()
	if k > m {
		errors.Warn(errors.NewKNNClampWarning(k, m))
		e.logger.Warn("k exceeds memory set size; clamping", log.KNNKey, k, log.SamplesKey, m)
		return m
	}
	return k
}

// ranked はクエリ1行分の類似度と、類似度の降順（同値はメモリ位置の昇順）に並べた位置です。
type ranked struct {
	sim   []float64
	order []int
}

// rank はクエリ (B, D) ごとに bank (D, M) との類似度を並べます。行ごとに並列に計算します。
func (e *KNNEvaluator) rank(query, bank mat.Matrix) []ranked {
	b, _ := query.Dims()
	_, m := bank.Dims()
	sims := mat.NewDense(b, m, nil)
	sims.Mul(query, bank)

	out := make([]ranked, b)
	parallel.ParallelizeWithThreshold(b, e.threshold, func(start, end int) {
		for i := start; i < end; i++ {
			sim := sims.RawRowView(i)
			order := make([]int, len(sim))
			for j := range order {
				order[j] = j
			}
			sort.SliceStable(order, func(a, c int) bool { return sim[order[a]] > sim[order[c]] })
			out[i] = ranked{sim: sim, order: order}
		}
	})
	return out
}

// vote は上位 k 件の exp(sim/T) をクラスごとに合計し、最大のクラスを選びます。
// 同点は小さいクラス番号が勝ちます。T が小さくてもあふれないよう、
// 先頭の類似度を引いてから指数を取ります。
// どのクラスが選ばれるかと、各クラスの票の比率はこれで変わりません。
func (e *KNNEvaluator) vote(k int, rows []ranked, labels []int) *Prediction {
	p := &Prediction{
		Labels: make([]int, len(rows)),
		Votes:  mat.NewDense(len(rows), e.numClasses, nil),
	}
	for i, r := range rows {
		votes := p.Votes.RawRowView(i)
		top := r.sim[r.order[0]]
		for _, j := range r.order[:k] {
			votes[labels[j]] += math.Exp((r.sim[j] - top) / e.temperature)
		}
		best := 0
		for c := 1; c < len(votes); c++ {
			if votes[c] > votes[best] {
				best = c
			}
		}
		p.Labels[i] = best
	}
	return p
}

func embed(net Embedder, b *data.Batch) (*mat.Dense, error) {
	z, err := net.Embed(b.X)
	if err != nil {
		return nil, err
	}
	if err := errors.CheckMatrix("knn.embedding", z, 0); err != nil {
		return nil, err
	}
	normed, _ := nn.Normalize(z)
	return normed, nil
}

func share(votes []float64, class int) float64 {
	var total float64
	for _, v := range votes {
		total += v
	}
	if total == 0 {
		return 0
	}
	return votes[class] / total
}

func toVec(labels []int) *mat.VecDense {
	v := mat.NewVecDense(len(labels), nil)
	for i, y := range labels {
		v.SetVec(i, float64(y))
	}
	return v
}
