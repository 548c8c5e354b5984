package supmoco

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// SupContrastiveLoss はソフトラベル重み付きの多重ポジティブ InfoNCE です。
//
// アンカー i に対してプール P = concat(K, Mᵀ) との類似度 S = Q·Pᵀ/τ を計算し、
//
//	loss_i = -log( (e^{S_ii} + α_c Σ_{j∈pos(i), j≠i} e^{S_ij}) / Σ_j e^{S_ij} )
//
// を全アンカーで平均します。pos(i) はアンカーと同じ定義済みラベルを持つプール要素、
// c はアンカーのクラスです。ラベル -1 のアンカーは自分のペアだけをポジティブとします。
// 同じサンプル番号 (≥ 0) を持つ他のプール要素は分子からも分母からも除外されます。
type SupContrastiveLoss struct {
	temperature float64
	maskSame    bool
}

// LossOption は SupContrastiveLoss の設定です。
type LossOption func(*SupContrastiveLoss)

// WithSameSampleMasking はサンプル番号による自己比較の除外を切り替えます（既定は有効）。
func WithSameSampleMasking(enabled bool) LossOption {
	return func(l *SupContrastiveLoss) { l.maskSame = enabled }
}

// NewSupContrastiveLoss は温度 τ の損失を作ります。τ ≤ 0 は ErrInvalidConfiguration です。
func NewSupContrastiveLoss(temperature float64, opts ...LossOption) (*SupContrastiveLoss, error) {
	if !(temperature > 0) || math.IsInf(temperature, 0) {
		return nil, errors.NewConfigurationError("temperature", "must be positive", temperature)
	}
	l := &SupContrastiveLoss{temperature: temperature, maskSame: true}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Temperature は τ です。
func (l *SupContrastiveLoss) Temperature() float64 { return l.temperature }

// LossInput は1ステップ分の入力です。
type LossInput struct {
	// Q はクエリ埋め込み (B, D)、L2 正規化済み。
	Q mat.Matrix
	// K は正のキー埋め込み (B, D)。K[i] は Q[i] の拡張ペアです。
	K mat.Matrix
	// Labels はバッチのラベル。-1 はラベルなし。
	Labels []int
	// Indices はサンプル番号。nil なら同一サンプルの除外は行いません。
	Indices []int
	// Queue はこのステップのキュー。nil や空でも構いません。
	Queue *QueueSnapshot
	// Alphas はクラスごとのソフトラベル重み α_c ∈ [0,1]。nil なら全クラス 1。
	Alphas []float64
}

// LossOutput は損失とクエリに対する勾配です。
type LossOutput struct {
	Loss      float64
	PerAnchor []float64
	// GradQ は ∂Loss/∂Q (B, D) です。
	GradQ *mat.Dense
	// Positives はアンカーごとの自分以外のポジティブ数です。
	Positives []int
}

// Compute は損失と勾配を計算します。
func (l *SupContrastiveLoss) Compute(in LossInput) (*LossOutput, error) {
	if in.Q == nil || in.K == nil {
		return nil, errors.NewValueError("SupContrastiveLoss.Compute", "Q and K are required")
	}
	b, d := in.Q.Dims()
	kb, kd := in.K.Dims()
	if b == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "SupContrastiveLoss.Compute")
	}
	if kb != b {
		return nil, errors.NewDimensionError("SupContrastiveLoss.Compute K", b, kb, 0)
	}
	if kd != d {
		return nil, errors.NewDimensionError("SupContrastiveLoss.Compute K", d, kd, 1)
	}
	if len(in.Labels) != b {
		return nil, errors.NewDimensionError("SupContrastiveLoss.Compute labels", b, len(in.Labels), 0)
	}
	if in.Indices != nil && len(in.Indices) != b {
		return nil, errors.NewDimensionError("SupContrastiveLoss.Compute indices", b, len(in.Indices), 0)
	}
	n := in.Queue.Len()
	if n > 0 {
		if in.Queue.Keys == nil {
			return nil, errors.NewValueError("SupContrastiveLoss.Compute", "queue snapshot has labels but no keys")
		}
		qd, qn := in.Queue.Keys.Dims()
		if qd != d {
			return nil, errors.NewDimensionError("SupContrastiveLoss.Compute queue keys", d, qd, 0)
		}
		if qn != n {
			return nil, errors.NewDimensionError("SupContrastiveLoss.Compute queue labels", n, qn, 1)
		}
	}
	for c, a := range in.Alphas {
		if math.IsNaN(a) || a < 0 || a > 1 {
			return nil, errors.NewConfigurationError("alphas", "must be in [0, 1]", map[int]float64{c: a})
		}
	}
	if err := errors.CheckMatrix("SupContrastiveLoss.Q", in.Q, 0); err != nil {
		return nil, err
	}
	if err := errors.CheckMatrix("SupContrastiveLoss.K", in.K, 0); err != nil {
		return nil, err
	}

	// プール (B+n, D): 先頭 B 行がバッチのキー、残りがキュー
	pool := mat.NewDense(b+n, d, nil)
	pool.Slice(0, b, 0, d).(*mat.Dense).Copy(in.K)
	if n > 0 {
		pool.Slice(b, b+n, 0, d).(*mat.Dense).Copy(in.Queue.Keys.T())
	}
	poolLabels := append(append(make([]int, 0, b+n), in.Labels...), in.Queue.labels()...)
	poolIdx := make([]int, 0, b+n)
	if in.Indices != nil {
		poolIdx = append(poolIdx, in.Indices...)
	} else {
		for i := 0; i < b; i++ {
			poolIdx = append(poolIdx, -1)
		}
	}
	poolIdx = append(poolIdx, in.Queue.indices()...)

	logits := mat.NewDense(b, b+n, nil)
	logits.Mul(in.Q, pool.T())
	logits.Scale(1/l.temperature, logits)

	out := &LossOutput{
		PerAnchor: make([]float64, b),
		Positives: make([]int, b),
	}
	// coef[i][j] = ∂loss_i/∂S_ij
	coef := mat.NewDense(b, b+n, nil)
	all := make([]float64, 0, b+n)
	pos := make([]float64, 0, b+n)

	for i := 0; i < b; i++ {
		s := logits.RawRowView(i)
		y := in.Labels[i]
		alpha := 1.0
		if y >= 0 && y < len(in.Alphas) {
			alpha = in.Alphas[y]
		}

		excluded := func(j int) bool {
			return l.maskSame && j != i && poolIdx[i] >= 0 && poolIdx[j] == poolIdx[i]
		}
		weight := func(j int) float64 {
			if j == i {
				return 1
			}
			if y != Unlabeled && poolLabels[j] == y {
				return alpha
			}
			return 0
		}

		// 分母・分子ともに log-sum-exp で計算し、正例が行の最大値から遠くてもアンダーフローさせない
		all = all[:0]
		pos = pos[:0]
		for j, v := range s {
			if excluded(j) {
				continue
			}
			all = append(all, v)
			if w := weight(j); w > 0 {
				pos = append(pos, v+math.Log(w))
			}
			if j != i && y != Unlabeled && poolLabels[j] == y {
				out.Positives[i]++
			}
		}
		logDen := errors.LogSumExp(all)
		logNum := errors.LogSumExp(pos)

		lossI := logDen - logNum
		if err := errors.CheckScalar("SupContrastiveLoss.loss", lossI, 0); err != nil {
			return nil, err
		}
		// 丸め誤差で負にならないようにする
		if lossI < 0 {
			lossI = 0
		}
		out.PerAnchor[i] = lossI
		out.Loss += lossI

		row := coef.RawRowView(i)
		for j, v := range s {
			if excluded(j) {
				continue
			}
			g := math.Exp(v - logDen)
			if w := weight(j); w > 0 {
				g -= w * math.Exp(v-logNum)
			}
			row[j] = g
		}
	}
	out.Loss /= float64(b)

	// GradQ = coef · P / (τ B)
	out.GradQ = mat.NewDense(b, d, nil)
	out.GradQ.Mul(coef, pool)
	out.GradQ.Scale(1/(l.temperature*float64(b)), out.GradQ)

	if err := errors.CheckScalar("SupContrastiveLoss", out.Loss, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *QueueSnapshot) labels() []int {
	if s == nil {
		return nil
	}
	return s.Labels
}

func (s *QueueSnapshot) indices() []int {
	if s == nil {
		return nil
	}
	if len(s.Indices) == len(s.Labels) {
		return s.Indices
	}
	out := make([]int, len(s.Labels))
	for i := range out {
		out[i] = -1
	}
	return out
}
