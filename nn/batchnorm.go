package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

const (
	bnMomentum = 0.1
	bnEps      = 1e-5
)

// BatchNorm は特徴ごとのバッチ正規化です。
//
// Train では バッチ平均と (不偏でない) 分散で正規化し、移動統計を
// running ← (1-0.1)·running + 0.1·batch で更新します（分散は不偏推定）。
// inference が true の BatchNorm は常に移動統計を使い、gamma/beta も凍結されます。
type BatchNorm struct {
	gamma       *Param
	beta        *Param
	runningMean *Buffer
	runningVar  *Buffer
	dim         int
	inference   bool

	xhat   *mat.Dense
	invStd []float64
}

// NewBatchNorm は gamma=1, beta=0、running_mean=0, running_var=1 で初期化します。
func NewBatchNorm(dim int, inference bool) *BatchNorm {
	ones := make([]float64, dim)
	for i := range ones {
		ones[i] = 1
	}
	return &BatchNorm{
		gamma:       newParam("weight", mat.NewDense(1, dim, append([]float64(nil), ones...)), inference),
		beta:        newParam("bias", mat.NewDense(1, dim, nil), inference),
		runningMean: &Buffer{Name: "running_mean", Value: mat.NewDense(1, dim, nil)},
		runningVar:  &Buffer{Name: "running_var", Value: mat.NewDense(1, dim, ones)},
		dim:         dim,
		inference:   inference,
	}
}

func (bn *BatchNorm) Forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != bn.dim {
		return nil, errors.NewDimensionError("BatchNorm.Forward", bn.dim, cols, 1)
	}
	gamma := bn.gamma.Value.RawRowView(0)
	beta := bn.beta.Value.RawRowView(0)
	y := mat.NewDense(rows, cols, nil)

	if mode == Eval || bn.inference {
		mean := bn.runningMean.Value.RawRowView(0)
		variance := bn.runningVar.Value.RawRowView(0)
		invStd := make([]float64, cols)
		for j := range invStd {
			invStd[j] = 1 / math.Sqrt(variance[j]+bnEps)
		}
		var xhat *mat.Dense
		if mode == Train {
			xhat = mat.NewDense(rows, cols, nil)
		}
		for i := 0; i < rows; i++ {
			in, out := x.RawRowView(i), y.RawRowView(i)
			for j := range in {
				h := (in[j] - mean[j]) * invStd[j]
				out[j] = gamma[j]*h + beta[j]
				if xhat != nil {
					xhat.Set(i, j, h)
				}
			}
		}
		if mode == Train {
			bn.xhat, bn.invStd = xhat, invStd
		}
		return y, nil
	}

	mean := make([]float64, cols)
	variance := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range x.RawRowView(i) {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(rows)
	}
	for i := 0; i < rows; i++ {
		for j, v := range x.RawRowView(i) {
			d := v - mean[j]
			variance[j] += d * d
		}
	}

	xhat := mat.NewDense(rows, cols, nil)
	invStd := make([]float64, cols)
	rm := bn.runningMean.Value.RawRowView(0)
	rv := bn.runningVar.Value.RawRowView(0)
	for j := range variance {
		biased := variance[j] / float64(rows)
		invStd[j] = 1 / math.Sqrt(biased+bnEps)
		unbiased := biased
		if rows > 1 {
			unbiased = variance[j] / float64(rows-1)
		}
		rm[j] = (1-bnMomentum)*rm[j] + bnMomentum*mean[j]
		rv[j] = (1-bnMomentum)*rv[j] + bnMomentum*unbiased
	}
	for i := 0; i < rows; i++ {
		in, out, h := x.RawRowView(i), y.RawRowView(i), xhat.RawRowView(i)
		for j := range in {
			h[j] = (in[j] - mean[j]) * invStd[j]
			out[j] = gamma[j]*h[j] + beta[j]
		}
	}
	bn.xhat, bn.invStd = xhat, invStd
	return y, nil
}

func (bn *BatchNorm) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if bn.xhat == nil {
		return nil, errors.NewModelError("BatchNorm.Backward", "forward not called", nil)
	}
	rows, cols := grad.Dims()
	if cols != bn.dim {
		return nil, errors.NewDimensionError("BatchNorm.Backward", bn.dim, cols, 1)
	}
	gamma := bn.gamma.Value.RawRowView(0)

	sumG := make([]float64, cols)
	sumGX := make([]float64, cols)
	for i := 0; i < rows; i++ {
		g, h := grad.RawRowView(i), bn.xhat.RawRowView(i)
		for j := range g {
			sumG[j] += g[j]
			sumGX[j] += g[j] * h[j]
		}
	}
	if !bn.gamma.frozen {
		dg := bn.gamma.Grad.RawRowView(0)
		db := bn.beta.Grad.RawRowView(0)
		for j := range dg {
			dg[j] += sumGX[j]
			db[j] += sumG[j]
		}
	}

	dx := mat.NewDense(rows, cols, nil)
	n := float64(rows)
	for i := 0; i < rows; i++ {
		g, h, out := grad.RawRowView(i), bn.xhat.RawRowView(i), dx.RawRowView(i)
		for j := range g {
			if bn.inference {
				// 移動統計は定数なので単純なスケールになる
				out[j] = g[j] * gamma[j] * bn.invStd[j]
				continue
			}
			out[j] = gamma[j] * bn.invStd[j] / n * (n*g[j] - sumG[j] - h[j]*sumGX[j])
		}
	}
	bn.xhat, bn.invStd = nil, nil
	return dx, nil
}

func (bn *BatchNorm) Params() []*Param   { return []*Param{bn.gamma, bn.beta} }
func (bn *BatchNorm) Buffers() []*Buffer { return []*Buffer{bn.runningMean, bn.runningVar} }
func (bn *BatchNorm) OutDim() int        { return bn.dim }

func (bn *BatchNorm) rename(prefix string) {
	bn.gamma.Name = prefix + ".weight"
	bn.beta.Name = prefix + ".bias"
	bn.runningMean.Name = prefix + ".running_mean"
	bn.runningVar.Name = prefix + ".running_var"
}

func (bn *BatchNorm) clone(frozen bool) Layer {
	f := frozen || bn.inference
	return &BatchNorm{
		gamma:       &Param{Name: bn.gamma.Name, Value: cloneDense(bn.gamma.Value), Grad: mat.NewDense(1, bn.dim, nil), frozen: f},
		beta:        &Param{Name: bn.beta.Name, Value: cloneDense(bn.beta.Value), Grad: mat.NewDense(1, bn.dim, nil), frozen: f},
		runningMean: &Buffer{Name: bn.runningMean.Name, Value: cloneDense(bn.runningMean.Value)},
		runningVar:  &Buffer{Name: bn.runningVar.Name, Value: cloneDense(bn.runningVar.Value)},
		dim:         bn.dim,
		inference:   bn.inference,
	}
}
