// Package preprocessing はボリューム画像の強度正規化を提供します。
package preprocessing

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// ScaleMode は統計量を取る単位です。
type ScaleMode int

const (
	// ScaleGlobal はコホート全体のボクセルから1組の平均・標準偏差を求めます。
	ScaleGlobal ScaleMode = iota
	// ScaleVoxel はボクセル位置ごとに平均・標準偏差を求めます。
	ScaleVoxel
)

const minScale = 1e-8

// IntensityScaler は学習コホートで求めた統計量でボクセル強度を z-score に変換します。
// 入力は1サンプル1行に平坦化された行列です。
type IntensityScaler struct {
	model.StateManager

	// Mean は平均値（ScaleGlobal では長さ1）
	Mean []float64

	// Scale は標準偏差（ScaleGlobal では長さ1）
	Scale []float64

	mode ScaleMode
	clip float64
}

// ScalerOption は IntensityScaler の設定です。
type ScalerOption func(*IntensityScaler)

// WithMode は統計量の単位を設定します（既定 ScaleGlobal）。
func WithMode(mode ScaleMode) ScalerOption {
	return func(s *IntensityScaler) { s.mode = mode }
}

// WithClip は変換後の値を [-c, c] に切り詰めます。0 は切り詰めなし。
func WithClip(c float64) ScalerOption {
	return func(s *IntensityScaler) { s.clip = c }
}

// NewIntensityScaler は新しいIntensityScalerを作成する
//
// 使用例:
//
//	scaler := preprocessing.NewIntensityScaler(preprocessing.WithClip(5))
//	err := scaler.Fit(train.X)
//	xs, err := scaler.Transform(batch.X)
func NewIntensityScaler(opts ...ScalerOption) (*IntensityScaler, error) {
	s := &IntensityScaler{}
	for _, opt := range opts {
		opt(s)
	}
	if s.mode != ScaleGlobal && s.mode != ScaleVoxel {
		return nil, errors.NewConfigurationError("scale_mode", "must be global or voxel", int(s.mode))
	}
	if s.clip < 0 || math.IsNaN(s.clip) {
		return nil, errors.NewConfigurationError("clip", "must be non-negative", s.clip)
	}
	return s, nil
}

// Fit は訓練データから平均と標準偏差を計算する
func (s *IntensityScaler) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if r == 0 || c == 0 {
		return errors.NewModelError("IntensityScaler.Fit", "empty data", errors.ErrEmptyData)
	}
	if err := errors.CheckMatrix("IntensityScaler.Fit", X, 0); err != nil {
		return err
	}

	dense := mat.DenseCopyOf(X)
	switch s.mode {
	case ScaleGlobal:
		mean, std := stat.PopMeanStdDev(dense.RawMatrix().Data, nil)
		s.Mean = []float64{mean}
		s.Scale = []float64{floorScale(std)}
	case ScaleVoxel:
		s.Mean = make([]float64, c)
		s.Scale = make([]float64, c)
		col := make([]float64, r)
		for j := 0; j < c; j++ {
			mat.Col(col, j, dense)
			mean, std := stat.PopMeanStdDev(col, nil)
			s.Mean[j] = mean
			s.Scale[j] = floorScale(std)
		}
	}

	s.SetFitted(c, r)
	return nil
}

// 標準偏差が0に近い場合は1に設定（ゼロ除算を避ける）
func floorScale(std float64) float64 {
	if std < minScale {
		return 1
	}
	return std
}

func (s *IntensityScaler) stats(j int) (mean, scale float64) {
	if s.mode == ScaleGlobal {
		return s.Mean[0], s.Scale[0]
	}
	return s.Mean[j], s.Scale[j]
}

// Transform は学習済みの統計量でデータを標準化する
func (s *IntensityScaler) Transform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.RequireFitted("IntensityScaler", "Transform"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if err := s.RequireFeatures("IntensityScaler.Transform", c); err != nil {
		return nil, err
	}

	result := mat.NewDense(r, c, nil)
	result.Apply(func(i, j int, v float64) float64 {
		mean, scale := s.stats(j)
		z := (v - mean) / scale
		if s.clip > 0 {
			z = math.Max(-s.clip, math.Min(s.clip, z))
		}
		return z
	}, X)
	return result, nil
}

// FitTransform は訓練データで学習し、同じデータを変換する
func (s *IntensityScaler) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// InverseTransform は標準化されたデータを元の強度に戻す。切り詰めた値は戻りません。
func (s *IntensityScaler) InverseTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := s.RequireFitted("IntensityScaler", "InverseTransform"); err != nil {
		return nil, err
	}
	r, c := X.Dims()
	if err := s.RequireFeatures("IntensityScaler.InverseTransform", c); err != nil {
		return nil, err
	}

	result := mat.NewDense(r, c, nil)
	result.Apply(func(i, j int, v float64) float64 {
		mean, scale := s.stats(j)
		return v*scale + mean
	}, X)
	return result, nil
}

// GetParams はスケーラーのパラメータを取得する
func (s *IntensityScaler) GetParams() map[string]interface{} {
	mode := "global"
	if s.mode == ScaleVoxel {
		mode = "voxel"
	}
	return map[string]interface{}{
		"mode": mode,
		"clip": s.clip,
	}
}

// ParseScaleMode は "global" または "voxel" を ScaleMode に変換します。
func ParseScaleMode(name string) (ScaleMode, error) {
	switch name {
	case "global", "":
		return ScaleGlobal, nil
	case "voxel":
		return ScaleVoxel, nil
	default:
		return 0, errors.NewConfigurationError("scale_mode", "must be global or voxel", name)
	}
}
