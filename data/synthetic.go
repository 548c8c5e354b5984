package data

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// SyntheticConfig は合成コホートの設定です。
type SyntheticConfig struct {
	Shape      tensor.Shape
	NumSamples int
	NumClasses int
	// Noise はプロトタイプに加える雑音の標準偏差です。
	Noise float64
	// UnlabeledFraction はラベルを -1 にするサンプルの割合です。
	UnlabeledFraction float64
	Seed              int64
}

// Synthetic はクラスごとのプロトタイプボリュームに雑音を加えた合成コホートを作ります。
// クラス c のプロトタイプは、ボリュームの c 番目の領域だけ強度が高くなっています。
// ラベルの割り当ては巡回で、クラスの偏りはありません。
func Synthetic(cfg SyntheticConfig) (*Dataset, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumSamples <= 0 {
		return nil, errors.NewConfigurationError("num_samples", "must be positive", cfg.NumSamples)
	}
	if cfg.NumClasses < 1 {
		return nil, errors.NewConfigurationError("num_classes", "must be at least 1", cfg.NumClasses)
	}
	if cfg.Noise < 0 {
		return nil, errors.NewConfigurationError("noise", "must be non-negative", cfg.Noise)
	}
	if cfg.UnlabeledFraction < 0 || cfg.UnlabeledFraction >= 1 {
		return nil, errors.NewConfigurationError("unlabeled_fraction", "must be in [0, 1)", cfg.UnlabeledFraction)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	size := cfg.Shape.Size()
	region := size / cfg.NumClasses
	if region == 0 {
		region = 1
	}

	prototypes := make([][]float64, cfg.NumClasses)
	for c := range prototypes {
		p := make([]float64, size)
		for i := range p {
			p[i] = 0.1 * rng.Float64()
		}
		for i := c * region; i < (c+1)*region && i < size; i++ {
			p[i] += 1
		}
		prototypes[c] = p
	}

	x := mat.NewDense(cfg.NumSamples, size, nil)
	labels := make([]int, cfg.NumSamples)
	for n := 0; n < cfg.NumSamples; n++ {
		c := n % cfg.NumClasses
		row := x.RawRowView(n)
		for i, v := range prototypes[c] {
			row[i] = v + rng.NormFloat64()*cfg.Noise
		}
		labels[n] = c
	}

	nUnlabeled := int(float64(cfg.NumSamples) * cfg.UnlabeledFraction)
	for _, n := range rng.Perm(cfg.NumSamples)[:nUnlabeled] {
		labels[n] = Unlabeled
	}
	return NewDatasetFromMatrix(cfg.Shape, x, labels, nil)
}
