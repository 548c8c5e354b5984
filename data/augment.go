package data

import (
	"math/rand"

	"github.com/YuminosukeSato/supmoco/core/tensor"
)

// Transform はボリューム1つを vol の上で直接書き換える拡張です。
// 乱数は rng からのみ引きます。同じ rng の状態からは同じ結果になります。
type Transform func(vol []float64, shape tensor.Shape, rng *rand.Rand)

// Identity は何もしない Transform です。
func Identity(_ []float64, _ tensor.Shape, _ *rand.Rand) {}

// Compose は ts を順に適用します。
func Compose(ts ...Transform) Transform {
	return func(vol []float64, shape tensor.Shape, rng *rand.Rand) {
		for _, t := range ts {
			t(vol, shape, rng)
		}
	}
}

// Axis はボリュームの空間軸です。
type Axis int

const (
	AxisHeight Axis = iota
	AxisWidth
	AxisDepth
)

// RandomFlip は確率 p で axis 方向に反転します。
func RandomFlip(axis Axis, p float64) Transform {
	return func(vol []float64, s tensor.Shape, rng *rand.Rand) {
		if rng.Float64() >= p {
			return
		}
		for c := 0; c < s.Channels; c++ {
			for h := 0; h < s.Height; h++ {
				for w := 0; w < s.Width; w++ {
					for d := 0; d < s.Depth; d++ {
						h2, w2, d2 := h, w, d
						switch axis {
						case AxisHeight:
							if h >= s.Height/2 {
								continue
							}
							h2 = s.Height - 1 - h
						case AxisWidth:
							if w >= s.Width/2 {
								continue
							}
							w2 = s.Width - 1 - w
						case AxisDepth:
							if d >= s.Depth/2 {
								continue
							}
							d2 = s.Depth - 1 - d
						}
						a, b := s.Offset(c, h, w, d), s.Offset(c, h2, w2, d2)
						vol[a], vol[b] = vol[b], vol[a]
					}
				}
			}
		}
	}
}

// GaussianNoise は各ボクセルに N(0, std²) の雑音を加えます。
func GaussianNoise(std float64) Transform {
	return func(vol []float64, _ tensor.Shape, rng *rand.Rand) {
		for i := range vol {
			vol[i] += rng.NormFloat64() * std
		}
	}
}

// RandomIntensity は全ボクセルに [1-scale, 1+scale] の一様な倍率を掛けます。
func RandomIntensity(scale float64) Transform {
	return func(vol []float64, _ tensor.Shape, rng *rand.Rand) {
		f := 1 + (2*rng.Float64()-1)*scale
		for i := range vol {
			vol[i] *= f
		}
	}
}

// sampleSeed は (seed, epoch, sample, view) から決定的な乱数種を作ります（splitmix64）。
// ワーカーの実行順に関係なく同じ拡張結果になります。
func sampleSeed(seed int64, epoch, sample, view int) int64 {
	z := uint64(seed)
	for _, v := range []int{epoch, sample, view} {
		z += 0x9e3779b97f4a7c15 + uint64(v)
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
	}
	return int64(z)
}
