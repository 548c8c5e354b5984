package supmoco

import (
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// AlphaSchedule はクラスごとのソフトラベル重みを線形に減衰させます。
// クラス c の重みは epoch 0 で Start[c]、epoch DecayEnd[c] 以降で Min[c] です。
type AlphaSchedule struct {
	Start    []float64
	Min      []float64
	DecayEnd []int
}

// NewAlphaSchedule は長さと値域を検証します。alphasMin や decayEnd が空なら減衰なしです。
func NewAlphaSchedule(alphas, alphasMin []float64, decayEnd []int) (*AlphaSchedule, error) {
	if len(alphas) == 0 {
		return nil, nil
	}
	if len(alphasMin) == 0 {
		alphasMin = alphas
	}
	if len(decayEnd) == 0 {
		decayEnd = make([]int, len(alphas))
	}
	if len(alphasMin) != len(alphas) || len(decayEnd) != len(alphas) {
		return nil, errors.NewConfigurationError("alphas", "alphas, alphas_min and alphas_decay_end must have equal length",
			[]int{len(alphas), len(alphasMin), len(decayEnd)})
	}
	for c := range alphas {
		if alphas[c] < 0 || alphas[c] > 1 || alphasMin[c] < 0 || alphasMin[c] > alphas[c] {
			return nil, errors.NewConfigurationError("alphas", "require 0 <= alphas_min <= alphas <= 1", []float64{alphas[c], alphasMin[c]})
		}
		if decayEnd[c] < 0 {
			return nil, errors.NewConfigurationError("alphas_decay_end", "must be non-negative", decayEnd[c])
		}
	}
	return &AlphaSchedule{
		Start:    append([]float64(nil), alphas...),
		Min:      append([]float64(nil), alphasMin...),
		DecayEnd: append([]int(nil), decayEnd...),
	}, nil
}

// At は epoch におけるクラスごとの重みです。nil のスケジュールは nil を返します。
func (s *AlphaSchedule) At(epoch int) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s.Start))
	for c := range out {
		if s.DecayEnd[c] == 0 {
			out[c] = s.Min[c]
			continue
		}
		t := float64(epoch) / float64(s.DecayEnd[c])
		if t > 1 {
			t = 1
		}
		if t < 0 {
			t = 0
		}
		out[c] = s.Start[c] - (s.Start[c]-s.Min[c])*t
	}
	return out
}
