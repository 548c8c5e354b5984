// Package optim はパラメータを勾配で更新するオプティマイザです。
// 凍結されたパラメータ（モーメンタムエンコーダのキー側など）の更新は常に拒否します。
package optim

import (
	"math"
	"strings"

	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Optimizer は1ステップ分のパラメータ更新を行います。
type Optimizer interface {
	// Step は params の Grad を使って Value を更新します。凍結パラメータが含まれる場合はエラーで、何も更新しません。
	Step(params []*nn.Param) error
	// LearningRate は現在の学習率です。
	LearningRate() float64
	// State はチェックポイント用の状態です。
	State() *State
	// LoadState は State を復元します。
	LoadState(*State) error
}

// State はオプティマイザの状態です。Slots[slot][param name] が各パラメータのバッファです。
type State struct {
	Kind  string
	Steps int
	Slots map[string]map[string][]float64
}

type config struct {
	momentum    float64
	weightDecay float64
	beta1       float64
	beta2       float64
	eps         float64
	gradClip    float64
}

// Option はオプティマイザの設定です。
type Option func(*config)

// WithMomentum は SGD のモーメンタム係数を設定します。
func WithMomentum(m float64) Option { return func(c *config) { c.momentum = m } }

// WithWeightDecay は L2 正則化係数を設定します。
func WithWeightDecay(wd float64) Option { return func(c *config) { c.weightDecay = wd } }

// WithBetas は Adam の β1, β2 を設定します。
func WithBetas(b1, b2 float64) Option {
	return func(c *config) { c.beta1, c.beta2 = b1, b2 }
}

// WithEpsilon は Adam の ε を設定します。
func WithEpsilon(eps float64) Option { return func(c *config) { c.eps = eps } }

// WithGradClip は全パラメータを合わせた勾配の L2 ノルムを maxNorm 以下に切り詰めます。
// 0 なら切り詰めません。
func WithGradClip(maxNorm float64) Option { return func(c *config) { c.gradClip = maxNorm } }

func newConfig(lr float64, opts []Option) (*config, error) {
	cfg := &config{beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, opt := range opts {
		opt(cfg)
	}
	if lr <= 0 || math.IsNaN(lr) {
		return nil, errors.NewConfigurationError("learning_rate", "must be positive", lr)
	}
	if cfg.momentum < 0 || cfg.momentum >= 1 {
		return nil, errors.NewConfigurationError("momentum", "must be in [0, 1)", cfg.momentum)
	}
	if cfg.weightDecay < 0 {
		return nil, errors.NewConfigurationError("weight_decay", "must be non-negative", cfg.weightDecay)
	}
	if cfg.beta1 < 0 || cfg.beta1 >= 1 || cfg.beta2 < 0 || cfg.beta2 >= 1 {
		return nil, errors.NewConfigurationError("betas", "must be in [0, 1)", []float64{cfg.beta1, cfg.beta2})
	}
	if cfg.gradClip < 0 || math.IsNaN(cfg.gradClip) {
		return nil, errors.NewConfigurationError("grad_clip", "must be non-negative", cfg.gradClip)
	}
	if cfg.eps <= 0 {
		return nil, errors.NewConfigurationError("epsilon", "must be positive", cfg.eps)
	}
	return cfg, nil
}

// New は名前からオプティマイザを作ります（"sgd" または "adam"）。
func New(kind string, lr float64, opts ...Option) (Optimizer, error) {
	switch strings.ToLower(kind) {
	case "sgd":
		return NewSGD(lr, opts...)
	case "adam":
		return NewAdam(lr, opts...)
	default:
		return nil, errors.NewConfigurationError("optimizer", "must be sgd or adam", kind)
	}
}

func checkTrainable(op string, params []*nn.Param) error {
	for _, p := range params {
		if p.Frozen() {
			return errors.Wrapf(errors.ErrFrozenParameter, "%s: parameter %s", op, p.Name)
		}
	}
	return nil
}

// prepareGrads は勾配がすべて有限かを確かめ、必要ならノルムで切り詰めます。
// 有限でない勾配があればどのパラメータも更新しません。
func prepareGrads(op string, params []*nn.Param, maxNorm float64, step int) error {
	n := 0
	for _, p := range params {
		n += len(p.Grad.RawMatrix().Data)
	}
	flat := make([]float64, 0, n)
	for _, p := range params {
		flat = append(flat, p.Grad.RawMatrix().Data...)
	}
	if err := errors.CheckNumericalStability(op, flat, step); err != nil {
		return err
	}
	if maxNorm <= 0 {
		return nil
	}
	if norm := errors.ClipGradient(flat, maxNorm); norm <= maxNorm {
		return nil
	}
	off := 0
	for _, p := range params {
		off += copy(p.Grad.RawMatrix().Data, flat[off:])
	}
	return nil
}

func slot(m map[string][]float64, p *nn.Param) []float64 {
	buf, ok := m[p.Name]
	if !ok {
		r, c := p.Value.Dims()
		buf = make([]float64, r*c)
		m[p.Name] = buf
	}
	return buf
}

func cloneSlots(in map[string]map[string][]float64) map[string]map[string][]float64 {
	out := make(map[string]map[string][]float64, len(in))
	for name, m := range in {
		cp := make(map[string][]float64, len(m))
		for k, v := range m {
			cp[k] = append([]float64(nil), v...)
		}
		out[name] = cp
	}
	return out
}
