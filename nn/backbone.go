package nn

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// BackboneKind は backbone の種類を表す閉じた列挙です。
type BackboneKind string

const (
	// BackboneMLP は平坦化したボクセルに全結合ブロックを重ねます。
	BackboneMLP BackboneKind = "mlp"
	// BackbonePooledMLP は AvgPool3D で解像度を落としてから全結合ブロックを重ねます。
	BackbonePooledMLP BackboneKind = "pooled_mlp"
)

type backboneBuilder func(in tensor.Shape, cfg *backboneConfig) ([]Layer, int, error)

var backboneBuilders = map[BackboneKind]backboneBuilder{
	BackboneMLP:       buildMLP,
	BackbonePooledMLP: buildPooledMLP,
}

// BackboneKinds は利用可能な種類をソートして返します。
func BackboneKinds() []string {
	out := make([]string, 0, len(backboneBuilders))
	for k := range backboneBuilders {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// ParseBackboneKind は文字列を BackboneKind に変換します。
func ParseBackboneKind(s string) (BackboneKind, error) {
	k := BackboneKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := backboneBuilders[k]; !ok {
		return "", errors.NewConfigurationError("backbone", "must be one of "+strings.Join(BackboneKinds(), ", "), s)
	}
	return k, nil
}

type backboneConfig struct {
	hidden     []int
	poolKernel int
	frozenBN   bool
	rng        *rand.Rand
}

// BackboneOption は BuildBackbone の設定です。
type BackboneOption func(*backboneConfig)

// WithHiddenDims は全結合ブロックの幅を設定します。最後の値が特徴次元になります。
func WithHiddenDims(dims ...int) BackboneOption {
	return func(c *backboneConfig) { c.hidden = append([]int(nil), dims...) }
}

// WithPoolKernel は BackbonePooledMLP のプーリング幅を設定します。
func WithPoolKernel(k int) BackboneOption {
	return func(c *backboneConfig) { c.poolKernel = k }
}

// WithFrozenBatchNorm は構築時に全 BatchNorm を推論統計に固定します。
// 固定された BatchNorm の gamma/beta は凍結され、移動統計も更新されません。
func WithFrozenBatchNorm() BackboneOption {
	return func(c *backboneConfig) { c.frozenBN = true }
}

// WithRand は重み初期化の乱数源を設定します。
func WithRand(rng *rand.Rand) BackboneOption {
	return func(c *backboneConfig) { c.rng = rng }
}

func newBackboneConfig(opts []BackboneOption) *backboneConfig {
	cfg := &backboneConfig{hidden: []int{64}, poolKernel: 2}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(0))
	}
	return cfg
}

// BuildBackbone は kind に対応する backbone を構築します。
func BuildBackbone(kind BackboneKind, in tensor.Shape, opts ...BackboneOption) (*Sequential, error) {
	build, ok := backboneBuilders[kind]
	if !ok {
		return nil, errors.NewConfigurationError("backbone", "unknown backbone", string(kind))
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cfg := newBackboneConfig(opts)
	for _, h := range cfg.hidden {
		if h <= 0 {
			return nil, errors.NewConfigurationError("hidden_dims", "must be positive", cfg.hidden)
		}
	}
	if len(cfg.hidden) == 0 {
		return nil, errors.NewConfigurationError("hidden_dims", "at least one width is required", cfg.hidden)
	}

	layers, _, err := build(in, cfg)
	if err != nil {
		return nil, err
	}
	return NewSequential("backbone", in.Size(), layers...)
}

func buildMLP(in tensor.Shape, cfg *backboneConfig) ([]Layer, int, error) {
	layers := []Layer{NewFlatten(in)}
	dense, out := denseBlocks(in.Size(), cfg)
	return append(layers, dense...), out, nil
}

func buildPooledMLP(in tensor.Shape, cfg *backboneConfig) ([]Layer, int, error) {
	pool, err := NewAvgPool3D(in, cfg.poolKernel)
	if err != nil {
		return nil, 0, err
	}
	layers := []Layer{pool, NewFlatten(pool.OutShape())}
	dense, out := denseBlocks(pool.OutShape().Size(), cfg)
	return append(layers, dense...), out, nil
}

// denseBlocks は Linear → BatchNorm → ReLU を hidden の数だけ重ねます。
func denseBlocks(inDim int, cfg *backboneConfig) ([]Layer, int) {
	var layers []Layer
	d := inDim
	for _, h := range cfg.hidden {
		layers = append(layers, NewLinear(d, h, cfg.rng), NewBatchNorm(h, cfg.frozenBN), NewReLU(h))
		d = h
	}
	return layers, d
}

// MLPHead は projector Linear(in, hidden) → BatchNorm → ReLU → Linear(hidden, out) を返します。
func MLPHead(inDim, hiddenDim, outDim int, rng *rand.Rand) (*Sequential, error) {
	if inDim <= 0 || hiddenDim <= 0 || outDim <= 0 {
		return nil, errors.NewConfigurationError("projector", "dimensions must be positive", []int{inDim, hiddenDim, outDim})
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	return NewSequential("projector", inDim,
		NewLinear(inDim, hiddenDim, rng),
		NewBatchNorm(hiddenDim, false),
		NewReLU(hiddenDim),
		NewLinear(hiddenDim, outDim, rng),
	)
}

// BuildEncoder は backbone と MLPHead(features, features, projectorDim) をつなげます。
func BuildEncoder(kind BackboneKind, in tensor.Shape, projectorDim int, opts ...BackboneOption) (*Encoder, error) {
	backbone, err := BuildBackbone(kind, in, opts...)
	if err != nil {
		return nil, err
	}
	cfg := newBackboneConfig(opts)
	head, err := MLPHead(backbone.OutDim(), backbone.OutDim(), projectorDim, cfg.rng)
	if err != nil {
		return nil, err
	}
	return NewEncoder(kind, backbone, head)
}
