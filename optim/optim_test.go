package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

func param(name string, value, grad []float64) *nn.Param {
	return &nn.Param{
		Name:  name,
		Value: mat.NewDense(1, len(value), value),
		Grad:  mat.NewDense(1, len(grad), grad),
	}
}

func TestSGDPlainAndMomentum(t *testing.T) {
	opt, err := NewSGD(0.1)
	require.NoError(t, err)
	p := param("w", []float64{1, 2}, []float64{1, -1})
	require.NoError(t, opt.Step([]*nn.Param{p}))
	assert.InDeltaSlice(t, []float64{0.9, 2.1}, p.Value.RawRowView(0), 1e-12)

	mom, err := NewSGD(0.1, WithMomentum(0.9), WithWeightDecay(0.5))
	require.NoError(t, err)
	q := param("w", []float64{1}, []float64{1})
	require.NoError(t, mom.Step([]*nn.Param{q}))
	// g = 1 + 0.5*1 = 1.5, v = 1.5
	assert.InDelta(t, 1-0.15, q.Value.At(0, 0), 1e-12)
	require.NoError(t, mom.Step([]*nn.Param{q}))
	// g = 1 + 0.5*0.85 = 1.425, v = 0.9*1.5 + 1.425
	assert.InDelta(t, 0.85-0.1*(1.35+1.425), q.Value.At(0, 0), 1e-12)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	opt, err := NewAdam(0.01)
	require.NoError(t, err)
	p := param("w", []float64{1, 1}, []float64{3, -0.2})
	require.NoError(t, opt.Step([]*nn.Param{p}))
	// バイアス補正後の最初のステップは符号 × lr
	assert.InDelta(t, 0.99, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, 1.01, p.Value.At(0, 1), 1e-6)
}

func TestStateRoundTrip(t *testing.T) {
	a, err := NewAdam(0.01)
	require.NoError(t, err)
	p := param("w", []float64{1}, []float64{1})
	require.NoError(t, a.Step([]*nn.Param{p}))

	st := a.State()
	assert.Equal(t, 1, st.Steps)

	b, err := NewAdam(0.01)
	require.NoError(t, err)
	require.NoError(t, b.LoadState(st))

	p1 := param("w", []float64{0.5}, []float64{0.3})
	p2 := param("w", []float64{0.5}, []float64{0.3})
	require.NoError(t, a.Step([]*nn.Param{p1}))
	require.NoError(t, b.Step([]*nn.Param{p2}))
	assert.Equal(t, p1.Value.At(0, 0), p2.Value.At(0, 0))

	sgd, err := NewSGD(0.1)
	require.NoError(t, err)
	assert.Error(t, sgd.LoadState(st))
}

func TestGradClip(t *testing.T) {
	opt, err := NewSGD(1, WithGradClip(1))
	require.NoError(t, err)

	// 2つのパラメータを合わせたノルムは 5 → 1 に縮めて (0.6, 0.8)
	a := param("a", []float64{0}, []float64{3})
	b := param("b", []float64{0}, []float64{4})
	require.NoError(t, opt.Step([]*nn.Param{a, b}))
	assert.InDelta(t, -0.6, a.Value.At(0, 0), 1e-12)
	assert.InDelta(t, -0.8, b.Value.At(0, 0), 1e-12)

	// ノルムが上限以下なら勾配はそのまま
	c := param("c", []float64{0}, []float64{0.5})
	require.NoError(t, opt.Step([]*nn.Param{c}))
	assert.InDelta(t, -0.5, c.Value.At(0, 0), 1e-12)

	_, err = NewSGD(0.1, WithGradClip(-1))
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestRejectsNonFiniteGradients(t *testing.T) {
	for _, kind := range []string{"sgd", "adam"} {
		opt, err := New(kind, 0.1)
		require.NoError(t, err)
		ok := param("ok", []float64{1}, []float64{1})
		bad := param("bad", []float64{1}, []float64{math.NaN()})
		err = opt.Step([]*nn.Param{ok, bad})
		assert.True(t, errors.Is(err, errors.ErrNumericalInstability), kind)
		assert.Equal(t, 1.0, ok.Value.At(0, 0), "%s: nothing is updated", kind)
		assert.Zero(t, opt.State().Steps, kind)
	}
}

func TestRejectsFrozenParams(t *testing.T) {
	enc, err := nn.BuildEncoder(nn.BackboneMLP, tensor.Shape{Channels: 1, Height: 2, Width: 2, Depth: 1}, 2, nn.WithHiddenDims(3))
	require.NoError(t, err)
	key := enc.FrozenCopy()
	before := mat.DenseCopyOf(key.Params()[0].Value)

	for _, kind := range []string{"sgd", "adam"} {
		opt, err := New(kind, 0.1)
		require.NoError(t, err)
		err = opt.Step(key.Params())
		assert.True(t, errors.Is(err, errors.ErrFrozenParameter), kind)
	}
	assert.True(t, mat.Equal(before, key.Params()[0].Value))
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		lr   float64
		opts []Option
	}{
		{"zero lr", 0, nil},
		{"nan lr", math.NaN(), nil},
		{"momentum one", 0.1, []Option{WithMomentum(1)}},
		{"negative decay", 0.1, []Option{WithWeightDecay(-1)}},
		{"bad beta", 0.1, []Option{WithBetas(1, 0.9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdam(tt.lr, tt.opts...)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
		})
	}
	_, err := New("lamb", 0.1)
	assert.Error(t, err)
}
