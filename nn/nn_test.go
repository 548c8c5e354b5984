package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

var testShape = tensor.Shape{Channels: 1, Height: 2, Width: 2, Depth: 2}

func randomBatch(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

func buildTestEncoder(t *testing.T, kind BackboneKind, opts ...BackboneOption) *Encoder {
	t.Helper()
	opts = append([]BackboneOption{WithHiddenDims(6, 5), WithRand(rand.New(rand.NewSource(7)))}, opts...)
	enc, err := BuildEncoder(kind, testShape, 3, opts...)
	require.NoError(t, err)
	return enc
}

// weightedSum は L = Σ c_ij y_ij とその勾配 c を返します。
func weightedSum(y, c *mat.Dense) float64 {
	var e mat.Dense
	e.MulElem(y, c)
	return mat.Sum(&e)
}

func TestEncoderGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	enc := buildTestEncoder(t, BackboneMLP)
	x := randomBatch(rng, 4, testShape.Size())
	c := randomBatch(rng, 4, enc.OutDim())

	y, err := enc.Forward(x)
	require.NoError(t, err)
	enc.ZeroGrad()
	require.NoError(t, enc.Backward(c))
	_ = y

	const h = 1e-6
	for _, p := range enc.Params() {
		r, cols := p.Value.Dims()
		for _, idx := range [][2]int{{0, 0}, {r - 1, cols - 1}} {
			orig := p.Value.At(idx[0], idx[1])

			p.Value.Set(idx[0], idx[1], orig+h)
			yp, err := enc.Forward(x)
			require.NoError(t, err)
			p.Value.Set(idx[0], idx[1], orig-h)
			ym, err := enc.Forward(x)
			require.NoError(t, err)
			p.Value.Set(idx[0], idx[1], orig)

			numeric := (weightedSum(yp, c) - weightedSum(ym, c)) / (2 * h)
			assert.InDelta(t, numeric, p.Grad.At(idx[0], idx[1]), 1e-5, "param %s %v", p.Name, idx)
		}
	}
}

func TestEncoderOutputIsNormalised(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	enc := buildTestEncoder(t, BackbonePooledMLP, WithPoolKernel(2))
	x := randomBatch(rng, 3, testShape.Size())

	y, err := enc.Forward(x)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1.0, mat.Norm(y.RowView(i), 2), 1e-12)
	}
}

func TestEmbedDoesNotMutateState(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	enc := buildTestEncoder(t, BackboneMLP)
	before := enc.Clone()

	_, err := enc.Embed(randomBatch(rng, 5, testShape.Size()))
	require.NoError(t, err)

	for i, b := range enc.Buffers() {
		assert.True(t, mat.Equal(before.Buffers()[i].Value, b.Value), b.Name)
	}
	err = enc.Backward(mat.NewDense(5, enc.OutDim(), nil))
	assert.Error(t, err, "Embed must not leave a backward cache")
}

func TestForwardUpdatesRunningStats(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	enc := buildTestEncoder(t, BackboneMLP)
	before := enc.Clone()

	_, err := enc.Forward(randomBatch(rng, 5, testShape.Size()))
	require.NoError(t, err)
	assert.False(t, mat.Equal(before.Buffers()[0].Value, enc.Buffers()[0].Value))
}

func TestFrozenCopy(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	enc := buildTestEncoder(t, BackboneMLP)
	key := enc.FrozenCopy()

	require.Len(t, key.Params(), len(enc.Params()))
	for i, p := range key.Params() {
		assert.True(t, p.Frozen())
		assert.False(t, enc.Params()[i].Frozen())
		assert.Equal(t, enc.Params()[i].Name, p.Name)
		assert.True(t, mat.Equal(enc.Params()[i].Value, p.Value))
	}

	key.Params()[0].Value.Set(0, 0, 99)
	assert.NotEqual(t, 99.0, enc.Params()[0].Value.At(0, 0), "copy must not share storage")

	x := randomBatch(rng, 2, testShape.Size())
	y, err := key.Forward(x)
	require.NoError(t, err)
	err = key.Backward(y)
	assert.True(t, errors.Is(err, errors.ErrFrozenParameter))
}

func TestWithFrozenBatchNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	enc := buildTestEncoder(t, BackboneMLP, WithFrozenBatchNorm())

	var frozen int
	for _, p := range enc.Backbone().Params() {
		if p.Frozen() {
			frozen++
		}
	}
	assert.Equal(t, 4, frozen, "two BatchNorm layers with weight and bias")

	before := enc.Clone()
	x := randomBatch(rng, 4, testShape.Size())
	yTrain, err := enc.Forward(x)
	require.NoError(t, err)
	require.NoError(t, enc.Backward(mat.NewDense(4, enc.OutDim(), nil)))
	for i, b := range enc.Backbone().Buffers() {
		assert.True(t, mat.Equal(before.Backbone().Buffers()[i].Value, b.Value), b.Name)
	}
	_ = yTrain
}

func TestStateRoundTrip(t *testing.T) {
	a := buildTestEncoder(t, BackboneMLP)
	b, err := BuildEncoder(BackboneMLP, testShape, 3, WithHiddenDims(6, 5), WithRand(rand.New(rand.NewSource(99))))
	require.NoError(t, err)

	bb, proj := a.State()
	require.NoError(t, bb.Validate())
	assert.Equal(t, "mlp", bb.Kind)
	require.NoError(t, b.LoadState(bb, proj))
	for i, p := range b.Params() {
		assert.True(t, mat.Equal(a.Params()[i].Value, p.Value), p.Name)
	}

	other, err := BuildEncoder(BackboneMLP, testShape, 3, WithHiddenDims(4))
	require.NoError(t, err)
	assert.Error(t, other.LoadState(bb, proj))
}

func TestParseBackboneKind(t *testing.T) {
	k, err := ParseBackboneKind(" Pooled_MLP ")
	require.NoError(t, err)
	assert.Equal(t, BackbonePooledMLP, k)

	_, err = ParseBackboneKind("resnet")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
	assert.Equal(t, []string{"mlp", "pooled_mlp"}, BackboneKinds())
}

func TestAvgPool3D(t *testing.T) {
	pool, err := NewAvgPool3D(testShape, 2)
	require.NoError(t, err)
	x := mat.NewDense(1, 8, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	y, err := pool.Forward(x, Train)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, y.At(0, 0), 1e-12)

	dx, err := pool.Backward(mat.NewDense(1, 1, []float64{8}))
	require.NoError(t, err)
	for j := 0; j < 8; j++ {
		assert.InDelta(t, 1.0, dx.At(0, j), 1e-12)
	}

	_, err = NewAvgPool3D(testShape, 3)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestDimensionMismatch(t *testing.T) {
	enc := buildTestEncoder(t, BackboneMLP)
	_, err := enc.Forward(mat.NewDense(2, 3, nil))
	assert.True(t, errors.Is(err, errors.ErrDimensionMismatch))
}
