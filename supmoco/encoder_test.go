package supmoco

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/optim"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

var encShape = tensor.Shape{Channels: 1, Height: 2, Width: 2, Depth: 2}

func newTestMomentumEncoder(t *testing.T, seed int64) *MomentumEncoder {
	t.Helper()
	enc, err := nn.BuildEncoder(nn.BackboneMLP, encShape, 4,
		nn.WithHiddenDims(6), nn.WithRand(rand.New(rand.NewSource(seed))))
	require.NoError(t, err)
	me, err := NewMomentumEncoder(enc)
	require.NoError(t, err)
	return me
}

func randomInput(rng *rand.Rand, rows int) *mat.Dense {
	x := mat.NewDense(rows, encShape.Size(), nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < encShape.Size(); j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	return x
}

// perturbQuery は1回の学習ステップでクエリ側だけを動かします。
func perturbQuery(t *testing.T, me *MomentumEncoder, rng *rand.Rand) {
	t.Helper()
	x := randomInput(rng, 4)
	y, err := me.ForwardQuery(x)
	require.NoError(t, err)
	r, c := y.Dims()
	grad := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			grad.Set(i, j, rng.NormFloat64())
		}
	}
	me.Query().ZeroGrad()
	require.NoError(t, me.BackwardQuery(grad))
	opt, err := optim.NewSGD(0.5)
	require.NoError(t, err)
	require.NoError(t, opt.Step(me.Query().Params()))
}

func keyValues(me *MomentumEncoder) []*mat.Dense {
	var out []*mat.Dense
	for _, p := range me.Key().Params() {
		out = append(out, mat.DenseCopyOf(p.Value))
	}
	for _, b := range me.Key().Buffers() {
		out = append(out, mat.DenseCopyOf(b.Value))
	}
	return out
}

func queryValues(me *MomentumEncoder) []*mat.Dense {
	var out []*mat.Dense
	for _, p := range me.Query().Params() {
		out = append(out, mat.DenseCopyOf(p.Value))
	}
	for _, b := range me.Query().Buffers() {
		out = append(out, mat.DenseCopyOf(b.Value))
	}
	return out
}

func TestMomentumKeyStartsAsExactCopy(t *testing.T) {
	me := newTestMomentumEncoder(t, 1)
	k, q := keyValues(me), queryValues(me)
	require.Len(t, k, len(q))
	for i := range q {
		assert.True(t, mat.Equal(q[i], k[i]))
	}
	for _, p := range me.Key().Params() {
		assert.True(t, p.Frozen())
	}
}

func TestUpdateMomentumOneIsNoOp(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	me := newTestMomentumEncoder(t, 2)
	perturbQuery(t, me, rng)

	before := keyValues(me)
	require.NoError(t, me.UpdateMomentum(1))
	after := keyValues(me)
	for i := range before {
		assert.True(t, mat.Equal(before[i], after[i]))
	}
}

func TestUpdateMomentumZeroCopies(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	me := newTestMomentumEncoder(t, 3)
	perturbQuery(t, me, rng)

	require.NoError(t, me.UpdateMomentum(0))
	k, q := keyValues(me), queryValues(me)
	for i := range q {
		assert.True(t, mat.Equal(q[i], k[i]))
	}
}

func TestUpdateMomentumBlendsParamsAndBuffers(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	me := newTestMomentumEncoder(t, 4)
	k0 := keyValues(me)
	perturbQuery(t, me, rng)
	q := queryValues(me)

	require.NoError(t, me.UpdateMomentum(0.9))
	k1 := keyValues(me)

	nParams := len(me.Key().Params())
	bufferMoved := false
	for i := range k1 {
		var want mat.Dense
		want.Scale(0.9, k0[i])
		want.Add(&want, scaled(0.1, q[i]))
		assert.True(t, mat.EqualApprox(&want, k1[i], 1e-12))
		if i >= nParams && !mat.Equal(k0[i], k1[i]) {
			bufferMoved = true
		}
	}
	assert.True(t, bufferMoved, "BatchNorm running statistics must follow the query network")
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}

func TestUpdateMomentumRejectsOutOfRange(t *testing.T) {
	me := newTestMomentumEncoder(t, 5)
	for _, m := range []float64{-0.1, 1.1, math.NaN()} {
		err := me.UpdateMomentum(m)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration), "m=%v", m)
	}
}

func TestForwardKeyIsDetached(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	me := newTestMomentumEncoder(t, 6)
	x := randomInput(rng, 3)

	k, err := me.ForwardKey(x)
	require.NoError(t, err)
	r, c := k.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 4, c)

	err = me.Key().Backward(k)
	assert.True(t, errors.Is(err, errors.ErrFrozenParameter))

	opt, err := optim.NewAdam(0.1)
	require.NoError(t, err)
	assert.True(t, errors.Is(opt.Step(me.Key().Params()), errors.ErrFrozenParameter))
}

func TestNewMomentumEncoderRejectsFrozenQuery(t *testing.T) {
	me := newTestMomentumEncoder(t, 7)
	_, err := NewMomentumEncoder(me.Key())
	assert.True(t, errors.Is(err, errors.ErrFrozenParameter))
}

func TestKeyStateRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	me := newTestMomentumEncoder(t, 8)
	perturbQuery(t, me, rng)
	require.NoError(t, me.UpdateMomentum(0.5))
	bb, proj := me.KeyState()

	other := newTestMomentumEncoder(t, 8)
	require.NoError(t, other.LoadKeyState(bb, proj))
	a, b := keyValues(me), keyValues(other)
	for i := range a {
		assert.True(t, mat.Equal(a[i], b[i]))
	}
	// 読み込み後も対応付けは有効
	require.NoError(t, other.ResetKey())
	q, k := queryValues(other), keyValues(other)
	for i := range q {
		assert.True(t, mat.Equal(q[i], k[i]))
	}
}
