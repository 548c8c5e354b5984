package supmoco

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/nn"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// MomentumEncoder は同一構造のクエリネットワークとキーネットワークの組です。
//
// キー側は構築時にクエリ側のコピーとして作られ、全パラメータが凍結されます。
// キー側を変更する経路は UpdateMomentum だけです。
type MomentumEncoder struct {
	query *nn.Encoder
	key   *nn.Encoder
	pairs []tensorPair
}

// tensorPair は名前で対応付けたクエリ側とキー側の値です。
type tensorPair struct {
	name  string
	query *mat.Dense
	key   *mat.Dense
}

// NewMomentumEncoder は query をコピーしてキーネットワークを作ります。
func NewMomentumEncoder(query *nn.Encoder) (*MomentumEncoder, error) {
	if query == nil {
		return nil, errors.NewValueError("NewMomentumEncoder", "query encoder is nil")
	}
	if query.Frozen() {
		return nil, errors.Wrap(errors.ErrFrozenParameter, "NewMomentumEncoder: query encoder must be trainable")
	}
	me := &MomentumEncoder{query: query, key: query.FrozenCopy()}
	if err := me.pair(); err != nil {
		return nil, err
	}
	return me, nil
}

// pair はパラメータとバッファを名前で対応付けます。
func (me *MomentumEncoder) pair() error {
	keyTensors := make(map[string]*mat.Dense)
	for _, p := range me.key.Params() {
		keyTensors[p.Name] = p.Value
	}
	for _, b := range me.key.Buffers() {
		keyTensors[b.Name] = b.Value
	}

	var pairs []tensorPair
	add := func(name string, q *mat.Dense) error {
		k, ok := keyTensors[name]
		if !ok {
			return errors.NewModelError("MomentumEncoder", "key network has no tensor "+name, nil)
		}
		qr, qc := q.Dims()
		kr, kc := k.Dims()
		if qr != kr || qc != kc {
			return errors.NewDimensionError("MomentumEncoder "+name, qr*qc, kr*kc, 0)
		}
		pairs = append(pairs, tensorPair{name: name, query: q, key: k})
		delete(keyTensors, name)
		return nil
	}
	for _, p := range me.query.Params() {
		if err := add(p.Name, p.Value); err != nil {
			return err
		}
	}
	for _, b := range me.query.Buffers() {
		if err := add(b.Name, b.Value); err != nil {
			return err
		}
	}
	if len(keyTensors) > 0 {
		return errors.NewModelError("MomentumEncoder", "key network has tensors missing from query network", nil)
	}
	me.pairs = pairs
	return nil
}

// Query はクエリネットワークです。
func (me *MomentumEncoder) Query() *nn.Encoder { return me.query }

// Key はキーネットワークです。返り値に勾配を適用することはできません。
func (me *MomentumEncoder) Key() *nn.Encoder { return me.key }

// ForwardQuery は学習モードでクエリ埋め込みを計算します。
func (me *MomentumEncoder) ForwardQuery(x *mat.Dense) (*mat.Dense, error) {
	return me.query.Forward(x)
}

// ForwardKey はキー埋め込みを計算し、逆伝播経路を持たない新しい行列を返します。
// BatchNorm はバッチ統計を使い、キー側の移動統計を更新します。
func (me *MomentumEncoder) ForwardKey(x *mat.Dense) (*mat.Dense, error) {
	k, err := me.key.Forward(x)
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(k), nil
}

// BackwardQuery はクエリ埋め込みの勾配をクエリ側のパラメータに伝播します。
func (me *MomentumEncoder) BackwardQuery(grad *mat.Dense) error {
	return me.query.Backward(grad)
}

// UpdateMomentum は全パラメータとバッファについて θ_k ← m·θ_k + (1-m)·θ_q を行います。
// m = 1 は何もせず、m = 0 は完全なコピーです。
func (me *MomentumEncoder) UpdateMomentum(m float64) error {
	if math.IsNaN(m) || m < 0 || m > 1 {
		return errors.NewConfigurationError("key_momentum", "must be in [0, 1]", m)
	}
	if m == 1 {
		return nil
	}
	for _, p := range me.pairs {
		k := p.key.RawMatrix().Data
		q := p.query.RawMatrix().Data
		if m == 0 {
			copy(k, q)
			continue
		}
		floats.Scale(m, k)
		floats.AddScaled(k, 1-m, q)
	}
	return nil
}

// KeyState はキーネットワークのスナップショットです。
func (me *MomentumEncoder) KeyState() (backbone, projector *model.NetworkState) {
	return me.key.State()
}

// LoadKeyState はチェックポイントからキーネットワークを復元します。
func (me *MomentumEncoder) LoadKeyState(backbone, projector *model.NetworkState) error {
	return me.key.LoadState(backbone, projector)
}

// ResetKey はキーネットワークをクエリネットワークの値に揃えます。
func (me *MomentumEncoder) ResetKey() error {
	return me.UpdateMomentum(0)
}
