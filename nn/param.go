// Package nn は gonum の行列上で動く最小限の微分可能レイヤー群です。
//
// 入力は1サンプル1行の *mat.Dense です。各レイヤーは学習モードの Forward で
// 逆伝播に必要な中間値をキャッシュし、Backward で勾配を Param.Grad に加算します。
// 推論 (Eval) モードでは何もキャッシュせず、BatchNorm の移動統計も更新しません。
package nn

import (
	"gonum.org/v1/gonum/mat"
)

// Mode は Forward の動作モードです。
type Mode int

const (
	// Train はバッチ統計を使い、逆伝播用の値をキャッシュします。
	Train Mode = iota
	// Eval は移動統計を使い、状態を一切変更しません。
	Eval
)

// Param は学習可能なパラメータと、その勾配です。
//
// frozen は構築時に一度だけ設定され、以後変わりません。
// frozen なパラメータは勾配を受け取らず、オプティマイザも更新を拒否します。
type Param struct {
	Name   string
	Value  *mat.Dense
	Grad   *mat.Dense
	frozen bool
}

func newParam(name string, value *mat.Dense, frozen bool) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil), frozen: frozen}
}

// Frozen は勾配更新が禁止されているかを返します。
func (p *Param) Frozen() bool { return p.frozen }

// ZeroGrad は勾配をゼロにします。
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Buffer は勾配を持たない状態（BatchNorm の running_mean/var）です。
type Buffer struct {
	Name  string
	Value *mat.Dense
}

func cloneDense(m *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(m)
}
