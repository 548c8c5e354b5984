package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

const normEps = 1e-12

// Encoder は backbone → projector → L2 正規化 で埋め込みを作るネットワークです。
type Encoder struct {
	kind      BackboneKind
	backbone  *Sequential
	projector *Sequential
	frozen    bool

	// 正規化の逆伝播用キャッシュ
	normed *mat.Dense
	norms  []float64
}

// NewEncoder は backbone の出力次元と projector の入力次元が一致することを確認します。
func NewEncoder(kind BackboneKind, backbone, projector *Sequential) (*Encoder, error) {
	if backbone.OutDim() != projector.InDim() {
		return nil, errors.NewDimensionError("nn.NewEncoder", backbone.OutDim(), projector.InDim(), 1)
	}
	return &Encoder{kind: kind, backbone: backbone, projector: projector}, nil
}

// Kind は backbone の種類です。
func (e *Encoder) Kind() BackboneKind { return e.kind }

// InDim は平坦化された入力次元です。
func (e *Encoder) InDim() int { return e.backbone.InDim() }

// OutDim は埋め込み次元 D です。
func (e *Encoder) OutDim() int { return e.projector.OutDim() }

// Frozen は全パラメータが凍結されたコピーかどうかを返します。
func (e *Encoder) Frozen() bool { return e.frozen }

// Backbone returns the feature extractor.
func (e *Encoder) Backbone() *Sequential { return e.backbone }

// Projector returns the projection head.
func (e *Encoder) Projector() *Sequential { return e.projector }

// Forward は学習モードで埋め込みを計算し、逆伝播用の値をキャッシュします。
// BatchNorm はバッチ統計を使い、移動統計を更新します。
func (e *Encoder) Forward(x *mat.Dense) (*mat.Dense, error) {
	return e.forward(x, Train)
}

// Embed は推論専用の埋め込みです。パラメータ、バッファ、キャッシュを変更しません。
func (e *Encoder) Embed(x *mat.Dense) (*mat.Dense, error) {
	return e.forward(x, Eval)
}

func (e *Encoder) forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	h, err := e.backbone.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	z, err := e.projector.Forward(h, mode)
	if err != nil {
		return nil, err
	}
	normed, norms := Normalize(z)
	if mode == Train {
		e.normed, e.norms = normed, norms
	}
	return normed, nil
}

// Backward は正規化後の埋め込みに対する勾配を受け取り、パラメータ勾配を加算します。
// 凍結されたエンコーダに対しては ErrFrozenParameter を返します。
func (e *Encoder) Backward(grad *mat.Dense) error {
	if e.frozen {
		return errors.Wrap(errors.ErrFrozenParameter, "Encoder.Backward on a momentum copy")
	}
	if e.normed == nil {
		return errors.NewModelError("Encoder.Backward", "forward not called", nil)
	}
	rows, cols := grad.Dims()
	nr, nc := e.normed.Dims()
	if rows != nr || cols != nc {
		return errors.NewDimensionError("Encoder.Backward", nc, cols, 1)
	}

	// y = z / |z| の微分: dz = (g - y (y·g)) / |z|
	dz := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		g, y, out := grad.RawRowView(i), e.normed.RawRowView(i), dz.RawRowView(i)
		var dot float64
		for j := range g {
			dot += y[j] * g[j]
		}
		for j := range g {
			out[j] = (g[j] - y[j]*dot) / e.norms[i]
		}
	}
	e.normed, e.norms = nil, nil

	dh, err := e.projector.Backward(dz)
	if err != nil {
		return err
	}
	_, err = e.backbone.Backward(dh)
	return err
}

// Params は backbone → projector の順にパラメータを返します。
func (e *Encoder) Params() []*Param {
	return append(e.backbone.Params(), e.projector.Params()...)
}

// Buffers は backbone → projector の順にバッファを返します。
func (e *Encoder) Buffers() []*Buffer {
	return append(e.backbone.Buffers(), e.projector.Buffers()...)
}

// ZeroGrad は全パラメータの勾配をゼロにします。
func (e *Encoder) ZeroGrad() {
	for _, p := range e.Params() {
		p.ZeroGrad()
	}
}

// Clone は同じ凍結状態のディープコピーを返します。
func (e *Encoder) Clone() *Encoder {
	return e.copyWith(e.frozen)
}

// FrozenCopy は全パラメータが凍結されたディープコピーを返します。
// モーメンタムエンコーダのキー側はこれで作られます。
func (e *Encoder) FrozenCopy() *Encoder {
	return e.copyWith(true)
}

func (e *Encoder) copyWith(frozen bool) *Encoder {
	return &Encoder{
		kind:      e.kind,
		backbone:  e.backbone.clone(frozen),
		projector: e.projector.clone(frozen),
		frozen:    frozen,
	}
}

// State は backbone と projector のスナップショットを返します。
func (e *Encoder) State() (backbone, projector *model.NetworkState) {
	return e.backbone.State(string(e.kind)), e.projector.State("projector")
}

// LoadState は State の出力を読み込みます。
func (e *Encoder) LoadState(backbone, projector *model.NetworkState) error {
	if err := e.backbone.LoadState(backbone); err != nil {
		return err
	}
	return e.projector.LoadState(projector)
}

// Normalize は各行を L2 ノルムで割ったコピーとノルムを返します。
// ノルムは 1e-12 で下限を取ります。
func Normalize(z mat.Matrix) (*mat.Dense, []float64) {
	rows, cols := z.Dims()
	out := mat.NewDense(rows, cols, nil)
	norms := make([]float64, rows)
	for i := 0; i < rows; i++ {
		var sq float64
		for j := 0; j < cols; j++ {
			v := z.At(i, j)
			sq += v * v
		}
		n := math.Max(math.Sqrt(sq), normEps)
		norms[i] = n
		row := out.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] = z.At(i, j) / n
		}
	}
	return out, norms
}
