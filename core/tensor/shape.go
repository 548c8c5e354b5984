// Package tensor はボリューム画像 (channels, H, W, D) をgonumの行列として扱うための
// 形状情報とヘルパーを提供します。バッチは1サンプル1行の *mat.Dense に平坦化されます。
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Shape はボリュームの形状 (channels, H, W, D) です。
type Shape struct {
	Channels int `json:"channels" yaml:"channels"`
	Height   int `json:"height" yaml:"height"`
	Width    int `json:"width" yaml:"width"`
	Depth    int `json:"depth" yaml:"depth"`
}

// NewShape は全ての軸が正であることを検証して Shape を返します。
func NewShape(channels, h, w, d int) (Shape, error) {
	s := Shape{Channels: channels, Height: h, Width: w, Depth: d}
	if err := s.Validate(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// Validate は各軸が正であることを確認します。
func (s Shape) Validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 || s.Depth <= 0 {
		return errors.NewConfigurationError("shape", "all axes must be positive", s.String())
	}
	return nil
}

// Size は平坦化後の要素数です。
func (s Shape) Size() int {
	return s.Channels * s.Height * s.Width * s.Depth
}

// Offset は (c, h, w, d) の平坦化インデックスを返します。最後の軸 d が最も速く変化します。
func (s Shape) Offset(c, h, w, d int) int {
	return ((c*s.Height+h)*s.Width+w)*s.Depth + d
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Channels, s.Height, s.Width, s.Depth)
}

// Volume は1サンプル分のボリュームデータです。
type Volume struct {
	Shape Shape
	Data  []float64
}

// NewVolume は data の長さが shape と一致するかを確認します。
func NewVolume(shape Shape, data []float64) (*Volume, error) {
	if len(data) != shape.Size() {
		return nil, errors.NewDimensionError("tensor.NewVolume", shape.Size(), len(data), 1)
	}
	return &Volume{Shape: shape, Data: data}, nil
}

// At は (c, h, w, d) の値を返します。
func (v *Volume) At(c, h, w, d int) float64 {
	return v.Data[v.Shape.Offset(c, h, w, d)]
}

// Set は (c, h, w, d) に値を書き込みます。
func (v *Volume) Set(c, h, w, d int, x float64) {
	v.Data[v.Shape.Offset(c, h, w, d)] = x
}

// Clone はディープコピーを返します。
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Shape: v.Shape, Data: data}
}

// Stack はボリュームを1行1サンプルの (B, Size) 行列に並べます。
func Stack(vols []*Volume) (*mat.Dense, error) {
	if len(vols) == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	shape := vols[0].Shape
	out := mat.NewDense(len(vols), shape.Size(), nil)
	for i, v := range vols {
		if v.Shape != shape {
			return nil, errors.NewDimensionError("tensor.Stack", shape.Size(), v.Shape.Size(), 1)
		}
		out.SetRow(i, v.Data)
	}
	return out, nil
}

// Row は行列の i 行目を shape のボリュームとして取り出します（コピー）。
func Row(x mat.Matrix, i int, shape Shape) (*Volume, error) {
	_, c := x.Dims()
	if c != shape.Size() {
		return nil, errors.NewDimensionError("tensor.Row", shape.Size(), c, 1)
	}
	data := make([]float64, c)
	mat.Row(data, i, x)
	return &Volume{Shape: shape, Data: data}, nil
}
