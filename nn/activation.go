package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// ReLU は max(0, x) です。
type ReLU struct {
	dim  int
	mask *mat.Dense
}

// NewReLU は dim 次元の ReLU を返します。
func NewReLU(dim int) *ReLU { return &ReLU{dim: dim} }

func (r *ReLU) Forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != r.dim {
		return nil, errors.NewDimensionError("ReLU.Forward", r.dim, cols, 1)
	}
	y := mat.NewDense(rows, cols, nil)
	var mask *mat.Dense
	if mode == Train {
		mask = mat.NewDense(rows, cols, nil)
	}
	for i := 0; i < rows; i++ {
		in, out := x.RawRowView(i), y.RawRowView(i)
		for j, v := range in {
			if v > 0 {
				out[j] = v
				if mask != nil {
					mask.Set(i, j, 1)
				}
			}
		}
	}
	if mode == Train {
		r.mask = mask
	}
	return y, nil
}

func (r *ReLU) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if r.mask == nil {
		return nil, errors.NewModelError("ReLU.Backward", "forward not called", nil)
	}
	var dx mat.Dense
	dx.MulElem(grad, r.mask)
	r.mask = nil
	return &dx, nil
}

func (r *ReLU) Params() []*Param        { return nil }
func (r *ReLU) Buffers() []*Buffer      { return nil }
func (r *ReLU) OutDim() int             { return r.dim }
func (r *ReLU) rename(string)           {}
func (r *ReLU) clone(frozen bool) Layer { return &ReLU{dim: r.dim} }

// AvgPool3D は各チャネルを kernel^3 の非重複ブロックで平均します。
// 割り切れない端のボクセルは捨てられます。
type AvgPool3D struct {
	in     tensor.Shape
	out    tensor.Shape
	kernel int
	active bool
}

// NewAvgPool3D は in を kernel で縮小するプーリングを返します。
func NewAvgPool3D(in tensor.Shape, kernel int) (*AvgPool3D, error) {
	if kernel < 1 || kernel > in.Height || kernel > in.Width || kernel > in.Depth {
		return nil, errors.NewConfigurationError("pool_kernel", "must be in [1, min(H, W, D)]", kernel)
	}
	out := tensor.Shape{
		Channels: in.Channels,
		Height:   in.Height / kernel,
		Width:    in.Width / kernel,
		Depth:    in.Depth / kernel,
	}
	return &AvgPool3D{in: in, out: out, kernel: kernel}, nil
}

// OutShape はプーリング後の形状です。
func (p *AvgPool3D) OutShape() tensor.Shape { return p.out }

func (p *AvgPool3D) Forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != p.in.Size() {
		return nil, errors.NewDimensionError("AvgPool3D.Forward", p.in.Size(), cols, 1)
	}
	y := mat.NewDense(rows, p.out.Size(), nil)
	scale := 1 / float64(p.kernel*p.kernel*p.kernel)
	for i := 0; i < rows; i++ {
		in, out := x.RawRowView(i), y.RawRowView(i)
		p.each(func(src, dst int) {
			out[dst] += in[src] * scale
		})
	}
	if mode == Train {
		p.active = true
	}
	return y, nil
}

func (p *AvgPool3D) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if !p.active {
		return nil, errors.NewModelError("AvgPool3D.Backward", "forward not called", nil)
	}
	rows, cols := grad.Dims()
	if cols != p.out.Size() {
		return nil, errors.NewDimensionError("AvgPool3D.Backward", p.out.Size(), cols, 1)
	}
	dx := mat.NewDense(rows, p.in.Size(), nil)
	scale := 1 / float64(p.kernel*p.kernel*p.kernel)
	for i := 0; i < rows; i++ {
		g, out := grad.RawRowView(i), dx.RawRowView(i)
		p.each(func(src, dst int) {
			out[src] += g[dst] * scale
		})
	}
	p.active = false
	return dx, nil
}

// each は入力ボクセル src とその出力ブロック dst の対応を列挙します。
func (p *AvgPool3D) each(fn func(src, dst int)) {
	k := p.kernel
	for c := 0; c < p.out.Channels; c++ {
		for h := 0; h < p.out.Height*k; h++ {
			for w := 0; w < p.out.Width*k; w++ {
				for d := 0; d < p.out.Depth*k; d++ {
					fn(p.in.Offset(c, h, w, d), p.out.Offset(c, h/k, w/k, d/k))
				}
			}
		}
	}
}

func (p *AvgPool3D) Params() []*Param   { return nil }
func (p *AvgPool3D) Buffers() []*Buffer { return nil }
func (p *AvgPool3D) OutDim() int        { return p.out.Size() }
func (p *AvgPool3D) rename(string)      {}

func (p *AvgPool3D) clone(bool) Layer {
	return &AvgPool3D{in: p.in, out: p.out, kernel: p.kernel}
}

// Flatten は (C, H, W, D) を1行に並べた表現をそのまま全結合層に渡します。
// 行列表現はすでに平坦なので、形状の検証だけを行います。
type Flatten struct {
	shape tensor.Shape
}

// NewFlatten は shape の入力を受け付ける Flatten を返します。
func NewFlatten(shape tensor.Shape) *Flatten { return &Flatten{shape: shape} }

func (f *Flatten) Forward(x *mat.Dense, _ Mode) (*mat.Dense, error) {
	if _, cols := x.Dims(); cols != f.shape.Size() {
		return nil, errors.NewDimensionError("Flatten.Forward", f.shape.Size(), cols, 1)
	}
	return x, nil
}

func (f *Flatten) Backward(grad *mat.Dense) (*mat.Dense, error) { return grad, nil }
func (f *Flatten) Params() []*Param                             { return nil }
func (f *Flatten) Buffers() []*Buffer                           { return nil }
func (f *Flatten) OutDim() int                                  { return f.shape.Size() }
func (f *Flatten) rename(string)                                {}
func (f *Flatten) clone(bool) Layer                             { return &Flatten{shape: f.shape} }
