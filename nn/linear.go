package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Linear は全結合層 y = xW + b です。W は (in, out)、b は (1, out)。
type Linear struct {
	weight *Param
	bias   *Param
	in     int
	out    int

	input *mat.Dense
}

// NewLinear は一様分布 U(-1/√in, 1/√in) で初期化された Linear を返します。
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Linear{
		weight: newParam("weight", mat.NewDense(in, out, w), false),
		bias:   newParam("bias", mat.NewDense(1, out, b), false),
		in:     in,
		out:    out,
	}
}

func (l *Linear) Forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != l.in {
		return nil, errors.NewDimensionError("Linear.Forward", l.in, cols, 1)
	}
	y := mat.NewDense(rows, l.out, nil)
	y.Mul(x, l.weight.Value)
	bias := l.bias.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	if mode == Train {
		l.input = x
	}
	return y, nil
}

func (l *Linear) Backward(grad *mat.Dense) (*mat.Dense, error) {
	if l.input == nil {
		return nil, errors.NewModelError("Linear.Backward", "forward not called", nil)
	}
	rows, cols := grad.Dims()
	if cols != l.out {
		return nil, errors.NewDimensionError("Linear.Backward", l.out, cols, 1)
	}

	if !l.weight.frozen {
		var dW mat.Dense
		dW.Mul(l.input.T(), grad)
		l.weight.Grad.Add(l.weight.Grad, &dW)

		db := l.bias.Grad.RawRowView(0)
		for i := 0; i < rows; i++ {
			for j, g := range grad.RawRowView(i) {
				db[j] += g
			}
		}
	}

	dx := mat.NewDense(rows, l.in, nil)
	dx.Mul(grad, l.weight.Value.T())
	l.input = nil
	return dx, nil
}

func (l *Linear) Params() []*Param   { return []*Param{l.weight, l.bias} }
func (l *Linear) Buffers() []*Buffer { return nil }
func (l *Linear) OutDim() int        { return l.out }

func (l *Linear) rename(prefix string) {
	l.weight.Name = prefix + ".weight"
	l.bias.Name = prefix + ".bias"
}

func (l *Linear) clone(frozen bool) Layer {
	return &Linear{
		weight: &Param{Name: l.weight.Name, Value: cloneDense(l.weight.Value), Grad: mat.NewDense(l.in, l.out, nil), frozen: frozen},
		bias:   &Param{Name: l.bias.Name, Value: cloneDense(l.bias.Value), Grad: mat.NewDense(1, l.out, nil), frozen: frozen},
		in:     l.in,
		out:    l.out,
	}
}
