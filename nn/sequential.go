package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/model"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Sequential はレイヤーを順に適用します。パラメータ名は "<name>.<index>.<param>" です。
type Sequential struct {
	name   string
	inDim  int
	layers []Layer
}

// NewSequential は layers を連結します。layers が空の場合はエラーです。
func NewSequential(name string, inDim int, layers ...Layer) (*Sequential, error) {
	if len(layers) == 0 {
		return nil, errors.NewConfigurationError(name, "at least one layer is required", 0)
	}
	for i, l := range layers {
		l.rename(fmt.Sprintf("%s.%d", name, i))
	}
	return &Sequential{name: name, inDim: inDim, layers: layers}, nil
}

// Name はパラメータ名の前置詞です。
func (s *Sequential) Name() string { return s.name }

// InDim は入力次元です。
func (s *Sequential) InDim() int { return s.inDim }

// OutDim は最後のレイヤーの出力次元です。
func (s *Sequential) OutDim() int { return s.layers[len(s.layers)-1].OutDim() }

// Layers はレイヤーのスライスを返します。
func (s *Sequential) Layers() []Layer { return s.layers }

func (s *Sequential) Forward(x *mat.Dense, mode Mode) (*mat.Dense, error) {
	if _, c := x.Dims(); c != s.inDim {
		return nil, errors.NewDimensionError(s.name+".Forward", s.inDim, c, 1)
	}
	out := x
	for _, l := range s.layers {
		var err error
		if out, err = l.Forward(out, mode); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sequential) Backward(grad *mat.Dense) (*mat.Dense, error) {
	g := grad
	for i := len(s.layers) - 1; i >= 0; i-- {
		var err error
		if g, err = s.layers[i].Backward(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.layers {
		out = append(out, l.Params()...)
	}
	return out
}

func (s *Sequential) Buffers() []*Buffer {
	var out []*Buffer
	for _, l := range s.layers {
		out = append(out, l.Buffers()...)
	}
	return out
}

func (s *Sequential) clone(frozen bool) *Sequential {
	layers := make([]Layer, len(s.layers))
	for i, l := range s.layers {
		layers[i] = l.clone(frozen)
	}
	return &Sequential{name: s.name, inDim: s.inDim, layers: layers}
}

// State はパラメータとバッファのスナップショットを返します。
func (s *Sequential) State(kind string) *model.NetworkState {
	ns := &model.NetworkState{
		Kind:     kind,
		Version:  model.NetworkStateVersion,
		Metadata: map[string]string{"name": s.name, "in_dim": fmt.Sprint(s.inDim)},
	}
	for _, p := range s.Params() {
		ns.Params = append(ns.Params, toNamed(p.Name, p.Value))
	}
	for _, b := range s.Buffers() {
		ns.Buffers = append(ns.Buffers, toNamed(b.Name, b.Value))
	}
	return ns
}

// LoadState は名前と形状が一致する値を上書きします。欠けている名前はエラーです。
func (s *Sequential) LoadState(ns *model.NetworkState) error {
	if ns == nil {
		return errors.NewValueError(s.name+".LoadState", "state is nil")
	}
	load := func(name string, dst *mat.Dense) error {
		t, ok := ns.Lookup(name)
		if !ok {
			return errors.NewModelError(s.name+".LoadState", "missing tensor "+name, nil)
		}
		r, c := dst.Dims()
		if t.Rows != r || t.Cols != c {
			return errors.NewDimensionError(s.name+".LoadState "+name, r*c, t.Rows*t.Cols, 0)
		}
		copy(dst.RawMatrix().Data, t.Data)
		return nil
	}
	for _, p := range s.Params() {
		if err := load(p.Name, p.Value); err != nil {
			return err
		}
	}
	for _, b := range s.Buffers() {
		if err := load(b.Name, b.Value); err != nil {
			return err
		}
	}
	return nil
}

func toNamed(name string, m *mat.Dense) model.NamedTensor {
	r, c := m.Dims()
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		copy(data[i*c:(i+1)*c], m.RawRowView(i))
	}
	return model.NamedTensor{Name: name, Rows: r, Cols: c, Data: data}
}
