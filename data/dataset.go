// Package data はメモリ上のボリュームデータセットと、学習・評価用のバッチローダーです。
//
// ボリュームは1サンプル1行に平坦化して保持します。ラベルは 0..C-1、
// ラベルなしは -1 です。サンプル番号は元データでの位置で、同一サンプルの
// 比較を除外するために損失まで運ばれます。
package data

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Unlabeled はラベルなしサンプルのラベルです。
const Unlabeled = -1

// Dataset はメモリ上のボリューム集合です。作成後は変更しません。
type Dataset struct {
	shape tensor.Shape
	x     *mat.Dense
	y     []int
	idx   []int
}

// NewDataset はボリュームとラベルから Dataset を作ります。サンプル番号は 0..N-1 です。
func NewDataset(vols []*tensor.Volume, labels []int) (*Dataset, error) {
	if len(vols) != len(labels) {
		return nil, errors.NewDimensionError("data.NewDataset", len(vols), len(labels), 0)
	}
	x, err := tensor.Stack(vols)
	if err != nil {
		return nil, err
	}
	return NewDatasetFromMatrix(vols[0].Shape, x, labels, nil)
}

// NewDatasetFromMatrix は平坦化済みの (N, shape.Size()) 行列から Dataset を作ります。
// indices が nil の場合は 0..N-1 を割り当てます。x と labels はコピーされます。
func NewDatasetFromMatrix(shape tensor.Shape, x mat.Matrix, labels, indices []int) (*Dataset, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	r, c := x.Dims()
	if r == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "data.NewDatasetFromMatrix")
	}
	if c != shape.Size() {
		return nil, errors.NewDimensionError("data.NewDatasetFromMatrix", shape.Size(), c, 1)
	}
	if len(labels) != r {
		return nil, errors.NewDimensionError("data.NewDatasetFromMatrix labels", r, len(labels), 0)
	}
	if indices != nil && len(indices) != r {
		return nil, errors.NewDimensionError("data.NewDatasetFromMatrix indices", r, len(indices), 0)
	}
	for _, y := range labels {
		if y < Unlabeled {
			return nil, errors.NewValueError("data.NewDatasetFromMatrix", "labels must be >= -1")
		}
	}
	if err := errors.CheckMatrix("data.NewDatasetFromMatrix", x, 0); err != nil {
		return nil, err
	}

	idx := make([]int, r)
	for i := range idx {
		idx[i] = i
	}
	if indices != nil {
		copy(idx, indices)
	}
	return &Dataset{
		shape: shape,
		x:     mat.DenseCopyOf(x),
		y:     append([]int(nil), labels...),
		idx:   idx,
	}, nil
}

// Len はサンプル数です。
func (d *Dataset) Len() int { return len(d.y) }

// Shape はボリュームの形状です。
func (d *Dataset) Shape() tensor.Shape { return d.shape }

// X は (N, shape.Size()) の行列です。呼び出し側は変更してはいけません。
func (d *Dataset) X() *mat.Dense { return d.x }

// Labels はラベルのコピーです。
func (d *Dataset) Labels() []int { return append([]int(nil), d.y...) }

// Indices はサンプル番号のコピーです。
func (d *Dataset) Indices() []int { return append([]int(nil), d.idx...) }

// NumUnlabeled はラベル -1 のサンプル数です。
func (d *Dataset) NumUnlabeled() int {
	var n int
	for _, y := range d.y {
		if y == Unlabeled {
			n++
		}
	}
	return n
}

// NumClasses は最大ラベル + 1 です。ラベル付きサンプルがなければ 0 です。
func (d *Dataset) NumClasses() int {
	top := Unlabeled
	for _, y := range d.y {
		if y > top {
			top = y
		}
	}
	return top + 1
}

// Subset は rows 番目のサンプルだけを持つ Dataset を返します。サンプル番号は引き継がれます。
func (d *Dataset) Subset(rows []int) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "Dataset.Subset")
	}
	x := mat.NewDense(len(rows), d.shape.Size(), nil)
	y := make([]int, len(rows))
	idx := make([]int, len(rows))
	for i, r := range rows {
		if r < 0 || r >= d.Len() {
			return nil, errors.NewValueError("Dataset.Subset", "row out of range")
		}
		x.SetRow(i, d.x.RawRowView(r))
		y[i], idx[i] = d.y[r], d.idx[r]
	}
	return &Dataset{shape: d.shape, x: x, y: y, idx: idx}, nil
}

// Labeled はラベル付きサンプルだけの Dataset です（k-NN のメモリ集合向け）。
func (d *Dataset) Labeled() (*Dataset, error) {
	var rows []int
	for i, y := range d.y {
		if y != Unlabeled {
			rows = append(rows, i)
		}
	}
	return d.Subset(rows)
}

// Split はサンプルを並べ替えて先頭 testFraction を評価用に分けます。
func (d *Dataset) Split(testFraction float64, rng *rand.Rand) (train, test *Dataset, err error) {
	if !(testFraction > 0 && testFraction < 1) {
		return nil, nil, errors.NewConfigurationError("test_fraction", "must be in (0, 1)", testFraction)
	}
	perm := rng.Perm(d.Len())
	nTest := int(float64(d.Len()) * testFraction)
	if nTest == 0 || nTest == d.Len() {
		return nil, nil, errors.NewValueError("Dataset.Split", "split leaves an empty side")
	}
	if test, err = d.Subset(perm[:nTest]); err != nil {
		return nil, nil, err
	}
	if train, err = d.Subset(perm[nTest:]); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// Apply は特徴行列を fn で変換した Dataset を返します（強度正規化など）。
func (d *Dataset) Apply(fn func(mat.Matrix) (*mat.Dense, error)) (*Dataset, error) {
	x, err := fn(d.x)
	if err != nil {
		return nil, err
	}
	return NewDatasetFromMatrix(d.shape, x, d.y, d.idx)
}
