package data

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Batch は評価用のミニバッチです。X の i 行目が Y[i], Idx[i] に対応します。
type Batch struct {
	X     *mat.Dense
	Shape tensor.Shape
	Y     []int
	Idx   []int
}

// Len はバッチ内のサンプル数です。
func (b *Batch) Len() int { return len(b.Y) }

// Loader は拡張なしのバッチを順番に渡します（k-NN のメモリ集合と評価集合）。
type Loader interface {
	// Len はサンプル総数です。
	Len() int
	// Each は全バッチを順に fn に渡します。fn のエラーで打ち切ります。
	Each(ctx context.Context, fn func(*Batch) error) error
}

// BatchLoader は Dataset を先頭から batchSize ずつ切り出す Loader です。
type BatchLoader struct {
	ds        *Dataset
	batchSize int
}

// NewBatchLoader は新しい BatchLoader を作ります。
func NewBatchLoader(ds *Dataset, batchSize int) (*BatchLoader, error) {
	if ds == nil {
		return nil, errors.NewValueError("data.NewBatchLoader", "dataset is nil")
	}
	if batchSize <= 0 {
		return nil, errors.NewConfigurationError("batch_size", "must be positive", batchSize)
	}
	return &BatchLoader{ds: ds, batchSize: batchSize}, nil
}

// Len はサンプル総数です。
func (l *BatchLoader) Len() int { return l.ds.Len() }

// NumBatches はバッチ数です。最後のバッチは短いことがあります。
func (l *BatchLoader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Each は全バッチを順に fn に渡します。バッチ間で ctx を確認します。
func (l *BatchLoader) Each(ctx context.Context, fn func(*Batch) error) error {
	n := l.ds.Len()
	for start := 0; start < n; start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + l.batchSize
		if end > n {
			end = n
		}
		b := &Batch{
			X:     mat.DenseCopyOf(l.ds.x.Slice(start, end, 0, l.ds.shape.Size())),
			Shape: l.ds.shape,
			Y:     append([]int(nil), l.ds.y[start:end]...),
			Idx:   append([]int(nil), l.ds.idx[start:end]...),
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
