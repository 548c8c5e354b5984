package data

import (
	"context"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/core/parallel"
	"github.com/YuminosukeSato/supmoco/core/tensor"
	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// PairBatch は学習用のミニバッチです。Query[i] と Key[i] は同じボリュームの独立な2つの拡張です。
type PairBatch struct {
	Query *mat.Dense
	Key   *mat.Dense
	Shape tensor.Shape
	Y     []int
	Idx   []int
}

// Len はバッチ内のサンプル数です。
func (b *PairBatch) Len() int { return len(b.Y) }

// PairSource はエポックごとに2ビューのバッチを順番に渡します。
type PairSource interface {
	// NumBatches は1エポックのバッチ数です。
	NumBatches() int
	// Each は epoch のバッチを順に fn に渡します。同じ epoch なら同じ内容になります。
	Each(ctx context.Context, epoch int, fn func(*PairBatch) error) error
}

// PairLoader はワーカープールで拡張を先読みする PairSource です。
//
// バッチの構成と拡張の乱数は (seed, epoch) だけで決まります。
// 先読みは最大 prefetch バッチで、fn には必ずバッチ順に渡されます。
type PairLoader struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	seed      int64
	workers   int
	prefetch  int
	query     Transform
	key       Transform
}

// PairOption は PairLoader の設定です。
type PairOption func(*PairLoader)

// WithShuffle はエポックごとの並べ替えを切り替えます（既定は有効）。
func WithShuffle(enabled bool) PairOption {
	return func(l *PairLoader) { l.shuffle = enabled }
}

// WithDropLast は端数のバッチを捨てます。
func WithDropLast(enabled bool) PairOption {
	return func(l *PairLoader) { l.dropLast = enabled }
}

// WithSeed は並べ替えと拡張の乱数種を設定します。
func WithSeed(seed int64) PairOption {
	return func(l *PairLoader) { l.seed = seed }
}

// WithWorkers は拡張を行うワーカー数を設定します（既定は CPU 数）。
func WithWorkers(n int) PairOption {
	return func(l *PairLoader) { l.workers = n }
}

// WithPrefetch は先読みするバッチ数の上限を設定します（既定 2）。
func WithPrefetch(n int) PairOption {
	return func(l *PairLoader) { l.prefetch = n }
}

// WithAugment はクエリ側とキー側の拡張を設定します。nil は Identity です。
func WithAugment(query, key Transform) PairOption {
	return func(l *PairLoader) { l.query, l.key = query, key }
}

// NewPairLoader は新しい PairLoader を作ります。
func NewPairLoader(ds *Dataset, batchSize int, opts ...PairOption) (*PairLoader, error) {
	if ds == nil {
		return nil, errors.NewValueError("data.NewPairLoader", "dataset is nil")
	}
	l := &PairLoader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   true,
		workers:   runtime.NumCPU(),
		prefetch:  2,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.batchSize <= 0 {
		return nil, errors.NewConfigurationError("batch_size", "must be positive", batchSize)
	}
	if l.dropLast && l.batchSize > ds.Len() {
		return nil, errors.NewConfigurationError("batch_size", "exceeds dataset size with drop_last", batchSize)
	}
	if l.workers <= 0 {
		return nil, errors.NewConfigurationError("workers", "must be positive", l.workers)
	}
	if l.prefetch <= 0 {
		return nil, errors.NewConfigurationError("prefetch", "must be positive", l.prefetch)
	}
	if l.query == nil {
		l.query = Identity
	}
	if l.key == nil {
		l.key = Identity
	}
	return l, nil
}

// Len はサンプル総数です。
func (l *PairLoader) Len() int { return l.ds.Len() }

// NumBatches は1エポックのバッチ数です。
func (l *PairLoader) NumBatches() int {
	n := l.ds.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// plan は epoch のバッチごとの行番号です。
func (l *PairLoader) plan(epoch int) [][]int {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(sampleSeed(l.seed, epoch, -1, -1)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	plan := make([][]int, 0, l.NumBatches())
	for start := 0; start < len(order); start += l.batchSize {
		end := start + l.batchSize
		if end > len(order) {
			if l.dropLast {
				break
			}
			end = len(order)
		}
		plan = append(plan, order[start:end])
	}
	return plan
}

// build は1バッチ分の2ビューを作ります。サンプルごとの拡張は並列に行います。
func (l *PairLoader) build(epoch int, rows []int) *PairBatch {
	size := l.ds.shape.Size()
	b := &PairBatch{
		Query: mat.NewDense(len(rows), size, nil),
		Key:   mat.NewDense(len(rows), size, nil),
		Shape: l.ds.shape,
		Y:     make([]int, len(rows)),
		Idx:   make([]int, len(rows)),
	}
	for i, r := range rows {
		b.Y[i], b.Idx[i] = l.ds.y[r], l.ds.idx[r]
	}
	parallel.ParallelizeWithThreshold(len(rows), 8, func(start, end int) {
		for i := start; i < end; i++ {
			src := l.ds.x.RawRowView(rows[i])
			q, k := b.Query.RawRowView(i), b.Key.RawRowView(i)
			copy(q, src)
			copy(k, src)
			l.query(q, l.ds.shape, rand.New(rand.NewSource(sampleSeed(l.seed, epoch, b.Idx[i], 0))))
			l.key(k, l.ds.shape, rand.New(rand.NewSource(sampleSeed(l.seed, epoch, b.Idx[i], 1))))
		}
	})
	return b
}

// Each は epoch のバッチを順に fn に渡します。
// ワーカーは最大 prefetch バッチ先まで拡張を進めます。fn の呼び出し中は次のバッチを待たせません。
func (l *PairLoader) Each(ctx context.Context, epoch int, fn func(*PairBatch) error) error {
	plan := l.plan(epoch)
	if len(plan) == 0 {
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	results := make([]chan *PairBatch, len(plan))
	for i := range results {
		results[i] = make(chan *PairBatch, 1)
	}
	jobs := make(chan int)
	tokens := make(chan struct{}, l.prefetch)

	g.Go(func() error {
		defer close(jobs)
		for i := range plan {
			select {
			case tokens <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				results[i] <- l.build(epoch, plan[i])
			}
			return nil
		})
	}

	consume := func() error {
		for i := range plan {
			if err := parent.Err(); err != nil {
				return err
			}
			select {
			case b := <-results[i]:
				<-tokens
				if err := fn(b); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	}

	err := consume()
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return err
}
