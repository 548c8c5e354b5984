package supmoco

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Unlabeled はラベルのないサンプルを表すラベル値です。
const Unlabeled = -1

// MemoryQueue は直近 N 個のキー埋め込みを保持する固定容量のリングバッファです。
// 容量は構築後に変わりません。スレッドセーフではなく、Trainer だけが変更します。
type MemoryQueue struct {
	dim      int
	capacity int

	keys    *mat.Dense // (capacity, dim)、1スロット1行
	labels  []int
	indices []int
	head    int // 次に書き込むスロット
	size    int

	rng *rand.Rand
}

// QueueSnapshot は1ステップ分の読み取り専用コピーです。
// Keys は (D, n) で、列は古い順に並びます。n は埋まっているスロット数です。
type QueueSnapshot struct {
	Keys    *mat.Dense
	Labels  []int
	Indices []int
}

// Len は埋まっているスロット数です。
func (s *QueueSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Labels)
}

// QueueOption は NewMemoryQueue の設定です。
type QueueOption func(*MemoryQueue)

// WithRandomInit はキューをランダムな単位ベクトル（ラベル -1）で満たした状態から始めます。
func WithRandomInit(rng *rand.Rand) QueueOption {
	return func(q *MemoryQueue) { q.rng = rng }
}

// NewMemoryQueue は次元 dim、容量 capacity のキューを作ります。
func NewMemoryQueue(dim, capacity int, opts ...QueueOption) (*MemoryQueue, error) {
	if dim <= 0 {
		return nil, errors.NewConfigurationError("queue.dim", "must be positive", dim)
	}
	if capacity <= 0 {
		return nil, errors.NewConfigurationError("queue.capacity", "must be positive", capacity)
	}
	q := &MemoryQueue{
		dim:      dim,
		capacity: capacity,
		keys:     mat.NewDense(capacity, dim, nil),
		labels:   make([]int, capacity),
		indices:  make([]int, capacity),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.Reset()
	return q, nil
}

// Dim は埋め込み次元 D です。
func (q *MemoryQueue) Dim() int { return q.dim }

// Cap は容量 N です。
func (q *MemoryQueue) Cap() int { return q.capacity }

// Len は埋まっているスロット数です。
func (q *MemoryQueue) Len() int { return q.size }

// Full はウォームアップが終わったかを返します。
func (q *MemoryQueue) Full() bool { return q.size == q.capacity }

// Reset はキューを初期状態に戻します。WithRandomInit の場合はランダムな単位ベクトルで満たします。
func (q *MemoryQueue) Reset() {
	q.keys.Zero()
	for i := range q.labels {
		q.labels[i] = Unlabeled
		q.indices[i] = -1
	}
	q.head, q.size = 0, 0
	if q.rng == nil {
		return
	}
	for i := 0; i < q.capacity; i++ {
		row := q.keys.RawRowView(i)
		var norm float64
		for j := range row {
			row[j] = q.rng.NormFloat64()
			norm += row[j] * row[j]
		}
		norm = math.Max(math.Sqrt(norm), 1e-12)
		for j := range row {
			row[j] /= norm
		}
	}
	q.size = q.capacity
}

// Enqueue は keys (B, D) を先頭に追加し、最も古い B 個を捨てます。
//
// 検証はすべて書き込み前に行われ、エラー時のキューは変更されません。
// indices が nil の場合は -1 として保存します。
func (q *MemoryQueue) Enqueue(keys mat.Matrix, labels []int, indices []int) error {
	b, d := keys.Dims()
	if b > q.capacity {
		return errors.NewCapacityError("MemoryQueue.Enqueue", q.capacity, b)
	}
	if d != q.dim {
		return errors.NewDimensionError("MemoryQueue.Enqueue", q.dim, d, 1)
	}
	if len(labels) != b {
		return errors.NewDimensionError("MemoryQueue.Enqueue labels", b, len(labels), 0)
	}
	if indices != nil && len(indices) != b {
		return errors.NewDimensionError("MemoryQueue.Enqueue indices", b, len(indices), 0)
	}
	if err := errors.CheckMatrix("MemoryQueue.Enqueue", keys, 0); err != nil {
		return err
	}

	for i := 0; i < b; i++ {
		row := q.keys.RawRowView(q.head)
		for j := range row {
			row[j] = keys.At(i, j)
		}
		q.labels[q.head] = labels[i]
		if indices != nil {
			q.indices[q.head] = indices[i]
		} else {
			q.indices[q.head] = -1
		}
		q.head = (q.head + 1) % q.capacity
	}
	q.size += b
	if q.size > q.capacity {
		q.size = q.capacity
	}
	return nil
}

// Snapshot は現在の内容のディープコピーを古い順で返します。
func (q *MemoryQueue) Snapshot() *QueueSnapshot {
	n := q.size
	snap := &QueueSnapshot{
		Labels:  make([]int, n),
		Indices: make([]int, n),
	}
	if n == 0 {
		return snap
	}
	snap.Keys = mat.NewDense(q.dim, n, nil)

	// 満杯でなければ 0..size-1、満杯なら head が最古
	start := 0
	if n == q.capacity {
		start = q.head
	}
	for c := 0; c < n; c++ {
		slot := (start + c) % q.capacity
		snap.Keys.SetCol(c, q.keys.RawRowView(slot))
		snap.Labels[c] = q.labels[slot]
		snap.Indices[c] = q.indices[slot]
	}
	return snap
}
