package nn

import (
	"gonum.org/v1/gonum/mat"
)

// Layer は Sequential に積めるレイヤーです。
type Layer interface {
	// Forward は (B, in) を (B, out) に変換します。
	Forward(x *mat.Dense, mode Mode) (*mat.Dense, error)
	// Backward は出力勾配を受け取り、入力勾配を返します。直前の Train Forward が必要です。
	Backward(grad *mat.Dense) (*mat.Dense, error)
	// Params はこのレイヤーのパラメータを返します（名前は Sequential が前置詞を付けます）。
	Params() []*Param
	// Buffers はこのレイヤーのバッファを返します。
	Buffers() []*Buffer
	// OutDim は出力次元です。
	OutDim() int
	// clone は frozen を上書きしたディープコピーを返します。
	clone(frozen bool) Layer
	// rename はパラメータとバッファの名前に prefix を付けます。
	rename(prefix string)
}
