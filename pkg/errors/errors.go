// Package errors はプロジェクト全体のエラーハンドリングと警告システムを提供します。
// 学習ループで発生しうる失敗を4つの分類（設定不正・数値不安定・容量超過・次元不一致）に
// 整理し、cockroachdb/errors によるスタックトレースを付与します。
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		// デフォルトのハンドラは標準エラー出力にログを出す
		log.Printf("supmoco-warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler はライブラリ全体の警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
// nil を渡すと従来のハンドラに戻ります。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// KNNClampWarning は k が memory set のサンプル数を超えたため切り詰めた場合の警告です。
type KNNClampWarning struct {
	Requested int
	Available int
}

func (w *KNNClampWarning) Error() string {
	return fmt.Sprintf("knn: k=%d exceeds memory set size %d; using all %d neighbors", w.Requested, w.Available, w.Available)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *KNNClampWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int("requested", w.Requested).
		Int("available", w.Available).
		Str("type", "KNNClampWarning")
}

// NewKNNClampWarning は新しいKNNClampWarningを作成します。
func NewKNNClampWarning(requested, available int) *KNNClampWarning {
	return &KNNClampWarning{Requested: requested, Available: available}
}

// QueueResetWarning は再開時にメモリキューが永続化されておらず、空の状態から再構築されることを示します。
type QueueResetWarning struct {
	RunID string
	Epoch int
}

func (w *QueueResetWarning) Error() string {
	return fmt.Sprintf("run %s resumed after epoch %d with a freshly constructed memory queue; queued negatives are not persisted", w.RunID, w.Epoch)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *QueueResetWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", w.RunID).
		Int("epoch", w.Epoch).
		Str("type", "QueueResetWarning")
}

// NewQueueResetWarning は新しいQueueResetWarningを作成します。
func NewQueueResetWarning(runID string, epoch int) *QueueResetWarning {
	return &QueueResetWarning{RunID: runID, Epoch: epoch}
}

// UndefinedMetricWarning は評価指標が計算できない場合に発生する警告です。
// 例えば、陽性クラスのサンプルが一つもない状態で感度を計算した場合など。
type UndefinedMetricWarning struct {
	Metric    string
	Condition string
	Result    float64 // この条件で返される値
}

func (w *UndefinedMetricWarning) Error() string {
	return fmt.Sprintf("'%s' is ill-defined and being set to %f due to %s.", w.Metric, w.Result, w.Condition)
}

// NewUndefinedMetricWarning は新しいUndefinedMetricWarningを作成します。
func NewUndefinedMetricWarning(metric, condition string, result float64) *UndefinedMetricWarning {
	return &UndefinedMetricWarning{Metric: metric, Condition: condition, Result: result}
}

// ===========================================================================
//
//	エラー分類の番兵
//
// ===========================================================================

var (
	// ErrInvalidConfiguration はハイパーパラメータが不正な場合の分類です（構築時に検出）。
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNumericalInstability は損失や埋め込みに NaN/Inf が現れた場合の分類です。
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrCapacityViolation はキュー容量を超えるバッチを投入した場合の分類です。
	ErrCapacityViolation = errors.New("capacity violation")

	// ErrDimensionMismatch は埋め込み次元などが一致しない場合の分類です。
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrFrozenParameter は凍結されたパラメータに勾配を適用しようとした場合のエラーです。
	ErrFrozenParameter = errors.New("gradient applied to frozen parameter")

	// ErrNotImplemented は機能が未実装の場合のエラーです。
	ErrNotImplemented = errors.New("not implemented")

	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = errors.New("empty data")

	// ErrCheckpointNotFound は指定した実行IDのチェックポイントが存在しない場合のエラーです。
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// ConfigurationError はハイパーパラメータの検証に失敗した場合のエラーです。
// 値を黙って補正することはせず、構築時に即座に失敗させます。
type ConfigurationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("supmoco: invalid configuration for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// Is は ErrInvalidConfiguration との比較を可能にします。
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ConfigurationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ConfigurationError")
}

// NewConfigurationError は新しいConfigurationErrorを作成し、スタックトレースを付与します。
func NewConfigurationError(param, reason string, value interface{}) error {
	err := &ConfigurationError{ParamName: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("supmoco: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// Is は ErrDimensionMismatch との比較を可能にします。
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// CapacityError はメモリキューの容量を超える数のキーを一度に投入した場合のエラーです。
type CapacityError struct {
	Op       string
	Capacity int
	Got      int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("supmoco: %s: batch of %d keys exceeds queue capacity %d", e.Op, e.Got, e.Capacity)
}

// Is は ErrCapacityViolation との比較を可能にします。
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityViolation
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *CapacityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("capacity", e.Capacity).
		Int("got", e.Got).
		Str("type", "CapacityError")
}

// NewCapacityError は新しいCapacityErrorを作成し、スタックトレースを付与します。
func NewCapacityError(op string, capacity, got int) error {
	err := &CapacityError{Op: op, Capacity: capacity, Got: got}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("supmoco: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// ModelError はネットワークや前処理に関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supmoco: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("supmoco: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// NotFittedError は統計量を学習していない前処理器で Transform を呼び出した場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("supmoco: %s: this model is not fitted yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	err := &NotFittedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// NaN、Inf を検出すると学習は中断されます（盲目的なリトライはしない）。
type NumericalInstabilityError struct {
	Operation string                 // 発生した操作（例: "loss", "query_embedding"）
	Values    []float64              // 問題のある値
	Context   map[string]interface{} // デバッグ用の追加コンテキスト情報
	Iteration int                    // 発生したステップ番号
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("supmoco: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// Is は ErrNumericalInstability との比較を可能にします。
func (e *NumericalInstabilityError) Is(target error) bool {
	return target == ErrNumericalInstability
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NumericalInstabilityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Int("iteration", e.Iteration).
		Floats64("values", e.Values).
		Str("type", "NumericalInstabilityError")
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
		Context:   make(map[string]interface{}),
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// Mark はエラーに分類の番兵を付与し、Is で判定できるようにします。
func Mark(err error, reference error) error {
	return errors.Mark(err, reference)
}

// Join は nil でないエラーをまとめます。すべて nil なら nil です。
func Join(errs ...error) error {
	return errors.JoinWithDepth(1, errs...)
}
