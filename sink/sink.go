// Package sink は学習中のスカラー値とメッセージの出力先です。
//
// トレーナーは評価のたびに Log(ctx, epoch, {"loss": ..., "knn@5": ...}) を呼びます。
// 出力先はログ、Prometheus、InfluxDB、メモリ上の履歴から選べ、Multi で束ねられます。
package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

// Sink はスカラー値とメッセージを受け取ります。
type Sink interface {
	// Log は step 時点の値を記録します。
	Log(ctx context.Context, step int, values map[string]float64) error
	// Message は人間向けのメッセージを記録します。
	Message(ctx context.Context, msg string) error
}

// KNNKey は k-NN 精度のキー名 "knn@k" です。
func KNNKey(k int) string { return fmt.Sprintf("knn@%d", k) }

// LossKey は損失のキー名です。
const LossKey = "loss"

// Nop は何もしない Sink です。
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Log(context.Context, int, map[string]float64) error { return nil }
func (nopSink) Message(context.Context, string) error              { return nil }

// multi は複数の Sink に順に書き込みます。
type multi []Sink

// Multi は sinks を1つにまとめます。nil は無視します。
// 途中の Sink が失敗しても残りには書き込み、エラーはまとめて返します。
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Log(ctx context.Context, step int, values map[string]float64) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, step, values); err != nil {
			errs = append(errs, err)
		}
	}
	return join(errs)
}

func (m multi) Message(ctx context.Context, msg string) error {
	var errs []error
	for _, s := range m {
		if err := s.Message(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return join(errs)
}

func join(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.Mark(errors.Newf("%d sinks failed: %s", len(errs), strings.Join(msgs, "; ")), errs[0])
}

// sortedKeys はログ出力を安定させるためにキーを並べます。
func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
