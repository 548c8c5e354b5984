package errors

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewModelError(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		kind    string
		err     error
		wantMsg string
	}{
		{
			name:    "with original error",
			op:      "IntensityScaler.Fit",
			kind:    "empty data",
			err:     fmt.Errorf("no volumes"),
			wantMsg: "supmoco: IntensityScaler.Fit: empty data: no volumes",
		},
		{
			name:    "without original error",
			op:      "Encoder.Backward",
			kind:    "forward not called",
			err:     nil,
			wantMsg: "supmoco: Encoder.Backward: forward not called",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelError(tt.op, tt.kind, tt.err)

			// 基本的なエラーメッセージの確認
			assert.Equal(t, tt.wantMsg, err.Error())

			// スタックトレースの存在確認
			formatted := fmt.Sprintf("%+v", err)
			assert.Contains(t, formatted, "errors_test.go")

			var modelErr *ModelError
			assert.True(t, As(err, &modelErr))
		})
	}
}

func TestTaxonomySentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"configuration", NewConfigurationError("temperature", "must be positive", -0.1), ErrInvalidConfiguration},
		{"dimension", NewDimensionError("MemoryQueue.Enqueue", 128, 64, 1), ErrDimensionMismatch},
		{"capacity", NewCapacityError("MemoryQueue.Enqueue", 4, 5), ErrCapacityViolation},
		{"numerical", NewNumericalInstabilityError("loss", []float64{math.NaN()}, 3), ErrNumericalInstability},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Is(tt.err, tt.sentinel))

			wrapped := Wrap(tt.err, "during training step")
			assert.True(t, Is(wrapped, tt.sentinel), "wrapping must keep the classification")

			for _, other := range []error{ErrInvalidConfiguration, ErrDimensionMismatch, ErrCapacityViolation, ErrNumericalInstability} {
				if other == tt.sentinel {
					continue
				}
				assert.False(t, Is(tt.err, other))
			}
		})
	}
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("SupContrastiveLoss.Compute", 128, 64, 1)

	want := "supmoco: SupContrastiveLoss.Compute: dimension mismatch on axis 1 (features). Expected 128, got 64"
	assert.Equal(t, want, err.Error())

	var dimErr *DimensionError
	require.True(t, As(err, &dimErr))
	assert.Equal(t, 128, dimErr.Expected)
}

func TestNewCapacityError(t *testing.T) {
	err := NewCapacityError("MemoryQueue.Enqueue", 4, 5)
	assert.Equal(t, "supmoco: MemoryQueue.Enqueue: batch of 5 keys exceeds queue capacity 4", err.Error())
}

func TestNumericalInstabilityMessage(t *testing.T) {
	err := NewNumericalInstabilityError("loss", []float64{math.NaN(), math.Inf(1), 1, 2, 3, 4, 5}, 12)
	msg := err.Error()
	assert.Contains(t, msg, "loss")
	assert.Contains(t, msg, "iteration 12")
	assert.True(t, strings.HasSuffix(msg, "...]"), "values beyond five are elided: %s", msg)
}

func TestCheckScalarAndMatrix(t *testing.T) {
	assert.NoError(t, CheckScalar("loss", 0.5, 0))
	assert.True(t, Is(CheckScalar("loss", math.NaN(), 1), ErrNumericalInstability))

	ok := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	assert.NoError(t, CheckMatrix("embedding", ok, 0))

	bad := mat.NewDense(2, 2, []float64{1, math.Inf(-1), 3, math.NaN()})
	err := CheckMatrix("embedding", bad, 7)
	var numErr *NumericalInstabilityError
	require.True(t, As(err, &numErr))
	assert.Len(t, numErr.Values, 2)
	assert.Equal(t, 7, numErr.Iteration)

	assert.NoError(t, CheckNumericalStability("grad", []float64{1, 2}, 0))
	assert.Error(t, CheckNumericalStability("grad", []float64{1, math.NaN()}, 0))
}

func TestLogSumExp(t *testing.T) {
	got := LogSumExp([]float64{1000, 1000})
	assert.InDelta(t, 1000+math.Log(2), got, 1e-12)
	assert.True(t, math.IsInf(LogSumExp(nil), -1))
	assert.True(t, math.IsInf(LogSumExp([]float64{math.Inf(-1)}), -1))
}

func TestClipGradient(t *testing.T) {
	g := []float64{3, 4}
	norm := ClipGradient(g, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 0.6, g[0], 1e-12)
	assert.InDelta(t, 0.8, g[1], 1e-12)
}

func TestWarnRouting(t *testing.T) {
	var got []error
	SetZerologWarnFunc(func(w error) { got = append(got, w) })
	defer SetZerologWarnFunc(nil)

	Warn(NewKNNClampWarning(20, 8))
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error(), "k=20 exceeds memory set size 8")

	SetZerologWarnFunc(nil)
	var fallback []error
	SetWarningHandler(func(w error) { fallback = append(fallback, w) })
	Warn(NewQueueResetWarning("run-1", 4))
	require.Len(t, fallback, 1)
	assert.Contains(t, fallback[0].Error(), "not persisted")
}

func TestWrapf(t *testing.T) {
	wrapped := Wrapf(ErrEmptyData, "in %s: expected %d, got %d", "Evaluate", 10, 0)
	assert.True(t, Is(wrapped, ErrEmptyData))
	assert.Contains(t, wrapped.Error(), "in Evaluate: expected 10, got 0")
}
