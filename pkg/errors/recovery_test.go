package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecover_WithPanic(t *testing.T) {
	step := func() (err error) {
		defer Recover(&err, "Trainer.Step")
		panic("mat: dimension mismatch")
	}

	err := step()
	require.Error(t, err)

	var panicErr *PanicError
	require.True(t, As(err, &panicErr))
	assert.Equal(t, "Trainer.Step", panicErr.Operation)
	assert.Equal(t, "mat: dimension mismatch", panicErr.PanicValue)
	assert.NotEmpty(t, panicErr.StackTrace)
	assert.Equal(t, "panic in Trainer.Step: mat: dimension mismatch", panicErr.Error())
	assert.Contains(t, panicErr.String(), "Stack trace:")
}

func TestRecover_WithoutPanic(t *testing.T) {
	step := func() (err error) {
		defer Recover(&err, "Trainer.Step")
		return nil
	}
	assert.NoError(t, step())
}

func TestRecover_WithExistingError(t *testing.T) {
	original := fmt.Errorf("checkpoint write failed")
	step := func() (err error) {
		defer Recover(&err, "Trainer.Step")
		err = original
		panic("late panic")
	}

	err := step()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "late panic"))
	assert.True(t, Is(err, original), "original error must stay in the chain")
}

