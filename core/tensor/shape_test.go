package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/supmoco/pkg/errors"
)

func TestShapeOffset(t *testing.T) {
	s, err := NewShape(1, 2, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 24, s.Size())
	assert.Equal(t, 0, s.Offset(0, 0, 0, 0))
	assert.Equal(t, 23, s.Offset(0, 1, 2, 3))
	assert.Equal(t, 4, s.Offset(0, 0, 1, 0))

	_, err = NewShape(1, 0, 3, 4)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfiguration))
}

func TestStackAndRow(t *testing.T) {
	s := Shape{Channels: 1, Height: 1, Width: 2, Depth: 2}
	a, err := NewVolume(s, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	b := a.Clone()
	b.Set(0, 0, 1, 1, 9)
	assert.Equal(t, 4.0, a.At(0, 0, 1, 1))

	x, err := Stack([]*Volume{a, b})
	require.NoError(t, err)
	r, c := x.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 4, c)

	v, err := Row(x, 1, s)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 9}, v.Data)

	_, err = NewVolume(s, []float64{1})
	assert.True(t, errors.Is(err, errors.ErrDimensionMismatch))

	_, err = Stack(nil)
	assert.True(t, errors.Is(err, errors.ErrEmptyData))
}
