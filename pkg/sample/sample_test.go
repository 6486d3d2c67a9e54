package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_NewestFirstAndBounded(t *testing.T) {
	b := NewBuffer(3)
	base := time.Unix(100, 0)

	for i := 0; i < 5; i++ {
		b.Push(New(float64(i), 0, base.Add(time.Duration(i)*time.Second)))
	}

	require.Equal(t, 3, b.Len())
	assert.Equal(t, 4.0, b.At(0).X)
	assert.Equal(t, 3.0, b.At(1).X)
	assert.Equal(t, 2.0, b.At(2).X)

	newest, ok := b.Newest()
	require.True(t, ok)
	assert.Equal(t, 4.0, newest.X)
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, DefaultCapacity, b.Cap())

	_, ok := b.Newest()
	assert.False(t, ok)
}

func TestBuffer_WindowClamps(t *testing.T) {
	b := NewBuffer(4)
	b.Push(New(1, 1, time.Unix(1, 0)))
	b.Push(New(2, 2, time.Unix(2, 0)))

	assert.Len(t, b.Window(10), 2)
	assert.Len(t, b.Window(1), 1)

	b.Clear()
	assert.Equal(t, 0, b.Len())
}

func TestDistance_IgnoresZ(t *testing.T) {
	a := Point{X: 0, Y: 0, Z: 0}
	b := Point{X: 3, Y: 4, Z: 100}
	assert.InDelta(t, 5.0, Distance(a, b), 1e-9)
}

func TestMean(t *testing.T) {
	samples := []Sample{
		At(Point{X: 0, Y: 0, Z: 3}, time.Time{}, nil),
		At(Point{X: 2, Y: 4, Z: 3}, time.Time{}, nil),
	}
	assert.Equal(t, Point{X: 1, Y: 2, Z: 3}, Mean(samples))
	assert.Equal(t, Point{}, Mean(nil))
}
