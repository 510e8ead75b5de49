package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_SetOutOfBoundsIsDropped(t *testing.T) {
	b := New(4, 3)
	b.Fill(Background)

	b.Set(-1, 0, Obstacle)
	b.Set(4, 0, Obstacle)
	b.Set(0, 3, Obstacle)
	b.Set(0, -1, Obstacle)

	assert.Equal(t, 12, b.Count(Background))
	assert.Equal(t, uint8(0), b.At(10, 10))
}

func TestBuffer_SetAndAt(t *testing.T) {
	b := New(4, 3)
	b.Set(3, 2, 77)
	assert.Equal(t, uint8(77), b.At(3, 2))
	assert.Equal(t, uint8(77), b.Pix[2*4+3])
}

func TestBuffer_AddTruncatesAndSaturates(t *testing.T) {
	b := New(2, 2)
	b.Fill(FreeSpace)

	b.Add(0, 0, 10.9)
	assert.Equal(t, uint8(202), b.At(0, 0))

	b.Add(1, 0, 63)
	assert.Equal(t, uint8(255), b.At(1, 0))

	b.Add(0, 1, 1000)
	assert.Equal(t, uint8(255), b.At(0, 1))

	b.Add(5, 5, 1)
}

func TestBuffer_CloneIsIndependent(t *testing.T) {
	b := New(3, 3)
	b.Fill(Background)
	c := b.Clone()
	c.Set(1, 1, Obstacle)

	assert.Equal(t, Background, b.At(1, 1))
	assert.Equal(t, Obstacle, c.At(1, 1))
}

func TestBuffer_Center(t *testing.T) {
	x, y := New(84, 84).Center()
	assert.Equal(t, 42, x)
	assert.Equal(t, 42, y)

	x, y = New(5, 7).Center()
	assert.Equal(t, 2, x)
	assert.Equal(t, 3, y)
}

func TestBuffer_Image(t *testing.T) {
	b := New(3, 2)
	b.Set(2, 1, 200)
	img := b.Image()
	require.Equal(t, 3, img.Bounds().Dx())
	require.Equal(t, 2, img.Bounds().Dy())
	assert.Equal(t, uint8(200), img.GrayAt(2, 1).Y)
}
