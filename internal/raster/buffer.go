// Package raster holds the fixed-size intensity grid handed to the control
// loop as the observation. Writes outside the grid are dropped without error;
// they happen every frame for returns beyond the buffer's extent.
package raster

import (
	"image"
	"image/color"
)

// Intensity levels written by the perception pipeline.
const (
	Background uint8 = 128
	FreeSpace  uint8 = 192
	Obstacle   uint8 = 0
)

// Buffer is a Width x Height grid of 8-bit cells addressed as (x, y).
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// New allocates a zeroed buffer.
func New(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// In reports whether (x, y) lies inside the buffer.
func (b *Buffer) In(x, y int) bool {
	return x >= 0 && x < b.Width && y >= 0 && y < b.Height
}

// Center returns the cell the robot occupies.
func (b *Buffer) Center() (int, int) {
	return b.Width / 2, b.Height / 2
}

// Fill sets every cell to v.
func (b *Buffer) Fill(v uint8) {
	for i := range b.Pix {
		b.Pix[i] = v
	}
}

// At returns the cell value, or 0 outside the buffer.
func (b *Buffer) At(x, y int) uint8 {
	if !b.In(x, y) {
		return 0
	}
	return b.Pix[y*b.Width+x]
}

// Set writes v at (x, y).
func (b *Buffer) Set(x, y int, v uint8) {
	if !b.In(x, y) {
		return
	}
	b.Pix[y*b.Width+x] = v
}

// Add blends v onto the cell, truncating the sum to an integer and
// saturating at 255.
func (b *Buffer) Add(x, y int, v float64) {
	if !b.In(x, y) {
		return
	}
	i := y*b.Width + x
	sum := float64(b.Pix[i]) + v
	switch {
	case sum >= 255:
		b.Pix[i] = 255
	case sum <= 0:
		b.Pix[i] = 0
	default:
		b.Pix[i] = uint8(sum)
	}
}

// Count returns how many cells hold exactly v.
func (b *Buffer) Count(v uint8) int {
	n := 0
	for _, p := range b.Pix {
		if p == v {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{Width: b.Width, Height: b.Height, Pix: make([]uint8, len(b.Pix))}
	copy(c.Pix, b.Pix)
	return c
}

// Image exposes the buffer as a grayscale image for encoding and display.
func (b *Buffer) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: b.Pix[y*b.Width+x]})
		}
	}
	return img
}
