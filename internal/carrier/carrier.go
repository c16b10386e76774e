// Package carrier holds the pixel data a payload is hidden in.
//
// A Carrier is an owned 8-bit NRGBA copy of a source image. Its payload
// samples are the R, G and B channels of each pixel visited row-major,
// top-to-bottom, left-to-right. Alpha never carries payload.
package carrier

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/faanross/pixelvault/internal/params"
)

// Carrier is a mutable-by-copy view over an image's color samples.
type Carrier struct {
	img *image.NRGBA
}

// CapacityBits is the number of payload bits a width×height raster holds.
func CapacityBits(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return width * height * params.CHANNELS
}

// FromImage copies src into a new Carrier. The source is never retained.
func FromImage(src image.Image) *Carrier {
	b := src.Bounds()
	dst := image.NewNRGBA(b)

	switch s := src.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			copy(dst.Pix[dst.PixOffset(b.Min.X, y):dst.PixOffset(b.Max.X, y)],
				s.Pix[s.PixOffset(b.Min.X, y):s.PixOffset(b.Max.X, y)])
		}
	default:
		draw.Draw(dst, b, src, b.Min, draw.Src)
	}
	return &Carrier{img: dst}
}

// New returns a carrier of the given size filled with c.
func New(width, height int, c color.NRGBA) *Carrier {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return &Carrier{img: img}
}

// Bounds returns the carrier's pixel rectangle.
func (c *Carrier) Bounds() image.Rectangle {
	return c.img.Bounds()
}

// Width returns the carrier width in pixels.
func (c *Carrier) Width() int {
	return c.img.Bounds().Dx()
}

// Height returns the carrier height in pixels.
func (c *Carrier) Height() int {
	return c.img.Bounds().Dy()
}

// CapacityBits returns how many payload bits c can hold.
func (c *Carrier) CapacityBits() int {
	return CapacityBits(c.Width(), c.Height())
}

// Clone returns a deep copy of c.
func (c *Carrier) Clone() *Carrier {
	img := image.NewNRGBA(c.img.Rect)
	copy(img.Pix, c.img.Pix)
	return &Carrier{img: img}
}

// Image returns a copy of the carrier as an *image.NRGBA, suitable for
// lossless encoding.
func (c *Carrier) Image() *image.NRGBA {
	return c.Clone().img
}

// offset maps payload sample index i to its position in Pix.
func (c *Carrier) offset(i int) int {
	w := c.Width()
	pixel := i / params.CHANNELS
	x := c.img.Rect.Min.X + pixel%w
	y := c.img.Rect.Min.Y + pixel/w
	return c.img.PixOffset(x, y) + i%params.CHANNELS
}

// Bit returns the least significant bit of payload sample i.
func (c *Carrier) Bit(i int) byte {
	return c.img.Pix[c.offset(i)] & 1
}

// SetBit overwrites the least significant bit of payload sample i and
// leaves the other seven bits alone.
func (c *Carrier) SetBit(i int, bit byte) {
	off := c.offset(i)
	c.img.Pix[off] = (c.img.Pix[off] & 0xFE) | (bit & 1)
}

// Sample returns the full 8-bit value of payload sample i.
func (c *Carrier) Sample(i int) uint8 {
	return c.img.Pix[c.offset(i)]
}
