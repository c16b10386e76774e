package carrier

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityBits(t *testing.T) {
	assert.Equal(t, 12288, CapacityBits(64, 64))
	assert.Equal(t, 48, CapacityBits(4, 4))
	assert.Equal(t, 0, CapacityBits(0, 10))
	assert.Equal(t, 0, CapacityBits(-1, 10))

	assert.Equal(t, 3*5*7, New(5, 7, color.NRGBA{A: 255}).CapacityBits())
}

func TestFromImageCopies(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	src.SetNRGBA(1, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	c := FromImage(src)
	src.SetNRGBA(1, 0, color.NRGBA{R: 99, G: 99, B: 99, A: 255})

	// pixel (1,0) is samples 3, 4, 5
	assert.Equal(t, uint8(10), c.Sample(3))
	assert.Equal(t, uint8(20), c.Sample(4))
	assert.Equal(t, uint8(30), c.Sample(5))
}

func TestFromImageConvertsOtherModels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 1))
	src.SetGray(2, 0, color.Gray{Y: 77})

	c := FromImage(src)
	for i := 6; i < 9; i++ {
		assert.Equal(t, uint8(77), c.Sample(i))
	}
}

func TestRasterOrderWithOffsetBounds(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 20, 13, 22))
	src.SetNRGBA(10, 21, color.NRGBA{R: 1, G: 2, B: 3, A: 255})

	c := FromImage(src)
	require.Equal(t, 3, c.Width())
	require.Equal(t, 2, c.Height())

	// first pixel of the second row: index 3 pixels in, 9 samples
	assert.Equal(t, uint8(1), c.Sample(9))
	assert.Equal(t, uint8(2), c.Sample(10))
	assert.Equal(t, uint8(3), c.Sample(11))
}

func TestSetBitTouchesOnlyLSB(t *testing.T) {
	c := New(1, 1, color.NRGBA{R: 0xAA, G: 0x55, B: 0xFF, A: 0x80})

	c.SetBit(0, 1)
	c.SetBit(1, 0)
	c.SetBit(2, 0)

	img := c.Image()
	assert.Equal(t, []uint8{0xAB, 0x54, 0xFE, 0x80}, img.Pix[:4])
	assert.Equal(t, byte(1), c.Bit(0))
	assert.Equal(t, byte(0), c.Bit(2))
}

func TestCloneIsIndependent(t *testing.T) {
	c := New(2, 2, color.NRGBA{A: 255})
	d := c.Clone()
	d.SetBit(0, 1)

	assert.Equal(t, byte(0), c.Bit(0))
	assert.Equal(t, byte(1), d.Bit(0))
}
