package encoder

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
)

func noisyCarrier(t *testing.T, w, h int, seed int64) *carrier.Carrier {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	return carrier.FromImage(img)
}

// readBits reads the LSB stream back independently of the decoder package.
func readBits(c *carrier.Carrier, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n*8; i++ {
		out[i/8] |= c.Bit(i) << (7 - i%8)
	}
	return out
}

func TestEmbedBitOrder(t *testing.T) {
	c := carrier.New(3, 1, color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 255})

	out, err := Embed(c, []byte{0xA5}) // 1010 0101
	require.NoError(t, err)

	want := []byte{1, 0, 1, 0, 0, 1, 0, 1}
	for i, bit := range want {
		assert.Equal(t, bit, out.Bit(i), "sample %d", i)
	}
	// ninth sample untouched
	assert.Equal(t, uint8(0x10), out.Sample(8))
}

func TestEmbedDoesNotMutateSource(t *testing.T) {
	c := noisyCarrier(t, 8, 8, 1)
	before := c.Image()

	_, err := Embed(c, bytes.Repeat([]byte{0xFF}, 20))
	require.NoError(t, err)

	assert.Equal(t, before.Pix, c.Image().Pix)
}

func TestEmbedTouchesOnlyWrittenLSBs(t *testing.T) {
	c := noisyCarrier(t, 16, 16, 2)
	payload := []byte("the quick brown fox")

	out, err := Embed(c, payload)
	require.NoError(t, err)

	written := len(payload) * 8
	for i := 0; i < c.CapacityBits(); i++ {
		if i < written {
			assert.Equal(t, c.Sample(i)&0xFE, out.Sample(i)&0xFE, "upper bits of sample %d", i)
		} else {
			assert.Equal(t, c.Sample(i), out.Sample(i), "sample %d beyond payload", i)
		}
	}

	// alpha is never a payload channel
	src, dst := c.Image(), out.Image()
	for i := 3; i < len(src.Pix); i += 4 {
		require.Equal(t, src.Pix[i], dst.Pix[i])
	}

	assert.Equal(t, payload, readBits(out, len(payload)))
}

func TestEmbedCapacityBoundary(t *testing.T) {
	c := carrier.New(64, 64, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	exact := c.CapacityBits() / 8

	out, err := Embed(c, bytes.Repeat([]byte{0x5A}, exact))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, exact), readBits(out, exact))

	_, err = Embed(c, bytes.Repeat([]byte{0x5A}, exact+1))
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestEmbedSmallCarrier(t *testing.T) {
	c := carrier.New(4, 4, color.NRGBA{A: 255})
	_, err := Embed(c, make([]byte, 20))
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestEmbedEmptyPayload(t *testing.T) {
	c := noisyCarrier(t, 4, 4, 3)
	out, err := Embed(c, nil)
	require.NoError(t, err)
	assert.Equal(t, c.Image().Pix, out.Image().Pix)

	empty := carrier.FromImage(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	_, err = Embed(empty, nil)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestHideProducesFrame(t *testing.T) {
	c := carrier.New(64, 64, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	out, frame, err := Hide([]byte("hello"), "pw123", c)
	require.NoError(t, err)
	require.Len(t, frame, FrameSize(5))

	f, err := blob.Unpack(readBits(out, len(frame)))
	require.NoError(t, err)
	assert.Len(t, f.Ciphertext, 16)
}

func TestHideChecksCapacityFirst(t *testing.T) {
	c := carrier.New(4, 4, color.NRGBA{A: 255})
	_, _, err := Hide([]byte("hello"), "pw123", c)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestMaxPlaintext(t *testing.T) {
	c := carrier.New(64, 64, color.NRGBA{A: 255})
	n, ok := MaxPlaintext(c)
	require.True(t, ok)
	assert.LessOrEqual(t, FrameSize(n)*8, c.CapacityBits())
	assert.Greater(t, FrameSize(n+1)*8, c.CapacityBits())

	_, ok = MaxPlaintext(carrier.New(4, 4, color.NRGBA{A: 255}))
	assert.False(t, ok)
}

func TestAnalyze(t *testing.T) {
	flat := Analyze(carrier.New(32, 32, color.NRGBA{R: 2, G: 4, B: 6, A: 255}))
	assert.Equal(t, 0.0, flat.LSBEntropy)
	assert.Equal(t, 100.0, flat.ZeroRatio)
	assert.Contains(t, flat.Verdict(), "Low entropy")

	noisy := Analyze(noisyCarrier(t, 256, 256, 4))
	assert.Greater(t, noisy.LSBEntropy, 7.9)
	assert.InDelta(t, 50.0, noisy.ZeroRatio, 2.0)
}
