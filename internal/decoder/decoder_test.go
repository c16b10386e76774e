package decoder

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/encoder"
	"github.com/faanross/pixelvault/internal/params"
	"github.com/faanross/pixelvault/internal/scrypto"
)

// countingSource serves bytes from memory and records how much was pulled.
type countingSource struct {
	data  []byte
	off   int
	calls int
}

func (s *countingSource) ReadBytes(n int) ([]byte, error) {
	s.calls++
	if n > len(s.data)-s.off {
		return nil, ErrShortCarrier
	}
	b := s.data[s.off : s.off+n]
	s.off += n
	return b, nil
}

func (s *countingSource) Remaining() int {
	return len(s.data) - s.off
}

func solidCarrier(w, h int) *carrier.Carrier {
	return carrier.New(w, h, color.NRGBA{R: 30, G: 144, B: 255, A: 255})
}

func noisyCarrier(w, h int, seed int64) *carrier.Carrier {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rand.New(rand.NewSource(seed)).Read(img.Pix)
	return carrier.FromImage(img)
}

func sampleFrame(t *testing.T, ctLen int) []byte {
	t.Helper()
	b, err := blob.Pack(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16),
		bytes.Repeat([]byte{3}, 32), bytes.Repeat([]byte{4}, ctLen))
	require.NoError(t, err)
	return b
}

func TestExtractInvertsEmbed(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0xFF, 0x00, 0xA5},
		[]byte("Hello world!"),
		bytes.Repeat([]byte("a"), 300),
	}
	carriers := []*carrier.Carrier{
		solidCarrier(40, 30),
		noisyCarrier(40, 30, 7),
		noisyCarrier(1, 1000, 8),
	}

	for _, c := range carriers {
		for _, p := range payloads {
			out, err := encoder.Embed(c, p)
			require.NoError(t, err)

			got, err := Extract(out, len(p))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(p, got), "steganography spoiled the data. %v != %v", p, got)
		}
	}
}

func TestExtractShortCarrier(t *testing.T) {
	c := solidCarrier(4, 4) // 48 bits = 6 bytes
	_, err := Extract(c, 6)
	require.NoError(t, err)

	_, err = Extract(c, 7)
	assert.ErrorIs(t, err, ErrShortCarrier)
}

func TestChannelReaderIsForwardOnly(t *testing.T) {
	c, err := encoder.Embed(solidCarrier(8, 8), []byte("abcdef"))
	require.NoError(t, err)

	r := NewChannelReader(c)
	assert.Equal(t, 24, r.Remaining())

	first, err := r.ReadBytes(2)
	require.NoError(t, err)
	rest, err := r.ReadBytes(4)
	require.NoError(t, err)

	assert.Equal(t, []byte("ab"), first)
	assert.Equal(t, []byte("cdef"), rest)
	assert.Equal(t, 6, r.Offset())
	assert.Equal(t, 18, r.Remaining())
}

func TestFrameExtractorStates(t *testing.T) {
	frame := sampleFrame(t, 32)
	src := &countingSource{data: append(append([]byte(nil), frame...), bytes.Repeat([]byte{0xEE}, 500)...)}

	fe := NewFrameExtractor(src)
	assert.Equal(t, HeaderPending, fe.State())

	for fe.State() == HeaderPending {
		require.NoError(t, fe.Step())
	}
	assert.Equal(t, BodyPending, fe.State())
	assert.Equal(t, blob.Overhead+16+16+32, fe.BytesRead(), "header phase reads exactly the header")

	require.NoError(t, fe.Step())
	assert.Equal(t, Done, fe.State())
	assert.Equal(t, len(frame), src.off, "never reads past the frame")

	f, err := NewFrameExtractor(&countingSource{data: frame}).Run()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{4}, 32), f.Ciphertext)
}

func TestFrameExtractorFailsFastOnForeignData(t *testing.T) {
	junk := bytes.Repeat([]byte("JUNK"), 100000)
	src := &countingSource{data: junk}

	_, err := NewFrameExtractor(src).Run()
	assert.ErrorIs(t, err, blob.ErrInvalidFormat)
	assert.Equal(t, blob.FixedPrefixSize, src.off)
	assert.Equal(t, 1, src.calls)
}

func TestFrameExtractorUnsupportedVersion(t *testing.T) {
	frame := sampleFrame(t, 16)
	frame[4] = 9

	_, err := NewFrameExtractor(&countingSource{data: frame}).Run()
	assert.ErrorIs(t, err, blob.ErrUnsupportedVersion)
}

func TestFrameExtractorOversizedLength(t *testing.T) {
	frame := sampleFrame(t, 16)
	binary.LittleEndian.PutUint32(frame[79:83], 1<<30)
	src := &countingSource{data: frame}

	_, err := NewFrameExtractor(src).Run()
	assert.ErrorIs(t, err, blob.ErrCorruptFrame)
	assert.Equal(t, 83, src.off, "body is never read")
}

func TestExtractFrameFromPlainImage(t *testing.T) {
	_, err := ExtractFrame(solidCarrier(256, 256))
	assert.ErrorIs(t, err, blob.ErrInvalidFormat)

	_, err = ExtractFrame(solidCarrier(2, 2)) // 1 byte of capacity
	assert.ErrorIs(t, err, blob.ErrInvalidFormat)
}

func TestRevealHello(t *testing.T) {
	c := solidCarrier(64, 64)
	require.Equal(t, 12288, c.CapacityBits())

	stego, _, err := encoder.Hide([]byte("hello"), "pw123", c)
	require.NoError(t, err)

	got, err := Reveal(stego, "pw123")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestRevealWrongPassword(t *testing.T) {
	stego, _, err := encoder.Hide([]byte("hello"), "pw123", solidCarrier(64, 64))
	require.NoError(t, err)

	got, err := Reveal(stego, "pw124")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, scrypto.ErrAuthentication)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.EqualError(t, err, "wrong password or corrupted data")
}

func TestRevealBadPaddingLooksLikeWrongPassword(t *testing.T) {
	salt := make([]byte, params.SALT_SIZE)
	iv := make([]byte, params.IV_SIZE)
	ciphertext := make([]byte, 2*params.BLOCK_SIZE)
	mac := hmac.New(sha256.New, scrypto.DeriveKey("pw123", salt))
	mac.Write(ciphertext)

	frame, err := blob.Pack(salt, iv, mac.Sum(nil), ciphertext)
	require.NoError(t, err)
	stego, err := encoder.Embed(solidCarrier(64, 64), frame)
	require.NoError(t, err)

	got, err := Reveal(stego, "pw123")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, scrypto.ErrPadding)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.NotErrorIs(t, err, scrypto.ErrAuthentication)
	assert.EqualError(t, err, "wrong password or corrupted data")
}

func TestRevealEmptyMessage(t *testing.T) {
	stego, _, err := encoder.Hide(nil, "pw123", noisyCarrier(32, 32, 9))
	require.NoError(t, err)

	got, err := Reveal(stego, "pw123")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRevealTamperedImage(t *testing.T) {
	c := noisyCarrier(64, 64, 10)
	stego, frame, err := encoder.Hide([]byte("hello"), "pw123", c)
	require.NoError(t, err)

	// flip the LSB carrying the last ciphertext bit
	img := stego.Clone()
	last := len(frame)*8 - 1
	img.SetBit(last, img.Bit(last)^1)

	_, err = Reveal(img, "pw123")
	assert.ErrorIs(t, err, scrypto.ErrAuthentication)
}

func TestTryPasswords(t *testing.T) {
	stego, _, err := encoder.Hide([]byte("secret"), "right one", solidCarrier(64, 64))
	require.NoError(t, err)

	msg, idx, err := TryPasswords(stego, []string{"nope", "also nope", "right one"})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, []byte("secret"), msg.Message)

	_, idx, err = TryPasswords(stego, []string{"nope"})
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Equal(t, -1, idx)

	_, _, err = TryPasswords(solidCarrier(64, 64), []string{"x"})
	assert.ErrorIs(t, err, blob.ErrInvalidFormat)
}
