package scrypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faanross/pixelvault/internal/params"
)

// counterReader yields 0, 1, 2, ... so sealed output is reproducible.
type counterReader struct{ next byte }

func (c *counterReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = c.next
		c.next++
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy pool closed")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, params.SALT_SIZE)

	k1 := DeriveKey("pw123", salt)
	k2 := DeriveKey("pw123", salt)
	require.Len(t, k1, params.KEY_SIZE)
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, DeriveKey("pw124", salt))
	assert.NotEqual(t, k1, DeriveKey("pw123", bytes.Repeat([]byte{8}, params.SALT_SIZE)))
}

func TestDeriveKeyEmptySaltPanics(t *testing.T) {
	assert.Panics(t, func() { DeriveKey("pw", nil) })
}

func TestSealOpenRoundTrip(t *testing.T) {
	tests := [][]byte{
		nil,
		{},
		[]byte("hello"),
		bytes.Repeat([]byte("A"), params.BLOCK_SIZE),
		bytes.Repeat([]byte("xyz"), 1000),
	}

	s := NewSealer(nil)
	for _, plaintext := range tests {
		m, err := s.Seal(plaintext, "correct horse")
		require.NoError(t, err)

		assert.Len(t, m.Salt, params.SALT_SIZE)
		assert.Len(t, m.IV, params.IV_SIZE)
		assert.Len(t, m.MAC, params.MAC_SIZE)
		assert.Zero(t, len(m.Ciphertext)%params.BLOCK_SIZE)
		assert.Greater(t, len(m.Ciphertext), len(plaintext))

		got, err := s.Open(m, "correct horse")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got), "round trip spoiled %q", plaintext)
	}
}

func TestSealUsesInjectedRandomness(t *testing.T) {
	m1, err := NewSealer(&counterReader{}).Seal([]byte("hello"), "pw123")
	require.NoError(t, err)
	m2, err := NewSealer(&counterReader{}).Seal([]byte("hello"), "pw123")
	require.NoError(t, err)

	assert.Equal(t, m1, m2)
	assert.Equal(t, byte(0), m1.Salt[0])
	assert.Equal(t, byte(params.SALT_SIZE), m1.IV[0])
}

func TestSealFreshSaltPerMessage(t *testing.T) {
	m1, err := Encrypt([]byte("hello"), "pw123")
	require.NoError(t, err)
	m2, err := Encrypt([]byte("hello"), "pw123")
	require.NoError(t, err)

	assert.NotEqual(t, m1.Salt, m2.Salt)
	assert.NotEqual(t, m1.IV, m2.IV)
	assert.NotEqual(t, m1.Ciphertext, m2.Ciphertext)
}

func TestSealRandomnessFailure(t *testing.T) {
	_, err := NewSealer(failingReader{}).Seal([]byte("hello"), "pw123")
	assert.ErrorIs(t, err, ErrRandomnessUnavailable)
}

func TestOpenWrongPassword(t *testing.T) {
	m, err := Encrypt([]byte("hello"), "pw123")
	require.NoError(t, err)

	got, err := Decrypt(m, "pw124")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Nil(t, got)
}

func TestOpenDetectsTampering(t *testing.T) {
	m, err := Encrypt([]byte("attack at dawn, bring snacks"), "pw123")
	require.NoError(t, err)

	clone := func() *Material {
		return &Material{
			Salt:       m.Salt,
			IV:         m.IV,
			MAC:        append([]byte(nil), m.MAC...),
			Ciphertext: append([]byte(nil), m.Ciphertext...),
		}
	}

	positions := []int{0, len(m.Ciphertext) / 2, len(m.Ciphertext) - 1}
	for _, i := range positions {
		for _, bit := range []uint{0, 7} {
			c := clone()
			c.Ciphertext[i] ^= 1 << bit
			_, err := Decrypt(c, "pw123")
			assert.ErrorIs(t, err, ErrAuthentication, "ciphertext byte %d bit %d", i, bit)
		}
	}
	for _, i := range []int{0, params.MAC_SIZE - 1} {
		c := clone()
		c.MAC[i] ^= 1 << 3
		_, err := Decrypt(c, "pw123")
		assert.ErrorIs(t, err, ErrAuthentication, "mac byte %d", i)
	}
}

func TestOpenRejectsMalformedMaterial(t *testing.T) {
	m, err := Encrypt([]byte("hello"), "pw123")
	require.NoError(t, err)

	_, err = Decrypt(&Material{Salt: m.Salt[:4], IV: m.IV, MAC: m.MAC, Ciphertext: m.Ciphertext}, "pw123")
	assert.ErrorIs(t, err, ErrMaterial)

	_, err = Decrypt(&Material{Salt: m.Salt, IV: m.IV[:8], MAC: m.MAC, Ciphertext: m.Ciphertext}, "pw123")
	assert.ErrorIs(t, err, ErrMaterial)
}

func TestOpenPaddingError(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, params.SALT_SIZE)
	key := DeriveKey("pw123", salt)

	// A correctly tagged ciphertext that is not block aligned.
	odd := []byte("not a block")
	_, err := Decrypt(&Material{
		Salt:       salt,
		IV:         make([]byte, params.IV_SIZE),
		MAC:        computeMAC(odd, key),
		Ciphertext: odd,
	}, "pw123")
	assert.ErrorIs(t, err, ErrPadding)

	// A correctly tagged, block aligned ciphertext whose plaintext padding
	// is malformed.
	zeroSalt := make([]byte, params.SALT_SIZE)
	zeros := make([]byte, 2*params.BLOCK_SIZE)
	_, err = Decrypt(&Material{
		Salt:       zeroSalt,
		IV:         make([]byte, params.IV_SIZE),
		MAC:        computeMAC(zeros, DeriveKey("pw123", zeroSalt)),
		Ciphertext: zeros,
	}, "pw123")
	assert.ErrorIs(t, err, ErrPadding)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestOpenNilMaterial(t *testing.T) {
	_, err := Decrypt(nil, "pw123")
	assert.ErrorIs(t, err, ErrMaterial)
}

func TestPKCS7(t *testing.T) {
	padded := pkcs7Pad(nil, 16)
	assert.Equal(t, bytes.Repeat([]byte{16}, 16), padded)

	padded = pkcs7Pad([]byte("abc"), 16)
	require.Len(t, padded, 16)
	out, err := pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	bad := append([]byte("abcdefghijklmno"), 0)
	_, err = pkcs7Unpad(bad, 16)
	assert.ErrorIs(t, err, ErrPadding)

	bad = append(bytes.Repeat([]byte{9}, 14), 3, 2)
	_, err = pkcs7Unpad(bad, 16)
	assert.ErrorIs(t, err, ErrPadding)
}

func TestTagsEqual(t *testing.T) {
	a := bytes.Repeat([]byte{0xAB}, params.MAC_SIZE)
	b := append([]byte(nil), a...)
	assert.True(t, TagsEqual(a, b))

	b[params.MAC_SIZE-1] ^= 1
	assert.False(t, TagsEqual(a, b))
	assert.False(t, TagsEqual(a, a[:10]))
}

func TestCheckPassword(t *testing.T) {
	assert.Error(t, CheckPassword("short"))
	assert.NoError(t, CheckPassword("long enough"))
}
