package scrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/params"
)

// Material contains all cryptographic components of one sealed message.
// Salt and IV are public; MAC authenticates Ciphertext only.
type Material struct {
	Salt       []byte
	IV         []byte
	MAC        []byte
	Ciphertext []byte
}

// Sealer performs encrypt-then-MAC with AES-256-CBC and HMAC-SHA256 under a
// PBKDF2-derived key.
type Sealer struct {
	Rand RandomSource
}

// NewSealer returns a Sealer reading salts and IVs from src. A nil src
// selects SystemRandom.
func NewSealer(src RandomSource) *Sealer {
	if src == nil {
		src = SystemRandom
	}
	return &Sealer{Rand: src}
}

var defaultSealer = NewSealer(nil)

// Encrypt seals plaintext under password with the system random source.
func Encrypt(plaintext []byte, password string) (*Material, error) {
	return defaultSealer.Seal(plaintext, password)
}

// Decrypt verifies and opens m under password.
func Decrypt(m *Material, password string) ([]byte, error) {
	return defaultSealer.Open(m, password)
}

// Seal encrypts plaintext. Every call draws a fresh salt and IV.
func (s *Sealer) Seal(plaintext []byte, password string) (*Material, error) {
	src := s.Rand
	if src == nil {
		src = SystemRandom
	}

	salt, err := readRandom(src, params.SALT_SIZE, "salt")
	if err != nil {
		return nil, err
	}
	iv, err := readRandom(src, params.IV_SIZE, "iv")
	if err != nil {
		return nil, err
	}

	key := DeriveKey(password, salt)
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	ciphertext := pkcs7Pad(plaintext, block.BlockSize())
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, ciphertext)

	log.V(2).Infof("sealed %d plaintext bytes into %d ciphertext bytes", len(plaintext), len(ciphertext))

	return &Material{
		Salt:       salt,
		IV:         iv,
		MAC:        computeMAC(ciphertext, key),
		Ciphertext: ciphertext,
	}, nil
}

// Open authenticates m and only then decrypts it. A tag mismatch returns
// ErrAuthentication without touching the block cipher; bad padding after a
// successful check returns ErrPadding.
func (s *Sealer) Open(m *Material, password string) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("no material: %w", ErrMaterial)
	}
	if len(m.Salt) != params.SALT_SIZE {
		return nil, fmt.Errorf("salt is %d bytes: %w", len(m.Salt), ErrMaterial)
	}
	if len(m.IV) != params.IV_SIZE {
		return nil, fmt.Errorf("iv is %d bytes: %w", len(m.IV), ErrMaterial)
	}

	key := DeriveKey(password, m.Salt)
	defer wipe(key)

	if !TagsEqual(computeMAC(m.Ciphertext, key), m.MAC) {
		return nil, ErrAuthentication
	}

	if len(m.Ciphertext) == 0 || len(m.Ciphertext)%params.BLOCK_SIZE != 0 {
		return nil, ErrPadding
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	plaintext := make([]byte, len(m.Ciphertext))
	cipher.NewCBCDecrypter(block, m.IV).CryptBlocks(plaintext, m.Ciphertext)

	return pkcs7Unpad(plaintext, block.BlockSize())
}
