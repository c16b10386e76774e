package scrypto

import (
	"crypto/sha256"

	"github.com/faanross/pixelvault/internal/params"
	"golang.org/x/crypto/pbkdf2"
)

// DeriveKey generates an AES-256 key from password using PBKDF2-HMAC-SHA256
// with params.PBKDF2_ITERS iterations. The same password and salt always
// yield the same key.
//
// An empty salt is a caller bug and panics.
func DeriveKey(password string, salt []byte) []byte {
	if len(salt) == 0 {
		panic("scrypto: DeriveKey called with empty salt")
	}
	return pbkdf2.Key([]byte(password), salt, params.PBKDF2_ITERS, params.KEY_SIZE, sha256.New)
}

// wipe zeroes key material once a call no longer needs it.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
