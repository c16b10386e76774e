package scrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// TagsEqual reports whether two authentication tags are equal. The running
// time depends only on the tag lengths, never on where the first differing
// byte sits. Tag lengths are public.
func TagsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// computeMAC returns HMAC-SHA256 over data under key.
func computeMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
