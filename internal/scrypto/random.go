package scrypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// RandomSource supplies salts and IVs. Production code uses crypto/rand;
// tests may plug in a deterministic reader.
type RandomSource interface {
	io.Reader
}

// SystemRandom is the operating system CSPRNG.
var SystemRandom RandomSource = rand.Reader

// readRandom fills a fresh n-byte slice from src.
func readRandom(src RandomSource, n int, what string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("%s generation: %w: %v", what, ErrRandomnessUnavailable, err)
	}
	return buf, nil
}
