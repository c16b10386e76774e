package encoder

import (
	"errors"
	"fmt"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/params"
	"github.com/faanross/pixelvault/internal/scrypto"
)

// ErrInsufficientCapacity means the payload needs more bits than the
// carrier offers.
var ErrInsufficientCapacity = errors.New("insufficient carrier capacity")

// Embed writes payload into a copy of c, one bit per R, G or B sample,
// most significant bit of each byte first. Samples past the last payload
// bit are left bit-for-bit identical. c itself is never modified.
func Embed(c *carrier.Carrier, payload []byte) (*carrier.Carrier, error) {
	capacity := c.CapacityBits()
	needed := len(payload) * params.BITS_PER_BYTE

	if capacity == 0 {
		return nil, fmt.Errorf("carrier has no pixels: %w", ErrInsufficientCapacity)
	}
	if needed > capacity {
		return nil, fmt.Errorf("payload needs %d bits, carrier holds %d: %w",
			needed, capacity, ErrInsufficientCapacity)
	}

	out := c.Clone()
	bitIndex := 0
	for _, b := range payload {
		for j := 0; j < params.BITS_PER_BYTE; j++ {
			out.SetBit(bitIndex, (b>>(7-j))&1)
			bitIndex++
		}
	}

	log.V(2).Infof("embedded %d bits into %dx%d carrier (%.1f%% utilization)",
		needed, c.Width(), c.Height(), float64(needed)*100/float64(capacity))

	return out, nil
}

// SecureStegoEncoder handles encrypted steganography
type SecureStegoEncoder struct {
	password string
	message  []byte
	sealer   *scrypto.Sealer
}

// NewSecureStegoEncoder creates an encoder with encryption
func NewSecureStegoEncoder(message []byte, password string) *SecureStegoEncoder {
	return &SecureStegoEncoder{
		password: password,
		message:  message,
		sealer:   scrypto.NewSealer(nil),
	}
}

// WithRandom replaces the salt and IV source.
func (sse *SecureStegoEncoder) WithRandom(src scrypto.RandomSource) *SecureStegoEncoder {
	sse.sealer = scrypto.NewSealer(src)
	return sse
}

// PrepareSecurePayload encrypts the message and packs it into a frame.
func (sse *SecureStegoEncoder) PrepareSecurePayload() ([]byte, error) {
	m, err := sse.sealer.Seal(sse.message, sse.password)
	if err != nil {
		return nil, err
	}
	payload, err := blob.Pack(m.Salt, m.IV, m.MAC, m.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("frame packing failed: %w", err)
	}
	return payload, nil
}

// Hide encrypts the message and embeds the resulting frame into a copy of
// c. It returns the stego carrier and the frame that was embedded.
//
// Capacity is checked before the key is derived.
func (sse *SecureStegoEncoder) Hide(c *carrier.Carrier) (*carrier.Carrier, []byte, error) {
	if size := FrameSize(len(sse.message)); size*params.BITS_PER_BYTE > c.CapacityBits() {
		return nil, nil, fmt.Errorf("frame of %d bytes needs %d bits, carrier holds %d: %w",
			size, size*params.BITS_PER_BYTE, c.CapacityBits(), ErrInsufficientCapacity)
	}

	payload, err := sse.PrepareSecurePayload()
	if err != nil {
		return nil, nil, err
	}

	out, err := Embed(c, payload)
	if err != nil {
		return nil, nil, err
	}
	return out, payload, nil
}

// Hide encrypts plaintext under password and embeds it into a copy of c.
func Hide(plaintext []byte, password string, c *carrier.Carrier) (*carrier.Carrier, []byte, error) {
	return NewSecureStegoEncoder(plaintext, password).Hide(c)
}
