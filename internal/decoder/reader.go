package decoder

import (
	"errors"
	"fmt"

	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/params"
)

// ErrShortCarrier means a read asked for more bytes than the carrier's LSB
// plane still holds.
var ErrShortCarrier = errors.New("carrier too small for requested read")

// ByteSource is a forward-only byte stream. FrameExtractor only ever needs
// this much of a carrier.
type ByteSource interface {
	ReadBytes(n int) ([]byte, error)
	Remaining() int
}

// ChannelReader reads payload bytes from a carrier's LSB plane in the same
// order the encoder writes them.
type ChannelReader struct {
	c   *carrier.Carrier
	bit int
}

// NewChannelReader starts reading at the first sample of c.
func NewChannelReader(c *carrier.Carrier) *ChannelReader {
	return &ChannelReader{c: c}
}

// Remaining returns the number of whole bytes left in the carrier.
func (r *ChannelReader) Remaining() int {
	return (r.c.CapacityBits() - r.bit) / params.BITS_PER_BYTE
}

// Offset returns the number of bytes read so far.
func (r *ChannelReader) Offset() int {
	return r.bit / params.BITS_PER_BYTE
}

// ReadBytes reads the next n bytes, repacking LSBs most significant bit
// first. On ErrShortCarrier nothing is consumed.
func (r *ChannelReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, fmt.Errorf("read of %d bytes with %d left: %w", n, r.Remaining(), ErrShortCarrier)
	}

	out := make([]byte, n)
	for i := range out {
		var b byte
		for j := 0; j < params.BITS_PER_BYTE; j++ {
			b = b<<1 | r.c.Bit(r.bit)
			r.bit++
		}
		out[i] = b
	}
	return out, nil
}

// Extract reads n payload bytes from the start of c. It is the exact
// inverse of encoder.Embed for the same n.
func Extract(c *carrier.Carrier, n int) ([]byte, error) {
	return NewChannelReader(c).ReadBytes(n)
}
