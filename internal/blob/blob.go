// Package blob implements the self-describing frame that is hidden inside a
// carrier image:
//
//	magic(4) | version(1) | flags(2) | saltLen(2) | salt | ivLen(2) | iv |
//	macLen(4) | mac | ciphertextLen(4) | ciphertext
//
// All integers are little-endian. A reader can reject a foreign image after
// the first FixedPrefixSize bytes, and can compute the full frame size from
// the header alone.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/faanross/pixelvault/internal/params"
)

const (
	magicSize   = 4
	versionSize = 1
	flagsSize   = 2
	saltLenSize = 2
	ivLenSize   = 2
	macLenSize  = 4
	ctLenSize   = 4

	// FixedPrefixSize covers magic, version, flags and saltLen: the first
	// bytes every frame has at fixed offsets.
	FixedPrefixSize = magicSize + versionSize + flagsSize + saltLenSize

	// Overhead is the frame size minus the four variable fields.
	Overhead = FixedPrefixSize + ivLenSize + macLenSize + ctLenSize
)

var (
	ErrInvalidFormat      = errors.New("not a stego frame")
	ErrUnsupportedVersion = errors.New("unsupported frame version")
	ErrCorruptFrame       = errors.New("corrupt frame")
	ErrFieldTooLarge      = errors.New("field too large for its length prefix")
)

// Frame is an unpacked blob.
type Frame struct {
	Version    uint8
	Flags      uint16
	Salt       []byte
	IV         []byte
	MAC        []byte
	Ciphertext []byte
}

// Size returns the packed length of salt, iv, mac and ciphertext fields of
// the given sizes.
func Size(saltLen, ivLen, macLen, ctLen int) int {
	return Overhead + saltLen + ivLen + macLen + ctLen
}

// Pack serializes the four fields into a version 1 frame with zero flags.
func Pack(salt, iv, mac, ciphertext []byte) ([]byte, error) {
	if len(salt) > math.MaxUint16 {
		return nil, fmt.Errorf("salt of %d bytes: %w", len(salt), ErrFieldTooLarge)
	}
	if len(iv) > math.MaxUint16 {
		return nil, fmt.Errorf("iv of %d bytes: %w", len(iv), ErrFieldTooLarge)
	}
	if uint64(len(mac)) > math.MaxUint32 {
		return nil, fmt.Errorf("mac of %d bytes: %w", len(mac), ErrFieldTooLarge)
	}
	if uint64(len(ciphertext)) > math.MaxUint32 {
		return nil, fmt.Errorf("ciphertext of %d bytes: %w", len(ciphertext), ErrFieldTooLarge)
	}

	buf := make([]byte, 0, Size(len(salt), len(iv), len(mac), len(ciphertext)))
	buf = append(buf, params.FRAME_MAGIC...)
	buf = append(buf, params.FRAME_VERSION)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(salt)))
	buf = append(buf, salt...)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(iv)))
	buf = append(buf, iv...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mac)))
	buf = append(buf, mac...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ciphertext)))
	buf = append(buf, ciphertext...)

	return buf, nil
}

// Unpack parses a complete frame. The frame must be exactly as long as its
// length fields declare.
func Unpack(b []byte) (*Frame, error) {
	m, err := Measure(b)
	if err != nil {
		return nil, err
	}
	if !m.Complete() {
		return nil, fmt.Errorf("header needs %d bytes, have %d: %w", m.Need, len(b), ErrCorruptFrame)
	}
	if len(b) != m.Total {
		return nil, fmt.Errorf("frame declares %d bytes, have %d: %w", m.Total, len(b), ErrCorruptFrame)
	}

	r := reader{buf: b, off: magicSize}
	f := &Frame{}
	f.Version = r.u8()
	f.Flags = r.u16()
	f.Salt = r.bytes(int(r.u16()))
	f.IV = r.bytes(int(r.u16()))
	f.MAC = r.bytes(int(r.u32()))
	f.Ciphertext = r.bytes(int(r.u32()))

	return f, nil
}

// reader walks a buffer whose bounds Measure has already validated.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}
