package blob

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/faanross/pixelvault/internal/params"
)

// Measurement is the result of scanning a frame prefix.
type Measurement struct {
	// Need is the prefix length required to make progress. Zero once Total
	// is known.
	Need int
	// Total is the full frame size, known once the ciphertext length field
	// has been read.
	Total int
}

// Complete reports whether the full frame size is known.
func (m Measurement) Complete() bool {
	return m.Total > 0
}

// Measure scans as much of the frame header as prefix holds. Magic and
// version are checked as soon as they are present, so a foreign prefix
// fails without anything further being read. Measure never asks for bytes
// beyond the header's ciphertext length field.
func Measure(prefix []byte) (Measurement, error) {
	if len(prefix) >= magicSize && !bytes.Equal(prefix[:magicSize], []byte(params.FRAME_MAGIC)) {
		return Measurement{}, fmt.Errorf("magic %q: %w", prefix[:magicSize], ErrInvalidFormat)
	}
	if len(prefix) > magicSize && prefix[magicSize] != params.FRAME_VERSION {
		return Measurement{}, fmt.Errorf("version %d: %w", prefix[magicSize], ErrUnsupportedVersion)
	}
	if len(prefix) < FixedPrefixSize {
		return Measurement{Need: FixedPrefixSize}, nil
	}

	off := uint64(FixedPrefixSize)
	off += uint64(binary.LittleEndian.Uint16(prefix[FixedPrefixSize-saltLenSize:]))

	if uint64(len(prefix)) < off+ivLenSize {
		return Measurement{Need: int(off + ivLenSize)}, nil
	}
	off += ivLenSize + uint64(binary.LittleEndian.Uint16(prefix[off:]))

	if uint64(len(prefix)) < off+macLenSize {
		return Measurement{Need: int(off + macLenSize)}, nil
	}
	off += macLenSize + uint64(binary.LittleEndian.Uint32(prefix[off:]))

	if off+ctLenSize > math.MaxInt {
		return Measurement{}, fmt.Errorf("mac length overflows: %w", ErrCorruptFrame)
	}
	if uint64(len(prefix)) < off+ctLenSize {
		return Measurement{Need: int(off + ctLenSize)}, nil
	}
	total := off + ctLenSize + uint64(binary.LittleEndian.Uint32(prefix[off:]))

	if total > math.MaxInt {
		return Measurement{}, fmt.Errorf("ciphertext length overflows: %w", ErrCorruptFrame)
	}
	return Measurement{Total: int(total)}, nil
}
