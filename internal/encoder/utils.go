package encoder

import (
	"math"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/params"
)

// CiphertextSize returns the CBC ciphertext length for a plaintext of n
// bytes. PKCS#7 always adds at least one byte.
func CiphertextSize(n int) int {
	return (n/params.BLOCK_SIZE + 1) * params.BLOCK_SIZE
}

// FrameSize returns the exact frame length for a plaintext of n bytes.
func FrameSize(n int) int {
	return blob.Size(params.SALT_SIZE, params.IV_SIZE, params.MAC_SIZE, CiphertextSize(n))
}

// MaxPlaintext returns the largest plaintext that fits in c. ok is false
// when not even an empty message fits.
func MaxPlaintext(c *carrier.Carrier) (n int, ok bool) {
	capBytes := c.CapacityBits() / params.BITS_PER_BYTE
	ctRoom := capBytes - blob.Size(params.SALT_SIZE, params.IV_SIZE, params.MAC_SIZE, 0)
	if ctRoom < params.BLOCK_SIZE {
		return 0, false
	}
	return (ctRoom/params.BLOCK_SIZE)*params.BLOCK_SIZE - 1, true
}

// SecurityReport describes the LSB plane of a carrier.
type SecurityReport struct {
	Width, Height int
	CapacityBits  int
	LSBEntropy    float64 // bits per byte of packed LSBs, max 8.0
	ZeroRatio     float64 // percent of sampled LSBs that are 0
}

// Verdict summarizes the entropy figure.
func (r SecurityReport) Verdict() string {
	switch {
	case r.LSBEntropy > 7.9:
		return "High entropy - statistically indistinguishable from random"
	case r.LSBEntropy > 7.5:
		return "Good entropy - difficult to detect"
	default:
		return "Low entropy - may be detectable"
	}
}

// Analyze provides security metrics for the LSB plane of c.
func Analyze(c *carrier.Carrier) SecurityReport {
	report := SecurityReport{
		Width:        c.Width(),
		Height:       c.Height(),
		CapacityBits: c.CapacityBits(),
	}
	if report.CapacityBits == 0 {
		return report
	}

	// Pack LSBs into bytes exactly as an extractor would see them
	lsbBytes := make([]byte, 0, report.CapacityBits/params.BITS_PER_BYTE)
	bitBuffer := byte(0)
	bitCount := 0
	zeros := 0

	for i := 0; i < report.CapacityBits; i++ {
		bit := c.Bit(i)
		if bit == 0 {
			zeros++
		}
		bitBuffer = bitBuffer<<1 | bit
		bitCount++

		if bitCount == params.BITS_PER_BYTE {
			lsbBytes = append(lsbBytes, bitBuffer)
			bitBuffer = 0
			bitCount = 0
		}
	}

	// Calculate entropy
	frequency := make(map[byte]int)
	for _, b := range lsbBytes {
		frequency[b]++
	}

	total := float64(len(lsbBytes))
	for _, count := range frequency {
		p := float64(count) / total
		if p > 0 {
			report.LSBEntropy -= p * math.Log2(p)
		}
	}

	report.ZeroRatio = float64(zeros) / float64(report.CapacityBits) * 100
	return report
}
