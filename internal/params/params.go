package params

// Steganography constants
const (
	BITS_PER_BYTE = 8 // Standard byte size
	CHANNELS      = 3 // RGB channels carrying payload bits
)

// Security constants. These are part of the wire contract between an
// embedder and an extractor and are deliberately not configurable.
const (
	SALT_SIZE    = 16     // Salt for PBKDF2
	IV_SIZE      = 16     // AES-CBC initialization vector
	KEY_SIZE     = 32     // AES-256 key size
	MAC_SIZE     = 32     // HMAC-SHA256 tag
	BLOCK_SIZE   = 16     // AES block size
	PBKDF2_ITERS = 100000 // PBKDF2-HMAC-SHA256 iterations
)

// Frame constants
const (
	FRAME_MAGIC   = "STEG"
	FRAME_VERSION = 1
)
