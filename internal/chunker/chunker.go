package chunker

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sort"
	"time"

	log "github.com/golang/glog"
)

// ================================================================================
// DNS TXT record chunking
//
// A stego image travels as a sequence of self-describing chunks, one per TXT
// string. Each chunk carries its message id, position, the chunk count and a
// CRC32 of its payload, so chunks can be fetched in any order and checked on
// their own.
//
// Wire format (big-endian), then hex or unpadded base32:
//   [MAGIC(4)][MSGID(16)][SEQ(2)][TOTAL(2)][CRC32(4)][PAYLOAD]
// ================================================================================

const (
	// MAX_DNS_STRING_SIZE is the TXT character-string limit.
	MAX_DNS_STRING_SIZE = 255

	// SAFE_CHUNK_SIZE bounds the encoded chunk, metadata included.
	SAFE_CHUNK_SIZE = 250

	// METADATA_OVERHEAD is Magic(4) + MessageID(16) + Sequence(2) + Total(2) + Checksum(4).
	METADATA_OVERHEAD = 28

	ENCODE_HEX    = "hex"
	ENCODE_BASE32 = "base32"

	CHUNK_MAGIC = 0x444E5343 // "DNSC"
)

var (
	ErrNoChunks       = errors.New("no chunks provided")
	ErrIncomplete     = errors.New("incomplete message")
	ErrMixedMessages  = errors.New("chunks from different messages")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrMalformedChunk = errors.New("malformed chunk")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ChunkMetadata contains all information needed to reassemble a message
type ChunkMetadata struct {
	Magic       uint32
	MessageID   [16]byte
	Sequence    uint16 // 0-based
	TotalChunks uint16
	Checksum    uint32 // CRC32 of this chunk's payload
	PayloadSize uint16
}

// Chunk represents a single DNS-ready fragment
type Chunk struct {
	Metadata   ChunkMetadata
	Payload    []byte
	Encoded    string
	RecordName string // relative label, c-<seq>-<id>
}

// Message is a payload split into chunks.
type Message struct {
	ID        [16]byte
	Data      []byte
	Chunks    []Chunk
	Encoding  string
	CreatedAt time.Time
}

// ShortID is the DNS-safe identifier used in record names.
func (m *Message) ShortID() string {
	return ShortID(m.ID)
}

// ShortID renders the first 8 bytes of a message id as lowercase hex.
func ShortID(id [16]byte) string {
	return hex.EncodeToString(id[:8])
}

// ChunkerConfig allows customization of chunking behavior
type ChunkerConfig struct {
	Encoding     string // hex or base32
	MaxChunkSize int    // encoded bytes per chunk, metadata included
}

// Chunker handles message fragmentation
type Chunker struct {
	config ChunkerConfig
	stats  ChunkingStats
}

// ChunkingStats tracks performance metrics
type ChunkingStats struct {
	MessagesChunked  int
	TotalChunks      int
	TotalBytes       int
	LastChunkingTime time.Duration
}

// NewChunker creates a configured chunker instance. An empty Encoding means
// base32 when chunking and auto-detection when decoding.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.MaxChunkSize <= 0 || config.MaxChunkSize > MAX_DNS_STRING_SIZE {
		config.MaxChunkSize = SAFE_CHUNK_SIZE
	}
	return &Chunker{
		config: config,
	}
}

func (c *Chunker) encoding() string {
	if c.config.Encoding == "" {
		return ENCODE_BASE32
	}
	return c.config.Encoding
}

// PayloadSize returns the raw payload bytes that fit in one chunk once
// metadata is added and the whole is encoded.
func (c *Chunker) PayloadSize() int {
	var raw int
	switch c.encoding() {
	case ENCODE_HEX:
		raw = hex.DecodedLen(c.config.MaxChunkSize)
	default:
		raw = b32.DecodedLen(c.config.MaxChunkSize)
	}
	return raw - METADATA_OVERHEAD
}

// ChunkMessage fragments data into DNS-ready chunks. Empty data still yields
// one chunk so the receiver has something to fetch.
func (c *Chunker) ChunkMessage(data []byte) (*Message, error) {
	startTime := time.Now()

	switch c.encoding() {
	case ENCODE_HEX, ENCODE_BASE32:
	default:
		return nil, fmt.Errorf("unknown encoding %q", c.config.Encoding)
	}

	payloadSize := c.PayloadSize()
	if payloadSize <= 0 {
		return nil, fmt.Errorf("chunk size %d leaves no room for payload", c.config.MaxChunkSize)
	}

	totalChunks := (len(data) + payloadSize - 1) / payloadSize
	if totalChunks == 0 {
		totalChunks = 1
	}
	if totalChunks > math.MaxUint16 {
		return nil, fmt.Errorf("message too large: requires %d chunks (max %d)",
			totalChunks, math.MaxUint16)
	}

	message := &Message{
		ID:        c.generateMessageID(data),
		Data:      data,
		Chunks:    make([]Chunk, 0, totalChunks),
		Encoding:  c.encoding(),
		CreatedAt: time.Now(),
	}

	for i := 0; i < totalChunks; i++ {
		message.Chunks = append(message.Chunks, c.createChunk(data, message.ID, i, uint16(totalChunks), payloadSize))
	}

	c.stats.MessagesChunked++
	c.stats.TotalChunks += totalChunks
	c.stats.TotalBytes += len(data)
	c.stats.LastChunkingTime = time.Since(startTime)

	log.V(1).Infof("chunked %d bytes into %d %s chunks of %d bytes",
		len(data), totalChunks, message.Encoding, payloadSize)

	return message, nil
}

func (c *Chunker) createChunk(data []byte, messageID [16]byte, sequence int, total uint16, payloadSize int) Chunk {
	start := sequence * payloadSize
	end := start + payloadSize
	if end > len(data) {
		end = len(data)
	}
	payload := data[start:end]

	metadata := ChunkMetadata{
		Magic:       CHUNK_MAGIC,
		MessageID:   messageID,
		Sequence:    uint16(sequence),
		TotalChunks: total,
		Checksum:    crc32.ChecksumIEEE(payload),
		PayloadSize: uint16(len(payload)),
	}

	return Chunk{
		Metadata:   metadata,
		Payload:    payload,
		Encoded:    c.encodeChunk(metadata, payload),
		RecordName: ChunkLabel(int(metadata.Sequence), ShortID(messageID)),
	}
}

func (c *Chunker) encodeChunk(metadata ChunkMetadata, payload []byte) string {
	raw := make([]byte, METADATA_OVERHEAD, METADATA_OVERHEAD+len(payload))
	binary.BigEndian.PutUint32(raw[0:4], metadata.Magic)
	copy(raw[4:20], metadata.MessageID[:])
	binary.BigEndian.PutUint16(raw[20:22], metadata.Sequence)
	binary.BigEndian.PutUint16(raw[22:24], metadata.TotalChunks)
	binary.BigEndian.PutUint32(raw[24:28], metadata.Checksum)
	raw = append(raw, payload...)

	if c.encoding() == ENCODE_HEX {
		return hex.EncodeToString(raw)
	}
	return b32.EncodeToString(raw)
}

// DecodeChunk parses a TXT record value back into a Chunk.
func (c *Chunker) DecodeChunk(encoded string) (*Chunk, error) {
	var rawData []byte
	var err error

	switch c.config.Encoding {
	case ENCODE_HEX:
		rawData, err = hex.DecodeString(encoded)
	case ENCODE_BASE32:
		rawData, err = b32.DecodeString(encoded)
	default:
		rawData, err = hex.DecodeString(encoded)
		if err != nil {
			rawData, err = b32.DecodeString(encoded)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode failed: %v: %w", err, ErrMalformedChunk)
	}

	if len(rawData) < METADATA_OVERHEAD {
		return nil, fmt.Errorf("chunk too small: %d bytes: %w", len(rawData), ErrMalformedChunk)
	}

	metadata := ChunkMetadata{
		Magic:       binary.BigEndian.Uint32(rawData[0:4]),
		Sequence:    binary.BigEndian.Uint16(rawData[20:22]),
		TotalChunks: binary.BigEndian.Uint16(rawData[22:24]),
		Checksum:    binary.BigEndian.Uint32(rawData[24:28]),
	}
	if metadata.Magic != CHUNK_MAGIC {
		return nil, fmt.Errorf("invalid magic: %x: %w", metadata.Magic, ErrMalformedChunk)
	}
	copy(metadata.MessageID[:], rawData[4:20])

	payload := rawData[METADATA_OVERHEAD:]
	metadata.PayloadSize = uint16(len(payload))

	return &Chunk{
		Metadata:   metadata,
		Payload:    payload,
		Encoded:    encoded,
		RecordName: ChunkLabel(int(metadata.Sequence), ShortID(metadata.MessageID)),
	}, nil
}

// ReassembleMessage reconstructs the original message from chunks given in
// any order.
func (c *Chunker) ReassembleMessage(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	messageID := chunks[0].Metadata.MessageID
	totalExpected := chunks[0].Metadata.TotalChunks

	for _, chunk := range chunks {
		if chunk.Metadata.MessageID != messageID {
			return nil, fmt.Errorf("%x vs %x: %w",
				messageID[:8], chunk.Metadata.MessageID[:8], ErrMixedMessages)
		}
		if chunk.Metadata.TotalChunks != totalExpected {
			return nil, fmt.Errorf("inconsistent total chunks: %d vs %d: %w",
				totalExpected, chunk.Metadata.TotalChunks, ErrMalformedChunk)
		}
	}

	if missing := FindMissingChunks(chunks, totalExpected); len(missing) > 0 {
		return nil, fmt.Errorf("missing chunks %v: %w", missing, ErrIncomplete)
	}
	if len(chunks) != int(totalExpected) {
		return nil, fmt.Errorf("%d chunks for a %d chunk message: %w",
			len(chunks), totalExpected, ErrMalformedChunk)
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Metadata.Sequence < sorted[j].Metadata.Sequence
	})

	var reassembled []byte
	for i, chunk := range sorted {
		if chunk.Metadata.Sequence != uint16(i) {
			return nil, fmt.Errorf("sequence error at position %d: %w", i, ErrMalformedChunk)
		}
		if crc32.ChecksumIEEE(chunk.Payload) != chunk.Metadata.Checksum {
			return nil, fmt.Errorf("chunk %d: %w", i, ErrChecksum)
		}
		reassembled = append(reassembled, chunk.Payload...)
	}

	log.V(1).Infof("reassembled %d bytes from %d chunks", len(reassembled), len(sorted))
	return reassembled, nil
}

// ValidateChunk performs the checks that need no other chunk.
func (c *Chunker) ValidateChunk(chunk *Chunk) error {
	if chunk.Metadata.Magic != CHUNK_MAGIC {
		return fmt.Errorf("invalid magic number: %x: %w", chunk.Metadata.Magic, ErrMalformedChunk)
	}

	if calculated := crc32.ChecksumIEEE(chunk.Payload); calculated != chunk.Metadata.Checksum {
		return fmt.Errorf("expected %x, got %x: %w",
			chunk.Metadata.Checksum, calculated, ErrChecksum)
	}

	if chunk.Metadata.Sequence >= chunk.Metadata.TotalChunks {
		return fmt.Errorf("sequence %d out of bounds (total: %d): %w",
			chunk.Metadata.Sequence, chunk.Metadata.TotalChunks, ErrMalformedChunk)
	}

	if maxPayload := c.PayloadSize(); len(chunk.Payload) > maxPayload {
		return fmt.Errorf("payload too large: %d > %d: %w", len(chunk.Payload), maxPayload, ErrMalformedChunk)
	}

	return nil
}

// GetStats returns chunking statistics
func (c *Chunker) GetStats() ChunkingStats {
	return c.stats
}

// generateMessageID hashes the data together with the current time, so the
// same image sent twice gets two ids.
func (c *Chunker) generateMessageID(data []byte) [16]byte {
	h := sha256.New()
	h.Write(data)
	binary.Write(h, binary.BigEndian, time.Now().UnixNano())
	var id [16]byte
	copy(id[:], h.Sum(nil))
	return id
}

// FindMissingChunks lists the sequence numbers absent from chunks.
func FindMissingChunks(chunks []Chunk, total uint16) []uint16 {
	present := make(map[uint16]bool, len(chunks))
	for _, chunk := range chunks {
		present[chunk.Metadata.Sequence] = true
	}

	var missing []uint16
	for i := uint16(0); i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
