package chunker

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Record name layout under the relay domain:
//   m-<id>        manifest, "TOTAL:CRC32:TIMESTAMP"
//   c-<seq>-<id>  one chunk
// DNS labels are limited to 63 characters of [a-z0-9-].

const DEFAULT_TTL = 300

var (
	ErrBadManifest = errors.New("malformed manifest")
	ErrBadLabel    = errors.New("unrecognised record label")
)

var idPattern = regexp.MustCompile(`^[a-z0-9]{1,32}$`)

// ValidID reports whether id can be used as a message id label fragment.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ManifestLabel returns the relative record name of a message's manifest.
func ManifestLabel(msgID string) string {
	return "m-" + msgID
}

// ChunkLabel returns the relative record name of chunk seq.
func ChunkLabel(seq int, msgID string) string {
	return fmt.Sprintf("c-%d-%s", seq, msgID)
}

// LabelKind says what a record label points at.
type LabelKind int

const (
	LabelManifest LabelKind = iota + 1
	LabelChunk
)

// ParseLabel splits a manifest or chunk label into its parts. seq is -1 for
// manifests.
func ParseLabel(label string) (LabelKind, int, string, error) {
	label = strings.ToLower(label)
	switch {
	case strings.HasPrefix(label, "m-"):
		id := label[2:]
		if !ValidID(id) {
			return 0, 0, "", fmt.Errorf("%q: %w", label, ErrBadLabel)
		}
		return LabelManifest, -1, id, nil
	case strings.HasPrefix(label, "c-"):
		parts := strings.SplitN(label[2:], "-", 2)
		if len(parts) != 2 || !ValidID(parts[1]) {
			return 0, 0, "", fmt.Errorf("%q: %w", label, ErrBadLabel)
		}
		seq, err := strconv.Atoi(parts[0])
		if err != nil || seq < 0 || seq > 0xFFFF {
			return 0, 0, "", fmt.Errorf("%q: %w", label, ErrBadLabel)
		}
		return LabelChunk, seq, parts[1], nil
	}
	return 0, 0, "", fmt.Errorf("%q: %w", label, ErrBadLabel)
}

// RelativeLabel strips domain from a query or record name, returning the
// labels in front of it. ok is false when name is not under domain.
func RelativeLabel(name, domain string) (string, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if !strings.HasSuffix(name, "."+domain) {
		return "", false
	}
	return strings.TrimSuffix(name, "."+domain), true
}

// DNSManifest describes a complete message for DNS transport
type DNSManifest struct {
	MessageID   string
	TotalChunks int
	Checksum    uint32 // CRC32 of the reassembled data
	Timestamp   time.Time
}

// NewManifest builds the manifest for a chunked message.
func NewManifest(msg *Message) *DNSManifest {
	return &DNSManifest{
		MessageID:   msg.ShortID(),
		TotalChunks: len(msg.Chunks),
		Checksum:    crc32.ChecksumIEEE(msg.Data),
		Timestamp:   msg.CreatedAt,
	}
}

// String renders the TXT value of the manifest.
func (m *DNSManifest) String() string {
	return fmt.Sprintf("%d:%08x:%d", m.TotalChunks, m.Checksum, m.Timestamp.Unix())
}

// Verify checks reassembled data against the manifest checksum.
func (m *DNSManifest) Verify(data []byte) error {
	if got := crc32.ChecksumIEEE(data); got != m.Checksum {
		return fmt.Errorf("message %s: manifest %08x, data %08x: %w", m.MessageID, m.Checksum, got, ErrChecksum)
	}
	return nil
}

// ParseManifest reads a manifest TXT value.
func ParseManifest(msgID, value string) (*DNSManifest, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%q: %w", value, ErrBadManifest)
	}
	total, err := strconv.Atoi(parts[0])
	if err != nil || total <= 0 || total > 0xFFFF {
		return nil, fmt.Errorf("chunk count %q: %w", parts[0], ErrBadManifest)
	}
	sum, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("checksum %q: %w", parts[1], ErrBadManifest)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q: %w", parts[2], ErrBadManifest)
	}
	return &DNSManifest{
		MessageID:   msgID,
		TotalChunks: total,
		Checksum:    uint32(sum),
		Timestamp:   time.Unix(ts, 0),
	}, nil
}

// DNSRecord represents a DNS TXT record
type DNSRecord struct {
	Name  string // fully qualified, no trailing dot
	TTL   uint32
	Value string
}

// RR converts the record to a miekg/dns resource record.
func (r DNSRecord) RR() *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(r.Name),
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    r.TTL,
		},
		Txt: []string{r.Value},
	}
}

// DNSEncoder maps chunked messages onto TXT records under a domain.
type DNSEncoder struct {
	domain string
	ttl    uint32
}

// NewDNSEncoder creates an encoder for DNS transport
func NewDNSEncoder(domain string) *DNSEncoder {
	return &DNSEncoder{
		domain: strings.ToLower(strings.TrimSuffix(domain, ".")),
		ttl:    DEFAULT_TTL,
	}
}

// EncodeToDNS converts a message into its manifest record followed by one
// record per chunk.
func (de *DNSEncoder) EncodeToDNS(msg *Message) (*DNSManifest, []DNSRecord) {
	manifest := NewManifest(msg)

	records := make([]DNSRecord, 0, len(msg.Chunks)+1)
	records = append(records, DNSRecord{
		Name:  de.name(ManifestLabel(manifest.MessageID)),
		TTL:   de.ttl,
		Value: manifest.String(),
	})
	for _, chunk := range msg.Chunks {
		records = append(records, DNSRecord{
			Name:  de.name(chunk.RecordName),
			TTL:   de.ttl,
			Value: chunk.Encoded,
		})
	}
	return manifest, records
}

func (de *DNSEncoder) name(label string) string {
	return label + "." + de.domain
}

// ParseFromDNS sorts records back into a manifest and decoded chunks.
// Records outside the domain are ignored; a chunk that does not decode is
// an error.
func (de *DNSEncoder) ParseFromDNS(records []DNSRecord) (*DNSManifest, []Chunk, error) {
	var manifest *DNSManifest
	var chunks []Chunk
	chk := NewChunker(ChunkerConfig{})

	for _, record := range records {
		label, ok := RelativeLabel(record.Name, de.domain)
		if !ok {
			continue
		}
		kind, _, id, err := ParseLabel(label)
		if err != nil {
			continue
		}

		switch kind {
		case LabelManifest:
			if manifest, err = ParseManifest(id, record.Value); err != nil {
				return nil, nil, err
			}
		case LabelChunk:
			chunk, err := chk.DecodeChunk(record.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", record.Name, err)
			}
			chunks = append(chunks, *chunk)
		}
	}

	if manifest == nil {
		return nil, nil, fmt.Errorf("no manifest record: %w", ErrBadManifest)
	}
	return manifest, chunks, nil
}

// GenerateZoneFile renders records as a BIND-compatible zone file.
func (de *DNSEncoder) GenerateZoneFile(records []DNSRecord) string {
	var zone strings.Builder

	fmt.Fprintf(&zone, "; stego relay zone for %s\n", de.domain)
	fmt.Fprintf(&zone, "; Generated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&zone, "; Records: %d\n\n", len(records))

	for _, record := range records {
		zone.WriteString(record.RR().String())
		zone.WriteByte('\n')
	}
	return zone.String()
}

// ParseZoneFile reads the TXT records of a zone file. Other record types are
// skipped.
func ParseZoneFile(r io.Reader, origin string) ([]DNSRecord, error) {
	zp := dns.NewZoneParser(r, dns.Fqdn(origin), "")

	var records []DNSRecord
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		txt, isTXT := rr.(*dns.TXT)
		if !isTXT {
			continue
		}
		records = append(records, DNSRecord{
			Name:  strings.TrimSuffix(txt.Hdr.Name, "."),
			TTL:   txt.Hdr.Ttl,
			Value: strings.Join(txt.Txt, ""),
		})
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("zone parse: %w", err)
	}
	return records, nil
}
