package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/chunker"
)

var ErrInvalidUpload = errors.New("invalid upload")

// QueueManager adds queue semantics on top of storage
type QueueManager struct {
	storage Storage
}

// NewQueueManager creates a queue manager
func NewQueueManager(storage Storage) *QueueManager {
	return &QueueManager{
		storage: storage,
	}
}

// PublishMessage validates an upload and stores it. Chunk keys may be bare
// labels or full record names; they are stored as labels. Every chunk the
// manifest announces must be present.
func (qm *QueueManager) PublishMessage(id string, chunks map[string]string, manifest string) error {
	if !chunker.ValidID(id) {
		return fmt.Errorf("message id %q: %w", id, ErrInvalidUpload)
	}
	m, err := chunker.ParseManifest(id, manifest)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidUpload)
	}

	labels := make(map[string]string, len(chunks))
	for name, data := range chunks {
		label, _, _ := strings.Cut(strings.ToLower(name), ".")
		kind, seq, chunkID, err := chunker.ParseLabel(label)
		if err != nil || kind != chunker.LabelChunk || chunkID != id {
			return fmt.Errorf("chunk name %q: %w", name, ErrInvalidUpload)
		}
		if seq >= m.TotalChunks {
			return fmt.Errorf("chunk %d of %d: %w", seq, m.TotalChunks, ErrInvalidUpload)
		}
		labels[label] = data
	}
	if len(labels) != m.TotalChunks {
		return fmt.Errorf("%d chunks for a %d chunk manifest: %w", len(labels), m.TotalChunks, ErrInvalidUpload)
	}

	err = qm.storage.StoreMessage(&Message{
		ID:          id,
		Chunks:      labels,
		TotalChunks: m.TotalChunks,
		Manifest:    manifest,
		CreatedAt:   time.Now(),
		State:       StateNew,
	})
	if err != nil {
		return err
	}
	log.V(1).Infof("published message %s (%d chunks)", id, m.TotalChunks)
	return nil
}

// ConsumeMessages returns up to limit messages clientID has not seen yet,
// oldest first, and marks them delivered to it. limit <= 0 means no limit.
// The client acknowledges each once processed.
func (qm *QueueManager) ConsumeMessages(clientID string, limit int) ([]*Message, error) {
	return qm.storage.ClaimNewMessages(clientID, limit)
}

// AcknowledgeMessage marks a message as consumed
func (qm *QueueManager) AcknowledgeMessage(msgID, clientID string) error {
	return qm.storage.MarkAsConsumed(msgID, clientID)
}

// GetMessageStatus returns current state of a message
func (qm *QueueManager) GetMessageStatus(msgID string) (string, error) {
	msg, err := qm.storage.GetMessage(msgID)
	if err != nil {
		return "", err
	}

	if msg.State == StateDelivered {
		return fmt.Sprintf("delivered to %d clients", len(msg.Consumers)), nil
	}
	return msg.State.String(), nil
}

// PublishRecords publishes every message found in a set of relay TXT
// records, such as a parsed zone file, and returns the ids published.
func (qm *QueueManager) PublishRecords(records []chunker.DNSRecord, domain string) ([]string, error) {
	type pending struct {
		manifest string
		chunks   map[string]string
	}
	byID := make(map[string]*pending)
	var order []string

	for _, record := range records {
		label, ok := chunker.RelativeLabel(record.Name, domain)
		if !ok {
			continue
		}
		kind, _, id, err := chunker.ParseLabel(label)
		if err != nil {
			continue
		}
		p := byID[id]
		if p == nil {
			p = &pending{chunks: make(map[string]string)}
			byID[id] = p
			order = append(order, id)
		}
		if kind == chunker.LabelManifest {
			p.manifest = record.Value
		} else {
			p.chunks[label] = record.Value
		}
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("no relay records under %s: %w", domain, ErrInvalidUpload)
	}
	for i, id := range order {
		if err := qm.PublishMessage(id, byID[id].chunks, byID[id].manifest); err != nil {
			return order[:i], fmt.Errorf("message %s: %w", id, err)
		}
	}
	return order, nil
}
