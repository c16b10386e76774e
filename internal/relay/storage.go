package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// ================================================================================
// Relay storage
// Chunked stego images waiting to be fetched over DNS, with per-client queue
// state and optional JSON persistence.
// ================================================================================

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Message is one uploaded image as the relay holds it.
type Message struct {
	ID          string            `json:"id"`
	Chunks      map[string]string `json:"chunks"` // c-<seq>-<id> -> encoded chunk
	TotalChunks int               `json:"total_chunks"`
	Manifest    string            `json:"manifest"`
	CreatedAt   time.Time         `json:"created_at"`
	State       MessageState      `json:"state"`
	Consumers   []ConsumerRecord  `json:"consumers"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Chunks = make(map[string]string, len(m.Chunks))
	for label, data := range m.Chunks {
		c.Chunks[label] = data
	}
	c.Consumers = append([]ConsumerRecord(nil), m.Consumers...)
	return &c
}

// MessageState tracks lifecycle
type MessageState int

const (
	StateNew       MessageState = iota // never fetched
	StateDelivered                     // announced to at least one client
	StateConsumed                      // acknowledged by a client
)

func (s MessageState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDelivered:
		return "delivered"
	case StateConsumed:
		return "consumed"
	}
	return fmt.Sprintf("MessageState(%d)", int(s))
}

// ConsumerRecord tracks who fetched what
type ConsumerRecord struct {
	ClientID  string    `json:"client_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Storage is the relay's message store.
type Storage interface {
	StoreMessage(msg *Message) error
	GetMessage(id string) (*Message, error)
	GetChunk(msgID, label string) (string, error)

	// Queue semantics
	GetNewMessages(clientID string) ([]*Message, error)
	MarkAsDelivered(msgID, clientID string) error
	// ClaimNewMessages selects up to limit new messages for clientID and
	// marks them delivered in one step, so concurrent claims never return
	// the same message to one client twice. limit <= 0 means no limit.
	ClaimNewMessages(clientID string, limit int) ([]*Message, error)
	MarkAsConsumed(msgID, clientID string) error

	ListMessages() ([]*Message, error)
	CleanExpired(ttl time.Duration) int
	GetStats() StorageStats
}

// StorageStats provides metrics
type StorageStats struct {
	TotalMessages int   `json:"total_messages"`
	NewMessages   int   `json:"new_messages"`
	Delivered     int   `json:"delivered"`
	Consumed      int   `json:"consumed"`
	TotalChunks   int   `json:"total_chunks"`
	MemoryUsage   int64 `json:"memory_usage"`
}

// ================================================================================
// IN-MEMORY STORAGE IMPLEMENTATION
// ================================================================================

// MemoryStorage keeps everything in RAM
type MemoryStorage struct {
	messages map[string]*Message
	index    map[string]map[string]bool // clientID -> msgIDs announced to it
	mu       sync.RWMutex
}

// NewMemoryStorage creates in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*Message),
		index:    make(map[string]map[string]bool),
	}
}

// StoreMessage adds a new message in StateNew. Chunks are stored together
// or not at all.
func (ms *MemoryStorage) StoreMessage(msg *Message) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.messages[msg.ID]; exists {
		return fmt.Errorf("message %s: %w", msg.ID, ErrExists)
	}

	stored := msg.clone()
	stored.State = StateNew
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	ms.messages[msg.ID] = stored
	return nil
}

// GetMessage retrieves a copy of a message by ID
func (ms *MemoryStorage) GetMessage(id string) (*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, exists := ms.messages[id]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg.clone(), nil
}

// GetChunk retrieves a specific chunk
func (ms *MemoryStorage) GetChunk(msgID, label string) (string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return "", fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	data, exists := msg.Chunks[label]
	if !exists {
		return "", fmt.Errorf("chunk %s: %w", label, ErrNotFound)
	}
	return data, nil
}

// GetNewMessages returns messages not yet announced to clientID and not yet
// consumed, oldest first.
func (ms *MemoryStorage) GetNewMessages(clientID string) ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	newMessages := ms.newMessages(clientID)
	for i, msg := range newMessages {
		newMessages[i] = msg.clone()
	}
	return newMessages, nil
}

// ClaimNewMessages implements Storage.
func (ms *MemoryStorage) ClaimNewMessages(clientID string, limit int) ([]*Message, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	claimed := ms.newMessages(clientID)
	if limit > 0 && len(claimed) > limit {
		claimed = claimed[:limit]
	}
	for i, msg := range claimed {
		ms.markDelivered(msg, clientID)
		claimed[i] = msg.clone()
	}
	return claimed, nil
}

// newMessages must be called with ms.mu held.
func (ms *MemoryStorage) newMessages(clientID string) []*Message {
	seen := ms.index[clientID]
	var newMessages []*Message
	for id, msg := range ms.messages {
		if !seen[id] && msg.State != StateConsumed {
			newMessages = append(newMessages, msg)
		}
	}
	sort.Slice(newMessages, func(i, j int) bool {
		return newMessages[i].CreatedAt.Before(newMessages[j].CreatedAt)
	})
	return newMessages
}

// MarkAsDelivered marks message as delivered to a client
func (ms *MemoryStorage) MarkAsDelivered(msgID, clientID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	ms.markDelivered(msg, clientID)
	return nil
}

// markDelivered must be called with ms.mu held for writing.
func (ms *MemoryStorage) markDelivered(msg *Message, clientID string) {
	if msg.State == StateNew {
		msg.State = StateDelivered
	}
	msg.Consumers = append(msg.Consumers, ConsumerRecord{
		ClientID:  clientID,
		FetchedAt: time.Now(),
	})

	if ms.index[clientID] == nil {
		ms.index[clientID] = make(map[string]bool)
	}
	ms.index[clientID][msg.ID] = true
}

// MarkAsConsumed marks message as fully processed
func (ms *MemoryStorage) MarkAsConsumed(msgID, clientID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg, exists := ms.messages[msgID]
	if !exists {
		return fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	msg.State = StateConsumed
	log.V(2).Infof("message %s consumed by %s", msgID, clientID)
	return nil
}

// ListMessages returns all messages, oldest first
func (ms *MemoryStorage) ListMessages() ([]*Message, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	messages := make([]*Message, 0, len(ms.messages))
	for _, msg := range ms.messages {
		messages = append(messages, msg.clone())
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// CleanExpired removes messages older than ttl and returns how many went.
func (ms *MemoryStorage) CleanExpired(ttl time.Duration) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, msg := range ms.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(ms.messages, id)
			for _, seen := range ms.index {
				delete(seen, id)
			}
			removed++
		}
	}
	return removed
}

// GetStats returns storage statistics
func (ms *MemoryStorage) GetStats() StorageStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stats StorageStats
	for _, msg := range ms.messages {
		stats.TotalMessages++
		switch msg.State {
		case StateNew:
			stats.NewMessages++
		case StateDelivered:
			stats.Delivered++
		case StateConsumed:
			stats.Consumed++
		}
		stats.TotalChunks += len(msg.Chunks)
		for _, data := range msg.Chunks {
			stats.MemoryUsage += int64(len(data))
		}
		stats.MemoryUsage += int64(len(msg.Manifest))
	}
	return stats
}

// ================================================================================
// PERSISTENT STORAGE IMPLEMENTATION
// ================================================================================

type snapshot struct {
	Messages map[string]*Message        `json:"messages"`
	Index    map[string]map[string]bool `json:"index"`
}

// FileStorage is MemoryStorage written through to a JSON file on every
// change.
type FileStorage struct {
	*MemoryStorage
	dataFile string
	mu       sync.Mutex
}

// NewFileStorage opens dataFile, loading any state it already holds.
func NewFileStorage(dataFile string) (*FileStorage, error) {
	fs := &FileStorage{
		MemoryStorage: NewMemoryStorage(),
		dataFile:      dataFile,
	}

	if err := fs.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	return fs, nil
}

// StoreMessage adds message and persists to disk
func (fs *FileStorage) StoreMessage(msg *Message) error {
	if err := fs.MemoryStorage.StoreMessage(msg); err != nil {
		return err
	}
	return fs.Save()
}

func (fs *FileStorage) MarkAsDelivered(msgID, clientID string) error {
	if err := fs.MemoryStorage.MarkAsDelivered(msgID, clientID); err != nil {
		return err
	}
	return fs.Save()
}

func (fs *FileStorage) ClaimNewMessages(clientID string, limit int) ([]*Message, error) {
	claimed, err := fs.MemoryStorage.ClaimNewMessages(clientID, limit)
	if err != nil || len(claimed) == 0 {
		return claimed, err
	}
	return claimed, fs.Save()
}

func (fs *FileStorage) MarkAsConsumed(msgID, clientID string) error {
	if err := fs.MemoryStorage.MarkAsConsumed(msgID, clientID); err != nil {
		return err
	}
	return fs.Save()
}

func (fs *FileStorage) CleanExpired(ttl time.Duration) int {
	removed := fs.MemoryStorage.CleanExpired(ttl)
	if removed > 0 {
		if err := fs.Save(); err != nil {
			log.Errorf("Failed to persist cleanup: %v", err)
		}
	}
	return removed
}

// Save writes current state to disk. The file is replaced atomically.
func (fs *FileStorage) Save() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.MemoryStorage.mu.RLock()
	jsonData, err := json.MarshalIndent(snapshot{
		Messages: fs.messages,
		Index:    fs.index,
	}, "", "  ")
	fs.MemoryStorage.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := fs.dataFile + ".tmp"
	if err := os.WriteFile(tempFile, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, fs.dataFile); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load replaces in-memory state with the file's contents.
func (fs *FileStorage) Load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	jsonData, err := os.ReadFile(fs.dataFile)
	if err != nil {
		return err
	}

	var data snapshot
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	if data.Messages == nil {
		data.Messages = make(map[string]*Message)
	}
	if data.Index == nil {
		data.Index = make(map[string]map[string]bool)
	}

	fs.MemoryStorage.mu.Lock()
	fs.messages = data.Messages
	fs.index = data.Index
	fs.MemoryStorage.mu.Unlock()

	log.V(1).Infof("loaded %d messages from %s", len(data.Messages), fs.dataFile)
	return nil
}
