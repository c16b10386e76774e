package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/chunker"
)

// Upload is a chunked payload ready to be sent to a relay.
type Upload struct {
	Message  *chunker.Message
	Manifest *chunker.DNSManifest
	Records  []chunker.DNSRecord // manifest first, then chunks
}

// ID returns the message id receivers ask for.
func (u *Upload) ID() string {
	return u.Manifest.MessageID
}

// Request builds the POST /upload body.
func (u *Upload) Request() UploadRequest {
	chunks := make(map[string]string, len(u.Message.Chunks))
	for _, c := range u.Message.Chunks {
		chunks[c.RecordName] = c.Encoded
	}
	return UploadRequest{
		MessageID: u.ID(),
		Chunks:    chunks,
		Manifest:  u.Manifest.String(),
	}
}

// Uploader sends stego images to a relay's HTTP API.
type Uploader struct {
	endpoint string
	domain   string
	chunker  *chunker.Chunker
	client   *http.Client
}

// NewUploader returns an uploader for the relay at endpoint, e.g.
// http://relay:8080. encoding is passed to the chunker.
func NewUploader(endpoint, domain, encoding string) *Uploader {
	return &Uploader{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		domain:   domain,
		chunker:  chunker.NewChunker(chunker.ChunkerConfig{Encoding: encoding}),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Prepare chunks data without sending anything.
func (u *Uploader) Prepare(data []byte) (*Upload, error) {
	msg, err := u.chunker.ChunkMessage(data)
	if err != nil {
		return nil, err
	}
	manifest, records := chunker.NewDNSEncoder(u.domain).EncodeToDNS(msg)
	return &Upload{Message: msg, Manifest: manifest, Records: records}, nil
}

// Send posts a prepared upload.
func (u *Uploader) Send(ctx context.Context, up *Upload) error {
	jsonData, err := json.Marshal(up.Request())
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+"/upload", bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if result["message_id"] != up.ID() {
		return fmt.Errorf("server acknowledged %q, sent %q", result["message_id"], up.ID())
	}

	log.V(1).Infof("uploaded %s (%d chunks) to %s", up.ID(), len(up.Message.Chunks), u.endpoint)
	return nil
}

// Upload chunks data and sends it, returning the message id.
func (u *Uploader) Upload(ctx context.Context, data []byte) (string, error) {
	up, err := u.Prepare(data)
	if err != nil {
		return "", err
	}
	if err := u.Send(ctx, up); err != nil {
		return "", err
	}
	return up.ID(), nil
}
