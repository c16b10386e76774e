package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/faanross/pixelvault/internal/chunker"
)

// ReceiverConfig configures a Receiver. Zero values take defaults.
type ReceiverConfig struct {
	Server        string // relay DNS address, host:port
	Domain        string
	ClientID      string
	Timeout       time.Duration // per query
	Retries       int           // extra attempts per chunk
	RetryDelay    time.Duration // grows linearly with the attempt
	Parallelism   int
	PollInterval  time.Duration
	SeenCacheSize int

	// Progress, if set, is called after each chunk of a Retrieve arrives.
	// Calls are serialized.
	Progress func(done, total int)
}

func (c *ReceiverConfig) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "receiver1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = 1024
	}
}

// Receiver pulls chunked images from a relay over DNS.
type Receiver struct {
	cfg     ReceiverConfig
	client  *dns.Client
	chunker *chunker.Chunker
	seen    *lru.Cache // message ids already handled in Poll
}

// NewReceiver creates a receiver instance
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	cfg.setDefaults()
	if !chunker.ValidID(strings.ToLower(cfg.ClientID)) {
		return nil, fmt.Errorf("client id %q must be 1-32 letters or digits", cfg.ClientID)
	}
	cfg.ClientID = strings.ToLower(cfg.ClientID)
	cfg.Domain = strings.ToLower(strings.TrimSuffix(cfg.Domain, "."))

	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:     cfg,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		chunker: chunker.NewChunker(chunker.ChunkerConfig{}),
		seen:    seen,
	}, nil
}

// queryTXT asks the relay for the TXT strings at label.<domain>. A name
// error is reported as ErrNotFound.
func (r *Receiver) queryTXT(ctx context.Context, label string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(label+"."+r.cfg.Domain), dns.TypeTXT)

	resp, _, err := r.client.ExchangeContext(ctx, m, r.cfg.Server)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%s: %w", label, ErrNotFound)
	default:
		return nil, fmt.Errorf("%s: %s", label, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, ans := range resp.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			out = append(out, txt.Txt...)
		}
	}
	return out, nil
}

// FetchManifest retrieves the manifest record
func (r *Receiver) FetchManifest(ctx context.Context, msgID string) (*chunker.DNSManifest, error) {
	values, err := r.queryTXT(ctx, chunker.ManifestLabel(msgID))
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("manifest %s: %w", msgID, ErrNotFound)
	}
	return chunker.ParseManifest(msgID, strings.Join(values, ""))
}

// fetchChunk retrieves and checks one chunk, retrying with a linear backoff.
func (r *Receiver) fetchChunk(ctx context.Context, msgID string, seq int) (*chunker.Chunk, error) {
	label := chunker.ChunkLabel(seq, msgID)

	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * r.cfg.RetryDelay):
			}
			log.V(1).Infof("retrying %s (attempt %d): %v", label, attempt+1, lastErr)
		}

		chunk, err := r.tryChunk(ctx, label)
		if err == nil {
			return chunk, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("chunk %d after %d attempts: %w", seq, r.cfg.Retries+1, lastErr)
}

func (r *Receiver) tryChunk(ctx context.Context, label string) (*chunker.Chunk, error) {
	values, err := r.queryTXT(ctx, label)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty answer: %w", label, ErrNotFound)
	}

	chunk, err := r.chunker.DecodeChunk(strings.Join(values, ""))
	if err != nil {
		return nil, err
	}
	if chunk.RecordName != label {
		return nil, fmt.Errorf("asked for %s, got %s: %w", label, chunk.RecordName, chunker.ErrMalformedChunk)
	}
	if err := r.chunker.ValidateChunk(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// Retrieve fetches a complete message: the manifest, then every chunk in
// parallel, then reassembly checked against the manifest checksum.
func (r *Receiver) Retrieve(ctx context.Context, msgID string) ([]byte, error) {
	manifest, err := r.FetchManifest(ctx, msgID)
	if err != nil {
		return nil, fmt.Errorf("manifest fetch failed: %w", err)
	}
	log.V(1).Infof("message %s: %d chunks", msgID, manifest.TotalChunks)

	chunks := make([]chunker.Chunk, manifest.TotalChunks)
	var mu sync.Mutex
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i := range chunks {
		i := i
		g.Go(func() error {
			c, err := r.fetchChunk(gctx, msgID, i)
			if err != nil {
				return err
			}
			chunks[i] = *c
			if r.cfg.Progress != nil {
				mu.Lock()
				done++
				r.cfg.Progress(done, len(chunks))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("incomplete retrieval of %s: %w", msgID, err)
	}

	if int(chunks[0].Metadata.TotalChunks) != manifest.TotalChunks {
		return nil, fmt.Errorf("manifest says %d chunks, chunks say %d: %w",
			manifest.TotalChunks, chunks[0].Metadata.TotalChunks, chunker.ErrMalformedChunk)
	}
	data, err := r.chunker.ReassembleMessage(chunks)
	if err != nil {
		return nil, fmt.Errorf("reassembly failed: %w", err)
	}
	if err := manifest.Verify(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Pending asks the relay for message ids not yet announced to this client.
func (r *Receiver) Pending(ctx context.Context) ([]string, error) {
	values, err := r.queryTXT(ctx, "consume."+r.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if chunker.ValidID(id) {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Acknowledge marks a message as consumed on the relay.
func (r *Receiver) Acknowledge(ctx context.Context, msgID string) error {
	_, err := r.queryTXT(ctx, "ack."+msgID+"."+r.cfg.ClientID)
	return err
}

// Handler processes one retrieved message. A message whose handler fails is
// retried on the next poll and not acknowledged.
type Handler func(msgID string, data []byte) error

// Poll asks the relay for new messages every PollInterval, retrieves each,
// hands it to handle and acknowledges it. Ids already handled are skipped.
// Poll returns nil once ctx is done.
func (r *Receiver) Poll(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var backlog []string
	for {
		ids, err := r.Pending(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warningf("Poll error: %v", err)
		}
		backlog = r.process(ctx, append(backlog, ids...), handle)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// process handles ids and returns those that should be tried again.
func (r *Receiver) process(ctx context.Context, ids []string, handle Handler) []string {
	var retry []string
	queued := make(map[string]bool, len(ids))

	for _, id := range ids {
		if queued[id] || r.seen.Contains(id) {
			continue
		}
		queued[id] = true
		if ctx.Err() != nil {
			retry = append(retry, id)
			continue
		}

		data, err := r.Retrieve(ctx, id)
		if err != nil {
			log.Warningf("Failed to retrieve %s: %v", id, err)
			if !errors.Is(err, ErrNotFound) {
				retry = append(retry, id)
			}
			continue
		}
		if err := handle(id, data); err != nil {
			log.Warningf("Handler failed for %s: %v", id, err)
			retry = append(retry, id)
			continue
		}

		r.seen.Add(id, struct{}{})
		// a handled message is acknowledged even during shutdown
		if err := r.Acknowledge(context.WithoutCancel(ctx), id); err != nil {
			log.Warningf("Failed to acknowledge %s: %v", id, err)
		}
	}
	return retry
}
