package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/faanross/pixelvault/internal/chunker"
)

// ================================================================================
// Relay server
//
// Uploads arrive over HTTP; receivers pull over DNS TXT queries under the
// relay domain:
//   m-<id>.<domain>             manifest
//   c-<seq>-<id>.<domain>       chunk
//   consume.<client>.<domain>   ids not yet announced to client
//   ack.<id>.<client>.<domain>  mark id consumed
// ================================================================================

const (
	// MAX_CONSUME_IDS keeps a consume answer inside a plain 512 byte UDP reply.
	MAX_CONSUME_IDS = 16

	// MAX_UPLOAD_BYTES bounds an upload request body.
	MAX_UPLOAD_BYTES = 64 << 20

	shutdownTimeout = 5 * time.Second
)

// ServerConfig holds the relay's listen and retention settings.
type ServerConfig struct {
	Domain          string
	DNSAddr         string
	HTTPAddr        string
	TTL             time.Duration // how long messages are kept
	CleanupInterval time.Duration
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	MessageID string            `json:"message_id"`
	Chunks    map[string]string `json:"chunks"`
	Manifest  string            `json:"manifest"`
}

// Server answers relay DNS queries and accepts uploads.
type Server struct {
	cfg       ServerConfig
	domain    string
	storage   Storage
	queue     *QueueManager
	startTime time.Time
	dnsMux    *dns.ServeMux
}

// NewServer creates a relay over storage.
func NewServer(cfg ServerConfig, storage Storage) *Server {
	s := &Server{
		cfg:       cfg,
		domain:    strings.ToLower(strings.TrimSuffix(cfg.Domain, ".")),
		storage:   storage,
		queue:     NewQueueManager(storage),
		startTime: time.Now(),
		dnsMux:    dns.NewServeMux(),
	}
	s.dnsMux.HandleFunc(dns.Fqdn(s.domain), s.handleDNSRequest)
	s.dnsMux.HandleFunc(".", refuse)
	return s
}

// Queue exposes the server's queue manager.
func (s *Server) Queue() *QueueManager {
	return s.queue
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.dnsMux.ServeDNS(w, r)
}

func refuse(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetRcode(r, dns.RcodeRefused)
	w.WriteMsg(msg)
}

func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true
	msg.Compress = true

	for _, question := range r.Question {
		if question.Qtype == dns.TypeTXT {
			s.handleTXT(question, msg, w.RemoteAddr())
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		log.V(1).Infof("DNS reply to %s failed: %v", w.RemoteAddr(), err)
	}
}

func (s *Server) handleTXT(q dns.Question, msg *dns.Msg, from net.Addr) {
	rel, ok := chunker.RelativeLabel(q.Name, s.domain)
	if !ok {
		msg.Rcode = dns.RcodeNameError
		return
	}
	labels := strings.Split(rel, ".")

	switch {
	case len(labels) == 2 && labels[0] == "consume":
		s.handleConsume(q, msg, labels[1])
	case len(labels) == 3 && labels[0] == "ack":
		s.handleAck(q, msg, labels[1], labels[2])
	case len(labels) == 1:
		s.handleRecordQuery(q, msg, labels[0])
	default:
		msg.Rcode = dns.RcodeNameError
	}
	log.V(2).Infof("%s TXT %s -> %s", from, q.Name, dns.RcodeToString[msg.Rcode])
}

func (s *Server) handleRecordQuery(q dns.Question, msg *dns.Msg, label string) {
	kind, _, id, err := chunker.ParseLabel(label)
	if err != nil {
		msg.Rcode = dns.RcodeNameError
		return
	}

	var value string
	switch kind {
	case chunker.LabelManifest:
		m, err := s.storage.GetMessage(id)
		if err == nil {
			value = m.Manifest
		}
	case chunker.LabelChunk:
		value, err = s.storage.GetChunk(id, label)
	}
	if err != nil || value == "" {
		msg.Rcode = dns.RcodeNameError
		return
	}

	msg.Answer = append(msg.Answer, txtRecord(q.Name, chunker.DEFAULT_TTL, value))
	log.V(1).Infof("Served: %s", label)
}

func (s *Server) handleConsume(q dns.Question, msg *dns.Msg, clientID string) {
	messages, err := s.queue.ConsumeMessages(clientID, MAX_CONSUME_IDS)
	if err != nil {
		log.Errorf("Consume failed for %s: %v", clientID, err)
		msg.Rcode = dns.RcodeServerFailure
		return
	}
	if len(messages) == 0 {
		return
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	// queue answers must not be cached
	rr := txtRecord(q.Name, 0, "")
	rr.Txt = ids
	msg.Answer = append(msg.Answer, rr)
	log.V(1).Infof("Client %s consumed %d messages", clientID, len(ids))
}

func (s *Server) handleAck(q dns.Question, msg *dns.Msg, msgID, clientID string) {
	if err := s.queue.AcknowledgeMessage(msgID, clientID); err != nil {
		msg.Rcode = dns.RcodeNameError
		return
	}
	msg.Answer = append(msg.Answer, txtRecord(q.Name, 0, "ok"))
}

func txtRecord(name string, ttl uint32, value string) *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Txt: []string{value},
	}
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", s.handleHTTPUpload)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleHTTPUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req UploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MAX_UPLOAD_BYTES)).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.queue.PublishMessage(req.MessageID, req.Chunks, req.Manifest)
	switch {
	case errors.Is(err, ErrInvalidUpload):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.Errorf("Failed to store message %s: %v", req.MessageID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Infof("Uploaded message %s via HTTP (%d chunks)", req.MessageID, len(req.Chunks))
	writeJSON(w, map[string]string{
		"status":     "success",
		"message_id": req.MessageID,
		"chunks":     fmt.Sprintf("%d", len(req.Chunks)),
	})
}

// handleStatus reports storage stats, or the state of one message with ?id=.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		status, err := s.queue.GetMessageStatus(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"id": id, "status": status})
		return
	}

	uptime := time.Since(s.startTime)
	writeJSON(w, map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),
		"stats":          s.storage.GetStats(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.V(1).Infof("write response: %v", err)
	}
}

// ListenAndServe opens the configured DNS (UDP) and HTTP listeners and serves
// until ctx is cancelled. An empty HTTPAddr disables the HTTP API.
func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.DNSAddr)
	if err != nil {
		return fmt.Errorf("DNS listen on %s: %w", s.cfg.DNSAddr, err)
	}

	var ln net.Listener
	if s.cfg.HTTPAddr != "" {
		ln, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			pc.Close()
			return fmt.Errorf("HTTP listen on %s: %w", s.cfg.HTTPAddr, err)
		}
	}
	return s.Serve(ctx, pc, ln)
}

// Serve runs the relay on already open listeners until ctx is cancelled or
// one of them fails. ln may be nil. Both listeners are closed on return.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	started := make(chan struct{})
	dnsDone := make(chan struct{})
	dnsServer := &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	g.Go(func() error {
		defer close(dnsDone)
		log.Infof("DNS relay serving %s on %s", s.domain, pc.LocalAddr())
		return dnsServer.ActivateAndServe()
	})

	var httpServer *http.Server
	if ln != nil {
		httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Infof("HTTP API listening on %s", ln.Addr())
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		select {
		case <-started:
			if err := dnsServer.ShutdownContext(shutdownCtx); err != nil {
				log.Warningf("DNS shutdown: %v", err)
			}
		case <-dnsDone:
			pc.Close()
		}
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warningf("HTTP shutdown: %v", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	if s.cfg.TTL <= 0 || s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.storage.CleanExpired(s.cfg.TTL); removed > 0 {
				log.Infof("Cleaned %d expired messages", removed)
			}
		}
	}
}
