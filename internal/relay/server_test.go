package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faanross/pixelvault/internal/chunker"
)

type testRelay struct {
	srv     *Server
	dnsAddr string
	httpURL string
}

// startRelay runs a relay on loopback listeners for the duration of the test.
func startRelay(t *testing.T, storage Storage) *testRelay {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Domain: testDomain}, storage)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pc, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("relay did not shut down")
		}
	})

	return &testRelay{
		srv:     srv,
		dnsAddr: pc.LocalAddr().String(),
		httpURL: "http://" + ln.Addr().String(),
	}
}

func (tr *testRelay) receiver(t *testing.T, client string) *Receiver {
	t.Helper()
	r, err := NewReceiver(ReceiverConfig{
		Server:       tr.dnsAddr,
		Domain:       testDomain,
		ClientID:     client,
		Timeout:      2 * time.Second,
		Retries:      2,
		RetryDelay:   10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func image(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestUploadAndRetrieve(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	ctx := context.Background()

	data := image(20000, 1)
	id, err := NewUploader(tr.httpURL, testDomain, chunker.ENCODE_BASE32).Upload(ctx, data)
	require.NoError(t, err)

	r := tr.receiver(t, "bob")
	var calls, last int
	r.cfg.Progress = func(done, total int) {
		calls++
		last = done
		assert.Equal(t, 157, total)
	}
	got, err := r.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, 157, calls)
	assert.Equal(t, 157, last)

	_, err = tr.receiver(t, "bob").Retrieve(ctx, "0123456789abcdef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadHexEncoding(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	ctx := context.Background()

	data := image(3000, 2)
	id, err := NewUploader(tr.httpURL, testDomain, chunker.ENCODE_HEX).Upload(ctx, data)
	require.NoError(t, err)

	got, err := tr.receiver(t, "bob").Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadRejections(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	ctx := context.Background()
	u := NewUploader(tr.httpURL, testDomain, "")

	up, err := u.Prepare([]byte("twice"))
	require.NoError(t, err)
	require.NoError(t, u.Send(ctx, up))

	err = u.Send(ctx, up)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	resp, err := http.Post(tr.httpURL+"/upload", "application/json", strings.NewReader(`{"message_id":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(tr.httpURL + "/upload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	ms := NewMemoryStorage()
	srv := NewServer(ServerConfig{Domain: testDomain}, ms)
	id := publish(t, srv.Queue(), []byte("status"))

	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats StorageStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Stats.TotalMessages)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?id="+id, nil))
	assert.Contains(t, rec.Body.String(), `"status":"new"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?id=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func exchange(t *testing.T, addr, name string) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	resp, _, err := (&dns.Client{Timeout: 2 * time.Second}).Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

func TestDNSAnswers(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	id := publish(t, tr.srv.Queue(), []byte("dns"))

	resp := exchange(t, tr.dnsAddr, chunker.ManifestLabel(id)+"."+testDomain)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	assert.True(t, resp.Authoritative)
	assert.True(t, strings.HasPrefix(resp.Answer[0].(*dns.TXT).Txt[0], "1:"))

	resp = exchange(t, tr.dnsAddr, "c-7-"+id+"."+testDomain)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	resp = exchange(t, tr.dnsAddr, "what.ever."+testDomain)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	resp = exchange(t, tr.dnsAddr, "www.example.org")
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)

	resp = exchange(t, tr.dnsAddr, "ack.0123456789abcdef.bob."+testDomain)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestPendingAndAcknowledge(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	ctx := context.Background()
	a := publish(t, tr.srv.Queue(), []byte("first"))
	b := publish(t, tr.srv.Queue(), []byte("second"))

	r := tr.receiver(t, "bob")
	ids, err := r.Pending(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, ids)

	ids, err = r.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, r.Acknowledge(ctx, a))
	status, err := tr.srv.Queue().GetMessageStatus(a)
	require.NoError(t, err)
	assert.Equal(t, "consumed", status)
}

func TestPoll(t *testing.T) {
	tr := startRelay(t, NewMemoryStorage())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := map[string][]byte{}
	for i := 0; i < 3; i++ {
		data := image(1000+i, int64(i))
		id, err := NewUploader(tr.httpURL, testDomain, "").Upload(ctx, data)
		require.NoError(t, err)
		want[id] = data
	}

	var mu sync.Mutex
	got := map[string][]byte{}
	failedOnce := false
	err := tr.receiver(t, "bob").Poll(ctx, func(id string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		// one handler failure is retried on the next round
		if !failedOnce {
			failedOnce = true
			return assert.AnError
		}
		got[id] = data
		if len(got) == len(want) {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for id := range want {
		status, err := tr.srv.Queue().GetMessageStatus(id)
		require.NoError(t, err)
		assert.Equal(t, "consumed", status)
	}
}

// flakyStorage drops the first lookup of every chunk.
type flakyStorage struct {
	*MemoryStorage
	mu    sync.Mutex
	tried map[string]bool
}

func (f *flakyStorage) GetChunk(msgID, label string) (string, error) {
	f.mu.Lock()
	first := !f.tried[label]
	f.tried[label] = true
	f.mu.Unlock()
	if first {
		return "", ErrNotFound
	}
	return f.MemoryStorage.GetChunk(msgID, label)
}

func TestRetrieveRetries(t *testing.T) {
	fs := &flakyStorage{MemoryStorage: NewMemoryStorage(), tried: map[string]bool{}}
	tr := startRelay(t, fs)
	ctx := context.Background()

	data := image(2000, 9)
	id, err := NewUploader(tr.httpURL, testDomain, "").Upload(ctx, data)
	require.NoError(t, err)

	got, err := tr.receiver(t, "bob").Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServeStopsOnCancel(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Domain: testDomain, TTL: time.Hour, CleanupInterval: time.Millisecond}, NewMemoryStorage())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pc, nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestReceiverRejectsBadClientID(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{ClientID: "not valid!"})
	assert.Error(t, err)
}
