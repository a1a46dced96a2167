// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/professorwug/della-wonders/internal/envelope"
	"github.com/professorwug/della-wonders/internal/proxyca"
	"github.com/professorwug/della-wonders/internal/rendezvous"
)

func newTestProxy(t *testing.T, timeout time.Duration) (*Proxy, *rendezvous.Store) {
	t.Helper()
	store, err := rendezvous.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("rendezvous.Open: %v", err)
	}
	authority, err := proxyca.New()
	if err != nil {
		t.Fatalf("proxyca.New: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ResponseTimeout = timeout
	p, err := New(cfg, store, authority)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, store
}

// respondToNextRequest acts as a minimal stand-in forwarder: it claims the
// one request it expects to see and publishes a canned response envelope.
func respondToNextRequest(t *testing.T, store *rendezvous.Store, build func(req envelope.RequestEnvelope) envelope.ResponseEnvelope) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		id, data, ok := store.Claim(rendezvous.KindRequests, rendezvous.NewSeenSet())
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		req, err := envelope.DecodeRequest(data)
		if err != nil {
			t.Errorf("decode request in fake forwarder: %v", err)
			return
		}
		resp := build(req)
		resp.Metadata.RequestID = id
		encoded, err := envelope.EncodeResponse(resp)
		if err != nil {
			t.Errorf("encode response in fake forwarder: %v", err)
			return
		}
		if err := store.Publish(rendezvous.KindResponses, id, encoded); err != nil {
			t.Errorf("publish response in fake forwarder: %v", err)
		}
		return
	}
	t.Error("fake forwarder never observed a request")
}

func TestHappyPathGET(t *testing.T) {
	p, store := newTestProxy(t, 2*time.Second)

	go respondToNextRequest(t, store, func(req envelope.RequestEnvelope) envelope.ResponseEnvelope {
		return envelope.ResponseEnvelope{
			Metadata: envelope.ResponseMetadata{SecurityStatus: envelope.StatusApproved, ProcessedAt: time.Now().UTC()},
			Response: &envelope.ResponsePayload{StatusCode: 200, ReasonPhrase: "OK", Body: []byte("pong")},
		}
	})

	r := httptest.NewRequest(http.MethodGet, "http://example.invalid/ping", nil)
	resp := p.handleFlow(r)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := readAll(t, resp)
	if body != "pong" {
		t.Fatalf("expected pong, got %q", body)
	}
}

func TestGatewayTimeoutWhenNoForwarderResponds(t *testing.T) {
	p, store := newTestProxy(t, 200*time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "http://any.invalid/", nil)
	resp := p.handleFlow(r)

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}

	stale, err := store.Sweep(0)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected the abandoned request to remain for the sweeper, got %d candidates", len(stale))
	}
}

func TestClientDisconnectAbandonsFlow(t *testing.T) {
	p, _ := newTestProxy(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "http://example.invalid/slow", nil).WithContext(ctx)

	done := make(chan *http.Response, 1)
	go func() {
		done <- p.handleFlow(r)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case resp := <-done:
		if resp == nil {
			t.Fatal("expected a non-nil synthetic response after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("handleFlow did not return promptly after client disconnect")
	}
}

func TestConcurrentFlowsEchoOwnSeq(t *testing.T) {
	p, store := newTestProxy(t, 3*time.Second)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)

	// Fake forwarder: continuously claims whatever is pending and echoes
	// the X-Seq header back into the response body.
	stop := make(chan struct{})
	go func() {
		seen := rendezvous.NewSeenSet()
		for {
			select {
			case <-stop:
				return
			default:
			}
			id, data, ok := store.Claim(rendezvous.KindRequests, seen)
			if !ok {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			req, err := envelope.DecodeRequest(data)
			if err != nil {
				continue
			}
			seq := req.Request.Headers["X-Seq"]
			body := ""
			if len(seq) > 0 {
				body = seq[0]
			}
			resp := envelope.ResponseEnvelope{
				Metadata: envelope.ResponseMetadata{RequestID: id, SecurityStatus: envelope.StatusApproved, ProcessedAt: time.Now().UTC()},
				Response: &envelope.ResponsePayload{StatusCode: 200, ReasonPhrase: "OK", Body: []byte(body)},
			}
			encoded, err := envelope.EncodeResponse(resp)
			if err != nil {
				continue
			}
			_ = store.Publish(rendezvous.KindResponses, id, encoded)
		}
	}()
	defer close(stop)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodGet, "http://example.invalid/echo", nil)
			r.Header.Set("X-Seq", strconv.Itoa(i))
			resp := p.handleFlow(r)
			results[i] = readAll(t, resp)
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != strconv.Itoa(i) {
			t.Errorf("flow %d: expected echo %q, got %q", i, strconv.Itoa(i), got)
		}
	}
}

func TestLeafCertCacheReusesCertForSameHostname(t *testing.T) {
	cache := newLeafCertCache()

	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	first, err := cache.Fetch("example.invalid", gen)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	second, err := cache.Fetch("example.invalid", gen)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected gen to run once for a repeat hostname, ran %d times", calls)
	}
	if first != second {
		t.Fatal("expected the cached certificate pointer to be reused")
	}
}

func TestLeafCertCacheMintsSeparatelyPerHostname(t *testing.T) {
	cache := newLeafCertCache()

	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	if _, err := cache.Fetch("a.invalid", gen); err != nil {
		t.Fatalf("Fetch a: %v", err)
	}
	if _, err := cache.Fetch("b.invalid", gen); err != nil {
		t.Fatalf("Fetch b: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected gen to run once per distinct hostname, ran %d times", calls)
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}
