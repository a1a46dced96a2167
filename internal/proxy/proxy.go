// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy contains the intercepting proxy that terminates HTTP/1.1
// and MITM'd HTTPS on the isolated side, serializes each flow to the
// rendezvous directory, and blocks the client connection until the
// matching response file appears.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/professorwug/della-wonders/internal/envelope"
	"github.com/professorwug/della-wonders/internal/proxyca"
	"github.com/professorwug/della-wonders/internal/rendezvous"
)

// flowState names a position in the per-flow state machine from spec §4.D.
type flowState int

const (
	flowAccepted flowState = iota
	flowClassified
	flowPublished
	flowReceived
	flowDone
)

// Config captures the intercepting proxy's runtime knobs.
type Config struct {
	ListenAddr      string
	SourceProcess   string
	ProxyVersion    string
	ResponseTimeout time.Duration // PUBLISHED -> RECEIVED deadline, default 300s
	MaxResponseSize int64         // hint carried in the request envelope
	Verbose         bool
}

const defaultResponseTimeout = 300 * time.Second
const defaultMaxResponseSize = 50 << 20

// DefaultConfig returns a Config populated with the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:9025",
		ProxyVersion:    "1.0.0",
		ResponseTimeout: defaultResponseTimeout,
		MaxResponseSize: defaultMaxResponseSize,
	}
}

// Proxy is an HTTP/CONNECT-terminating server backed by a rendezvous Store.
// It embeds an elazarl/goproxy server for CONNECT handling and TLS
// interception, and replaces goproxy's own request forwarding with the
// rendezvous publish/await/reply cycle.
type Proxy struct {
	cfg       Config
	store     *rendezvous.Store
	authority *proxyca.Authority
	logger    zerolog.Logger
	inner     *goproxy.ProxyHttpServer
	server    *http.Server
}

// New constructs a Proxy wired to store for rendezvous and authority for
// on-the-fly TLS interception.
func New(cfg Config, store *rendezvous.Store, authority *proxyca.Authority) (*Proxy, error) {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = defaultMaxResponseSize
	}

	p := &Proxy{
		cfg:       cfg,
		store:     store,
		authority: authority,
		logger:    zerolog.Nop(),
	}

	inner := goproxy.NewProxyHttpServer()
	inner.Verbose = cfg.Verbose
	inner.CertStore = newLeafCertCache()

	tlsConfigFromCA := goproxy.TLSConfigFromCA(&authority.TLSCert)
	inner.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: tlsConfigFromCA,
			}, host
		}))

	inner.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return r, p.handleFlow(r)
	})

	p.inner = inner
	return p, nil
}

// leafCertCache is an in-memory goproxy.CertStorage: once a leaf
// certificate has been minted for a hostname, every later CONNECT to the
// same host reuses it instead of re-signing, per spec §4.D ("minted on
// demand, keyed by hostname, cached in-memory for the process lifetime").
type leafCertCache struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newLeafCertCache() *leafCertCache {
	return &leafCertCache{certs: make(map[string]*tls.Certificate)}
}

// Fetch satisfies goproxy.CertStorage: it returns the cached leaf cert for
// hostname, minting and storing one via gen on a first miss.
func (c *leafCertCache) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cert, ok := c.certs[hostname]; ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		return nil, err
	}
	c.certs[hostname] = cert
	return cert, nil
}

// SetLogger swaps in a configured logger; called once by the wonder_run
// command with the process-wide log level applied.
func (p *Proxy) SetLogger(logger zerolog.Logger) {
	p.logger = logger.With().Str("component", "proxy").Logger()
}

// ListenAndServe starts the HTTP/CONNECT listener and blocks until it
// exits (by error or a call to Shutdown).
func (p *Proxy) ListenAndServe() error {
	p.server = &http.Server{
		Addr:    p.cfg.ListenAddr,
		Handler: p.inner,
	}
	p.logger.Info().Str("listen_addr", p.cfg.ListenAddr).Msg("starting intercepting proxy")
	if err := p.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener, draining in-flight flows up to
// the provided grace period.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// handleFlow walks one client flow through ACCEPTED -> CLASSIFIED ->
// PUBLISHED -> RECEIVED -> DONE (spec §4.D), returning exactly one HTTP
// response for the client.
func (p *Proxy) handleFlow(r *http.Request) *http.Response {
	start := time.Now()
	state := flowAccepted
	event := p.logger.With().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Logger()

	bodyBytes, err := readAndCloseBody(r)
	if err != nil {
		event.Error().Err(err).Msg("failed to read client body")
		return syntheticResponse(r, http.StatusBadRequest, "bad request")
	}

	state = flowClassified
	id := uuid.NewString()
	reqEnvelope, err := p.classify(id, r, bodyBytes)
	if err != nil {
		event.Error().Err(err).Msg("failed to classify flow")
		return syntheticResponse(r, http.StatusBadRequest, "bad request")
	}

	encoded, err := envelope.EncodeRequest(reqEnvelope)
	if err != nil {
		event.Error().Err(err).Msg("failed to encode request envelope")
		return syntheticResponse(r, http.StatusBadGateway, "bad gateway")
	}

	if err := p.store.Publish(rendezvous.KindRequests, id, encoded); err != nil {
		event.Error().Err(err).Str("request_id", id).Msg("failed to publish request")
		return syntheticResponse(r, http.StatusBadGateway, "bad gateway")
	}
	state = flowPublished

	deadline := time.Now().Add(p.cfg.ResponseTimeout)
	data, err := p.store.Await(r.Context(), rendezvous.KindResponses, id, deadline)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			event.Info().Str("request_id", id).Msg("client disconnected before response arrived; abandoning flow")
			return syntheticResponse(r, http.StatusGatewayTimeout, "client disconnected")
		}
		event.Warn().Str("request_id", id).Dur("duration", time.Since(start)).Msg("gateway timeout waiting for response")
		return syntheticResponse(r, http.StatusGatewayTimeout, "gateway timeout")
	}
	state = flowReceived

	respEnvelope, err := envelope.DecodeResponse(data)
	if err != nil {
		event.Error().Err(err).Str("request_id", id).Msg("failed to decode response envelope")
		return syntheticResponse(r, http.StatusBadGateway, "bad gateway")
	}

	if err := p.store.Consume(rendezvous.KindResponses, id); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
		event.Error().Err(err).Str("request_id", id).Msg("failed to remove consumed response file")
	}

	resp := p.toHTTPResponse(r, respEnvelope)
	state = flowDone

	event.Info().
		Str("request_id", id).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Int("final_state", int(state)).
		Msg("flow completed")

	return resp
}

func readAndCloseBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// classify builds the request envelope for one flow. An error here maps to
// a 400 BAD_REQUEST per the CLASSIFIED state's parse-error transition.
func (p *Proxy) classify(id string, r *http.Request, body []byte) (envelope.RequestEnvelope, error) {
	if !r.URL.IsAbs() && r.Host == "" {
		return envelope.RequestEnvelope{}, fmt.Errorf("proxy: request missing absolute url or host")
	}

	absoluteURL := r.URL.String()
	if !r.URL.IsAbs() {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		absoluteURL = fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
	}

	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = append([]string(nil), v...)
	}

	return envelope.RequestEnvelope{
		Metadata: envelope.Metadata{
			RequestID:     id,
			Timestamp:     time.Now().UTC(),
			SourceProcess: p.cfg.SourceProcess,
			ProxyVersion:  p.cfg.ProxyVersion,
		},
		Request: envelope.RequestPayload{
			Method:      r.Method,
			AbsoluteURL: absoluteURL,
			Headers:     headers,
			Body:        body,
			HTTPVersion: r.Proto,
		},
		Security: envelope.RequestSecurity{
			MaxResponseSize: p.cfg.MaxResponseSize,
		},
	}, nil
}

// toHTTPResponse reconstructs an *http.Response for the client from a
// decoded response envelope. Decode/hash errors are handled by the caller
// before this is reached; this function only maps security dispositions
// that still carry a synthetic status (blocked/error) or a genuine upstream
// response (approved).
func (p *Proxy) toHTTPResponse(r *http.Request, resp envelope.ResponseEnvelope) *http.Response {
	if resp.Response == nil {
		status := http.StatusBadGateway
		switch resp.Metadata.SecurityStatus {
		case envelope.StatusBlocked:
			status = http.StatusForbidden
		case envelope.StatusError:
			status = http.StatusBadGateway
		}
		return syntheticResponse(r, status, string(resp.Metadata.SecurityStatus))
	}

	header := make(http.Header, len(resp.Response.Headers))
	for k, v := range resp.Response.Headers {
		header[k] = append([]string(nil), v...)
	}

	return &http.Response{
		StatusCode: resp.Response.StatusCode,
		Status:     fmt.Sprintf("%d %s", resp.Response.StatusCode, resp.Response.ReasonPhrase),
		Proto:      r.Proto,
		ProtoMajor: r.ProtoMajor,
		ProtoMinor: r.ProtoMinor,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(resp.Response.Body)),
		Request:    r,
	}
}

func syntheticResponse(r *http.Request, status int, message string) *http.Response {
	body := []byte(message)
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{"text/plain; charset=utf-8"},
			"Content-Length": []string{fmt.Sprintf("%d", len(body))},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
