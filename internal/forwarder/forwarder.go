// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package forwarder runs the Internet-side loop: it claims pending
// requests from the rendezvous directory, applies the security filter,
// performs the outbound HTTP call with bounded retries, and publishes the
// serialized reply.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/professorwug/della-wonders/internal/auth"
	"github.com/professorwug/della-wonders/internal/envelope"
	"github.com/professorwug/della-wonders/internal/rendezvous"
	"github.com/professorwug/della-wonders/internal/security"
)

// Config captures the forwarder's runtime knobs.
type Config struct {
	Workers              int
	ScanInterval         time.Duration
	ConnectTimeout       time.Duration
	TotalTimeout         time.Duration
	MaxRedirects         int
	RetryInitialInterval time.Duration
	RetryMultiplier      float64
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     uint64
	SweepMaxAge          time.Duration

	// SignUpstream, when set, attaches HMAC auth headers to every outbound
	// request via the shared gateway signer. This is a supplemental mode
	// beyond spec.md §4.E, for installs that sit behind an authenticated
	// upstream gateway rather than the open Internet.
	SignUpstream *auth.GatewaySigner
}

// DefaultConfig returns a Config populated with spec §4.E's stated
// defaults.
func DefaultConfig() Config {
	return Config{
		Workers:              8,
		ScanInterval:         200 * time.Millisecond,
		ConnectTimeout:       10 * time.Second,
		TotalTimeout:         30 * time.Second,
		MaxRedirects:         10,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMultiplier:      2,
		RetryMaxInterval:     8 * time.Second,
		RetryMaxAttempts:     3,
		SweepMaxAge:          10 * time.Minute,
	}
}

// Forwarder is the single supervisory loop described in spec §4.E.
type Forwarder struct {
	cfg    Config
	store  *rendezvous.Store
	filter *security.Filter
	client *http.Client
	logger zerolog.Logger
}

// New constructs a Forwarder bound to store and governed by filter.
func New(cfg Config, store *rendezvous.Store, filter *security.Filter, logger zerolog.Logger) *Forwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{},
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("forwarder: stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &Forwarder{
		cfg:    cfg,
		store:  store,
		filter: filter,
		client: client,
		logger: logger.With().Str("component", "forwarder").Logger(),
	}
}

// Run drains pending requests until ctx is canceled, then returns once
// in-flight work completes.
func (f *Forwarder) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(f.cfg.Workers)

	ticker := time.NewTicker(f.cfg.ScanInterval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(f.cfg.SweepMaxAge / 4)
	defer sweepTicker.Stop()

	seen := rendezvous.NewSeenSet()

	for {
		select {
		case <-ctx.Done():
			return group.Wait()
		case <-sweepTicker.C:
			f.sweepOnce()
		case <-ticker.C:
			id, data, ok := f.store.Claim(rendezvous.KindRequests, seen)
			if !ok {
				continue
			}
			group.Go(func() error {
				f.handleOne(ctx, id, data)
				return nil
			})
		}
	}
}

// sweepOnce archives orphaned requests with a synthetic error response
// (security_status=error, no response payload), per spec §3's lifecycle and
// §9's "orphan sweeping" note.
func (f *Forwarder) sweepOnce() {
	ids, err := f.store.Sweep(f.cfg.SweepMaxAge)
	if err != nil {
		f.logger.Error().Err(err).Msg("sweep scan failed")
		return
	}
	for _, id := range ids {
		resp := envelope.ResponseEnvelope{
			Metadata: envelope.ResponseMetadata{
				RequestID:      id,
				ProcessedAt:    time.Now().UTC(),
				SecurityStatus: envelope.StatusError,
			},
		}
		encoded, err := envelope.EncodeResponse(resp)
		if err != nil {
			f.logger.Error().Err(err).Str("request_id", id).Msg("failed to encode sweep response")
			continue
		}
		if err := f.store.Publish(rendezvous.KindResponses, id, encoded); err != nil {
			f.logger.Error().Err(err).Str("request_id", id).Msg("failed to publish sweep response")
			continue
		}
		if err := f.store.MoveToProcessed(id); err != nil {
			f.logger.Error().Err(err).Str("request_id", id).Msg("failed to archive swept request")
		}
		f.logger.Warn().Str("request_id", id).Msg("swept orphaned request")
	}
}

// handleOne implements the six numbered steps of spec §4.E for a single
// claimed request.
func (f *Forwarder) handleOne(ctx context.Context, id string, data []byte) {
	event := f.logger.With().Str("request_id", id).Logger()

	req, err := envelope.DecodeRequest(data)
	if err != nil {
		f.publishSynthetic(id, http.StatusBadRequest, envelope.StatusError, "invalid request envelope")
		f.archive(id, event)
		return
	}

	if err := f.filter.CheckRequestSize(req.Request.Body); err != nil {
		f.publishSynthetic(id, http.StatusRequestEntityTooLarge, envelope.StatusBlocked, "request too large")
		f.archive(id, event)
		return
	}

	if err := f.filter.CheckDomain(req.Request.AbsoluteURL); err != nil {
		event.Info().Str("url", req.Request.AbsoluteURL).Msg("blocked by domain policy")
		f.publishSynthetic(id, http.StatusForbidden, envelope.StatusBlocked, "domain blocked by policy")
		f.archive(id, event)
		return
	}

	maxResponseSize := req.Security.MaxResponseSize
	if maxResponseSize <= 0 {
		maxResponseSize = defaultMaxResponseSize
	}

	resp, err := f.execute(ctx, req)
	if err != nil {
		event.Error().Err(err).Msg("upstream call failed after retries")
		f.publishSynthetic(id, http.StatusBadGateway, envelope.StatusError, "upstream request failed")
		f.archive(id, event)
		return
	}
	defer resp.Body.Close()

	body, truncated, err := readCapped(resp.Body, maxResponseSize)
	if err != nil {
		event.Error().Err(err).Msg("failed reading upstream response body")
		f.publishSynthetic(id, http.StatusBadGateway, envelope.StatusError, "upstream response read failed")
		f.archive(id, event)
		return
	}

	scanHits := append(f.filter.ScanContent(req.Request.Body), f.filter.ScanContent(body)...)

	headers := make(map[string][]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = append([]string(nil), v...)
	}

	respEnvelope := envelope.ResponseEnvelope{
		Metadata: envelope.ResponseMetadata{
			RequestID:      id,
			ProcessedAt:    time.Now().UTC(),
			SecurityStatus: envelope.StatusApproved,
		},
		Response: &envelope.ResponsePayload{
			StatusCode:   resp.StatusCode,
			ReasonPhrase: http.StatusText(resp.StatusCode),
			Headers:      headers,
			Body:         body,
			HTTPVersion:  resp.Proto,
		},
		Security: envelope.ResponseSecurity{
			ContentFiltered: truncated || len(scanHits) > 0,
			ScanResults:     scanHits,
		},
	}

	encoded, err := envelope.EncodeResponse(respEnvelope)
	if err != nil {
		event.Error().Err(err).Msg("failed to encode response envelope")
		return
	}
	if err := f.store.Publish(rendezvous.KindResponses, id, encoded); err != nil {
		event.Error().Err(err).Msg("failed to publish response")
		return
	}

	f.archive(id, event)
}

const defaultMaxResponseSize = 50 << 20

// execute performs the outbound HTTP call with exponential-backoff retries
// on network-level failure only; HTTP status codes are never retried (spec
// §4.E).
func (f *Forwarder) execute(ctx context.Context, req envelope.RequestEnvelope) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, req.Request.Method, req.Request.AbsoluteURL, bytes.NewReader(req.Request.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("forwarder: build request: %w", err))
		}
		for k, vv := range req.Request.Headers {
			for _, v := range vv {
				httpReq.Header.Add(k, v)
			}
		}
		if f.cfg.SignUpstream != nil {
			if err := f.cfg.SignUpstream.AttachSignature(httpReq); err != nil {
				return backoff.Permanent(fmt.Errorf("forwarder: sign request: %w", err))
			}
		}

		r, err := f.client.Do(httpReq)
		if err != nil {
			if isRetriable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.RetryInitialInterval
	policy.Multiplier = f.cfg.RetryMultiplier
	policy.MaxInterval = f.cfg.RetryMaxInterval

	boff := backoff.WithContext(backoff.WithMaxRetries(policy, f.cfg.RetryMaxAttempts-1), ctx)
	if err := backoff.Retry(operation, boff); err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetriable reports whether err is a network-level failure eligible for
// retry (DNS, connection refused, TCP reset, idle timeout) rather than a
// status-level response, which always passes through verbatim.
func isRetriable(err error) bool {
	// client.Do wraps every failure in *url.Error, which itself satisfies
	// net.Error; classify the underlying cause instead.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// readCapped reads up to max bytes from r and reports whether the stream
// had more data beyond the cap.
func readCapped(r io.Reader, max int64) ([]byte, bool, error) {
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return data[:max], true, nil
	}
	return data, false, nil
}

// publishSynthetic publishes a forwarder-manufactured response for a
// request that never reached the origin (blocked or errored). Per spec §7
// these still carry a concrete HTTP status (403/413/400/502); the strict
// "response present iff approved" clause in §3 describes genuine upstream
// replies; synthetic dispositions are the documented exception (see
// envelope.ResponsePayload).
func (f *Forwarder) publishSynthetic(id string, httpStatus int, status envelope.SecurityStatus, reason string) {
	resp := envelope.ResponseEnvelope{
		Metadata: envelope.ResponseMetadata{
			RequestID:      id,
			ProcessedAt:    time.Now().UTC(),
			SecurityStatus: status,
		},
		Response: &envelope.ResponsePayload{
			StatusCode:   httpStatus,
			ReasonPhrase: reason,
			Body:         []byte(reason),
		},
	}
	encoded, err := envelope.EncodeResponse(resp)
	if err != nil {
		f.logger.Error().Err(err).Str("request_id", id).Msg("failed to encode synthetic response")
		return
	}
	if err := f.store.Publish(rendezvous.KindResponses, id, encoded); err != nil {
		f.logger.Error().Err(err).Str("request_id", id).Msg("failed to publish synthetic response")
	}
}

func (f *Forwarder) archive(id string, event zerolog.Logger) {
	if err := f.store.MoveToProcessed(id); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
		event.Error().Err(err).Msg("failed to archive processed request")
	}
}
