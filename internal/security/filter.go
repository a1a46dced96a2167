// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package security holds the forwarder's policy checks: domain
// blocklisting, a request size cap, and content-hash verification, applied
// before any outbound call is made, plus audit-only content pattern
// scanning of request and response bodies.
package security

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/professorwug/della-wonders/internal/envelope"
)

// ErrBlockedDomain is returned when the request targets a blocklisted host.
var ErrBlockedDomain = errors.New("security: domain blocked")

// ErrRequestTooLarge is returned when the request body exceeds the cap.
var ErrRequestTooLarge = errors.New("security: request exceeds max size")

const defaultMaxRequestSize = 10 << 20 // 10 MiB, per spec §4.C

// Filter holds the immutable forwarder-startup policy: the domain
// blocklist, the request size cap, and the content patterns. It is safe for concurrent use by multiple
// forwarder workers.
type Filter struct {
	blocklist      []string
	maxRequestSize int64
	patterns       []*regexp.Regexp
}

// Option configures a Filter at construction time.
type Option func(*Filter)

// WithMaxRequestSize overrides the default 10 MiB request size cap.
func WithMaxRequestSize(n int64) Option {
	return func(f *Filter) { f.maxRequestSize = n }
}

// WithContentPatterns compiles regexes applied to request/response bodies
// for audit-only scanning (spec §4.C: matches never block by default).
func WithContentPatterns(patterns []string) Option {
	return func(f *Filter) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				f.patterns = append(f.patterns, re)
			}
		}
	}
}

// New constructs a Filter with a case-folded copy of blockedDomains.
func New(blockedDomains []string, opts ...Option) *Filter {
	f := &Filter{maxRequestSize: defaultMaxRequestSize}
	for _, d := range blockedDomains {
		f.blocklist = append(f.blocklist, strings.ToLower(strings.TrimSpace(d)))
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CheckDomain returns ErrBlockedDomain when the URL's host is blocklisted:
// the case-folded host equals a blocked entry, or ends in "." followed by
// one (a subdomain of it), per spec §4.C.
func (f *Filter) CheckDomain(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("security: parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range f.blocklist {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("%w: %s", ErrBlockedDomain, host)
		}
	}
	return nil
}

// CheckRequestSize enforces the request body size cap.
func (f *Filter) CheckRequestSize(body []byte) error {
	if int64(len(body)) > f.maxRequestSize {
		return fmt.Errorf("%w: %d > %d", ErrRequestTooLarge, len(body), f.maxRequestSize)
	}
	return nil
}

// VerifyContentHash re-derives the body hash and compares it against the
// envelope's recorded content_hash.
func VerifyContentHash(body []byte, contentHash string) error {
	if envelope.HashBody(body) != contentHash {
		return envelope.ErrIntegrity
	}
	return nil
}

// ScanContent applies the configured pattern set to body and returns the
// names of the patterns that matched. A non-empty result means the caller
// should set content_filtered=true on the envelope; it is never grounds to
// block the flow (spec §4.C: "annotation only").
func (f *Filter) ScanContent(body []byte) []string {
	var hits []string
	for _, re := range f.patterns {
		if re.Match(body) {
			hits = append(hits, re.String())
		}
	}
	return hits
}

// MaxRequestSize exposes the configured cap, e.g. for embedding in synthetic
// 413 responses.
func (f *Filter) MaxRequestSize() int64 {
	return f.maxRequestSize
}
