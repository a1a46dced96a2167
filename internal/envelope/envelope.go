// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package envelope defines the on-disk request/response documents exchanged
// across the rendezvous directory, and the codec that serializes and
// validates them.
package envelope

import "time"

// SecurityStatus classifies how the forwarder disposed of a request.
type SecurityStatus string

const (
	StatusApproved SecurityStatus = "approved"
	StatusBlocked  SecurityStatus = "blocked"
	StatusError    SecurityStatus = "error"
)

// Metadata identifies a request envelope and the process that produced it.
type Metadata struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceProcess string    `json:"source_process"`
	ProxyVersion  string    `json:"proxy_version"`
}

// RequestPayload carries the intercepted HTTP transaction.
type RequestPayload struct {
	Method      string              `json:"method"`
	AbsoluteURL string              `json:"absolute_url"`
	Headers     map[string][]string `json:"headers"`
	Body        []byte              `json:"body"`
	HTTPVersion string              `json:"http_version"`
}

// RequestSecurity carries the fields the filter inspects before forwarding.
type RequestSecurity struct {
	ContentHash     string   `json:"content_hash"`
	AllowedDomains  []string `json:"allowed_domains,omitempty"`
	MaxResponseSize int64    `json:"max_response_size"`
}

// RequestEnvelope is the committed document under requests/<id>.json.
type RequestEnvelope struct {
	Metadata Metadata        `json:"metadata"`
	Request  RequestPayload  `json:"request"`
	Security RequestSecurity `json:"security"`
}

// ResponseMetadata identifies a response envelope and its disposition.
type ResponseMetadata struct {
	RequestID      string         `json:"request_id"`
	ProcessedAt    time.Time      `json:"processed_at"`
	SecurityStatus SecurityStatus `json:"security_status"`
}

// ResponsePayload carries the upstream HTTP result. It is present when the
// envelope's SecurityStatus is StatusApproved, and also on the forwarder's
// synthetic blocked/error replies, which carry their HTTP status (403, 413,
// 400, 502) here; a swept orphan's error envelope has none.
type ResponsePayload struct {
	StatusCode   int                 `json:"status_code"`
	ReasonPhrase string              `json:"reason_phrase"`
	Headers      map[string][]string `json:"headers"`
	Body         []byte              `json:"body"`
	HTTPVersion  string              `json:"http_version"`
}

// ResponseSecurity carries the filter's disposition on the response side.
type ResponseSecurity struct {
	ContentFiltered bool     `json:"content_filtered"`
	ResponseHash    string   `json:"response_hash"`
	ScanResults     []string `json:"scan_results,omitempty"`
}

// ResponseEnvelope is the committed document under responses/<id>.json.
type ResponseEnvelope struct {
	Metadata ResponseMetadata  `json:"metadata"`
	Response *ResponsePayload  `json:"response,omitempty"`
	Security ResponseSecurity  `json:"security"`
}
