// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth provides an optional HMAC request signer that the forwarder
// attaches to outbound calls when an installation sits behind an
// authenticated upstream gateway instead of talking to the open Internet
// directly (spec.md §4.E is silent on this; it is a supplemental forwarder
// mode, not a requirement of the core rendezvous protocol).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Header names the gateway signer attaches to a forwarded request.
const (
	HeaderGatewayKeyID     = "x-della-gateway-key-id"
	HeaderGatewaySignature = "x-della-gateway-signature"
	HeaderGatewayTimestamp = "x-della-gateway-timestamp"
)

// GatewaySigner injects HMAC auth headers onto a forwarded request so it
// can pass through an authenticated upstream gateway placed between the
// forwarder and the real origin.
type GatewaySigner struct {
	KeyID  string
	Secret string
	Now    func() time.Time
}

// NewSigner constructs a GatewaySigner for the given key id and shared
// secret, defaulting Now to the wall clock.
func NewSigner(keyID, secret string) *GatewaySigner {
	return &GatewaySigner{
		KeyID:  keyID,
		Secret: secret,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AttachSignature computes an HMAC-SHA256 signature over the request's
// method, path, and a fresh timestamp, and sets it on the outbound request
// alongside the key id and timestamp.
func (s *GatewaySigner) AttachSignature(req *http.Request) error {
	if s.KeyID == "" || s.Secret == "" {
		return fmt.Errorf("auth: gateway key id and secret must be set")
	}

	timestamp := s.Now().Format(time.RFC3339)

	payload := strings.Join([]string{
		req.Method,
		req.URL.Path,
		timestamp,
	}, "\n")

	mac := hmac.New(sha256.New, []byte(s.Secret))
	if _, err := mac.Write([]byte(payload)); err != nil {
		return fmt.Errorf("auth: compute signature: %w", err)
	}

	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set(HeaderGatewayKeyID, s.KeyID)
	req.Header.Set(HeaderGatewaySignature, signature)
	req.Header.Set(HeaderGatewayTimestamp, timestamp)

	return nil
}
