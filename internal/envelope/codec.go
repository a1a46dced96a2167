// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIntegrity is returned by Decode when a stored content hash does not
// match the bytes it claims to hash.
var ErrIntegrity = errors.New("envelope: content hash mismatch")

// HashBody returns the hex-encoded SHA-256 digest of body, as used for both
// content_hash and response_hash.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EncodeRequest computes the content hash over req.Request.Body and
// marshals the envelope to its on-the-wire JSON form.
func EncodeRequest(req RequestEnvelope) ([]byte, error) {
	req.Security.ContentHash = HashBody(req.Request.Body)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return data, nil
}

// DecodeRequest unmarshals a request envelope and verifies its content hash.
func DecodeRequest(data []byte) (RequestEnvelope, error) {
	var req RequestEnvelope
	if err := json.Unmarshal(data, &req); err != nil {
		return RequestEnvelope{}, fmt.Errorf("decode request envelope: %w", err)
	}
	if req.Metadata.RequestID == "" {
		return RequestEnvelope{}, fmt.Errorf("decode request envelope: missing request_id")
	}
	if HashBody(req.Request.Body) != req.Security.ContentHash {
		return RequestEnvelope{}, ErrIntegrity
	}
	return req, nil
}

// EncodeResponse computes the response hash (when a response body is
// present) and marshals the envelope to its on-the-wire JSON form.
func EncodeResponse(resp ResponseEnvelope) ([]byte, error) {
	if resp.Response != nil {
		resp.Security.ResponseHash = HashBody(resp.Response.Body)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response envelope: %w", err)
	}
	return data, nil
}

// DecodeResponse unmarshals a response envelope and verifies its response
// hash when a response body is present.
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	var resp ResponseEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return ResponseEnvelope{}, fmt.Errorf("decode response envelope: %w", err)
	}
	if resp.Metadata.RequestID == "" {
		return ResponseEnvelope{}, fmt.Errorf("decode response envelope: missing request_id")
	}
	if resp.Response != nil && HashBody(resp.Response.Body) != resp.Security.ResponseHash {
		return ResponseEnvelope{}, ErrIntegrity
	}
	return resp, nil
}
