// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package rendezvous implements the on-disk request/response channel
// described by the rendezvous directory contract: atomic publish, claim,
// blocking await with a bounded poll fallback, consume, and a sweeper for
// orphaned requests.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Kind names one of the three rendezvous subdirectories.
type Kind string

const (
	KindRequests  Kind = "requests"
	KindResponses Kind = "responses"
	KindProcessed Kind = "processed"
)

// pollInterval bounds the polling fallback used when no file-event
// notification has fired; the contract in spec §4.A requires ≤ 250ms.
const pollInterval = 200 * time.Millisecond

// ErrNotFound is returned by Consume when the target file does not exist.
var ErrNotFound = errors.New("rendezvous: not found")

// ErrInvariantViolation marks a second Publish of the same id with
// different bytes than the first commit.
var ErrInvariantViolation = errors.New("rendezvous: request_id collision")

// Store roots a rendezvous directory and its three subdirectories.
type Store struct {
	Root   string
	logger zerolog.Logger
}

// Open ensures the rendezvous directory layout exists under root and
// returns a Store bound to it.
func Open(root string, logger zerolog.Logger) (*Store, error) {
	for _, kind := range []Kind{KindRequests, KindResponses, KindProcessed} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("rendezvous: create %s: %w", kind, err)
		}
	}
	return &Store{Root: root, logger: logger.With().Str("component", "rendezvous").Logger()}, nil
}

func (s *Store) dir(kind Kind) string {
	return filepath.Join(s.Root, string(kind))
}

func (s *Store) committedPath(kind Kind, id string) string {
	return filepath.Join(s.dir(kind), id+".json")
}

func (s *Store) tempPath(kind Kind, id string) string {
	return filepath.Join(s.dir(kind), id+".json.tmp")
}

// Publish stages envelope bytes to a temp file, fsyncs it and the parent
// directory, then atomically renames it into place. A second Publish of an
// id already committed with different bytes returns ErrInvariantViolation;
// identical bytes are treated as a no-op success, per spec §8's idempotence
// clause.
func (s *Store) Publish(kind Kind, id string, data []byte) error {
	committed := s.committedPath(kind, id)
	if existing, err := os.ReadFile(committed); err == nil {
		if string(existing) == string(data) {
			return nil
		}
		return fmt.Errorf("%w: %s/%s", ErrInvariantViolation, kind, id)
	}

	tmp := s.tempPath(kind, id)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("rendezvous: stage %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("rendezvous: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("rendezvous: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rendezvous: close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, committed); err != nil {
		return fmt.Errorf("rendezvous: commit %s: %w", committed, err)
	}
	syncDir(s.dir(kind))
	return nil
}

// syncDir fsyncs a directory handle so the rename above is durable across a
// crash. Errors are ignored, not propagated: the rename has already
// succeeded from any reader's point of view.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// SeenSet tracks ids a caller has already claimed, so repeated Claim calls
// do not return the same request twice.
type SeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSeenSet returns an empty SeenSet.
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

func (s *SeenSet) mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// Claim enumerates committed files under kind and returns the first one not
// already recorded in seen. Lexicographic order is used, which satisfies
// the "any fair enumeration" clause in spec §4.A.
func (s *Store) Claim(kind Kind, seen *SeenSet) (id string, data []byte, ok bool) {
	entries, err := os.ReadDir(s.dir(kind))
	if err != nil {
		return "", nil, false
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.tmp") {
			continue
		}
		candidate := strings.TrimSuffix(name, ".json")
		if !seen.mark(candidate) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir(kind), name))
		if err != nil {
			// File may have been consumed between ReadDir and ReadFile; skip.
			continue
		}
		return candidate, data, true
	}
	return "", nil, false
}

// Await blocks until <kind>/<id>.json exists and is readable, or the
// deadline elapses. It prefers fsnotify for low-latency wakeups and always
// runs a polling ticker as the contractual fallback.
func (s *Store) Await(ctx context.Context, kind Kind, id string, deadline time.Time) ([]byte, error) {
	path := s.committedPath(kind, id)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(s.dir(kind)); werr != nil {
			s.logger.Debug().Err(werr).Str("dir", string(kind)).Msg("fsnotify watch failed, polling only")
			watcher.Close()
			watcher = nil
		}
	} else {
		s.logger.Debug().Err(err).Msg("fsnotify unavailable, polling only")
		watcher = nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remaining):
			return nil, context.DeadlineExceeded
		case <-ticker.C:
			continue
		case _, ok := <-events:
			if !ok {
				events = nil
			}
			continue
		}
	}
}

// Consume removes a committed file. Used by the proxy after it has read a
// response.
func (s *Store) Consume(kind Kind, id string) error {
	if err := os.Remove(s.committedPath(kind, id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("rendezvous: consume %s/%s: %w", kind, id, err)
	}
	return nil
}

// MoveToProcessed atomically archives a committed request, used by the
// forwarder once it has handled (or given up on) a request.
func (s *Store) MoveToProcessed(id string) error {
	src := s.committedPath(KindRequests, id)
	dst := s.committedPath(KindProcessed, id)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("rendezvous: archive %s: %w", id, err)
	}
	syncDir(s.dir(KindProcessed))
	return nil
}

// Sweep returns request ids whose requests/<id>.json is older than maxAge
// and which have no matching committed response, so the proxy will never
// observe them. The forwarder is expected to archive each returned id with
// a synthetic error response and MoveToProcessed.
func (s *Store) Sweep(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.dir(KindRequests))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: sweep: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := os.Stat(s.committedPath(KindResponses, id)); err == nil {
			continue
		}
		stale = append(stale, id)
	}
	return stale, nil
}
