// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package rendezvous

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPublishIsAtomicAndReadable(t *testing.T) {
	s := newTestStore(t)

	if err := s.Publish(KindRequests, "id-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.dir(KindRequests), "id-1.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be gone after rename, stat err: %v", err)
	}

	data, err := os.ReadFile(s.committedPath(KindRequests, "id-1"))
	if err != nil {
		t.Fatalf("expected committed file readable: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected committed content: %s", data)
	}
}

func TestPublishSameIDTwiceSameBytesIsNoop(t *testing.T) {
	s := newTestStore(t)
	payload := []byte(`{"a":1}`)

	if err := s.Publish(KindRequests, "id-1", payload); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := s.Publish(KindRequests, "id-1", payload); err != nil {
		t.Fatalf("second identical publish should be a no-op: %v", err)
	}
}

func TestPublishSameIDTwiceDifferentBytesFails(t *testing.T) {
	s := newTestStore(t)

	if err := s.Publish(KindRequests, "id-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := s.Publish(KindRequests, "id-1", []byte(`{"a":2}`))
	if err == nil {
		t.Fatal("expected invariant violation on conflicting second publish")
	}
}

func TestClaimSkipsTempAndSeenEntries(t *testing.T) {
	s := newTestStore(t)
	if err := s.Publish(KindRequests, "id-1", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Simulate an in-flight temp file that must never be claimed.
	if err := os.WriteFile(filepath.Join(s.dir(KindRequests), "id-2.json.tmp"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	seen := NewSeenSet()
	id, _, ok := s.Claim(KindRequests, seen)
	if !ok || id != "id-1" {
		t.Fatalf("expected to claim id-1, got %q ok=%v", id, ok)
	}

	_, _, ok = s.Claim(KindRequests, seen)
	if ok {
		t.Fatal("expected no further claimable entries (tmp must be skipped, id-1 already seen)")
	}
}

func TestAwaitTimesOutWhenNoResponseArrives(t *testing.T) {
	s := newTestStore(t)
	if err := s.Publish(KindRequests, "id-1", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx := context.Background()
	_, err := s.Await(ctx, KindResponses, "id-1", time.Now().Add(300*time.Millisecond))
	if err == nil {
		t.Fatal("expected timeout error")
	}

	if _, statErr := os.Stat(s.committedPath(KindRequests, "id-1")); statErr != nil {
		t.Fatalf("request file should remain on disk after a gateway timeout: %v", statErr)
	}
}

func TestAwaitReturnsOnceResponsePublished(t *testing.T) {
	s := newTestStore(t)

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Publish(KindResponses, "id-1", []byte(`{"ok":true}`))
		close(done)
	}()

	data, err := s.Await(context.Background(), KindResponses, "id-1", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected await payload: %s", data)
	}
	<-done
}

func TestSweepFindsOnlyStaleOrphans(t *testing.T) {
	s := newTestStore(t)

	if err := s.Publish(KindRequests, "fresh", []byte(`{}`)); err != nil {
		t.Fatalf("Publish fresh: %v", err)
	}
	if err := s.Publish(KindRequests, "stale-with-response", []byte(`{}`)); err != nil {
		t.Fatalf("Publish stale-with-response: %v", err)
	}
	if err := s.Publish(KindResponses, "stale-with-response", []byte(`{}`)); err != nil {
		t.Fatalf("Publish response: %v", err)
	}
	if err := s.Publish(KindRequests, "stale-orphan", []byte(`{}`)); err != nil {
		t.Fatalf("Publish stale-orphan: %v", err)
	}

	oldTime := time.Now().Add(-time.Hour)
	for _, id := range []string{"stale-with-response", "stale-orphan"} {
		if err := os.Chtimes(s.committedPath(KindRequests, id), oldTime, oldTime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	stale, err := s.Sweep(time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(stale) != 1 || stale[0] != "stale-orphan" {
		t.Fatalf("expected only stale-orphan, got %v", stale)
	}
}

func TestMoveToProcessedArchivesRequest(t *testing.T) {
	s := newTestStore(t)
	if err := s.Publish(KindRequests, "id-1", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.MoveToProcessed("id-1"); err != nil {
		t.Fatalf("MoveToProcessed: %v", err)
	}
	if _, err := os.Stat(s.committedPath(KindRequests, "id-1")); !os.IsNotExist(err) {
		t.Fatalf("expected request gone from requests/, err=%v", err)
	}
	if _, err := os.Stat(s.committedPath(KindProcessed, "id-1")); err != nil {
		t.Fatalf("expected request archived under processed/: %v", err)
	}
}
