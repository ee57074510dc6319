package core

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/filed/api"
)

// TestCollaborationScenario walks the canonical two-user session end to end.
func TestCollaborationScenario(t *testing.T) {
	svc := newTestService(t, nil)

	alice := svc.Register()
	resp := request(t, svc, alice, api.TypeAuth, api.AuthPayload{Username: "alice"})
	if resp.Status != api.StatusOK {
		t.Fatalf("auth alice: %d", resp.Status)
	}
	if files := decodePayload[api.AuthResult](t, resp).Files; len(files) != 0 {
		t.Fatalf("expected empty store, got %v", files)
	}

	if resp := request(t, svc, alice, api.TypeAdd, api.ContentPayload{File: "a.txt", Content: "hi"}); resp.Status != api.StatusOK {
		t.Fatalf("add: %d", resp.Status)
	}

	bob := svc.Register()
	resp = request(t, svc, bob, api.TypeAuth, api.AuthPayload{Username: "bob"})
	if resp.Status != api.StatusOK {
		t.Fatalf("auth bob: %d", resp.Status)
	}
	files := decodePayload[api.AuthResult](t, resp).Files
	if status, ok := files["a.txt"]; !ok || status.LockedBy != nil {
		t.Fatalf("expected a.txt unlocked in snapshot, got %v", files)
	}

	resp = request(t, svc, bob, api.TypeLock, api.FilePayload{File: "a.txt"})
	if resp.Status != api.StatusOK {
		t.Fatalf("lock: %d", resp.Status)
	}
	if got := decodePayload[api.FileContent](t, resp).Content; got != "hi" {
		t.Fatalf("expected content %q, got %q", "hi", got)
	}
	events := drainEvents(alice)
	if len(events) != 1 || events[0].Type != api.EventFileLocked {
		t.Fatalf("expected FILE_LOCKED for alice, got %v", events)
	}
	if e := eventPayload(t, events[0]); e.User != "bob" || e.File != "a.txt" {
		t.Fatalf("unexpected lock event %+v", e)
	}

	if resp := request(t, svc, alice, api.TypeLock, api.FilePayload{File: "a.txt"}); resp.Status != api.StatusForbidden {
		t.Fatalf("expected 403 for alice, got %d", resp.Status)
	}

	if resp := request(t, svc, bob, api.TypeUpdate, api.ContentPayload{File: "a.txt", Content: "hi there"}); resp.Status != api.StatusOK {
		t.Fatalf("update: %d", resp.Status)
	}
	if events := drainEvents(alice); len(events) != 0 {
		t.Fatalf("alice is not a viewer, got %v", events)
	}

	if resp := request(t, svc, bob, api.TypeRelease, api.FilePayload{File: "a.txt"}); resp.Status != api.StatusOK {
		t.Fatalf("release: %d", resp.Status)
	}
	events = drainEvents(alice)
	if len(events) != 1 || events[0].Type != api.EventFileReleased {
		t.Fatalf("expected FILE_RELEASED, got %v", events)
	}

	if resp := request(t, svc, alice, api.TypeDelete, api.FilePayload{File: "a.txt"}); resp.Status != api.StatusOK {
		t.Fatalf("delete: %d", resp.Status)
	}
	events = drainEvents(bob)
	if len(events) != 1 || events[0].Type != api.EventFileDeleted {
		t.Fatalf("expected FILE_DELETED for bob, got %v", events)
	}
}

// TestConcurrentLockSingleWinner drives many simultaneous LOCK requests and
// checks that exactly one succeeds.
func TestConcurrentLockSingleWinner(t *testing.T) {
	svc := newTestService(t, map[string]string{"a.txt": "hi"})

	const contenders = 16
	sessions := make([]*Session, contenders)
	for i := range sessions {
		sessions[i] = authSession(t, svc, "user"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	results := make([]api.Response, contenders)
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			results[i] = svc.Handle(context.Background(), sess, api.NewRequest(api.TypeLock, api.FilePayload{File: "a.txt"}))
		}(i, sess)
	}
	wg.Wait()

	winners := 0
	for _, resp := range results {
		switch resp.Status {
		case api.StatusOK:
			winners++
		case api.StatusForbidden:
		default:
			t.Fatalf("unexpected status %d (%s)", resp.Status, resp.Message)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one lock winner, got %d", winners)
	}
	if owner := svc.Snapshot()["a.txt"].LockedBy; owner == "" {
		t.Fatal("no recorded lock owner after contention")
	}
}
