package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"oreocam/native/internal/domain"
)

func collect(t *testing.T, s *Store, path string) (<-chan domain.Snapshot, domain.Unsubscribe) {
	t.Helper()
	ch := make(chan domain.Snapshot, 16)
	unsub, err := s.Subscribe(context.Background(), path, func(snap domain.Snapshot) { ch <- snap })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch, unsub
}

func next(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Snapshot{}
	}
}

func TestSubscribe_DeliversInitialAbsence(t *testing.T) {
	s := New()
	ch, unsub := collect(t, s, "rooms/a")
	defer unsub()

	if snap := next(t, ch); snap.Exists {
		t.Errorf("expected initial snapshot to report absence, got %+v", snap)
	}
}

func TestMergeAppendDelete_DeliverFullState(t *testing.T) {
	ctx := context.Background()
	s := New()
	ch, unsub := collect(t, s, "rooms/a")
	defer unsub()
	next(t, ch)

	if err := s.CreateOrMerge(ctx, "rooms/a", domain.Document{"offerSdp": "OFFER1"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if snap := next(t, ch); !snap.Exists || snap.Data["offerSdp"] != "OFFER1" {
		t.Fatalf("unexpected snapshot after merge: %+v", snap)
	}

	if err := s.AppendToArray(ctx, "rooms/a", "iceCandidates", "c1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap := next(t, ch)
	if snap.Data["offerSdp"] != "OFFER1" {
		t.Errorf("expected append to keep offerSdp, got %+v", snap.Data)
	}
	if got := snap.Data["iceCandidates"].([]string); len(got) != 1 || got[0] != "c1" {
		t.Errorf("expected [c1], got %v", got)
	}

	if err := s.Delete(ctx, "rooms/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if snap := next(t, ch); snap.Exists {
		t.Errorf("expected absence after delete, got %+v", snap)
	}
}

func TestAppendToArray_IsUnion(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateOrMerge(ctx, "p", domain.Document{})

	for _, v := range []string{"a", "b", "a"} {
		if err := s.AppendToArray(ctx, "p", "xs", v); err != nil {
			t.Fatalf("append %s: %v", v, err)
		}
	}
	doc, _ := s.Get("p")
	if got := doc["xs"].([]string); len(got) != 2 {
		t.Errorf("expected 2 distinct entries, got %v", got)
	}
}

func TestAppendToArray_AbsentDocumentFails(t *testing.T) {
	s := New()
	err := s.AppendToArray(context.Background(), "missing", "xs", "a")
	if !errors.Is(err, domain.ErrDocumentNotFound) || !errors.Is(err, domain.ErrStoreWrite) {
		t.Fatalf("expected not-found store write error, got %v", err)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("expected append not to create the document")
	}
}

func TestDelete_AbsentIsNotAnError(t *testing.T) {
	if err := New().Delete(context.Background(), "missing"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	ch, unsub := collect(t, s, "p")
	next(t, ch)
	unsub()
	unsub()

	_ = s.CreateOrMerge(ctx, "p", domain.Document{"k": "v"})
	select {
	case snap := <-ch:
		t.Errorf("expected no delivery after unsubscribe, got %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliveredDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateOrMerge(ctx, "p", domain.Document{})
	_ = s.AppendToArray(ctx, "p", "xs", "a")

	ch, unsub := collect(t, s, "p")
	defer unsub()
	snap := next(t, ch)
	snap.Data["xs"].([]string)[0] = "mutated"

	doc, _ := s.Get("p")
	if doc["xs"].([]string)[0] != "a" {
		t.Error("expected stored document to be unaffected by subscriber mutation")
	}
}

func TestCanceledContextFailsWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	if err := s.CreateOrMerge(ctx, "p", domain.Document{}); !errors.Is(err, domain.ErrStoreWrite) {
		t.Errorf("expected store write error, got %v", err)
	}
	if _, err := s.Subscribe(ctx, "p", func(domain.Snapshot) {}); !errors.Is(err, domain.ErrStoreReadUnavailable) {
		t.Errorf("expected read unavailable, got %v", err)
	}
}
