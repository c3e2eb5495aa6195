package atom

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/datafold/datafold-core/pkg/faultkind"
	"github.com/datafold/datafold-core/pkg/store"
)

func newTestStore() *Store {
	return New(store.NewMemStore(), nil)
}

func TestAppend_IdempotentOnIdenticalContent(t *testing.T) {
	s := newTestStore()
	ts := time.Unix(1700000000, 0)
	content := json.RawMessage(`{"title":"hello"}`)

	h1, err := s.Append("Post:title", "pk_A", content, "", ts)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	h2, err := s.Append("Post:title", "pk_A", content, "", ts)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected idempotent handle, got %s and %s", h1, h2)
	}
}

func TestAppend_BadPrevious(t *testing.T) {
	s := newTestStore()
	_, err := s.Append("Post:title", "pk_A", json.RawMessage(`{}`), Handle("does-not-exist"), time.Now())
	if !faultkind.Is(err, faultkind.BadPrevious) {
		t.Fatalf("expected BadPrevious, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.Get(Handle("missing"))
	if !faultkind.Is(err, faultkind.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWalk_FollowsChainBackward(t *testing.T) {
	s := newTestStore()
	ts := time.Unix(1700000000, 0)

	h1, err := s.Append("Post:title", "pk_A", json.RawMessage(`"v1"`), "", ts)
	if err != nil {
		t.Fatalf("append v1: %v", err)
	}
	h2, err := s.Append("Post:title", "pk_A", json.RawMessage(`"v2"`), h1, ts.Add(time.Second))
	if err != nil {
		t.Fatalf("append v2: %v", err)
	}
	h3, err := s.Append("Post:title", "pk_A", json.RawMessage(`"v3"`), h2, ts.Add(2*time.Second))
	if err != nil {
		t.Fatalf("append v3: %v", err)
	}

	w := s.Walk(h3, 0)
	var got []Handle
	for {
		a, ok := w.Next()
		if !ok {
			break
		}
		got = append(got, a.Hash)
	}
	if w.Err() != nil {
		t.Fatalf("walk error: %v", w.Err())
	}
	want := []Handle{h3, h2, h1}
	if len(got) != len(want) {
		t.Fatalf("got %d atoms, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWalk_RespectsLimit(t *testing.T) {
	s := newTestStore()
	ts := time.Unix(1700000000, 0)
	h1, _ := s.Append("c", "pk_A", json.RawMessage(`1`), "", ts)
	h2, _ := s.Append("c", "pk_A", json.RawMessage(`2`), h1, ts.Add(time.Second))
	_, _ = s.Append("c", "pk_A", json.RawMessage(`3`), h2, ts.Add(2*time.Second))

	head, _ := s.Append("c", "pk_A", json.RawMessage(`4`), h2, ts.Add(3*time.Second))

	w := s.Walk(head, 2)
	count := 0
	for {
		if _, ok := w.Next(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected limit of 2, got %d", count)
	}
}

func TestMarkDeleted_Tombstones(t *testing.T) {
	s := newTestStore()
	ts := time.Unix(1700000000, 0)
	h1, err := s.Append("c", "pk_A", json.RawMessage(`"live"`), "", ts)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	tomb, err := s.MarkDeleted("pk_A", h1, ts.Add(time.Second))
	if err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	a, err := s.Get(tomb)
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if a.Status != Deleted {
		t.Fatalf("expected Deleted status, got %s", a.Status)
	}
	if a.Previous != h1 {
		t.Fatalf("expected previous to reference %s, got %s", h1, a.Previous)
	}
}

func TestSnapshot_ReceiptsValidate(t *testing.T) {
	s := newTestStore()
	ts := time.Unix(1700000000, 0)
	var heads []Handle
	for i := 0; i < 5; i++ {
		h, err := s.Append("c", "pk_A", json.RawMessage(`1`), "", ts.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		heads = append(heads, h)
	}

	root, receipts, err := s.Snapshot(heads)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if root == "" {
		t.Fatal("expected non-empty root")
	}
	for _, h := range heads {
		r, ok := receipts[h]
		if !ok {
			t.Fatalf("missing receipt for %s", h)
		}
		if r.Root != root {
			t.Fatalf("receipt root %s != tree root %s", r.Root, root)
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("receipt for %s failed validation: %v", h, err)
		}
	}
}
