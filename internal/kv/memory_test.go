package kv

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_CreateIsPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Create(ctx, "pledge:a", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := m.Create(ctx, "pledge:a", []byte(`{"n":2}`)); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	doc, err := m.Get(ctx, "pledge:a")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(doc.Value) != `{"n":1}` || doc.Version != 1 {
		t.Fatalf("first write must win: %#v", doc)
	}
}

func TestMemory_DeleteFreesTheKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Create(ctx, "event:stripe:evt_1", []byte(`{}`)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := m.Delete(ctx, "event:stripe:evt_1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := m.Get(ctx, "event:stripe:evt_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// A freed key can be claimed again.
	if err := m.Create(ctx, "event:stripe:evt_1", []byte(`{}`)); err != nil {
		t.Fatalf("re-Create error: %v", err)
	}
	// Deleting an absent key is not an error.
	if err := m.Delete(ctx, "event:stripe:missing"); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestMemory_PutChecksVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "stats:film", []byte(`{"n":1}`), 0); err != nil {
		t.Fatalf("initial Put error: %v", err)
	}
	if err := m.Put(ctx, "stats:film", []byte(`{"n":2}`), 1); err != nil {
		t.Fatalf("versioned Put error: %v", err)
	}
	// A writer holding the stale version loses.
	if err := m.Put(ctx, "stats:film", []byte(`{"n":3}`), 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Version 0 against an existing document is a failed create.
	if err := m.Put(ctx, "stats:film", []byte(`{"n":4}`), 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for create-over-existing, got %v", err)
	}
	doc, err := m.Get(ctx, "stats:film")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(doc.Value) != `{"n":2}` || doc.Version != 2 {
		t.Fatalf("unexpected document: %#v", doc)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	if _, err := NewMemory().Get(context.Background(), "pledge:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"pledge:b", "pledge:a", "stats:film"} {
		if err := m.Create(ctx, k, []byte(`{}`)); err != nil {
			t.Fatalf("Create %s: %v", k, err)
		}
	}
	docs, err := m.List(ctx, "pledge:")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(docs) != 2 || docs[0].Key != "pledge:a" || docs[1].Key != "pledge:b" {
		t.Fatalf("unexpected listing: %#v", docs)
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Create(ctx, "votes:d1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	doc, _ := m.Get(ctx, "votes:d1")
	doc.Value[0] = 'X'
	fresh, _ := m.Get(ctx, "votes:d1")
	if string(fresh.Value) != `{"n":1}` {
		t.Fatalf("stored value mutated through returned copy: %q", fresh.Value)
	}
}
