package clientcache

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
)

func newTestCache(t *testing.T) (*Cache, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	cache, err := New(store, crdt.NewLogEngine(), Local())
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return cache, store
}

func TestStorageContextsAreIsolated(t *testing.T) {
	local, _ := newTestCache(t)
	ctx := context.Background()
	serverA, err := Server("profile-a")
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	serverAB, err := Server("profile-ab")
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	cacheA := local.WithContext(serverA)
	cacheAB := local.WithContext(serverAB)

	id, _ := documents.ParseDocumentID("alice:novel:chapter-1")
	if err := cacheA.PutDocument(ctx, id, crdt.NewFragment(1, 0, "server a")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := cacheA.PutAuthToken(ctx, "token-a"); err != nil {
		t.Fatalf("put token failed: %v", err)
	}

	for name, other := range map[string]*Cache{"local": local, "profile-ab": cacheAB} {
		state, err := other.Document(ctx, id)
		if err != nil {
			t.Fatalf("%s read failed: %v", name, err)
		}
		if len(state) != 0 {
			t.Fatalf("%s observed another context's document", name)
		}
		if _, found, _ := other.AuthToken(ctx); found {
			t.Fatalf("%s observed another context's token", name)
		}
		keys, err := other.DocumentKeys(ctx, "alice", "novel")
		if err != nil || len(keys) != 0 {
			t.Fatalf("%s listed foreign keys %v err=%v", name, keys, err)
		}
	}

	token, found, err := cacheA.AuthToken(ctx)
	if err != nil || !found || token != "token-a" {
		t.Fatalf("expected token-a, got %q found=%v err=%v", token, found, err)
	}
}

func TestServerContextRejectsUnsafeProfile(t *testing.T) {
	for _, profile := range []string{"", "  ", "a/b"} {
		if _, err := Server(profile); !errors.Is(err, ErrInvalidStorageContext) {
			t.Fatalf("expected ErrInvalidStorageContext for %q, got %v", profile, err)
		}
	}
}

func TestApplyLocalMergesIntoCachedState(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	id, _ := documents.ParseDocumentID("alice:novel:chapter-1")

	if _, err := cache.ApplyLocal(ctx, id, crdt.NewFragment(1, 0, "Hello ")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	merged, err := cache.ApplyLocal(ctx, id, crdt.NewFragment(1, 1, "world"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	text, err := cache.Engine().PlainText(merged)
	if err != nil || text != "Hello world" {
		t.Fatalf("unexpected text %q err=%v", text, err)
	}
	keys, err := cache.DocumentKeys(ctx, "alice", "novel")
	if err != nil || len(keys) != 1 || keys[0] != id {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}
}

func TestProjectRecordsAndValues(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	record := ProjectRecord{ProjectID: "p-1", Owner: "alice", Slug: "novel", Title: "Novel", Version: 3}
	if err := cache.PutProjectRecord(ctx, record); err != nil {
		t.Fatalf("put record failed: %v", err)
	}
	loaded, found, err := cache.ProjectRecord(ctx, "alice", "novel")
	if err != nil || !found || loaded.ProjectID != "p-1" || loaded.Version != 3 {
		t.Fatalf("unexpected record %#v found=%v err=%v", loaded, found, err)
	}
	if _, found, _ := cache.ProjectRecord(ctx, "alice", "saga"); found {
		t.Fatalf("expected missing record")
	}

	if err := cache.PutValue(ctx, "theme", []byte("dark")); err != nil {
		t.Fatalf("put value failed: %v", err)
	}
	value, found, err := cache.Value(ctx, "theme")
	if err != nil || !found || string(value) != "dark" {
		t.Fatalf("unexpected value %q found=%v err=%v", value, found, err)
	}
}
