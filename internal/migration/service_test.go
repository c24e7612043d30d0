package migration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/clientcache"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	kvstore.Store
	failKeySuffix string
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if f.failKeySuffix != "" && strings.HasSuffix(key, f.failKeySuffix) {
		return errors.New("quota exceeded")
	}
	return f.Store.Put(ctx, key, value)
}

func newCache(t *testing.T, store kvstore.Store) *clientcache.Cache {
	t.Helper()
	cache, err := clientcache.New(store, crdt.NewLogEngine(), clientcache.Local())
	require.NoError(t, err)
	return cache
}

func docID(t *testing.T, raw string) documents.DocumentID {
	t.Helper()
	id, err := documents.ParseDocumentID(raw)
	require.NoError(t, err)
	return id
}

func TestMigrateProjectCopiesNonEmptyDocumentsAndKeepsOldOnes(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t, kvstore.NewMemoryStore())

	first := crdt.NewFragment(1, 0, "Chapter one")
	second := crdt.NewFragment(2, 0, "Chapter two")
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old-slug:ch1"), first))
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old-slug:ch2"), second))
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old-slug:ch3"), []byte{}))
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:other:ch1"), first))
	require.NoError(t, cache.PutProjectRecord(ctx, clientcache.ProjectRecord{ProjectID: "p-1", Owner: "alice", Slug: "old-slug"}))

	service, err := NewService(ServiceConfig{Cache: cache})
	require.NoError(t, err)

	result, err := service.MigrateProject(ctx, "alice", "old-slug", "new-slug")
	require.NoError(t, err)
	require.Equal(t, 2, result.DocumentsMigrated)
	require.Equal(t, 1, result.DocumentsSkipped)
	require.Equal(t, 0, result.DocumentsFailed)
	require.True(t, result.Success)
	require.True(t, result.ProjectMigrated)
	require.Len(t, result.Records, 3)

	migrated, err := cache.Document(ctx, docID(t, "alice:new-slug:ch1"))
	require.NoError(t, err)
	require.Equal(t, first, migrated)
	exists, err := cache.HasDocument(ctx, docID(t, "alice:new-slug:ch3"))
	require.NoError(t, err)
	require.False(t, exists)

	for raw, expected := range map[string][]byte{
		"alice:old-slug:ch1": first,
		"alice:old-slug:ch2": second,
		"alice:old-slug:ch3": {},
	} {
		state, err := cache.Document(ctx, docID(t, raw))
		require.NoError(t, err)
		require.Equal(t, expected, state, raw)
		present, err := cache.HasDocument(ctx, docID(t, raw))
		require.NoError(t, err)
		require.True(t, present, raw)
	}

	record, found, err := cache.ProjectRecord(ctx, "alice", "new-slug")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "p-1", record.ProjectID)
	_, found, err = cache.ProjectRecord(ctx, "alice", "old-slug")
	require.NoError(t, err)
	require.True(t, found)
}

func TestMigrateProjectMergesWithExistingTargetState(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t, kvstore.NewMemoryStore())
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old:ch1"), crdt.NewFragment(1, 0, "offline ")))
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:new:ch1"), crdt.NewFragment(2, 0, "synced")))

	service, err := NewService(ServiceConfig{Cache: cache})
	require.NoError(t, err)
	_, err = service.MigrateProject(ctx, "alice", "old", "new")
	require.NoError(t, err)

	state, err := cache.Document(ctx, docID(t, "alice:new:ch1"))
	require.NoError(t, err)
	fragments, err := crdt.Fragments(state)
	require.NoError(t, err)
	require.Len(t, fragments, 2)
}

func TestMigrateProjectContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: kvstore.NewMemoryStore()}
	cache := newCache(t, store)
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old:ch1"), crdt.NewFragment(1, 0, "a")))
	require.NoError(t, cache.PutDocument(ctx, docID(t, "alice:old:ch2"), crdt.NewFragment(1, 1, "b")))
	store.failKeySuffix = "alice:new:ch1"

	service, err := NewService(ServiceConfig{Cache: cache})
	require.NoError(t, err)
	result, err := service.MigrateProject(ctx, "alice", "old", "new")
	require.NoError(t, err)
	require.Equal(t, 1, result.DocumentsMigrated)
	require.Equal(t, 1, result.DocumentsFailed)
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	require.Equal(t, "ch1", result.Errors[0].DocumentID.ElementID)
}
