// Package clientcache is the client-side replica store used for offline editing.
package clientcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
)

var errMissingStore = errors.New("clientcache: key-value store is required")

const (
	namespaceDocument = "doc/"
	namespaceProject  = "project/"
	namespaceValue    = "value/"
	keyAuthToken      = "auth/token"
)

// ProjectRecord is the cached metadata of a project the client has opened.
type ProjectRecord struct {
	ProjectID        string    `json:"projectId"`
	Owner            string    `json:"owner"`
	Slug             string    `json:"slug"`
	Title            string    `json:"title"`
	Version          int64     `json:"version"`
	MinClientVersion string    `json:"minClientVersion"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Cache is one browser-profile store viewed through a storage context.
type Cache struct {
	store   kvstore.Store
	engine  crdt.Engine
	context StorageContext
	mu      *sync.Mutex
}

// New builds a cache bound to storageContext.
func New(store kvstore.Store, engine crdt.Engine, storageContext StorageContext) (*Cache, error) {
	if store == nil {
		return nil, errMissingStore
	}
	if engine == nil {
		engine = crdt.NewLogEngine()
	}
	return &Cache{store: store, engine: engine, context: storageContext, mu: &sync.Mutex{}}, nil
}

// WithContext returns a view of the same physical store under another context.
func (c *Cache) WithContext(storageContext StorageContext) *Cache {
	return &Cache{store: c.store, engine: c.engine, context: storageContext, mu: c.mu}
}

// Context returns the active storage context.
func (c *Cache) Context() StorageContext {
	return c.context
}

// Engine returns the merge engine used for local edits.
func (c *Cache) Engine() crdt.Engine {
	return c.engine
}

// Document returns the cached state, or an empty state when nothing is cached.
func (c *Cache) Document(ctx context.Context, id documents.DocumentID) ([]byte, error) {
	state, found, err := c.store.Get(ctx, c.context.Prefix(namespaceDocument+id.String()))
	if err != nil {
		return nil, fmt.Errorf("read cached document %s: %w", id, err)
	}
	if !found {
		return []byte{}, nil
	}
	return state, nil
}

// HasDocument reports whether id has a cached entry.
func (c *Cache) HasDocument(ctx context.Context, id documents.DocumentID) (bool, error) {
	_, found, err := c.store.Get(ctx, c.context.Prefix(namespaceDocument+id.String()))
	return found, err
}

func (c *Cache) PutDocument(ctx context.Context, id documents.DocumentID, state []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.context.Prefix(namespaceDocument+id.String()), state); err != nil {
		return fmt.Errorf("write cached document %s: %w", id, err)
	}
	return nil
}

// ApplyLocal merges update into the cached state and returns the merged state once stored.
func (c *Cache) ApplyLocal(ctx context.Context, id documents.DocumentID, update []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.Document(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := c.engine.Merge(current, update)
	if err != nil {
		return nil, err
	}
	if err := c.PutDocument(ctx, id, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (c *Cache) DeleteDocument(ctx context.Context, id documents.DocumentID) error {
	return c.store.Delete(ctx, c.context.Prefix(namespaceDocument+id.String()))
}

// DocumentKeys lists cached documents under the project address owner/slug.
func (c *Cache) DocumentKeys(ctx context.Context, owner, slug string) ([]documents.DocumentID, error) {
	keys, err := c.store.Keys(ctx, c.context.Prefix(namespaceDocument+documents.ProjectPrefix(owner, slug)))
	if err != nil {
		return nil, fmt.Errorf("list cached documents: %w", err)
	}
	ids := make([]documents.DocumentID, 0, len(keys))
	for _, key := range keys {
		local, ok := c.context.strip(key)
		if !ok {
			continue
		}
		id, err := documents.ParseDocumentID(local[len(namespaceDocument):])
		if err != nil || !id.InProject(owner, slug) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ProjectRecord returns the cached record for owner/slug.
func (c *Cache) ProjectRecord(ctx context.Context, owner, slug string) (ProjectRecord, bool, error) {
	var record ProjectRecord
	found, err := c.getJSON(ctx, namespaceProject+documents.ProjectPrefix(owner, slug), &record)
	return record, found, err
}

func (c *Cache) PutProjectRecord(ctx context.Context, record ProjectRecord) error {
	return c.putJSON(ctx, namespaceProject+documents.ProjectPrefix(record.Owner, record.Slug), record)
}

// AuthToken returns the session token stored for the active context.
func (c *Cache) AuthToken(ctx context.Context) (string, bool, error) {
	value, found, err := c.store.Get(ctx, c.context.Prefix(keyAuthToken))
	if err != nil || !found {
		return "", false, err
	}
	return string(value), true, nil
}

func (c *Cache) PutAuthToken(ctx context.Context, token string) error {
	return c.store.Put(ctx, c.context.Prefix(keyAuthToken), []byte(token))
}

// Value reads an arbitrary cached value.
func (c *Cache) Value(ctx context.Context, key string) ([]byte, bool, error) {
	return c.store.Get(ctx, c.context.Prefix(namespaceValue+key))
}

func (c *Cache) PutValue(ctx context.Context, key string, value []byte) error {
	return c.store.Put(ctx, c.context.Prefix(namespaceValue+key), value)
}

func (c *Cache) getJSON(ctx context.Context, key string, target interface{}) (bool, error) {
	raw, found, err := c.store.Get(ctx, c.context.Prefix(key))
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) putJSON(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, c.context.Prefix(key), raw)
}
