package clientcache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStorageContext indicates a server profile id that cannot namespace keys.
var ErrInvalidStorageContext = errors.New("clientcache: invalid storage context")

const (
	contextRoot      = "ctx/"
	contextLocalID   = "local"
	contextServerTag = "server:"
	contextTerm      = "/"
)

// StorageContext namespaces every persisted key of a client profile. Local is the
// unauthenticated mode; Server scopes keys to one remote server profile.
type StorageContext struct {
	id string
}

// Local is the context used before the client connects to any server.
func Local() StorageContext {
	return StorageContext{id: contextLocalID}
}

// Server is the context for a connection to the server profile profileID.
func Server(profileID string) (StorageContext, error) {
	trimmed := strings.TrimSpace(profileID)
	if trimmed == "" || strings.Contains(trimmed, contextTerm) {
		return StorageContext{}, fmt.Errorf("%w: %q", ErrInvalidStorageContext, profileID)
	}
	return StorageContext{id: contextServerTag + trimmed}, nil
}

// ID identifies the context.
func (c StorageContext) ID() string {
	if c.id == "" {
		return contextLocalID
	}
	return c.id
}

// Prefix is the only way a key reaches the underlying store. The context id cannot contain
// the terminator, so no context's prefix is a prefix of another's.
func (c StorageContext) Prefix(key string) string {
	return contextRoot + c.ID() + contextTerm + key
}

func (c StorageContext) strip(storageKey string) (string, bool) {
	prefix := c.Prefix("")
	if !strings.HasPrefix(storageKey, prefix) {
		return "", false
	}
	return storageKey[len(prefix):], true
}
