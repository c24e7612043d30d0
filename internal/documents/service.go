// Package documents is the server's durable store of record for replicated document state.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
	"go.uber.org/zap"
)

var (
	// ErrStorageFailure marks failures of the underlying key-value backend. Callers retry these.
	ErrStorageFailure = errors.New("documents: storage failure")
	// ErrMalformedUpdate indicates that an update fragment could not be decoded by the engine.
	ErrMalformedUpdate = errors.New("documents: malformed update")

	errMissingStore  = errors.New("key-value store is required")
	errMissingEngine = errors.New("crdt engine is required")
	noOpLogger       = zap.NewNop()
)

const (
	opServiceNew   = "documents.service.new"
	opPut          = "documents.put"
	opGet          = "documents.get"
	opApplyUpdate  = "documents.apply_update"
	opDelete       = "documents.delete"
	opCapture      = "documents.capture"
	opReconcile    = "documents.reconcile"
	opKeys         = "documents.keys"
	fieldDocument  = "document_id"
	keyspacePrefix = "doc/"

	reasonInvalidID        = "invalid_document_id"
	reasonStoreReadFailed  = "store_read_failed"
	reasonStoreWriteFailed = "store_write_failed"
	reasonMalformedUpdate  = "malformed_update"
	reasonMalformedState   = "malformed_state"
	reasonMalformedVector  = "malformed_state_vector"
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Store is the document store contract. Get on a missing document returns an empty state.
type Store interface {
	Put(ctx context.Context, id DocumentID, state []byte) error
	Get(ctx context.Context, id DocumentID) ([]byte, error)
	ApplyUpdate(ctx context.Context, id DocumentID, update []byte) (ApplyResult, error)
	Delete(ctx context.Context, id DocumentID) error
}

// ApplyResult describes the state after an update was merged.
type ApplyResult struct {
	// Changed is false when the update was already incorporated.
	Changed     bool
	StateVector []byte
}

type ServiceConfig struct {
	KV     kvstore.Store
	Engine crdt.Engine
	Logger *zap.Logger
}

// Service implements Store over a kvstore backend and serializes work per document, so captures
// always observe a consistent cut with respect to concurrent updates.
type Service struct {
	kv     kvstore.Store
	engine crdt.Engine
	logger *zap.Logger
	locks  *keyedMutex
}

var _ Store = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.KV == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Engine == nil {
		return nil, newServiceError(opServiceNew, "missing_engine", errMissingEngine)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		kv:     cfg.KV,
		engine: cfg.Engine,
		logger: logger,
		locks:  newKeyedMutex(),
	}, nil
}

// Engine exposes the merge engine backing the store.
func (s *Service) Engine() crdt.Engine {
	return s.engine
}

func (s *Service) Put(ctx context.Context, id DocumentID, state []byte) error {
	if err := id.Validate(); err != nil {
		return newServiceError(opPut, reasonInvalidID, err)
	}
	if _, err := s.engine.StateVector(state); err != nil {
		return newServiceError(opPut, reasonMalformedState, err)
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()
	return s.write(ctx, opPut, id, state)
}

func (s *Service) Get(ctx context.Context, id DocumentID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, newServiceError(opGet, reasonInvalidID, err)
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()
	return s.read(ctx, opGet, id)
}

// ApplyUpdate merges update into the stored state and writes the result before returning.
// Re-applying an incorporated update leaves the stored state untouched.
func (s *Service) ApplyUpdate(ctx context.Context, id DocumentID, update []byte) (ApplyResult, error) {
	if err := id.Validate(); err != nil {
		return ApplyResult{}, newServiceError(opApplyUpdate, reasonInvalidID, err)
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()

	current, err := s.read(ctx, opApplyUpdate, id)
	if err != nil {
		return ApplyResult{}, err
	}
	merged, err := s.engine.Merge(current, update)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		s.logError(opApplyUpdate, reasonMalformedUpdate, err, zap.String(fieldDocument, id.String()))
		return ApplyResult{}, newServiceError(opApplyUpdate, reasonMalformedUpdate, wrapped)
	}
	vector, err := s.engine.StateVector(merged)
	if err != nil {
		return ApplyResult{}, newServiceError(opApplyUpdate, reasonMalformedState, err)
	}
	if bytes.Equal(current, merged) {
		return ApplyResult{Changed: false, StateVector: vector}, nil
	}
	if err := s.write(ctx, opApplyUpdate, id, merged); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Changed: true, StateVector: vector}, nil
}

func (s *Service) Delete(ctx context.Context, id DocumentID) error {
	if err := id.Validate(); err != nil {
		return newServiceError(opDelete, reasonInvalidID, err)
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()
	if err := s.kv.Delete(ctx, storageKey(id)); err != nil {
		s.logError(opDelete, reasonStoreWriteFailed, err, zap.String(fieldDocument, id.String()))
		return newServiceError(opDelete, reasonStoreWriteFailed, fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}
	return nil
}

// Capture returns the state and its state vector read under the document lock.
func (s *Service) Capture(ctx context.Context, id DocumentID) ([]byte, []byte, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, newServiceError(opCapture, reasonInvalidID, err)
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()
	state, err := s.read(ctx, opCapture, id)
	if err != nil {
		return nil, nil, err
	}
	vector, err := s.engine.StateVector(state)
	if err != nil {
		s.logError(opCapture, reasonMalformedState, err, zap.String(fieldDocument, id.String()))
		return nil, nil, newServiceError(opCapture, reasonMalformedState, err)
	}
	return state, vector, nil
}

// Reconcile returns the fragments a replica at remoteVector is missing, plus the server vector
// so the replica can answer with what the server is missing.
func (s *Service) Reconcile(ctx context.Context, id DocumentID, remoteVector []byte) ([]byte, []byte, error) {
	state, vector, err := s.Capture(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	delta, err := s.engine.Diff(state, remoteVector)
	if err != nil {
		return nil, nil, newServiceError(opReconcile, reasonMalformedVector, err)
	}
	return delta, vector, nil
}

// ProjectDocuments lists the stored documents of one project address. SQL LIKE matches
// ASCII case-insensitively on some engines, so keys are re-checked against the exact address.
func (s *Service) ProjectDocuments(ctx context.Context, owner, slug string) ([]DocumentID, error) {
	keys, err := s.kv.Keys(ctx, keyspacePrefix+ProjectPrefix(owner, slug))
	if err != nil {
		s.logError(opKeys, reasonStoreReadFailed, err)
		return nil, newServiceError(opKeys, reasonStoreReadFailed, fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}
	ids := make([]DocumentID, 0, len(keys))
	for _, key := range keys {
		id, parseErr := ParseDocumentID(key[len(keyspacePrefix):])
		if parseErr != nil || !id.InProject(owner, slug) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) read(ctx context.Context, operation string, id DocumentID) ([]byte, error) {
	state, found, err := s.kv.Get(ctx, storageKey(id))
	if err != nil {
		s.logError(operation, reasonStoreReadFailed, err, zap.String(fieldDocument, id.String()))
		return nil, newServiceError(operation, reasonStoreReadFailed, fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}
	if !found {
		return []byte{}, nil
	}
	return state, nil
}

func (s *Service) write(ctx context.Context, operation string, id DocumentID, state []byte) error {
	if err := s.kv.Put(ctx, storageKey(id), state); err != nil {
		s.logError(operation, reasonStoreWriteFailed, err, zap.String(fieldDocument, id.String()))
		return newServiceError(operation, reasonStoreWriteFailed, fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}
	return nil
}

func storageKey(id DocumentID) string {
	return keyspacePrefix + id.String()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
