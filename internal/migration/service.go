// Package migration carries cached client state across a project rename so offline edits
// made under the old address survive until they reach the server under the new one.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/clientcache"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"go.uber.org/zap"
)

var errMissingCache = errors.New("migration: client cache is required")

// Record describes one migrated document. Records are reported, never persisted.
type Record struct {
	OldDocumentID documents.DocumentID
	NewDocumentID documents.DocumentID
	MigratedAt    time.Time
	Success       bool
	Skipped       bool
}

// DocumentError ties a failure to the document it happened on.
type DocumentError struct {
	DocumentID documents.DocumentID
	Err        error
}

func (e DocumentError) Error() string {
	return fmt.Sprintf("%s: %v", e.DocumentID, e.Err)
}

func (e DocumentError) Unwrap() error {
	return e.Err
}

// Result summarizes a project migration.
type Result struct {
	DocumentsMigrated int
	DocumentsSkipped  int
	DocumentsFailed   int
	ProjectMigrated   bool
	Errors            []DocumentError
	Records           []Record
	Success           bool
}

type ServiceConfig struct {
	Cache  *clientcache.Cache
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service copies cached documents from one project address to another.
type Service struct {
	cache  *clientcache.Cache
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: cfg.Cache, clock: clock, logger: logger}, nil
}

// MigrateProject copies every non-empty cached document of owner/oldSlug to owner/newSlug
// and copies the cached project record. Old entries are left in place. A failure on one
// document does not stop the others.
func (s *Service) MigrateProject(ctx context.Context, owner, oldSlug, newSlug string) (Result, error) {
	result := Result{}
	if oldSlug == newSlug {
		result.Success = true
		return result, nil
	}
	ids, err := s.cache.DocumentKeys(ctx, owner, oldSlug)
	if err != nil {
		return result, err
	}
	engine := s.cache.Engine()

	for _, oldID := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		record := Record{OldDocumentID: oldID, MigratedAt: s.clock().UTC()}
		newID, err := oldID.WithProject(owner, newSlug)
		if err != nil {
			s.fail(&result, record, err)
			continue
		}
		record.NewDocumentID = newID

		state, err := s.cache.Document(ctx, oldID)
		if err != nil {
			s.fail(&result, record, err)
			continue
		}
		empty, err := engine.IsEmpty(state)
		if err != nil {
			s.fail(&result, record, err)
			continue
		}
		if empty {
			record.Skipped = true
			record.Success = true
			result.DocumentsSkipped++
			result.Records = append(result.Records, record)
			continue
		}
		// the new address may already hold state synced from the server
		if _, err := s.cache.ApplyLocal(ctx, newID, state); err != nil {
			s.fail(&result, record, err)
			continue
		}
		record.Success = true
		result.DocumentsMigrated++
		result.Records = append(result.Records, record)
	}

	migrated, err := s.migrateProjectRecord(ctx, owner, oldSlug, newSlug)
	if err != nil {
		s.logger.Warn("project record migration failed",
			zap.String("owner", owner),
			zap.String("old_slug", oldSlug),
			zap.String("new_slug", newSlug),
			zap.Error(err))
	}
	result.ProjectMigrated = migrated
	result.Success = result.DocumentsFailed == 0

	s.logger.Info("project migration finished",
		zap.String("owner", owner),
		zap.String("old_slug", oldSlug),
		zap.String("new_slug", newSlug),
		zap.Int("documents_migrated", result.DocumentsMigrated),
		zap.Int("documents_skipped", result.DocumentsSkipped),
		zap.Int("documents_failed", result.DocumentsFailed))
	return result, nil
}

func (s *Service) migrateProjectRecord(ctx context.Context, owner, oldSlug, newSlug string) (bool, error) {
	record, found, err := s.cache.ProjectRecord(ctx, owner, oldSlug)
	if err != nil || !found {
		return false, err
	}
	record.Slug = newSlug
	record.UpdatedAt = s.clock().UTC()
	if err := s.cache.PutProjectRecord(ctx, record); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) fail(result *Result, record Record, err error) {
	result.DocumentsFailed++
	result.Errors = append(result.Errors, DocumentError{DocumentID: record.OldDocumentID, Err: err})
	result.Records = append(result.Records, record)
	s.logger.Warn("document migration failed",
		zap.String("document_id", record.OldDocumentID.String()),
		zap.Error(err))
}
