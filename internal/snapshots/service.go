// Package snapshots captures immutable copies of documents for history and recovery.
package snapshots

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates a missing snapshot.
	ErrNotFound = errors.New("snapshots: not found")
	// ErrInvalidInput indicates a missing name or malformed request.
	ErrInvalidInput = errors.New("snapshots: invalid input")

	errMissingDatabase = errors.New("database handle is required")
	errMissingCapturer = errors.New("document capturer is required")
)

const (
	opServiceNew = "snapshots.service.new"
	opCreate     = "snapshots.create"
	opList       = "snapshots.list"
	opGet        = "snapshots.get"
	opDelete     = "snapshots.delete"

	reasonInvalidInput  = "invalid_input"
	reasonCaptureFailed = "capture_failed"
	reasonProjectFailed = "projection_failed"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonNotFound      = "not_found"
	reasonIDFailed      = "id_failed"

	maxNameLength = 320
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

// Capturer reads a consistent cut of a document.
type Capturer interface {
	Capture(ctx context.Context, id documents.DocumentID) ([]byte, []byte, error)
	Engine() crdt.Engine
}

type ServiceConfig struct {
	Database *gorm.DB
	Capturer Capturer
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db       *gorm.DB
	capturer Capturer
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Capturer == nil {
		return nil, newServiceError(opServiceNew, "missing_capturer", errMissingCapturer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, capturer: cfg.Capturer, clock: clock, logger: logger}, nil
}

// CreateRequest names the document and the author of a snapshot.
type CreateRequest struct {
	DocumentID  documents.DocumentID
	ProjectID   string
	UserID      string
	Name        string
	Description string
}

// Create captures the document's current state. The word count is computed here and stored.
func (s *Service) Create(ctx context.Context, request CreateRequest) (DocumentSnapshot, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" || len(name) > maxNameLength || strings.TrimSpace(request.ProjectID) == "" {
		return DocumentSnapshot{}, newServiceError(opCreate, reasonInvalidInput, ErrInvalidInput)
	}
	if err := request.DocumentID.Validate(); err != nil {
		return DocumentSnapshot{}, newServiceError(opCreate, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	state, vector, err := s.capturer.Capture(ctx, request.DocumentID)
	if err != nil {
		s.logError(opCreate, reasonCaptureFailed, err, zap.String("document_id", request.DocumentID.String()))
		return DocumentSnapshot{}, newServiceError(opCreate, reasonCaptureFailed, err)
	}
	text, err := s.capturer.Engine().PlainText(state)
	if err != nil {
		s.logError(opCreate, reasonProjectFailed, err, zap.String("document_id", request.DocumentID.String()))
		return DocumentSnapshot{}, newServiceError(opCreate, reasonProjectFailed, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return DocumentSnapshot{}, newServiceError(opCreate, reasonIDFailed, err)
	}

	digest := sha256.Sum256(state)
	snapshot := DocumentSnapshot{
		ID:          id.String(),
		DocumentID:  request.DocumentID.String(),
		ProjectID:   strings.TrimSpace(request.ProjectID),
		UserID:      strings.TrimSpace(request.UserID),
		Name:        name,
		Description: strings.TrimSpace(request.Description),
		CrdState:    state,
		StateVector: vector,
		WordCount:   CountWords(text),
		Metadata: Metadata{
			StateBytes:       len(state),
			StateVectorBytes: len(vector),
			StateSHA256:      hex.EncodeToString(digest[:]),
			Characters:       utf8.RuneCountInString(text),
		},
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String("document_id", snapshot.DocumentID))
		return DocumentSnapshot{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	return snapshot, nil
}

// List returns the project's snapshots newest first, optionally narrowed to one document.
func (s *Service) List(ctx context.Context, projectID string, documentID *documents.DocumentID) ([]Summary, error) {
	query := s.db.WithContext(ctx).
		Omit("crd_state", "state_vector").
		Where("project_id = ?", projectID)
	if documentID != nil {
		query = query.Where("document_id = ?", documentID.String())
	}
	var rows []DocumentSnapshot
	if err := query.Order("created_at DESC").Order("snapshot_id DESC").Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String("project_id", projectID))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	summaries := make([]Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, row.Summary())
	}
	return summaries, nil
}

func (s *Service) Get(ctx context.Context, snapshotID string) (DocumentSnapshot, error) {
	var snapshot DocumentSnapshot
	err := s.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentSnapshot{}, newServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String("snapshot_id", snapshotID))
		return DocumentSnapshot{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return snapshot, nil
}

func (s *Service) Delete(ctx context.Context, snapshotID string) error {
	result := s.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID).Delete(&DocumentSnapshot{})
	if result.Error != nil {
		s.logError(opDelete, reasonDeleteFailed, result.Error, zap.String("snapshot_id", snapshotID))
		return newServiceError(opDelete, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, reasonNotFound, ErrNotFound)
	}
	return nil
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
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
	s.logger.Error("snapshots service error", attrs...)
}
