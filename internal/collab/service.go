// Package collab owns projects and their collaborators and decides who may do what.
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrForbidden indicates that the actor's role does not permit the operation.
	ErrForbidden = errors.New("collab: forbidden")
	// ErrNotFound indicates a missing project or collaborator.
	ErrNotFound = errors.New("collab: not found")
	// ErrDuplicateInvitation indicates the invitee is the owner or already has a row.
	ErrDuplicateInvitation = errors.New("collab: duplicate invitation")
	// ErrInvalidRoleTransition indicates a role or status change the lifecycle does not allow.
	ErrInvalidRoleTransition = errors.New("collab: invalid role transition")
	// ErrDuplicateProject indicates the owner already has a project with the slug.
	ErrDuplicateProject = errors.New("collab: duplicate project")
	// ErrInvalidInput indicates malformed caller input such as an unusable slug.
	ErrInvalidInput = errors.New("collab: invalid input")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingDirectory = errors.New("user directory is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew    = "collab.service.new"
	opCreateProject = "collab.create_project"
	opFindProject   = "collab.find_project"
	opRenameProject = "collab.rename_project"
	opResolveRole   = "collab.resolve_role"
	opInvite        = "collab.invite"
	opAccept        = "collab.accept"
	opReject        = "collab.reject"
	opChangeRole    = "collab.change_role"
	opRemove        = "collab.remove"
	opList          = "collab.list"
	opListProjects  = "collab.list_projects"

	fieldProjectID = "project_id"
	fieldUserID    = "user_id"
	fieldActorID   = "actor_user_id"

	queryProjectUser = "project_id = ? AND user_id = ?"

	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonForbidden       = "forbidden"
	reasonNotFound        = "not_found"
	reasonDuplicate       = "duplicate"
	reasonInvalidRole     = "invalid_role"
	reasonInvalidSlug     = "invalid_slug"
	reasonInvalidStatus   = "invalid_status"
	reasonIDFailed        = "id_failed"
	reasonDirectoryFailed = "directory_failed"
	defaultMinClientVer   = "0.0.0"
	maxSlugLength         = 190
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

// UserDirectory resolves usernames and site administration.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (string, error)
	LookupUsername(ctx context.Context, userID string) (string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// MembershipChange describes a collaborator change after it was committed.
// Role is RoleNone when the user lost access.
type MembershipChange struct {
	ProjectID string
	UserID    string
	Role      Role
}

// MembershipObserver is told about every committed membership change.
type MembershipObserver interface {
	MembershipChanged(change MembershipChange)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Directory  UserDirectory
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service answers role questions and mutates the roster. Mutations always re-read
// the actor's role from the database.
type Service struct {
	db         *gorm.DB
	directory  UserDirectory
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	observersMu sync.RWMutex
	observers   []MembershipObserver
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		directory:  cfg.Directory,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// RegisterObserver subscribes observer to membership changes.
func (s *Service) RegisterObserver(observer MembershipObserver) {
	if observer == nil {
		return
	}
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, observer)
}

func (s *Service) notify(change MembershipChange) {
	s.observersMu.RLock()
	observers := append([]MembershipObserver(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, observer := range observers {
		observer.MembershipChanged(change)
	}
}

// CreateProject registers a project owned by ownerUserID.
func (s *Service) CreateProject(ctx context.Context, ownerUserID, slug, title, minClientVersion string) (Project, error) {
	slug, ok := normalizeSlug(slug)
	if !ok {
		return Project{}, newServiceError(opCreateProject, reasonInvalidSlug, ErrInvalidInput)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateProject, reasonIDFailed, err)
		return Project{}, newServiceError(opCreateProject, reasonIDFailed, err)
	}
	if strings.TrimSpace(minClientVersion) == "" {
		minClientVersion = defaultMinClientVer
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = slug
	}
	now := s.clock().UTC()
	project := Project{
		ID:               id,
		OwnerUserID:      strings.TrimSpace(ownerUserID),
		Slug:             slug,
		Title:            title,
		Version:          1,
		MinClientVersion: strings.TrimSpace(minClientVersion),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&project)
	if result.Error != nil {
		s.logError(opCreateProject, reasonWriteFailed, result.Error, zap.String(fieldUserID, ownerUserID))
		return Project{}, newServiceError(opCreateProject, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Project{}, newServiceError(opCreateProject, reasonDuplicate, ErrDuplicateProject)
	}
	return project, nil
}

// FindProject resolves a project by its external address.
func (s *Service) FindProject(ctx context.Context, ownerUsername, slug string) (Project, error) {
	ownerUserID, err := s.directory.FindByUsername(ctx, ownerUsername)
	if err != nil {
		return Project{}, newServiceError(opFindProject, reasonNotFound, fmt.Errorf("%w: owner %s: %v", ErrNotFound, ownerUsername, err))
	}
	var project Project
	err = s.db.WithContext(ctx).
		Where("owner_user_id = ? AND slug = ?", ownerUserID, strings.TrimSpace(slug)).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, newServiceError(opFindProject, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opFindProject, reasonQueryFailed, err)
		return Project{}, newServiceError(opFindProject, reasonQueryFailed, err)
	}
	return project, nil
}

// ProjectByID loads a project by its immutable identifier.
func (s *Service) ProjectByID(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, newServiceError(opFindProject, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opFindProject, reasonQueryFailed, err, zap.String(fieldProjectID, projectID))
		return Project{}, newServiceError(opFindProject, reasonQueryFailed, err)
	}
	return project, nil
}

// OwnerUsername returns the username segment of the project's address.
func (s *Service) OwnerUsername(ctx context.Context, project Project) (string, error) {
	username, err := s.directory.LookupUsername(ctx, project.OwnerUserID)
	if err != nil {
		s.logError(opFindProject, reasonDirectoryFailed, err, zap.String(fieldProjectID, project.ID))
		return "", newServiceError(opFindProject, reasonDirectoryFailed, err)
	}
	return username, nil
}

// RenameProject changes the slug. The project ID, and therefore its roster and snapshots, are unaffected.
func (s *Service) RenameProject(ctx context.Context, actorUserID, projectID, newSlug string) (Project, error) {
	slug, ok := normalizeSlug(newSlug)
	if !ok {
		return Project{}, newServiceError(opRenameProject, reasonInvalidSlug, ErrInvalidInput)
	}
	project, err := s.ProjectByID(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	role, err := s.ResolveRole(ctx, actorUserID, projectID)
	if err != nil {
		return Project{}, err
	}
	if !Can(role, ActionRenameProject) {
		return Project{}, newServiceError(opRenameProject, reasonForbidden, ErrForbidden)
	}
	if slug == project.Slug {
		return project, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Project{}).
		Where("owner_user_id = ? AND slug = ?", project.OwnerUserID, slug).
		Count(&count).Error; err != nil {
		s.logError(opRenameProject, reasonQueryFailed, err, zap.String(fieldProjectID, projectID))
		return Project{}, newServiceError(opRenameProject, reasonQueryFailed, err)
	}
	if count > 0 {
		return Project{}, newServiceError(opRenameProject, reasonDuplicate, ErrDuplicateProject)
	}

	now := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&Project{}).
		Where("project_id = ?", projectID).
		Updates(map[string]interface{}{
			"slug":       slug,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error; err != nil {
		s.logError(opRenameProject, reasonWriteFailed, err, zap.String(fieldProjectID, projectID))
		return Project{}, newServiceError(opRenameProject, reasonWriteFailed, err)
	}
	return s.ProjectByID(ctx, projectID)
}

// ListProjects returns the projects userID owns or has accepted membership in.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	var projects []Project
	memberOf := s.db.Model(&Collaborator{}).Select("project_id").
		Where("user_id = ? AND status = ?", userID, StatusAccepted)
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? OR project_id IN (?)", userID, memberOf).
		Order("updated_at DESC").
		Find(&projects).Error
	if err != nil {
		s.logError(opListProjects, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opListProjects, reasonQueryFailed, err)
	}
	return projects, nil
}

// ResolveRole returns userID's role on the project: owner for the owner and for site
// administrators, the stored role for accepted collaborators, RoleNone otherwise.
func (s *Service) ResolveRole(ctx context.Context, userID, projectID string) (Role, error) {
	project, err := s.ProjectByID(ctx, projectID)
	if err != nil {
		return RoleNone, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RoleNone, nil
	}
	if project.OwnerUserID == userID {
		return RoleOwner, nil
	}
	isAdmin, err := s.directory.IsAdmin(ctx, userID)
	if err != nil {
		s.logError(opResolveRole, reasonDirectoryFailed, err, zap.String(fieldUserID, userID))
		return RoleNone, newServiceError(opResolveRole, reasonDirectoryFailed, err)
	}
	if isAdmin {
		return RoleOwner, nil
	}
	collaborator, found, err := s.collaborator(ctx, opResolveRole, projectID, userID)
	if err != nil {
		return RoleNone, err
	}
	if !found || collaborator.Status != StatusAccepted {
		return RoleNone, nil
	}
	return collaborator.Role, nil
}

// Invite creates a pending collaborator row.
func (s *Service) Invite(ctx context.Context, actorUserID, projectID, inviteeUserID string, role Role) (Collaborator, error) {
	if !IsAssignable(role) {
		return Collaborator{}, newServiceError(opInvite, reasonInvalidRole, ErrInvalidRoleTransition)
	}
	project, err := s.ProjectByID(ctx, projectID)
	if err != nil {
		return Collaborator{}, err
	}
	actorRole, err := s.ResolveRole(ctx, actorUserID, projectID)
	if err != nil {
		return Collaborator{}, err
	}
	if !CanInvite(actorRole) || !CanManageTarget(actorRole, role) {
		return Collaborator{}, newServiceError(opInvite, reasonForbidden, ErrForbidden)
	}
	inviteeUserID = strings.TrimSpace(inviteeUserID)
	if inviteeUserID == "" {
		return Collaborator{}, newServiceError(opInvite, reasonNotFound, ErrNotFound)
	}
	if inviteeUserID == project.OwnerUserID {
		return Collaborator{}, newServiceError(opInvite, reasonDuplicate, ErrDuplicateInvitation)
	}

	now := s.clock().UTC()
	collaborator := Collaborator{
		ProjectID: projectID,
		UserID:    inviteeUserID,
		Role:      role,
		Status:    StatusPending,
		InvitedBy: strings.TrimSpace(actorUserID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&collaborator)
	if result.Error != nil {
		s.logError(opInvite, reasonWriteFailed, result.Error,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldUserID, inviteeUserID))
		return Collaborator{}, newServiceError(opInvite, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Collaborator{}, newServiceError(opInvite, reasonDuplicate, ErrDuplicateInvitation)
	}
	return collaborator, nil
}

// Accept moves the caller's own invitation from pending to accepted.
func (s *Service) Accept(ctx context.Context, userID, projectID string) (Collaborator, error) {
	result := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where(queryProjectUser+" AND status = ?", projectID, userID, StatusPending).
		Updates(map[string]interface{}{"status": StatusAccepted, "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opAccept, reasonWriteFailed, result.Error,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldUserID, userID))
		return Collaborator{}, newServiceError(opAccept, reasonWriteFailed, result.Error)
	}
	collaborator, found, err := s.collaborator(ctx, opAccept, projectID, userID)
	if err != nil {
		return Collaborator{}, err
	}
	if !found {
		return Collaborator{}, newServiceError(opAccept, reasonNotFound, ErrNotFound)
	}
	if result.RowsAffected == 0 {
		return Collaborator{}, newServiceError(opAccept, reasonInvalidStatus, ErrInvalidRoleTransition)
	}
	s.notify(MembershipChange{ProjectID: projectID, UserID: userID, Role: collaborator.Role})
	return collaborator, nil
}

// Reject deletes the caller's own pending invitation.
func (s *Service) Reject(ctx context.Context, userID, projectID string) error {
	collaborator, found, err := s.collaborator(ctx, opReject, projectID, userID)
	if err != nil {
		return err
	}
	if !found {
		return newServiceError(opReject, reasonNotFound, ErrNotFound)
	}
	if collaborator.Status != StatusPending {
		return newServiceError(opReject, reasonInvalidStatus, ErrInvalidRoleTransition)
	}
	if err := s.deleteCollaborator(ctx, opReject, projectID, userID); err != nil {
		return err
	}
	s.notify(MembershipChange{ProjectID: projectID, UserID: userID, Role: RoleNone})
	return nil
}

// ChangeRole updates a collaborator's role. Only owners may do this.
func (s *Service) ChangeRole(ctx context.Context, actorUserID, projectID, targetUserID string, role Role) (Collaborator, error) {
	if !IsAssignable(role) {
		return Collaborator{}, newServiceError(opChangeRole, reasonInvalidRole, ErrInvalidRoleTransition)
	}
	actorRole, err := s.ResolveRole(ctx, actorUserID, projectID)
	if err != nil {
		return Collaborator{}, err
	}
	if !CanChangeRole(actorRole) {
		return Collaborator{}, newServiceError(opChangeRole, reasonForbidden, ErrForbidden)
	}
	collaborator, found, err := s.collaborator(ctx, opChangeRole, projectID, targetUserID)
	if err != nil {
		return Collaborator{}, err
	}
	if !found {
		return Collaborator{}, newServiceError(opChangeRole, reasonNotFound, ErrNotFound)
	}
	if collaborator.Role == role {
		return collaborator, nil
	}

	now := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where(queryProjectUser, projectID, targetUserID).
		Updates(map[string]interface{}{"role": role, "updated_at": now}).Error; err != nil {
		s.logError(opChangeRole, reasonWriteFailed, err,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldUserID, targetUserID),
			zap.String(fieldActorID, actorUserID))
		return Collaborator{}, newServiceError(opChangeRole, reasonWriteFailed, err)
	}
	collaborator.Role = role
	collaborator.UpdatedAt = now
	if collaborator.Status == StatusAccepted {
		s.notify(MembershipChange{ProjectID: projectID, UserID: targetUserID, Role: role})
	}
	return collaborator, nil
}

// Remove deletes a collaborator. Collaborators may always remove themselves.
func (s *Service) Remove(ctx context.Context, actorUserID, projectID, targetUserID string) error {
	collaborator, found, err := s.collaborator(ctx, opRemove, projectID, targetUserID)
	if err != nil {
		return err
	}
	if !found {
		if _, projectErr := s.ProjectByID(ctx, projectID); projectErr != nil {
			return projectErr
		}
		return newServiceError(opRemove, reasonNotFound, ErrNotFound)
	}
	if strings.TrimSpace(actorUserID) != collaborator.UserID {
		actorRole, err := s.ResolveRole(ctx, actorUserID, projectID)
		if err != nil {
			return err
		}
		if !CanManageTarget(actorRole, collaborator.Role) {
			return newServiceError(opRemove, reasonForbidden, ErrForbidden)
		}
	}
	if err := s.deleteCollaborator(ctx, opRemove, projectID, targetUserID); err != nil {
		return err
	}
	s.notify(MembershipChange{ProjectID: projectID, UserID: targetUserID, Role: RoleNone})
	return nil
}

// List returns the full roster to admins and owners and only the caller's own row otherwise.
func (s *Service) List(ctx context.Context, actorUserID, projectID string) ([]Collaborator, error) {
	actorRole, err := s.ResolveRole(ctx, actorUserID, projectID)
	if err != nil {
		return nil, err
	}
	if CanManageCollaborators(actorRole) {
		var roster []Collaborator
		if err := s.db.WithContext(ctx).
			Where("project_id = ?", projectID).
			Order("created_at ASC").
			Find(&roster).Error; err != nil {
			s.logError(opList, reasonQueryFailed, err, zap.String(fieldProjectID, projectID))
			return nil, newServiceError(opList, reasonQueryFailed, err)
		}
		return roster, nil
	}
	own, found, err := s.collaborator(ctx, opList, projectID, actorUserID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newServiceError(opList, reasonForbidden, ErrForbidden)
	}
	return []Collaborator{own}, nil
}

func (s *Service) collaborator(ctx context.Context, operation, projectID, userID string) (Collaborator, bool, error) {
	var collaborator Collaborator
	err := s.db.WithContext(ctx).Where(queryProjectUser, projectID, strings.TrimSpace(userID)).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, false, nil
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldUserID, userID))
		return Collaborator{}, false, newServiceError(operation, reasonQueryFailed, err)
	}
	return collaborator, true, nil
}

func (s *Service) deleteCollaborator(ctx context.Context, operation, projectID, userID string) error {
	if err := s.db.WithContext(ctx).Where(queryProjectUser, projectID, userID).Delete(&Collaborator{}).Error; err != nil {
		s.logError(operation, reasonWriteFailed, err,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldUserID, userID))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

func normalizeSlug(raw string) (string, bool) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if slug == "" || len(slug) > maxSlugLength {
		return "", false
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", false
		}
	}
	return slug, true
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
	s.logger.Error("collab service error", attrs...)
}
