package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/version"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "manuscript_user_id"
	principalContextKey = "manuscript_principal"
	projectContextKey   = "manuscript_project"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingProjectService   = errors.New("project service dependency required")
	errMissingSnapshotService  = errors.New("snapshot service dependency required")
	errMissingGate             = errors.New("version gate dependency required")
	errMissingSyncHandler      = errors.New("sync handler dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator validates bearer tokens.
type SessionValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

// IdentityResolver maps token claims and usernames onto canonical user ids.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	FindByUsername(ctx context.Context, username string) (string, error)
}

type Dependencies struct {
	Sessions   SessionValidator
	Identities IdentityResolver
	Projects   *collab.Service
	Snapshots  *snapshots.Service
	Gate       *version.Gate
	// Sync serves the websocket endpoint; it authenticates through the handshake frame.
	Sync           gin.HandlerFunc
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Identities == nil:
		return nil, errMissingIdentityResolver
	case deps.Projects == nil:
		return nil, errMissingProjectService
	case deps.Snapshots == nil:
		return nil, errMissingSnapshotService
	case deps.Gate == nil:
		return nil, errMissingGate
	case deps.Sync == nil:
		return nil, errMissingSyncHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		projects:   deps.Projects,
		snapshots:  deps.Snapshots,
		gate:       deps.Gate,
		logger:     logger,
	}

	api := router.Group("/api/v1")
	api.GET("/health", handler.handleHealth)
	api.GET("/sync", deps.Sync)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/projects", handler.handleCreateProject)
	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/snapshots/:id", handler.handleGetSnapshot)
	protected.DELETE("/snapshots/:id", handler.handleDeleteSnapshot)

	project := protected.Group("/projects/:owner/:slug")
	project.Use(handler.loadProject)
	project.PATCH("", handler.handleRenameProject)
	project.GET("/collaborators", handler.handleListCollaborators)
	project.POST("/collaborators", handler.handleInvite)
	project.PATCH("/collaborators/:userId", handler.handleChangeRole)
	project.DELETE("/collaborators/:userId", handler.handleRemoveCollaborator)
	project.POST("/invitations/accept", handler.handleAcceptInvitation)
	project.POST("/invitations/reject", handler.handleRejectInvitation)
	project.POST("/snapshots", handler.handleCreateSnapshot)
	project.GET("/snapshots", handler.handleListSnapshots)

	return router, nil
}

// corsMiddleware reflects the request origin when no allow-list is configured.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	projects   *collab.Service
	snapshots  *snapshots.Service
	gate       *version.Gate
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.gate.HealthInfo())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.identities.ResolveCanonicalUserID(c.Request.Context(), principal.Claims)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Set(userIDContextKey, userID)
	c.Next()
}

// loadProject resolves :owner/:slug and checks the token grant against it.
func (h *httpHandler) loadProject(c *gin.Context) {
	owner := c.Param("owner")
	slug := c.Param("slug")
	if !h.grantPermits(c, owner, slug) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	project, err := h.projects.FindProject(c.Request.Context(), owner, slug)
	if err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(projectContextKey, project)
	c.Next()
}

func (h *httpHandler) grantPermits(c *gin.Context, owner, slug string) bool {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return false
	}
	principal, ok := value.(auth.Principal)
	return ok && auth.Permits(principal.Grant, owner, slug)
}

func currentProject(c *gin.Context) collab.Project {
	value, _ := c.Get(projectContextKey)
	project, _ := value.(collab.Project)
	return project
}

// codedError is satisfied by every service package's ServiceError.
type codedError interface {
	Code() string
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, collab.ErrInvalidInput),
		errors.Is(err, snapshots.ErrInvalidInput),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrNotFound),
		errors.Is(err, snapshots.ErrNotFound),
		errors.Is(err, errUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrDuplicateInvitation),
		errors.Is(err, collab.ErrInvalidRoleTransition),
		errors.Is(err, collab.ErrDuplicateProject):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": code}. Server faults are logged; client errors are not.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	code := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
