package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
	"github.com/gin-gonic/gin"
)

var (
	errInvalidRequest = errors.New("invalid request")
	errUnknownUser    = errors.New("unknown user")
)

type createProjectRequest struct {
	Slug             string `json:"slug"`
	Title            string `json:"title"`
	MinClientVersion string `json:"minClientVersion"`
}

type renameProjectRequest struct {
	Slug string `json:"slug"`
}

type inviteRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type projectResponse struct {
	collab.Project
	OwnerUsername string `json:"ownerUsername"`
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	project, err := h.projects.CreateProject(ctx, c.GetString(userIDContextKey), request.Slug, request.Title, request.MinClientVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeProject(c, http.StatusCreated, project)
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	projects, err := h.projects.ListProjects(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *httpHandler) handleRenameProject(c *gin.Context) {
	var request renameProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	project, err := h.projects.RenameProject(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID, request.Slug)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeProject(c, http.StatusOK, project)
}

func (h *httpHandler) writeProject(c *gin.Context, status int, project collab.Project) {
	owner, err := h.projects.OwnerUsername(c.Request.Context(), project)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, projectResponse{Project: project, OwnerUsername: owner})
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	collaborators, err := h.projects.List(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": collaborators})
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, ok := collab.ParseRole(strings.TrimSpace(request.Role))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	ctx := c.Request.Context()
	invitee := strings.TrimSpace(request.UserID)
	if invitee == "" {
		username := strings.TrimSpace(request.Username)
		if username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		resolved, err := h.identities.FindByUsername(ctx, username)
		if errors.Is(err, users.ErrUserNotFound) {
			err = fmt.Errorf("%w: %s", errUnknownUser, username)
		}
		if err != nil {
			h.respondError(c, err)
			return
		}
		invitee = resolved
	}
	collaborator, err := h.projects.Invite(ctx, c.GetString(userIDContextKey), currentProject(c).ID, invitee, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, collaborator)
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	collaborator, err := h.projects.Accept(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collaborator)
}

func (h *httpHandler) handleRejectInvitation(c *gin.Context) {
	if err := h.projects.Reject(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleChangeRole(c *gin.Context) {
	var request changeRoleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, ok := collab.ParseRole(strings.TrimSpace(request.Role))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	collaborator, err := h.projects.ChangeRole(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID, c.Param("userId"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collaborator)
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	if err := h.projects.Remove(c.Request.Context(), c.GetString(userIDContextKey), currentProject(c).ID, c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
