package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/snapshots"
	"github.com/gin-gonic/gin"
)

type createSnapshotRequest struct {
	ElementID   string `json:"elementId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	var request createSnapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	project := currentProject(c)
	if err := h.requireAction(c, project, collab.ActionWrite); err != nil {
		h.respondError(c, err)
		return
	}
	documentID, err := h.projectDocument(c, project, request.ElementID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	snapshot, err := h.snapshots.Create(c.Request.Context(), snapshots.CreateRequest{
		DocumentID:  documentID,
		ProjectID:   project.ID,
		UserID:      c.GetString(userIDContextKey),
		Name:        request.Name,
		Description: request.Description,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// handleListSnapshots lists the project's snapshots; ?elementId= narrows to one document.
func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	project := currentProject(c)
	if err := h.requireAction(c, project, collab.ActionRead); err != nil {
		h.respondError(c, err)
		return
	}
	var filter *documents.DocumentID
	if elementID := strings.TrimSpace(c.Query("elementId")); elementID != "" {
		documentID, err := h.projectDocument(c, project, elementID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		filter = &documentID
	}
	summaries, err := h.snapshots.List(c.Request.Context(), project.ID, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": summaries})
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	snapshot, err := h.snapshots.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.requireSnapshotAction(c, snapshot, collab.ActionRead); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleDeleteSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	snapshot, err := h.snapshots.Get(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.requireSnapshotAction(c, snapshot, collab.ActionManageDocuments); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.snapshots.Delete(ctx, snapshot.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireAction(c *gin.Context, project collab.Project, action collab.Action) error {
	role, err := h.projects.ResolveRole(c.Request.Context(), c.GetString(userIDContextKey), project.ID)
	if err != nil {
		return err
	}
	if !collab.Can(role, action) {
		return fmt.Errorf("%w: %s requires %s", collab.ErrForbidden, role, action)
	}
	return nil
}

// requireSnapshotAction applies the checks of the snapshot's project at its current address.
func (h *httpHandler) requireSnapshotAction(c *gin.Context, snapshot snapshots.DocumentSnapshot, action collab.Action) error {
	ctx := c.Request.Context()
	project, err := h.projects.ProjectByID(ctx, snapshot.ProjectID)
	if err != nil {
		return err
	}
	owner, err := h.projects.OwnerUsername(ctx, project)
	if err != nil {
		return err
	}
	if !h.grantPermits(c, owner, project.Slug) {
		return collab.ErrForbidden
	}
	return h.requireAction(c, project, action)
}

func (h *httpHandler) projectDocument(c *gin.Context, project collab.Project, elementID string) (documents.DocumentID, error) {
	owner, err := h.projects.OwnerUsername(c.Request.Context(), project)
	if err != nil {
		return documents.DocumentID{}, err
	}
	documentID, err := documents.NewDocumentID(owner, project.Slug, strings.TrimSpace(elementID))
	if err != nil {
		return documents.DocumentID{}, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return documentID, nil
}
