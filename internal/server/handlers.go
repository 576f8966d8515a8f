package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/roles"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListFields(c *gin.Context) {
	filter := fields.FieldFilter{
		OwnerID: c.Query("owner_id"),
		SortBy:  c.Query("sort"),
	}
	if raw := strings.TrimSpace(c.Query("public")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(c, fields.NewError("server.list_fields", "invalid_public", fields.ErrValidation, err))
			return
		}
		filter.IsPublic = &value
	}
	if raw := strings.TrimSpace(c.Query("ascending")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(c, fields.NewError("server.list_fields", "invalid_ascending", fields.ErrValidation, err))
			return
		}
		filter.Ascending = value
	}

	rows, err := h.client(c).ListFields(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, rows)
}

func (h *httpHandler) handleGetField(c *gin.Context) {
	field, err := h.client(c).GetField(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, field)
}

func (h *httpHandler) handleCreateField(c *gin.Context) {
	var payload fields.FieldInsert
	if err := bindJSON(c, &payload); err != nil {
		h.respondError(c, err)
		return
	}
	field, err := h.client(c).CreateField(c.Request.Context(), payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, field)
}

func (h *httpHandler) handleUpdateField(c *gin.Context) {
	var patch fields.FieldPatch
	if err := bindJSON(c, &patch); err != nil {
		h.respondError(c, err)
		return
	}
	field, err := h.client(c).UpdateField(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, field)
}

func (h *httpHandler) handleDeleteField(c *gin.Context) {
	if err := h.client(c).DeleteField(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, nil)
}

type roleResponse struct {
	FieldID     string             `json:"field_id"`
	Role        fields.Role        `json:"role"`
	Permissions fields.Permissions `json:"permissions"`
}

func (h *httpHandler) handleGetRole(c *gin.Context) {
	fieldID := c.Param("id")
	role, err := roles.Resolve(c.Request.Context(), h.client(c), fieldID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, roleResponse{FieldID: fieldID, Role: role, Permissions: fields.PermissionsFor(role)})
}

func (h *httpHandler) handleListEmitters(c *gin.Context) {
	rows, err := h.client(c).ListEmitters(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, rows)
}

type emitterRequest struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

func (h *httpHandler) handleInsertEmitter(c *gin.Context) {
	var request emitterRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	emitter, err := h.client(c).InsertEmitter(c.Request.Context(), fields.EmitterInsert{
		FieldID: c.Param("id"),
		X:       request.X,
		Y:       request.Y,
		Color:   request.Color,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, emitter)
}

func (h *httpHandler) handleUpdateEmitter(c *gin.Context) {
	var patch fields.EmitterPatch
	if err := bindJSON(c, &patch); err != nil {
		h.respondError(c, err)
		return
	}
	emitter, err := h.client(c).UpdateEmitter(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, emitter)
}

func (h *httpHandler) handleDeleteEmitter(c *gin.Context) {
	if err := h.client(c).DeleteEmitter(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, nil)
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	rows, err := h.client(c).ListCollaborators(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, rows)
}

type collaboratorRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleInsertCollaborator(c *gin.Context) {
	var request collaboratorRequest
	if err := bindJSON(c, &request); err != nil {
		h.respondError(c, err)
		return
	}
	collaborator, err := h.client(c).InsertCollaborator(c.Request.Context(), fields.CollaboratorInsert{
		FieldID: c.Param("id"),
		UserID:  request.UserID,
		Role:    fields.CollaboratorRole(request.Role),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, collaborator)
}

func (h *httpHandler) handleUpdateCollaborator(c *gin.Context) {
	var patch fields.CollaboratorPatch
	if err := bindJSON(c, &patch); err != nil {
		h.respondError(c, err)
		return
	}
	collaborator, err := h.client(c).UpdateCollaborator(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, collaborator)
}

func (h *httpHandler) handleDeleteCollaborator(c *gin.Context) {
	if err := h.client(c).DeleteCollaborator(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, nil)
}
