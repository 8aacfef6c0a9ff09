package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clubledger/internal/service"
	"clubledger/pkg/response"
)

// GET /api/v1/entry-types
func (h *Handler) ListEntryTypes(c *gin.Context) {
	types, err := h.entryTypes.List(c.Request.Context(), callerFrom(c))
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, types)
}

// POST /api/v1/entry-types
func (h *Handler) CreateEntryType(c *gin.Context) {
	var req service.CreateEntryTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	et, err := h.entryTypes.Create(c.Request.Context(), callerFrom(c), &req)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Created(c, et)
}

// PATCH /api/v1/entry-types/:id
func (h *Handler) UpdateEntryType(c *gin.Context) {
	var req service.UpdateEntryTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	et, err := h.entryTypes.Update(c.Request.Context(), callerFrom(c), c.Param("id"), &req)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, et)
}

// DELETE /api/v1/entry-types/:id
func (h *Handler) DeleteEntryType(c *gin.Context) {
	if err := h.entryTypes.Delete(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		response.FromError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
