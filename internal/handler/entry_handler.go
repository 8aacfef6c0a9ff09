package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clubledger/internal/repository"
	"clubledger/internal/service"
	"clubledger/pkg/response"
)

// ListMyEntries returns the entries the caller owns or is assigned.
// GET /api/v1/entries/mine
func (h *Handler) ListMyEntries(c *gin.Context) {
	caller := callerFrom(c)
	entries, err := h.ledger.ListForUser(c.Request.Context(), caller, caller.UserID)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, entries)
}

// ListEntries returns a filtered page of the club ledger.
// GET /api/v1/entries?from=&to=&validated=&assignee=&type=&page=&page_size=
func (h *Handler) ListEntries(c *gin.Context) {
	filter, err := entryFilter(c)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}

	entries, total, err := h.ledger.ListAll(c.Request.Context(), callerFrom(c), filter)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, response.PageData{
		Items:    entries,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func entryFilter(c *gin.Context) (repository.EntryFilter, error) {
	var filter repository.EntryFilter
	var err error

	if from := c.Query("from"); from != "" {
		t, err := parseDate("from", from, time.Time{})
		if err != nil {
			return filter, err
		}
		filter.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := parseDate("to", to, time.Time{})
		if err != nil {
			return filter, err
		}
		filter.To = &t
	}
	if filter.Validated, err = queryBool(c, "validated"); err != nil {
		return filter, err
	}
	if filter.Page, err = queryInt(c, "page", 1); err != nil {
		return filter, err
	}
	if filter.PageSize, err = queryInt(c, "page_size", 50); err != nil {
		return filter, err
	}
	filter.AssignedToID = c.Query("assignee")
	filter.EntryTypeID = c.Query("type")
	return filter, nil
}

// GetEntry returns one entry.
// GET /api/v1/entries/:id
func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.ledger.Get(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, entry)
}

// CreateEntry records a new entry.
// POST /api/v1/entries
func (h *Handler) CreateEntry(c *gin.Context) {
	var req service.CreateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	entry, err := h.ledger.Create(c.Request.Context(), callerFrom(c), &req)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Created(c, entry)
}

// UpdateEntry applies a partial update.
// PATCH /api/v1/entries/:id
func (h *Handler) UpdateEntry(c *gin.Context) {
	var req service.PatchEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	entry, err := h.ledger.Update(c.Request.Context(), callerFrom(c), c.Param("id"), &req)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	response.Success(c, entry)
}

// DeleteEntry removes an unvalidated entry.
// DELETE /api/v1/entries/:id
func (h *Handler) DeleteEntry(c *gin.Context) {
	if err := h.ledger.Delete(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		response.FromError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PostFlightCharge debits a member for a flight, once per flight.
// POST /api/v1/flights/:flightId/charge
func (h *Handler) PostFlightCharge(c *gin.Context) {
	var req service.FlightChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	entry, created, err := h.ledger.PostFlightCharge(c.Request.Context(), callerFrom(c), c.Param("flightId"), &req)
	if err != nil {
		response.FromError(c, h.log, err)
		return
	}
	if created {
		response.Created(c, entry)
		return
	}
	response.Success(c, entry)
}
