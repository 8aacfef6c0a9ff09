package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"clubledger/internal/apperr"
	"clubledger/internal/service"
)

// maxWebhookBody bounds the notification payload read into memory.
const maxWebhookBody = 65536

// CreateStripeSession opens a checkout session for a top-up.
// POST /api/create-stripe-session
//
// This route keeps the {error} body the web client already parses.
func (h *Handler) CreateStripeSession(c *gin.Context) {
	var req service.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	session, err := h.payments.CreateTopUpSession(c.Request.Context(), &req)
	if err != nil {
		switch apperr.Kind(err) {
		case apperr.ErrValidation, apperr.ErrAmountSignMismatch, apperr.ErrNotFound, apperr.ErrForbidden:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.log.WithError(err).Error("create checkout session failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create checkout session"})
		}
		return
	}
	c.JSON(http.StatusOK, session)
}

// StripeWebhook receives processor notifications. The body must be read raw:
// the signature covers the exact bytes.
// POST /webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	outcome, err := h.webhooks.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, apperr.ErrSignatureVerification) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}
