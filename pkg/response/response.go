package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"clubledger/internal/apperr"
)

const (
	CodeSuccess               = "OK"
	CodeValidation            = "VALIDATION_ERROR"
	CodeAmountSignMismatch    = "AMOUNT_SIGN_MISMATCH"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodePaymentGateway        = "PAYMENT_GATEWAY_ERROR"
	CodeSignatureVerification = "SIGNATURE_VERIFICATION_FAILED"
	CodeServerError           = "INTERNAL_ERROR"
)

type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PageData wraps one page of a listing.
type PageData struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, code string, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeValidation, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

// Status returns the HTTP status and error code for err.
func Status(err error) (int, string) {
	switch apperr.Kind(err) {
	case apperr.ErrAmountSignMismatch:
		return http.StatusUnprocessableEntity, CodeAmountSignMismatch
	case apperr.ErrValidation:
		return http.StatusBadRequest, CodeValidation
	case apperr.ErrForbidden:
		return http.StatusForbidden, CodeForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound, CodeNotFound
	case apperr.ErrPaymentGateway:
		return http.StatusBadGateway, CodePaymentGateway
	case apperr.ErrSignatureVerification:
		return http.StatusBadRequest, CodeSignatureVerification
	case apperr.ErrUnauthorized:
		return http.StatusUnauthorized, CodeUnauthorized
	}
	return http.StatusInternalServerError, CodeServerError
}

// FromError renders err with the status of its kind. Errors without a kind are
// logged and reported without detail.
func FromError(c *gin.Context, log logrus.FieldLogger, err error) {
	status, code := Status(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		Error(c, status, code, "internal server error")
		return
	}

	resp := Response{Code: code, Message: err.Error()}
	var fe *apperr.FieldError
	if errors.As(err, &fe) {
		resp.Field = fe.Field
		resp.Message = fe.Reason
	}
	c.AbortWithStatusJSON(status, resp)
}
