package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"clubledger/internal/apperr"
	"clubledger/internal/service"
)

// Handler serves the HTTP API on top of the ledger services.
type Handler struct {
	ledger     *service.LedgerService
	entryTypes *service.EntryTypeService
	balances   *service.BalanceService
	payments   *service.PaymentService
	webhooks   *service.WebhookService
	log        logrus.FieldLogger
}

// Services groups the handler dependencies.
type Services struct {
	Ledger     *service.LedgerService
	EntryTypes *service.EntryTypeService
	Balances   *service.BalanceService
	Payments   *service.PaymentService
	Webhooks   *service.WebhookService
}

func NewHandler(svc Services, log logrus.FieldLogger) *Handler {
	return &Handler{
		ledger:     svc.Ledger,
		entryTypes: svc.EntryTypes,
		balances:   svc.Balances,
		payments:   svc.Payments,
		webhooks:   svc.Webhooks,
		log:        log.WithField("component", "http"),
	}
}

// parseDate accepts a calendar date or an RFC 3339 timestamp. An empty value
// yields def.
func parseDate(field, value string, def time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperr.Field(field, "must be YYYY-MM-DD or an RFC 3339 timestamp")
	}
	return t, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.Field(key, "must be a positive integer")
	}
	return n, nil
}

func queryBool(c *gin.Context, key string) (*bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Field(key, "must be true or false")
	}
	return &b, nil
}
