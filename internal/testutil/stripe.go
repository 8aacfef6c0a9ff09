package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeEvent builds a webhook body for eventType carrying object and signs it
// with secret. It returns the body and the Stripe-Signature header.
func StripeEvent(t *testing.T, secret, eventID, eventType string, object map[string]interface{}) ([]byte, string) {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

// CheckoutSessionObject is a completed checkout session as sent in webhooks.
func CheckoutSessionObject(id string, amountTotal int64, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"object":         "checkout.session",
		"amount_total":   amountTotal,
		"currency":       "eur",
		"payment_status": "paid",
		"status":         "complete",
		"metadata":       metadata,
	}
}
