package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"clubledger/internal/apperr"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/testutil"
)

const secret = "whsec_test_secret"

func TestVerifyCompletedCheckout(t *testing.T) {
	meta := map[string]string{payment.MetaAccountEntryID: "entry-1", payment.MetaUserID: "u1"}
	body, header := testutil.StripeEvent(t, secret, "evt_1", "checkout.session.completed",
		testutil.CheckoutSessionObject("cs_test_1", 2500, meta))

	event, err := payment.NewWebhookVerifier(secret).Verify(body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	require.True(t, event.IsCheckoutCompleted())
	require.NotNil(t, event.Session)
	assert.Equal(t, "cs_test_1", event.Session.ID)
	assert.EqualValues(t, 2500, event.Session.AmountTotal)
	assert.Equal(t, "entry-1", event.Session.Metadata[payment.MetaAccountEntryID])
}

func TestVerifyOtherEventHasNoSession(t *testing.T) {
	body, header := testutil.StripeEvent(t, secret, "evt_2", "payment_intent.created", map[string]interface{}{"id": "pi_1"})

	event, err := payment.NewWebhookVerifier(secret).Verify(body, header)
	require.NoError(t, err)
	assert.False(t, event.IsCheckoutCompleted())
	assert.Nil(t, event.Session)
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	body, header := testutil.StripeEvent(t, secret, "evt_3", "checkout.session.completed",
		testutil.CheckoutSessionObject("cs_test_3", 100, nil))

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
	}{
		{"wrong secret", "whsec_other", body, header},
		{"tampered body", secret, bytes.Replace(body, []byte(`"amount_total":100`), []byte(`"amount_total":1`), 1), header},
		{"missing header", secret, body, ""},
		{"garbage header", secret, body, "t=1,v1=deadbeef"},
		{"no secret configured", "", body, header},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payment.NewWebhookVerifier(tt.secret).Verify(tt.body, tt.header)
			assert.ErrorIs(t, err, apperr.ErrSignatureVerification)
		})
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "cs_test_new",
			"object": "checkout.session",
			"url":    "https://checkout.stripe.com/c/pay/cs_test_new",
		})
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	gw := payment.NewStripeGatewayWithBackends("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	expires := time.Now().Add(time.Hour)
	session, err := gw.CreateCheckoutSession(context.Background(), &payment.CheckoutRequest{
		AmountMinor:     2550,
		Currency:        "eur",
		ProductName:     "Account top-up",
		ClientReference: "TOP1",
		SuccessURL:      "http://front/success",
		CancelURL:       "http://front/cancel",
		ExpiresAt:       expires,
		Metadata:        map[string]string{payment.MetaAccountEntryID: "entry-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_new", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_new", session.URL)

	assert.Equal(t, []string{"2550"}, form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, []string{"entry-9"}, form["metadata[accountEntryId]"])
	assert.Equal(t, []string{"TOP1"}, form["client_reference_id"])
	assert.Equal(t, []string{"payment"}, form["mode"])
}

func TestCreateCheckoutSessionWithoutKey(t *testing.T) {
	_, err := payment.NewStripeGateway("").CreateCheckoutSession(context.Background(), &payment.CheckoutRequest{})
	assert.ErrorIs(t, err, payment.ErrNotConfigured)
}
