package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"clubledger/internal/apperr"
)

// Metadata keys attached to every top-up checkout session.
const (
	MetaUserID         = "userId"
	MetaClubID         = "clubId"
	MetaEntryTypeID    = "entryTypeId"
	MetaAccountEntryID = "accountEntryId"
)

var ErrNotConfigured = errors.New("payment processor is not configured")

type CheckoutRequest struct {
	AmountMinor     int64
	Currency        string
	ProductName     string
	ClientReference string
	SuccessURL      string
	CancelURL       string
	ExpiresAt       time.Time
	Metadata        map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway creates hosted checkout sessions.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
}

// StripeGateway creates checkout sessions through the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway returns a gateway for secretKey. With an empty key every call
// fails with ErrNotConfigured.
func NewStripeGateway(secretKey string) *StripeGateway {
	return NewStripeGatewayWithBackends(secretKey, nil)
}

// NewStripeGatewayWithBackends lets callers point the client at another API host.
func NewStripeGatewayWithBackends(secretKey string, backends *stripe.Backends) *StripeGateway {
	if secretKey == "" {
		return &StripeGateway{}
	}
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	if g.api == nil {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
					UnitAmount: stripe.Int64(req.AmountMinor),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.ClientReference),
		ExpiresAt:          stripe.Int64(req.ExpiresAt.Unix()),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// Event is the part of a processor notification the reconciler consumes.
type Event struct {
	ID      string
	Type    string
	Session *CompletedSession
}

type CompletedSession struct {
	ID            string
	AmountTotal   int64
	Currency      string
	PaymentStatus string
	Metadata      map[string]string
}

// IsCheckoutCompleted reports whether the event confirms a finished checkout.
func (e *Event) IsCheckoutCompleted() bool {
	return e.Type == string(stripe.EventTypeCheckoutSessionCompleted)
}

// WebhookVerifier authenticates webhook deliveries with the endpoint secret.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Verify checks the Stripe-Signature header against payload before decoding it.
// Any failure wraps apperr.ErrSignatureVerification.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", apperr.ErrSignatureVerification)
	}
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", apperr.ErrSignatureVerification)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrSignatureVerification, err)
	}

	event := &Event{ID: evt.ID, Type: string(evt.Type)}
	if !event.IsCheckoutCompleted() {
		return event, nil
	}

	var cs stripe.CheckoutSession
	if evt.Data == nil {
		return nil, apperr.Validation("event %s carries no data", evt.ID)
	}
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return nil, apperr.Validation("decode checkout session of event %s: %v", evt.ID, err)
	}
	event.Session = &CompletedSession{
		ID:            cs.ID,
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		PaymentStatus: string(cs.PaymentStatus),
		Metadata:      cs.Metadata,
	}
	return event, nil
}
