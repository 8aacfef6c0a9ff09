package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clubledger/internal/config"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/logging"
	"clubledger/internal/model"
)

const (
	testClub          = "club-1"
	testWebhookSecret = "whsec_test"
)

var (
	treasurer = Caller{UserID: "treasurer-1", ClubID: testClub, Role: RoleTreasurer}
	alice     = Caller{UserID: "alice", ClubID: testClub, Role: RoleMember}
	bob       = Caller{UserID: "bob", ClubID: testClub, Role: RoleMember}
)

func testConfig() *config.Config {
	return &config.Config{
		Kafka:  config.KafkaConfig{Topic: config.KafkaTopicConfig{LedgerEvents: "ledger.events"}},
		Stripe: config.StripeConfig{Currency: "eur", ProductName: "Account top-up", WebhookSecret: testWebhookSecret},
		App:    config.AppConfig{FrontendURL: "http://front"},
		Business: config.BusinessConfig{
			SessionTimeoutMinutes: 60,
			SessionGraceMinutes:   60,
			MaxTopUpAmount:        "1000",
			MaxRetryCount:         3,
		},
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func newLedger(db *gorm.DB) *LedgerService {
	return NewLedgerService(db, testConfig(), logging.Discard(), nil)
}

func outboxEvents(t *testing.T, db *gorm.DB) []model.OutboxMessage {
	t.Helper()
	var msgs []model.OutboxMessage
	require.NoError(t, db.Order("id ASC").Find(&msgs).Error)
	return msgs
}

// mockGateway is a payment.Gateway driven by testify expectations.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req *payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if s, _ := args.Get(0).(*payment.CheckoutSession); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}
